/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package v1

import (
	"regexp"
	"time"
)

// DiskNamePattern constrains user-chosen disk names.
var DiskNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

const (
	// DefaultDiskSizeGB is used when disk.create omits a size.
	DefaultDiskSizeGB = 100
	// DiskDeleteGraceDays is the soft-delete grace period before a disk row
	// becomes eligible for hard deletion.
	DiskDeleteGraceDays = 30
	// DiskNameNone is the sentinel for a reservation that wants no disk.
	DiskNameNone = "none"
)

// Disk is a named, user-owned persistent block volume. The provider volume is
// materialized lazily on first attach; until then ProviderVolumeID is empty.
type Disk struct {
	DiskID   string `json:"disk_id"`
	UserID   string `json:"user_id"`
	DiskName string `json:"disk_name"`

	SizeGB           int    `json:"size_gb"`
	ProviderVolumeID string `json:"provider_volume_id,omitempty"`
	// DiskSize is the last measured human-readable usage, e.g. "12G".
	DiskSize                string `json:"disk_size,omitempty"`
	LatestSnapshotContentS3 string `json:"latest_snapshot_content_s3,omitempty"`

	CreatedAt             time.Time  `json:"created_at"`
	LastUsed              *time.Time `json:"last_used,omitempty"`
	LastSyncedAt          *time.Time `json:"last_synced_at,omitempty"`
	InUse                 bool       `json:"in_use"`
	AttachedToReservation string     `json:"attached_to_reservation,omitempty"`
	IsBackingUp           bool       `json:"is_backing_up"`
	IsDeleted             bool       `json:"is_deleted"`
	DeleteDate            *time.Time `json:"delete_date,omitempty"`

	// In-flight provider operation, if any.
	OperationID     string `json:"operation_id,omitempty"`
	OperationStatus string `json:"operation_status,omitempty"`
	OperationError  string `json:"operation_error,omitempty"`

	SnapshotCount        int        `json:"snapshot_count"`
	PendingSnapshotCount int        `json:"pending_snapshot_count"`
	LastSnapshotAt       *time.Time `json:"last_snapshot_at,omitempty"`
}
