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

package test

import (
	"fmt"
	"strings"
	"time"

	"github.com/Pallinder/go-randomdata"
	"github.com/google/uuid"
	"github.com/imdario/mergo"

	v1 "github.com/gpudev/orchestrator/pkg/apis/v1"
)

// DiskOptions customizes a Disk.
type DiskOptions struct {
	DiskID                  string
	UserID                  string
	DiskName                string
	SizeGB                  int
	ProviderVolumeID        string
	LatestSnapshotContentS3 string
	InUse                   bool
	AttachedToReservation   string
	IsBackingUp             bool
	IsDeleted               bool
	DeleteDate              *time.Time
	SnapshotCount           int
	PendingSnapshotCount    int
	LastSnapshotAt          *time.Time
	CreatedAt               time.Time
}

// Disk creates a test disk with defaults that can be overridden by
// DiskOptions.
func Disk(overrides ...DiskOptions) *v1.Disk {
	options := DiskOptions{}
	for _, opts := range overrides {
		if err := mergo.Merge(&options, opts, mergo.WithOverride); err != nil {
			panic(fmt.Sprintf("Failed to merge disk options: %s", err.Error()))
		}
	}
	if options.DiskID == "" {
		options.DiskID = uuid.NewString()
	}
	if options.UserID == "" {
		options.UserID = strings.ToLower(randomdata.SillyName())
	}
	if options.DiskName == "" {
		options.DiskName = strings.ToLower(randomdata.SillyName())
	}
	if options.SizeGB == 0 {
		options.SizeGB = v1.DefaultDiskSizeGB
	}
	return &v1.Disk{
		DiskID:                  options.DiskID,
		UserID:                  options.UserID,
		DiskName:                options.DiskName,
		SizeGB:                  options.SizeGB,
		ProviderVolumeID:        options.ProviderVolumeID,
		LatestSnapshotContentS3: options.LatestSnapshotContentS3,
		InUse:                   options.InUse,
		AttachedToReservation:   options.AttachedToReservation,
		IsBackingUp:             options.IsBackingUp,
		IsDeleted:               options.IsDeleted,
		DeleteDate:              options.DeleteDate,
		SnapshotCount:           options.SnapshotCount,
		PendingSnapshotCount:    options.PendingSnapshotCount,
		LastSnapshotAt:          options.LastSnapshotAt,
		CreatedAt:               options.CreatedAt,
	}
}
