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
	"time"
)

// Status is the lifecycle state of a reservation. Terminal statuses are sinks;
// no transition leaves them.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusPending    Status = "pending"
	StatusPreparing  Status = "preparing"
	StatusActive     Status = "active"
	StatusCancelling Status = "cancelling"
	StatusCancelled  Status = "cancelled"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

func (s Status) IsTerminal() bool {
	return s == StatusCancelled || s == StatusCompleted || s == StatusFailed
}

// StatusEntry is one element of a reservation's append-only status history.
// Entries are written in the same statement as the status column update.
type StatusEntry struct {
	Status        Status    `json:"status"`
	Timestamp     time.Time `json:"timestamp"`
	Message       string    `json:"message,omitempty"`
	FailureReason string    `json:"failure_reason,omitempty"`
}

// Reservation is the central record: a time-boxed grant of GPU capacity and the
// workload running on behalf of a user.
type Reservation struct {
	ReservationID string `json:"reservation_id"`
	UserID        string `json:"user_id"`

	// Intent
	GPUType         string   `json:"gpu_type"`
	GPUCount        int      `json:"gpu_count"`
	DurationHours   float64  `json:"duration_hours"`
	Name            string   `json:"name,omitempty"`
	DiskName        string   `json:"disk_name,omitempty"`
	ImageReference  string   `json:"image_reference,omitempty"`
	NotebookEnabled bool     `json:"notebook_enabled"`
	SecondaryUsers  []string `json:"secondary_users,omitempty"`

	// State
	Status         Status        `json:"status"`
	DetailedStatus string        `json:"current_detailed_status,omitempty"`
	StatusHistory  []StatusEntry `json:"status_history,omitempty"`
	FailureReason  string        `json:"failure_reason,omitempty"`

	// Placement
	PodName      string `json:"pod_name,omitempty"`
	Namespace    string `json:"namespace,omitempty"`
	NodeIP       string `json:"node_ip,omitempty"`
	NodePort     int32  `json:"node_port,omitempty"`
	SSHCommand   string `json:"ssh_command,omitempty"`
	VolumeID     string `json:"ebs_volume_id,omitempty"`
	InstanceType string `json:"instance_type,omitempty"`

	// Notebook
	NotebookURL   string `json:"notebook_url,omitempty"`
	NotebookPort  int32  `json:"notebook_port,omitempty"`
	NotebookToken string `json:"notebook_token,omitempty"`
	NotebookError string `json:"notebook_error,omitempty"`

	// Multinode linkage. The master points at itself; children carry
	// node_index in [1, total_nodes).
	IsMultinode         bool   `json:"is_multinode"`
	MasterReservationID string `json:"master_reservation_id,omitempty"`
	NodeIndex           int    `json:"node_index"`
	TotalNodes          int    `json:"total_nodes"`

	CreatedAt  time.Time  `json:"created_at"`
	LaunchedAt *time.Time `json:"launched_at,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`

	WarnedThirtyMin  bool `json:"warned_30min"`
	WarnedFifteenMin bool `json:"warned_15min"`
	WarnedFiveMin    bool `json:"warned_5min"`

	CLIVersion string `json:"cli_version,omitempty"`
}

// IsMaster reports whether this record is the master of its multinode group.
func (r *Reservation) IsMaster() bool {
	return r.IsMultinode && r.MasterReservationID == r.ReservationID
}

// Duration returns the requested duration as a time.Duration.
func (r *Reservation) Duration() time.Duration {
	return time.Duration(r.DurationHours * float64(time.Hour))
}
