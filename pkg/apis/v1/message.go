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
	"encoding/json"
	"fmt"
	"time"
)

type MessageType string

const (
	MessageReservationCreate MessageType = "reservation.create"
	MessageReservationCancel MessageType = "reservation.cancel"
	MessageReservationAction MessageType = "reservation.action"
	MessageDiskCreate        MessageType = "disk.create"
	MessageDiskDelete        MessageType = "disk.delete"
)

type ActionType string

const (
	ActionExtend          ActionType = "extend"
	ActionAddUser         ActionType = "add_user"
	ActionEnableNotebook  ActionType = "enable_notebook"
	ActionDisableNotebook ActionType = "disable_notebook"
)

// Metadata carries the application-level retry policy, independent of the
// queue's own read_ct. Whichever count is higher wins.
type Metadata struct {
	RetryCount int       `json:"retry_count"`
	CreatedAt  time.Time `json:"created_at"`
	MaxRetries int       `json:"max_retries"`
}

// MultinodeCoordinates pin a create message to its position in a multinode
// group.
type MultinodeCoordinates struct {
	MasterReservationID string `json:"master_reservation_id"`
	NodeIndex           int    `json:"node_index"`
	TotalNodes          int    `json:"total_nodes"`
}

// ActionArgs are the arguments of a reservation.action message.
type ActionArgs struct {
	Hours    float64 `json:"hours,omitempty"`
	Username string  `json:"username,omitempty"`
}

// Message is the durable queue payload. The body is flat; Type discriminates
// which fields are meaningful.
type Message struct {
	Type MessageType `json:"type"`

	ReservationID   string                `json:"reservation_id,omitempty"`
	UserID          string                `json:"user_id,omitempty"`
	GPUType         string                `json:"gpu_type,omitempty"`
	GPUCount        int                   `json:"gpu_count,omitempty"`
	DurationHours   float64               `json:"duration_hours,omitempty"`
	DiskName        string                `json:"disk_name,omitempty"`
	ImageReference  string                `json:"image_reference,omitempty"`
	NotebookEnabled bool                  `json:"notebook_enabled,omitempty"`
	Name            string                `json:"name,omitempty"`
	Multinode       *MultinodeCoordinates `json:"multinode,omitempty"`
	CLIVersion      string                `json:"cli_version,omitempty"`

	Action ActionType  `json:"action,omitempty"`
	Args   *ActionArgs `json:"args,omitempty"`

	SizeGB int `json:"size_gb,omitempty"`

	Metadata *Metadata `json:"_metadata,omitempty"`
}

func (m *Message) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

func UnmarshalMessage(data []byte) (*Message, error) {
	msg := &Message{}
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("unmarshaling message, %w", err)
	}
	return msg, nil
}

// Validate checks structural validity only; business rules (capacity, limits,
// ownership) are enforced at admission.
func (m *Message) Validate() error {
	switch m.Type {
	case MessageReservationCreate:
		if m.ReservationID == "" || m.UserID == "" {
			return fmt.Errorf("reservation.create requires reservation_id and user_id")
		}
		if m.GPUType == "" {
			return fmt.Errorf("reservation.create requires gpu_type")
		}
		if m.GPUCount < 0 {
			return fmt.Errorf("gpu_count must not be negative, got %d", m.GPUCount)
		}
		if m.Multinode != nil {
			if m.Multinode.MasterReservationID == "" {
				return fmt.Errorf("multinode coordinates require master_reservation_id")
			}
			if m.Multinode.TotalNodes < 2 || m.Multinode.NodeIndex < 0 || m.Multinode.NodeIndex >= m.Multinode.TotalNodes {
				return fmt.Errorf("invalid multinode coordinates %d/%d", m.Multinode.NodeIndex, m.Multinode.TotalNodes)
			}
		}
	case MessageReservationCancel:
		if m.ReservationID == "" || m.UserID == "" {
			return fmt.Errorf("reservation.cancel requires reservation_id and user_id")
		}
	case MessageReservationAction:
		if m.ReservationID == "" || m.UserID == "" {
			return fmt.Errorf("reservation.action requires reservation_id and user_id")
		}
		switch m.Action {
		case ActionExtend, ActionAddUser, ActionEnableNotebook, ActionDisableNotebook:
		default:
			return fmt.Errorf("unknown action %q", m.Action)
		}
	case MessageDiskCreate, MessageDiskDelete:
		if m.UserID == "" || m.DiskName == "" {
			return fmt.Errorf("%s requires user_id and disk_name", m.Type)
		}
	default:
		return fmt.Errorf("unknown message type %q", m.Type)
	}
	return nil
}
