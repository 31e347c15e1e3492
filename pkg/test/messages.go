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

	"github.com/Pallinder/go-randomdata"
	"github.com/google/uuid"
	"github.com/imdario/mergo"

	v1 "github.com/gpudev/orchestrator/pkg/apis/v1"
)

// MessageOptions customizes a queue Message.
type MessageOptions struct {
	Type            v1.MessageType
	ReservationID   string
	UserID          string
	GPUType         string
	GPUCount        int
	DurationHours   float64
	DiskName        string
	NotebookEnabled bool
	Name            string
	Multinode       *v1.MultinodeCoordinates
	CLIVersion      string
	Action          v1.ActionType
	Args            *v1.ActionArgs
	SizeGB          int
	Metadata        *v1.Metadata
}

// Message creates a reservation.create message by default; overrides select
// other types.
func Message(overrides ...MessageOptions) *v1.Message {
	options := MessageOptions{}
	for _, opts := range overrides {
		if err := mergo.Merge(&options, opts, mergo.WithOverride); err != nil {
			panic(fmt.Sprintf("Failed to merge message options: %s", err.Error()))
		}
	}
	if options.Type == "" {
		options.Type = v1.MessageReservationCreate
	}
	if options.UserID == "" {
		options.UserID = strings.ToLower(randomdata.SillyName())
	}
	switch options.Type {
	case v1.MessageReservationCreate, v1.MessageReservationCancel, v1.MessageReservationAction:
		if options.ReservationID == "" {
			options.ReservationID = uuid.NewString()
		}
	}
	if options.Type == v1.MessageReservationCreate {
		if options.GPUType == "" {
			options.GPUType = "A100"
		}
		if options.GPUCount == 0 {
			options.GPUCount = 1
		}
		if options.DurationHours == 0 {
			options.DurationHours = 2
		}
	}
	if (options.Type == v1.MessageDiskCreate || options.Type == v1.MessageDiskDelete) && options.DiskName == "" {
		options.DiskName = strings.ToLower(randomdata.SillyName())
	}
	return &v1.Message{
		Type:            options.Type,
		ReservationID:   options.ReservationID,
		UserID:          options.UserID,
		GPUType:         options.GPUType,
		GPUCount:        options.GPUCount,
		DurationHours:   options.DurationHours,
		DiskName:        options.DiskName,
		NotebookEnabled: options.NotebookEnabled,
		Name:            options.Name,
		Multinode:       options.Multinode,
		CLIVersion:      options.CLIVersion,
		Action:          options.Action,
		Args:            options.Args,
		SizeGB:          options.SizeGB,
		Metadata:        options.Metadata,
	}
}
