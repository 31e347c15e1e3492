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

// ReservationOptions customizes a Reservation.
type ReservationOptions struct {
	ReservationID       string
	UserID              string
	GPUType             string
	GPUCount            int
	DurationHours       float64
	Name                string
	DiskName            string
	NotebookEnabled     bool
	SecondaryUsers      []string
	Status              v1.Status
	PodName             string
	NodeIP              string
	VolumeID            string
	IsMultinode         bool
	MasterReservationID string
	NodeIndex           int
	TotalNodes          int
	CreatedAt           time.Time
	LaunchedAt          *time.Time
	ExpiresAt           *time.Time
	CLIVersion          string
}

// Reservation creates a test reservation with defaults that can be overridden
// by ReservationOptions. Overrides are applied in order, with a last write
// wins semantic.
func Reservation(overrides ...ReservationOptions) *v1.Reservation {
	options := ReservationOptions{}
	for _, opts := range overrides {
		if err := mergo.Merge(&options, opts, mergo.WithOverride); err != nil {
			panic(fmt.Sprintf("Failed to merge reservation options: %s", err.Error()))
		}
	}
	if options.ReservationID == "" {
		options.ReservationID = uuid.NewString()
	}
	if options.UserID == "" {
		options.UserID = strings.ToLower(randomdata.SillyName())
	}
	if options.GPUType == "" {
		options.GPUType = "A100"
	}
	if options.GPUCount == 0 {
		options.GPUCount = 1
	}
	if options.DurationHours == 0 {
		options.DurationHours = 2
	}
	if options.Status == "" {
		options.Status = v1.StatusQueued
	}
	return &v1.Reservation{
		ReservationID:       options.ReservationID,
		UserID:              options.UserID,
		GPUType:             options.GPUType,
		GPUCount:            options.GPUCount,
		DurationHours:       options.DurationHours,
		Name:                options.Name,
		DiskName:            options.DiskName,
		NotebookEnabled:     options.NotebookEnabled,
		SecondaryUsers:      options.SecondaryUsers,
		Status:              options.Status,
		PodName:             options.PodName,
		NodeIP:              options.NodeIP,
		VolumeID:            options.VolumeID,
		IsMultinode:         options.IsMultinode,
		MasterReservationID: options.MasterReservationID,
		NodeIndex:           options.NodeIndex,
		TotalNodes:          options.TotalNodes,
		CreatedAt:           options.CreatedAt,
		LaunchedAt:          options.LaunchedAt,
		ExpiresAt:           options.ExpiresAt,
		CLIVersion:          options.CLIVersion,
	}
}

// ActiveReservation creates a reservation that launched now and expires after
// its duration.
func ActiveReservation(now time.Time, overrides ...ReservationOptions) *v1.Reservation {
	r := Reservation(overrides...)
	r.Status = v1.StatusActive
	launched := now
	expires := now.Add(r.Duration())
	r.LaunchedAt = &launched
	r.ExpiresAt = &expires
	return r
}
