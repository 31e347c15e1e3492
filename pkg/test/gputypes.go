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

	"github.com/imdario/mergo"

	v1 "github.com/gpudev/orchestrator/pkg/apis/v1"
)

// GPUTypeOptions customizes a GPUType.
type GPUTypeOptions struct {
	Name              string
	InstanceType      string
	MaxGPUs           int
	CPUs              int
	MemoryGB          int
	MaxPerNode        int
	IsActive          *bool
	SupportsMultinode *bool
	AvailableGPUs     int
	MaxReservable     int
	RunningInstances  int
	DesiredCapacity   int
}

// GPUType creates a test GPU type with H100-like defaults that can be
// overridden by GPUTypeOptions.
func GPUType(overrides ...GPUTypeOptions) *v1.GPUType {
	options := GPUTypeOptions{}
	for _, opts := range overrides {
		if err := mergo.Merge(&options, opts, mergo.WithOverride); err != nil {
			panic(fmt.Sprintf("Failed to merge gpu type options: %s", err.Error()))
		}
	}
	if options.Name == "" {
		options.Name = "H100"
	}
	if options.InstanceType == "" {
		options.InstanceType = "p5.48xlarge"
	}
	if options.MaxGPUs == 0 {
		options.MaxGPUs = 8
	}
	if options.CPUs == 0 {
		options.CPUs = 192
	}
	if options.MemoryGB == 0 {
		options.MemoryGB = 2048
	}
	if options.MaxPerNode == 0 {
		options.MaxPerNode = 8
	}
	if options.IsActive == nil {
		active := true
		options.IsActive = &active
	}
	return &v1.GPUType{
		Name:              options.Name,
		InstanceType:      options.InstanceType,
		MaxGPUs:           options.MaxGPUs,
		CPUs:              options.CPUs,
		MemoryGB:          options.MemoryGB,
		MaxPerNode:        options.MaxPerNode,
		IsActive:          *options.IsActive,
		SupportsMultinode: options.SupportsMultinode,
		AvailableGPUs:     options.AvailableGPUs,
		MaxReservable:     options.MaxReservable,
		RunningInstances:  options.RunningInstances,
		DesiredCapacity:   options.DesiredCapacity,
	}
}

// CPUGPUType creates a CPU-only type; reservations against it are scheduled by
// slot rather than by GPU.
func CPUGPUType(overrides ...GPUTypeOptions) *v1.GPUType {
	g := GPUType(overrides...)
	g.Name = "CPU"
	g.InstanceType = "m5.8xlarge"
	g.MaxGPUs = 0
	g.MaxPerNode = 0
	g.CPUs = 32
	g.MemoryGB = 128
	return g
}
