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

	"k8s.io/apimachinery/pkg/util/sets"
)

const (
	// MaxMultinodeNodes bounds the node count of a multinode reservation.
	MaxMultinodeNodes = 4
	// CPUSlotsPerNode is the number of concurrent CPU-only reservations a
	// single CPU node accommodates.
	CPUSlotsPerNode = 3
)

// MultinodeGPUTypes is the set of GPU types eligible for multinode
// reservations. Only full 8-GPU nodes of these types may be ganged.
var MultinodeGPUTypes = sets.New("H100", "H200", "B200", "A100")

// GPUType is one row of per-type configuration plus the live availability
// columns maintained by the availability engine.
type GPUType struct {
	Name         string `json:"name"`
	InstanceType string `json:"instance_type"`
	MaxGPUs      int    `json:"max_gpus"`
	CPUs         int    `json:"cpus"`
	MemoryGB     int    `json:"memory_gb"`
	MaxPerNode   int    `json:"max_per_node"`
	Description  string `json:"description,omitempty"`
	IsActive     bool   `json:"is_active"`
	// SupportsMultinode overrides the allow-list when set on the row.
	SupportsMultinode *bool `json:"supports_multinode,omitempty"`

	// Dynamic columns, writer-exclusive to the availability engine.
	TotalClusterGPUs          int        `json:"total_cluster_gpus"`
	AvailableGPUs             int        `json:"available_gpus"`
	MaxReservable             int        `json:"max_reservable"`
	FullNodesAvailable        int        `json:"full_nodes_available"`
	RunningInstances          int        `json:"running_instances"`
	DesiredCapacity           int        `json:"desired_capacity"`
	LastAvailabilityUpdate    *time.Time `json:"last_availability_update,omitempty"`
	LastAvailabilityUpdatedBy string     `json:"last_availability_updated_by,omitempty"`
}

// IsCPUOnly reports whether the type carries no GPUs; reservations against it
// are admitted with gpu_count = 0 and scheduled by slot.
func (g *GPUType) IsCPUOnly() bool {
	return g.MaxPerNode == 0
}

// Multinode reports whether the type is eligible for multinode reservations.
func (g *GPUType) Multinode() bool {
	if g.SupportsMultinode != nil {
		return *g.SupportsMultinode
	}
	return MultinodeGPUTypes.Has(g.Name) && g.MaxPerNode == 8
}

// CPUPerGPU returns the CPU share granted per requested GPU.
func (g *GPUType) CPUPerGPU() float64 {
	if g.MaxGPUs == 0 {
		return float64(g.CPUs)
	}
	return float64(g.CPUs) / float64(g.MaxGPUs)
}

// MemoryPerGPU returns the memory share in GB granted per requested GPU.
func (g *GPUType) MemoryPerGPU() float64 {
	if g.MaxGPUs == 0 {
		return float64(g.MemoryGB)
	}
	return float64(g.MemoryGB) / float64(g.MaxGPUs)
}
