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

package availability

import (
	"github.com/prometheus/client_golang/prometheus"
	crmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"

	"github.com/gpudev/orchestrator/pkg/metrics"
)

var (
	availableGPUs = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: metrics.Namespace,
			Subsystem: "availability",
			Name:      "available_gpus",
			Help:      "Free devices across ready schedulable nodes, or free slots for CPU-only types.",
		},
		[]string{metrics.GPUTypeLabel})
	totalGPUs = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: metrics.Namespace,
			Subsystem: "availability",
			Name:      "total_gpus",
			Help:      "Allocatable devices across ready schedulable nodes.",
		},
		[]string{metrics.GPUTypeLabel})
	maxReservable = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: metrics.Namespace,
			Subsystem: "availability",
			Name:      "max_reservable_gpus",
			Help:      "Largest single reservation admission would accept right now.",
		},
		[]string{metrics.GPUTypeLabel})
	fullNodes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: metrics.Namespace,
			Subsystem: "availability",
			Name:      "full_nodes",
			Help:      "Ready schedulable nodes with every device free.",
		},
		[]string{metrics.GPUTypeLabel})
)

func init() {
	crmetrics.Registry.MustRegister(availableGPUs, totalGPUs, maxReservable, fullNodes)
}
