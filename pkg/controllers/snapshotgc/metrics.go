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

package snapshotgc

import (
	"github.com/prometheus/client_golang/prometheus"
	crmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"

	"github.com/gpudev/orchestrator/pkg/metrics"
)

var (
	snapshotsTracked = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: metrics.Namespace,
			Subsystem: "snapshot_gc",
			Name:      "tracked_snapshots",
			Help:      "User-tagged snapshots seen on the latest pass.",
		})
	snapshotsDeleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "snapshot_gc",
			Name:      "snapshots_deleted_total",
			Help:      "Snapshots deleted past retention, partitioned by snapshot kind.",
		},
		[]string{"kind"})
)

func init() {
	crmetrics.Registry.MustRegister(snapshotsTracked, snapshotsDeleted)
}
