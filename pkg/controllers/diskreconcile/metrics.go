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

package diskreconcile

import (
	"github.com/prometheus/client_golang/prometheus"
	crmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"

	"github.com/gpudev/orchestrator/pkg/metrics"
)

var (
	disksSynced = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: metrics.Namespace,
			Subsystem: "disk_reconcile",
			Name:      "synced_disks",
			Help:      "Disk rows upserted from cloud volumes on the latest pass.",
		})
	volumesQuarantined = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "disk_reconcile",
			Name:      "quarantined_volumes_total",
			Help:      "Volumes tagged out of service as duplicates.",
		})
	disksOrphaned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "disk_reconcile",
			Name:      "orphaned_disks_total",
			Help:      "Disk rows whose backing volume left the cloud inventory.",
		})
	quarantinedDeleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "disk_reconcile",
			Name:      "quarantined_volumes_deleted_total",
			Help:      "Quarantined volumes deleted after their retention window, each behind a backup snapshot.",
		})
)

func init() {
	crmetrics.Registry.MustRegister(disksSynced, volumesQuarantined, disksOrphaned, quarantinedDeleted)
}
