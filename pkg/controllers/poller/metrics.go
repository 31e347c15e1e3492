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

package poller

import (
	"github.com/prometheus/client_golang/prometheus"
	crmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"

	"github.com/gpudev/orchestrator/pkg/metrics"
)

var (
	workersActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: metrics.Namespace,
			Subsystem: "poller",
			Name:      "active_workers",
			Help:      "Worker jobs currently tracked as in flight.",
		})
	messagesDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "poller",
			Name:      "messages_dispatched_total",
			Help:      "Messages handed to a worker job, partitioned by message type.",
		},
		[]string{metrics.MessageTypeLabel})
	messagesArchived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "poller",
			Name:      "messages_archived_total",
			Help:      "Messages dead-lettered after exhausting their retry budget, partitioned by message type.",
		},
		[]string{metrics.MessageTypeLabel})
	workerFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "poller",
			Name:      "worker_failures_total",
			Help:      "Worker jobs that reached a failed terminal condition.",
		})
	workerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metrics.Namespace,
			Subsystem: "poller",
			Name:      "worker_duration_seconds",
			Help:      "Worker job run time from start to terminal condition, partitioned by result.",
			Buckets:   metrics.DurationBuckets(),
		},
		[]string{metrics.ResultLabel})
)

func init() {
	crmetrics.Registry.MustRegister(workersActive, messagesDispatched, messagesArchived, workerFailures, workerDuration)
}
