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

package expiry

import (
	"github.com/prometheus/client_golang/prometheus"
	crmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"

	"github.com/gpudev/orchestrator/pkg/metrics"
)

var (
	reservationsExpired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "expiry",
			Name:      "reservations_expired_total",
			Help:      "Reservations torn down after reaching their deadline.",
		})
	warningsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "expiry",
			Name:      "warnings_sent_total",
			Help:      "Expiry countdown warnings delivered, partitioned by threshold minutes.",
		},
		[]string{"threshold"})
	staleReservationsFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "expiry",
			Name:      "stale_reservations_failed_total",
			Help:      "Reservations failed by the stale sweep after stalling before launch.",
		})
	apiKeysPurged = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "expiry",
			Name:      "api_keys_purged_total",
			Help:      "Expired api keys removed by the periodic purge.",
		})
)

func init() {
	crmetrics.Registry.MustRegister(reservationsExpired, warningsSent, staleReservationsFailed, apiKeysPurged)
}
