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
	"github.com/samber/lo"

	"github.com/gpudev/orchestrator/pkg/fake"
	"github.com/gpudev/orchestrator/pkg/operator/options"
)

// OptionsFields mirrors options.Options with pointers so overrides merge.
type OptionsFields struct {
	ClusterName          *string
	WorkerNamespace      *string
	WorkerImage          *string
	WorkerServiceAccount *string
	WorkloadImage        *string
	ClusterDomain        *string

	DatabaseURL *string
	QueueName   *string

	PrimaryAvailabilityZone *string
	ContentBucket           *string
	NotificationQueue       *string

	MaxReservationHours     *int
	DefaultTimeoutHours     *float64
	MinCLIVersion           *string
	APIKeyTTLHours          *int
	StaleReservationDays    *int
	ReadinessTimeoutMinutes *int

	PollIntervalSeconds      *int
	VisibilityTimeoutSeconds *int
	BatchSize                *int
	MaxConcurrentJobs        *int
	MaxRetries               *int

	AvailabilityIntervalSeconds *int
	ExpiryIntervalSeconds       *int
	ReconcileIntervalMinutes    *int

	SnapshotKeepCount             *int
	SnapshotMaxAgeDays            *int
	QuarantineMaxAgeDays          *int
	QuarantineBackupRetentionDays *int
}

// Options builds operator options with test defaults that can be overridden
// by OptionsFields.
func Options(overrides ...OptionsFields) *options.Options {
	opts := OptionsFields{}
	for _, override := range overrides {
		if err := mergo.Merge(&opts, override, mergo.WithOverride); err != nil {
			panic(fmt.Sprintf("Failed to merge options: %s", err.Error()))
		}
	}
	return &options.Options{
		MetricsPort:          8080,
		HealthProbePort:      8081,
		KubeClientQPS:        200,
		KubeClientBurst:      300,
		EnableLeaderElection: false,

		ClusterName:          lo.FromPtrOr(opts.ClusterName, DefaultClusterName),
		WorkerNamespace:      lo.FromPtrOr(opts.WorkerNamespace, "gpu-dev"),
		WorkerImage:          lo.FromPtrOr(opts.WorkerImage, "gpu-dev/worker:latest"),
		WorkerServiceAccount: lo.FromPtrOr(opts.WorkerServiceAccount, ""),
		WorkloadImage:        lo.FromPtrOr(opts.WorkloadImage, "gpu-dev/workload:latest"),
		ClusterDomain:        lo.FromPtrOr(opts.ClusterDomain, "dev.example.com"),

		DatabaseURL: lo.FromPtrOr(opts.DatabaseURL, "postgres://localhost:5432/gpu_dev_test"),
		QueueName:   lo.FromPtrOr(opts.QueueName, "gpu_dev_jobs"),

		PrimaryAvailabilityZone: lo.FromPtrOr(opts.PrimaryAvailabilityZone, fake.DefaultZone),
		ContentBucket:           lo.FromPtrOr(opts.ContentBucket, DefaultBucket),
		NotificationQueue:       lo.FromPtrOr(opts.NotificationQueue, "gpu-dev-notifications"),

		MaxReservationHours:     lo.FromPtrOr(opts.MaxReservationHours, 48),
		DefaultTimeoutHours:     lo.FromPtrOr(opts.DefaultTimeoutHours, 8),
		MinCLIVersion:           lo.FromPtrOr(opts.MinCLIVersion, ""),
		APIKeyTTLHours:          lo.FromPtrOr(opts.APIKeyTTLHours, 2),
		StaleReservationDays:    lo.FromPtrOr(opts.StaleReservationDays, 7),
		ReadinessTimeoutMinutes: lo.FromPtrOr(opts.ReadinessTimeoutMinutes, 15),

		PollIntervalSeconds:      lo.FromPtrOr(opts.PollIntervalSeconds, 5),
		VisibilityTimeoutSeconds: lo.FromPtrOr(opts.VisibilityTimeoutSeconds, 900),
		BatchSize:                lo.FromPtrOr(opts.BatchSize, 1),
		MaxConcurrentJobs:        lo.FromPtrOr(opts.MaxConcurrentJobs, 50),
		MaxRetries:               lo.FromPtrOr(opts.MaxRetries, 3),

		AvailabilityIntervalSeconds: lo.FromPtrOr(opts.AvailabilityIntervalSeconds, 60),
		ExpiryIntervalSeconds:       lo.FromPtrOr(opts.ExpiryIntervalSeconds, 60),
		ReconcileIntervalMinutes:    lo.FromPtrOr(opts.ReconcileIntervalMinutes, 30),

		SnapshotKeepCount:             lo.FromPtrOr(opts.SnapshotKeepCount, 3),
		SnapshotMaxAgeDays:            lo.FromPtrOr(opts.SnapshotMaxAgeDays, 7),
		QuarantineMaxAgeDays:          lo.FromPtrOr(opts.QuarantineMaxAgeDays, 30),
		QuarantineBackupRetentionDays: lo.FromPtrOr(opts.QuarantineBackupRetentionDays, 90),
	}
}
