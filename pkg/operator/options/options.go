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

package options

import (
	"context"
	"errors"
	"flag"
	"os"
	"time"

	"github.com/gpudev/orchestrator/pkg/utils/env"
)

type optionsKey struct{}

// Options for running the orchestrator binaries. Defaults come from the
// environment; flags override.
type Options struct {
	*flag.FlagSet

	// Vendor neutral
	MetricsPort          int
	HealthProbePort      int
	KubeClientQPS        int
	KubeClientBurst      int
	EnableLeaderElection bool
	LogLevel             string

	// Cluster
	ClusterName          string
	WorkerNamespace      string
	WorkerImage          string
	WorkerServiceAccount string
	WorkloadImage        string
	ClusterDomain        string

	// Persistence and queue
	DatabaseURL    string
	QueueName      string
	GPUTypesConfig string

	// Cloud
	PrimaryAvailabilityZone string
	ContentBucket           string
	NotificationQueue       string

	// Reservation policy
	MaxReservationHours     int
	DefaultTimeoutHours     float64
	MinCLIVersion           string
	APIKeyTTLHours          int
	StaleReservationDays    int
	ReadinessTimeoutMinutes int

	// Queue runtime
	PollIntervalSeconds      int
	VisibilityTimeoutSeconds int
	BatchSize                int
	MaxConcurrentJobs        int
	MaxRetries               int

	// Periodic loops
	AvailabilityIntervalSeconds int
	ExpiryIntervalSeconds       int
	ReconcileIntervalMinutes    int

	// Snapshot and quarantine policy
	SnapshotKeepCount             int
	SnapshotMaxAgeDays            int
	QuarantineMaxAgeDays          int
	QuarantineBackupRetentionDays int
}

// New creates an Options struct and registers CLI flags and environment
// variables to fill-in the Options struct fields
func New() *Options {
	opts := &Options{}
	f := flag.NewFlagSet("gpu-dev-orchestrator", flag.ContinueOnError)
	opts.FlagSet = f

	f.IntVar(&opts.MetricsPort, "metrics-port", env.WithDefaultInt("METRICS_PORT", 8080), "The port the metric endpoint binds to for operating metrics about the controller itself")
	f.IntVar(&opts.HealthProbePort, "health-probe-port", env.WithDefaultInt("HEALTH_PROBE_PORT", 8081), "The port the health probe endpoint binds to for reporting controller health")
	f.IntVar(&opts.KubeClientQPS, "kube-client-qps", env.WithDefaultInt("KUBE_CLIENT_QPS", 200), "The smoothed rate of qps to kube-apiserver")
	f.IntVar(&opts.KubeClientBurst, "kube-client-burst", env.WithDefaultInt("KUBE_CLIENT_BURST", 300), "The maximum allowed burst of queries to the kube-apiserver")
	f.BoolVar(&opts.EnableLeaderElection, "leader-elect", env.WithDefaultBool("LEADER_ELECT", true), "Start leader election client and gain leadership before executing the main loop")
	f.StringVar(&opts.LogLevel, "log-level", env.WithDefaultString("LOG_LEVEL", "info"), "Log verbosity level. Can be one of 'debug', 'info', or 'error'")

	f.StringVar(&opts.ClusterName, "cluster-name", env.WithDefaultString("CLUSTER_NAME", ""), "The kubernetes cluster name, stamped into resource tags and availability provenance")
	f.StringVar(&opts.WorkerNamespace, "worker-namespace", env.WithDefaultString("WORKER_NAMESPACE", "gpu-dev"), "The namespace reservations and worker jobs run in")
	f.StringVar(&opts.WorkerImage, "worker-image", env.WithDefaultString("WORKER_IMAGE", ""), "The image used for one-shot message worker jobs")
	f.StringVar(&opts.WorkerServiceAccount, "worker-service-account", env.WithDefaultString("WORKER_SERVICE_ACCOUNT", ""), "The service account worker jobs run as; the namespace default is used when unset")
	f.StringVar(&opts.WorkloadImage, "workload-image", env.WithDefaultString("WORKLOAD_IMAGE", ""), "The default reservation workload image when the request does not name one")
	f.StringVar(&opts.ClusterDomain, "cluster-domain", env.WithDefaultString("CLUSTER_DOMAIN", ""), "The base domain used to build notebook URLs; notebook URLs are omitted when unset")

	f.StringVar(&opts.DatabaseURL, "database-url", env.WithDefaultString("DATABASE_URL", ""), "The postgres connection string for the orchestrator store")
	f.StringVar(&opts.QueueName, "queue-name", env.WithDefaultString("QUEUE_NAME", "gpu_dev_jobs"), "The durable queue name")
	f.StringVar(&opts.GPUTypesConfig, "gpu-types-config", env.WithDefaultString("GPU_TYPES_CONFIG", ""), "The path of a gpu type seed document applied at startup; seeding is skipped when unset")

	f.StringVar(&opts.PrimaryAvailabilityZone, "primary-availability-zone", env.WithDefaultString("PRIMARY_AVAILABILITY_ZONE", ""), "The availability zone volumes are created in")
	f.StringVar(&opts.ContentBucket, "content-bucket", env.WithDefaultString("CONTENT_BUCKET", ""), "The object storage bucket for disk content listings; content capture is disabled when unset")
	f.StringVar(&opts.NotificationQueue, "notification-queue", env.WithDefaultString("NOTIFICATION_QUEUE", ""), "The SQS queue name for user notifications; notifications are logged when unset")

	f.IntVar(&opts.MaxReservationHours, "max-reservation-hours", env.WithDefaultInt("MAX_RESERVATION_HOURS", 48), "The upper bound on reservation duration and extension")
	f.Float64Var(&opts.DefaultTimeoutHours, "default-timeout-hours", env.WithDefaultFloat64("DEFAULT_TIMEOUT_HOURS", 8), "The reservation duration used when the request omits one")
	f.StringVar(&opts.MinCLIVersion, "min-cli-version", env.WithDefaultString("MIN_CLI_VERSION", ""), "The minimum client version admitted; the gate is disabled when unset")
	f.IntVar(&opts.APIKeyTTLHours, "api-key-ttl-hours", env.WithDefaultInt("API_KEY_TTL_HOURS", 2), "The validity window of issued api keys in hours")
	f.IntVar(&opts.StaleReservationDays, "stale-reservation-days", env.WithDefaultInt("STALE_RESERVATION_DAYS", 7), "The age at which queued or pending reservations are swept to failed")
	f.IntVar(&opts.ReadinessTimeoutMinutes, "readiness-timeout-minutes", env.WithDefaultInt("READINESS_TIMEOUT_MINUTES", 15), "The bound on workload readiness polling")

	f.IntVar(&opts.PollIntervalSeconds, "poll-interval-seconds", env.WithDefaultInt("POLL_INTERVAL_SECONDS", 5), "The queue poller cadence")
	f.IntVar(&opts.VisibilityTimeoutSeconds, "visibility-timeout-seconds", env.WithDefaultInt("VISIBILITY_TIMEOUT_SECONDS", 900), "The queue visibility window; also the worker deadline")
	f.IntVar(&opts.BatchSize, "batch-size", env.WithDefaultInt("BATCH_SIZE", 1), "The number of messages pulled per poll")
	f.IntVar(&opts.MaxConcurrentJobs, "max-concurrent-jobs", env.WithDefaultInt("MAX_CONCURRENT_JOBS", 50), "The ceiling on in-flight worker jobs")
	f.IntVar(&opts.MaxRetries, "max-retries", env.WithDefaultInt("MAX_RETRIES", 3), "The read count at which a message is dead-lettered")

	f.IntVar(&opts.AvailabilityIntervalSeconds, "availability-interval-seconds", env.WithDefaultInt("AVAILABILITY_INTERVAL_SECONDS", 60), "The availability engine cadence")
	f.IntVar(&opts.ExpiryIntervalSeconds, "expiry-interval-seconds", env.WithDefaultInt("EXPIRY_INTERVAL_SECONDS", 60), "The expiry scheduler cadence")
	f.IntVar(&opts.ReconcileIntervalMinutes, "reconcile-interval-minutes", env.WithDefaultInt("RECONCILE_INTERVAL_MINUTES", 30), "The disk reconciler cadence")

	f.IntVar(&opts.SnapshotKeepCount, "snapshot-keep-count", env.WithDefaultInt("SNAPSHOT_KEEP_COUNT", 3), "The number of newest completed snapshots retained per user")
	f.IntVar(&opts.SnapshotMaxAgeDays, "snapshot-max-age-days", env.WithDefaultInt("SNAPSHOT_MAX_AGE_DAYS", 7), "The age bound on retained snapshots")
	f.IntVar(&opts.QuarantineMaxAgeDays, "quarantine-max-age-days", env.WithDefaultInt("QUARANTINE_MAX_AGE_DAYS", 30), "The grace period before quarantined volumes are deleted")
	f.IntVar(&opts.QuarantineBackupRetentionDays, "quarantine-backup-retention-days", env.WithDefaultInt("QUARANTINE_BACKUP_RETENTION_DAYS", 90), "The retention of safety snapshots taken before quarantined volume deletion")
	return opts
}

// MustParse reads the user passed flags, environment variables, and default
// values. Options are validated and panics if an error is returned
func (o *Options) MustParse() *Options {
	err := o.Parse(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		panic(err)
	}
	if err := o.Validate(); err != nil {
		panic(err)
	}
	return o
}

func (o *Options) PollInterval() time.Duration {
	return time.Duration(o.PollIntervalSeconds) * time.Second
}

func (o *Options) VisibilityTimeout() time.Duration {
	return time.Duration(o.VisibilityTimeoutSeconds) * time.Second
}

func (o *Options) AvailabilityInterval() time.Duration {
	return time.Duration(o.AvailabilityIntervalSeconds) * time.Second
}

func (o *Options) ExpiryInterval() time.Duration {
	return time.Duration(o.ExpiryIntervalSeconds) * time.Second
}

func (o *Options) ReconcileInterval() time.Duration {
	return time.Duration(o.ReconcileIntervalMinutes) * time.Minute
}

func (o *Options) ReadinessTimeout() time.Duration {
	return time.Duration(o.ReadinessTimeoutMinutes) * time.Minute
}

func (o *Options) MaxReservationDuration() time.Duration {
	return time.Duration(o.MaxReservationHours) * time.Hour
}

func ToContext(ctx context.Context, opts *Options) context.Context {
	return context.WithValue(ctx, optionsKey{}, opts)
}

func FromContext(ctx context.Context) *Options {
	retval := ctx.Value(optionsKey{})
	if retval == nil {
		panic("options doesn't exist in context")
	}
	return retval.(*Options)
}
