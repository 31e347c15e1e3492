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

package operator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsmiddleware "github.com/aws/aws-sdk-go-v2/aws/middleware"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/eks"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/smithy-go"
	"github.com/awslabs/operatorpkg/aws/middleware"
	opmetrics "github.com/awslabs/operatorpkg/metrics"
	prometheusv2 "github.com/jonathan-innis/aws-sdk-go-prometheus/v2"
	"github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/lo"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/klog/v2"
	"k8s.io/utils/clock"
	controllerruntime "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/manager"
	crmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"

	"github.com/gpudev/orchestrator/pkg/aws/sdk"
	orchcache "github.com/gpudev/orchestrator/pkg/cache"
	"github.com/gpudev/orchestrator/pkg/cluster"
	"github.com/gpudev/orchestrator/pkg/disk"
	"github.com/gpudev/orchestrator/pkg/metrics"
	"github.com/gpudev/orchestrator/pkg/operator/options"
	"github.com/gpudev/orchestrator/pkg/providers/nodepool"
	"github.com/gpudev/orchestrator/pkg/providers/objectstore"
	snapshotprovider "github.com/gpudev/orchestrator/pkg/providers/snapshot"
	"github.com/gpudev/orchestrator/pkg/providers/volume"
	"github.com/gpudev/orchestrator/pkg/reservation"
	"github.com/gpudev/orchestrator/pkg/snapshot"
	"github.com/gpudev/orchestrator/pkg/store"
	"github.com/gpudev/orchestrator/pkg/store/queue"
	"github.com/gpudev/orchestrator/pkg/utils/env"
)

var AppName = "gpu-dev-orchestrator"

// Version is the orchestrator app version injected during compilation
var Version = "unspecified"

var BuildInfo = opmetrics.NewPrometheusGauge(
	crmetrics.Registry,
	prometheus.GaugeOpts{
		Namespace: metrics.Namespace,
		Name:      "build_info",
		Help:      "A metric with a constant '1' value labeled by version from which the orchestrator was built.",
	},
	[]string{"version", "goversion", "goarch", "commit"},
)

func init() {
	opmetrics.RegisterClientMetrics(crmetrics.Registry)

	BuildInfo.Set(1, map[string]string{
		"version":   Version,
		"goversion": runtime.Version(),
		"goarch":    runtime.GOARCH,
		"commit":    env.GetRevision(),
	})
}

// Operator holds the manager and every shared dependency the controllers are
// constructed from.
type Operator struct {
	manager.Manager

	KubernetesInterface kubernetes.Interface
	Clock               clock.Clock
	Config              aws.Config
	Store               *store.Client
	Queue               *queue.Client
	Cluster             *cluster.Client
	SQSAPI              sdk.SQSAPI

	VolumeProvider      volume.Provider
	SnapshotProvider    snapshotprovider.Provider
	ObjectStoreProvider objectstore.Provider
	NodePoolProvider    nodepool.Provider

	SnapshotEngine    *snapshot.Engine
	DiskEngine        *disk.Engine
	ReservationEngine *reservation.Engine
}

// NewOperator instantiates a controller manager and its dependencies or panics
func NewOperator() (context.Context, *Operator) {
	ctx := options.ToContext(context.Background(), options.New().MustParse())

	// Logging
	logger := NewLogger(ctx)
	log.SetLogger(logger)
	klog.SetLogger(logger)

	// Client Config
	config := controllerruntime.GetConfigOrDie()
	// The leader election client gets a config of its own so that client-side rate
	// limiting on the main client cannot stall lease renewal.
	leaderConfig := rest.CopyConfig(config)
	config.QPS = float32(options.FromContext(ctx).KubeClientQPS)
	config.Burst = options.FromContext(ctx).KubeClientBurst
	config.UserAgent = fmt.Sprintf("%s/%s", AppName, Version)

	// Client
	kubernetesInterface := kubernetes.NewForConfigOrDie(config)

	log.FromContext(ctx).WithValues("version", Version).V(1).Info("discovered orchestrator version")

	// Manager
	mgr := newManagerOrDie(ctx, logger, config, leaderConfig)

	// AWS clients
	cfg := NewAWSConfig(ctx)
	log.FromContext(ctx).WithValues("region", cfg.Region).V(1).Info("discovered region")
	ec2api := ec2.NewFromConfig(cfg)
	if err := CheckEC2Connectivity(ctx, ec2api); err != nil {
		log.FromContext(ctx).Error(err, "ec2 api connectivity check failed")
		os.Exit(1)
	}

	// Store and queue
	st := lo.Must(store.New(ctx, options.FromContext(ctx).DatabaseURL, 10), "failed to connect to the store")
	lo.Must0(st.Migrate(ctx, options.FromContext(ctx).QueueName), "failed to migrate the store")
	if seedPath := options.FromContext(ctx).GPUTypesConfig; seedPath != "" {
		lo.Must0(st.SeedGPUTypes(ctx, lo.Must(os.ReadFile(seedPath))), "failed to seed gpu types")
	}
	q := queue.NewClient(st.Pool(), options.FromContext(ctx).QueueName)

	// Cluster
	cl := cluster.NewClient(kubernetesInterface, config, options.FromContext(ctx).WorkerNamespace)

	// Providers
	volumeProvider := volume.NewDefaultProvider(ec2api)
	snapshotProvider := snapshotprovider.NewDefaultProvider(ec2api, sts.NewFromConfig(cfg), cache.New(orchcache.SnapshotListTTL, orchcache.DefaultCleanupInterval))
	objectStoreProvider := objectstore.NewDefaultProvider(s3.NewFromConfig(cfg), options.FromContext(ctx).ContentBucket)
	if options.FromContext(ctx).ContentBucket != "" {
		if err := objectStoreProvider.Verify(ctx); err != nil {
			log.FromContext(ctx).Error(err, "content bucket check failed")
			os.Exit(1)
		}
	}
	nodePoolProvider := nodepool.NewDefaultProvider(autoscaling.NewFromConfig(cfg), eks.NewFromConfig(cfg), cache.New(orchcache.NodePoolStatsTTL, orchcache.DefaultCleanupInterval), options.FromContext(ctx).ClusterName)

	// Engines
	snapshotEngine := snapshot.NewEngine(st, snapshotProvider, objectStoreProvider, cl)
	diskEngine := disk.NewEngine(st, snapshotProvider, objectStoreProvider, clock.RealClock{})
	reservationEngine := reservation.NewEngine(st, q, cl, volumeProvider, snapshotEngine, clock.RealClock{})

	return ctx, &Operator{
		Manager:             mgr,
		KubernetesInterface: kubernetesInterface,
		Clock:               clock.RealClock{},
		Config:              cfg,
		Store:               st,
		Queue:               q,
		Cluster:             cl,
		SQSAPI:              sqs.NewFromConfig(cfg),
		VolumeProvider:      volumeProvider,
		SnapshotProvider:    snapshotProvider,
		ObjectStoreProvider: objectStoreProvider,
		NodePoolProvider:    nodePoolProvider,
		SnapshotEngine:      snapshotEngine,
		DiskEngine:          diskEngine,
		ReservationEngine:   reservationEngine,
	}
}

// NewAWSConfig loads AWS client configuration with standard retries, prometheus
// instrumentation, and structured error handling, resolving the region from IMDS
// when the environment does not provide one.
func NewAWSConfig(ctx context.Context) aws.Config {
	cfg := prometheusv2.WithPrometheusMetrics(WithUserAgent(lo.Must(config.LoadDefaultConfig(ctx,
		config.WithRetryer(func() aws.Retryer {
			return retry.NewStandard(func(o *retry.StandardOptions) {
				o.MaxAttempts = 5
			})
		})))), crmetrics.Registry)
	cfg.APIOptions = append(cfg.APIOptions, middleware.StructuredErrorHandler)
	if cfg.Region == "" {
		log.FromContext(ctx).V(1).Info("retrieving region from IMDS")
		region := lo.Must(imds.NewFromConfig(cfg).GetRegion(ctx, nil))
		cfg.Region = region.Region
	}
	return cfg
}

// WithUserAgent adds the app name and version to the AWS SDK UserAgent
func WithUserAgent(cfg aws.Config) aws.Config {
	userAgent := fmt.Sprintf("%s-%s", AppName, Version)
	cfg.APIOptions = append(cfg.APIOptions,
		awsmiddleware.AddUserAgentKey(userAgent),
	)
	return cfg
}

// CheckEC2Connectivity makes a dry-run call to DescribeVolumes. If it fails, we provide an
// early indicator that we are having issues connecting to the EC2 API.
func CheckEC2Connectivity(ctx context.Context, api sdk.EC2API) error {
	_, err := api.DescribeVolumes(ctx, &ec2.DescribeVolumesInput{
		DryRun: aws.Bool(true),
	})
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode() == "DryRunOperation" {
		return nil
	}
	return err
}
