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

package main

import (
	"context"
	"os"

	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/patrickmn/go-cache"
	"github.com/samber/lo"
	"k8s.io/client-go/kubernetes"
	"k8s.io/klog/v2"
	"k8s.io/utils/clock"
	controllerruntime "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/log"

	orchcache "github.com/gpudev/orchestrator/pkg/cache"
	"github.com/gpudev/orchestrator/pkg/cluster"
	"github.com/gpudev/orchestrator/pkg/disk"
	"github.com/gpudev/orchestrator/pkg/operator"
	"github.com/gpudev/orchestrator/pkg/operator/options"
	"github.com/gpudev/orchestrator/pkg/providers/objectstore"
	snapshotprovider "github.com/gpudev/orchestrator/pkg/providers/snapshot"
	"github.com/gpudev/orchestrator/pkg/providers/volume"
	"github.com/gpudev/orchestrator/pkg/reservation"
	"github.com/gpudev/orchestrator/pkg/snapshot"
	"github.com/gpudev/orchestrator/pkg/store"
	"github.com/gpudev/orchestrator/pkg/store/queue"
	"github.com/gpudev/orchestrator/pkg/worker"
)

// The worker binary processes a single queue message handed to it through the
// environment, then exits. Retryable failures exit nonzero and leave the message
// to reappear after its visibility timeout.
func main() {
	ctx := options.ToContext(context.Background(), options.New().MustParse())
	opts := options.FromContext(ctx)

	logger := operator.NewLogger(ctx)
	log.SetLogger(logger)
	klog.SetLogger(logger)
	ctx = log.IntoContext(ctx, logger)

	ctx, cancel := context.WithTimeout(ctx, opts.VisibilityTimeout())
	defer cancel()

	msgID, body := lo.Must2(worker.FromEnvironment())

	cfg := operator.NewAWSConfig(ctx)
	ec2api := ec2.NewFromConfig(cfg)

	st := lo.Must(store.New(ctx, opts.DatabaseURL, 2), "failed to connect to the store")
	q := queue.NewClient(st.Pool(), opts.QueueName)

	config := controllerruntime.GetConfigOrDie()
	cl := cluster.NewClient(kubernetes.NewForConfigOrDie(config), config, opts.WorkerNamespace)

	volumeProvider := volume.NewDefaultProvider(ec2api)
	snapshotProvider := snapshotprovider.NewDefaultProvider(ec2api, sts.NewFromConfig(cfg), cache.New(orchcache.SnapshotListTTL, orchcache.DefaultCleanupInterval))
	objectStoreProvider := objectstore.NewDefaultProvider(s3.NewFromConfig(cfg), opts.ContentBucket)

	snapshotEngine := snapshot.NewEngine(st, snapshotProvider, objectStoreProvider, cl)
	diskEngine := disk.NewEngine(st, snapshotProvider, objectStoreProvider, clock.RealClock{})
	reservationEngine := reservation.NewEngine(st, q, cl, volumeProvider, snapshotEngine, clock.RealClock{})

	err := worker.NewWorker(q, reservationEngine, diskEngine).Process(ctx, msgID, body)
	st.Close()
	if err != nil {
		log.FromContext(ctx).Error(err, "processing message failed")
		os.Exit(1)
	}
}
