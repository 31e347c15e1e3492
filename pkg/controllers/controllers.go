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

package controllers

import (
	"context"

	"github.com/patrickmn/go-cache"
	"k8s.io/utils/clock"
	"sigs.k8s.io/controller-runtime/pkg/manager"

	"github.com/gpudev/orchestrator/pkg/aws/sdk"
	orchcache "github.com/gpudev/orchestrator/pkg/cache"
	"github.com/gpudev/orchestrator/pkg/cluster"
	"github.com/gpudev/orchestrator/pkg/controllers/availability"
	"github.com/gpudev/orchestrator/pkg/controllers/diskreconcile"
	"github.com/gpudev/orchestrator/pkg/controllers/expiry"
	"github.com/gpudev/orchestrator/pkg/controllers/poller"
	"github.com/gpudev/orchestrator/pkg/controllers/snapshotgc"
	"github.com/gpudev/orchestrator/pkg/notify"
	"github.com/gpudev/orchestrator/pkg/operator/options"
	"github.com/gpudev/orchestrator/pkg/providers/nodepool"
	"github.com/gpudev/orchestrator/pkg/providers/volume"
	"github.com/gpudev/orchestrator/pkg/reservation"
	"github.com/gpudev/orchestrator/pkg/snapshot"
	"github.com/gpudev/orchestrator/pkg/store"
	"github.com/gpudev/orchestrator/pkg/store/queue"

	snapshotprovider "github.com/gpudev/orchestrator/pkg/providers/snapshot"
)

// Controller is registered with the manager and run under leader election.
type Controller interface {
	Register(ctx context.Context, m manager.Manager) error
}

func NewControllers(ctx context.Context, clk clock.Clock, s *store.Client, q queue.Queue, cl cluster.Interface,
	nodePools nodepool.Provider, volumes volume.Provider, snapshots snapshotprovider.Provider,
	reservationEngine *reservation.Engine, snapshotEngine *snapshot.Engine, sqsapi sdk.SQSAPI) []Controller {

	notifier := notify.Sink(notify.NewLogSink())
	if queueName := options.FromContext(ctx).NotificationQueue; queueName != "" {
		notifier = notify.NewSQSSink(sqsapi, queueName, cache.New(orchcache.QueueURLTTL, orchcache.DefaultCleanupInterval))
	}
	return []Controller{
		poller.NewController(q, s, cl),
		availability.NewController(s, cl, nodePools),
		expiry.NewController(s, s, reservationEngine, notifier, clk),
		diskreconcile.NewController(s, volumes, snapshots, snapshotEngine, notifier, clk),
		snapshotgc.NewController(snapshots, clk),
	}
}
