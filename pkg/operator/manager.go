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
	"fmt"

	"github.com/go-logr/logr"
	"github.com/samber/lo"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/leaderelection/resourcelock"
	controllerruntime "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/manager"
	"sigs.k8s.io/controller-runtime/pkg/metrics/server"

	"github.com/gpudev/orchestrator/pkg/operator/options"
)

// newManagerOrDie instantiates a controller manager or panics
func newManagerOrDie(ctx context.Context, logger logr.Logger, config, leaderConfig *rest.Config) manager.Manager {
	opts := options.FromContext(ctx)
	mgr, err := controllerruntime.NewManager(config, controllerruntime.Options{
		Logger:                        logger,
		LeaderElection:                opts.EnableLeaderElection,
		LeaderElectionID:              fmt.Sprintf("%s-leader", AppName),
		LeaderElectionResourceLock:    resourcelock.LeasesResourceLock,
		LeaderElectionReleaseOnCancel: true,
		LeaderElectionConfig:          leaderConfig,
		Metrics: server.Options{
			BindAddress: fmt.Sprintf(":%d", opts.MetricsPort),
		},
		HealthProbeBindAddress: fmt.Sprintf(":%d", opts.HealthProbePort),
		BaseContext: func() context.Context {
			ctx := log.IntoContext(context.Background(), logger)
			ctx = options.ToContext(ctx, opts)
			return ctx
		},
	})
	mgr = lo.Must(mgr, err, "failed to setup manager")
	lo.Must0(mgr.AddHealthzCheck("healthz", healthz.Ping))
	lo.Must0(mgr.AddReadyzCheck("readyz", healthz.Ping))
	return mgr
}
