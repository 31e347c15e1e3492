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

package availability

import (
	"context"
	"fmt"
	"os"
	"sync"

	reconcile "github.com/awslabs/operatorpkg/reconciler"
	"github.com/awslabs/operatorpkg/singleton"
	"github.com/mitchellh/hashstructure/v2"
	"github.com/samber/lo"
	lop "github.com/samber/lo/parallel"
	"go.uber.org/multierr"
	controllerruntime "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/manager"

	v1 "github.com/gpudev/orchestrator/pkg/apis/v1"
	"github.com/gpudev/orchestrator/pkg/cluster"
	"github.com/gpudev/orchestrator/pkg/operator/options"
	"github.com/gpudev/orchestrator/pkg/providers/nodepool"
	"github.com/gpudev/orchestrator/pkg/store"
)

// Controller recomputes per-type capacity from the live node view and
// publishes it for admission. It is the only writer of the availability
// columns; admission reads them and never writes.
type Controller struct {
	gpuTypes  store.GPUTypeStore
	cluster   cluster.Interface
	nodePools nodepool.Provider
	instance  string

	mu       sync.Mutex
	lastHash map[string]uint64
}

func NewController(gpuTypes store.GPUTypeStore, cluster cluster.Interface, nodePools nodepool.Provider) *Controller {
	hostname, _ := os.Hostname()
	return &Controller{
		gpuTypes:  gpuTypes,
		cluster:   cluster,
		nodePools: nodePools,
		instance:  lo.Ternary(hostname != "", hostname, "availability-controller"),
		lastHash:  map[string]uint64{},
	}
}

func (c *Controller) Reconcile(ctx context.Context) (reconcile.Result, error) {
	ctx = log.IntoContext(ctx, log.FromContext(ctx).WithValues("controller", "availability"))
	opts := options.FromContext(ctx)
	gpuTypes, err := c.gpuTypes.ListGPUTypes(ctx, true)
	if err != nil {
		return reconcile.Result{}, fmt.Errorf("listing gpu types, %w", err)
	}
	errs := make([]error, len(gpuTypes))
	lop.ForEach(gpuTypes, func(gpuType *v1.GPUType, i int) {
		if err := c.updateType(ctx, gpuType); err != nil {
			errs[i] = fmt.Errorf("updating availability of %s, %w", gpuType.Name, err)
		}
	})
	if err := multierr.Combine(errs...); err != nil {
		return reconcile.Result{}, err
	}
	return reconcile.Result{RequeueAfter: opts.AvailabilityInterval()}, nil
}

func (c *Controller) updateType(ctx context.Context, gpuType *v1.GPUType) error {
	stats, err := c.nodePools.Stats(ctx, gpuType.Name)
	if err != nil {
		return fmt.Errorf("reading pool stats, %w", err)
	}
	a := store.Availability{
		RunningInstances: stats.RunningInstances,
		DesiredCapacity:  stats.DesiredCapacity,
		UpdatedBy:        c.instance,
	}
	if gpuType.IsCPUOnly() {
		err = c.cpuAvailability(ctx, gpuType, &a)
	} else {
		err = c.gpuAvailability(ctx, gpuType, &a)
	}
	if err != nil {
		return err
	}
	if err := c.gpuTypes.UpdateGPUTypeAvailability(ctx, gpuType.Name, a); err != nil {
		return fmt.Errorf("writing availability, %w", err)
	}
	if c.changed(gpuType.Name, a) {
		log.FromContext(ctx).Info("updated availability", "gpu-type", gpuType.Name,
			"available", a.AvailableGPUs, "total", a.TotalClusterGPUs,
			"max-reservable", a.MaxReservable, "full-nodes", a.FullNodesAvailable)
	}
	availableGPUs.WithLabelValues(gpuType.Name).Set(float64(a.AvailableGPUs))
	totalGPUs.WithLabelValues(gpuType.Name).Set(float64(a.TotalClusterGPUs))
	maxReservable.WithLabelValues(gpuType.Name).Set(float64(a.MaxReservable))
	fullNodes.WithLabelValues(gpuType.Name).Set(float64(a.FullNodesAvailable))
	return nil
}

// gpuAvailability sums free devices across ready, schedulable nodes. A node
// counts as full only when nothing on it holds a GPU.
func (c *Controller) gpuAvailability(ctx context.Context, gpuType *v1.GPUType, a *store.Availability) error {
	nodes, err := c.cluster.ListGPUNodes(ctx, gpuType.Name)
	if err != nil {
		return fmt.Errorf("listing nodes, %w", err)
	}
	var singleNodeMax int
	for _, node := range nodes {
		if !node.Ready || !node.Schedulable {
			continue
		}
		usage, err := c.cluster.NodeGPUUsage(ctx, node.Name)
		if err != nil {
			return fmt.Errorf("reading gpu usage of node %s, %w", node.Name, err)
		}
		allocatable := int(node.AllocatableGPUs)
		a.TotalClusterGPUs += allocatable
		free := allocatable - int(usage)
		if free <= 0 {
			continue
		}
		a.AvailableGPUs += free
		singleNodeMax = max(singleNodeMax, free)
		if free == allocatable {
			a.FullNodesAvailable++
		}
	}
	// Multinode types hand out whole nodes, so their ceiling is the empty
	// nodes a group could span. Without an empty node they degrade to the
	// single-node view.
	if gpuType.Multinode() && a.FullNodesAvailable > 0 {
		a.MaxReservable = min(v1.MaxMultinodeNodes, a.FullNodesAvailable) * gpuType.MaxPerNode
	} else {
		a.MaxReservable = singleNodeMax
	}
	return nil
}

// cpuAvailability is slot arithmetic: every running instance carries a fixed
// number of slots and each scheduled workload pod consumes one.
func (c *Controller) cpuAvailability(ctx context.Context, gpuType *v1.GPUType, a *store.Availability) error {
	pods, err := c.cluster.CountWorkloadPods(ctx, gpuType.Name)
	if err != nil {
		return fmt.Errorf("counting workload pods, %w", err)
	}
	slots := a.RunningInstances * v1.CPUSlotsPerNode
	a.TotalClusterGPUs = slots
	a.AvailableGPUs = max(0, slots-pods)
	return nil
}

func (c *Controller) changed(name string, a store.Availability) bool {
	hash := lo.Must(hashstructure.Hash(a, hashstructure.FormatV2, nil))
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastHash[name] == hash {
		return false
	}
	c.lastHash[name] = hash
	return true
}

func (c *Controller) Register(_ context.Context, m manager.Manager) error {
	return controllerruntime.NewControllerManagedBy(m).
		Named("availability").
		WatchesRawSource(singleton.Source()).
		Complete(singleton.AsReconciler(c))
}
