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

package availability_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/samber/lo"

	"github.com/gpudev/orchestrator/pkg/controllers/availability"
	"github.com/gpudev/orchestrator/pkg/errors"
	"github.com/gpudev/orchestrator/pkg/operator/options"
	"github.com/gpudev/orchestrator/pkg/test"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var ctx context.Context
var env *test.Environment
var controller *availability.Controller

func TestAvailability(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Availability")
}

var _ = BeforeSuite(func() {
	env = test.NewEnvironment()
})

var _ = BeforeEach(func() {
	ctx = options.ToContext(context.Background(), test.Options())
	env.Reset()
	controller = availability.NewController(env.Store, env.Cluster, env.NodePoolProvider)
})

var _ = Describe("GPU capacity", func() {
	BeforeEach(func() {
		env.Store.GPUTypes["H100"] = test.GPUType(test.GPUTypeOptions{Name: "H100"})
		env.AutoScalingAPI.AddGroup("gpu-dev-h100-workers", 3, 3)
	})
	It("should publish the capacity picture across nodes", func() {
		env.Cluster.AddNode("node-1", "H100", 8)
		env.Cluster.AddNode("node-2", "H100", 8)
		env.Cluster.AddNode("node-3", "H100", 8)
		env.Cluster.GPUUsage["node-2"] = 5
		env.Cluster.GPUUsage["node-3"] = 8

		result := test.ExpectSingletonReconciled(ctx, controller)
		Expect(result.RequeueAfter).To(Equal(time.Minute))

		g := env.Store.GPUTypes["H100"]
		Expect(g.TotalClusterGPUs).To(Equal(24))
		Expect(g.AvailableGPUs).To(Equal(11))
		Expect(g.FullNodesAvailable).To(Equal(1))
		Expect(g.RunningInstances).To(Equal(3))
		Expect(g.DesiredCapacity).To(Equal(3))
		Expect(g.LastAvailabilityUpdate).ToNot(BeNil())
		Expect(g.LastAvailabilityUpdatedBy).ToNot(BeEmpty())
	})
	It("should skip nodes that are not ready or cordoned", func() {
		env.Cluster.AddNode("node-1", "H100", 8)
		env.Cluster.AddNode("node-2", "H100", 8)
		env.Cluster.AddNode("node-3", "H100", 8)
		env.Cluster.Nodes[1].Ready = false
		env.Cluster.Nodes[2].Schedulable = false

		test.ExpectSingletonReconciled(ctx, controller)

		g := env.Store.GPUTypes["H100"]
		Expect(g.TotalClusterGPUs).To(Equal(8))
		Expect(g.AvailableGPUs).To(Equal(8))
		Expect(g.FullNodesAvailable).To(Equal(1))
	})
	It("should cap a multinode reservation by the empty nodes it could span", func() {
		for i := 0; i < 6; i++ {
			env.Cluster.AddNode(fmt.Sprintf("node-%d", i), "H100", 8)
		}

		test.ExpectSingletonReconciled(ctx, controller)

		g := env.Store.GPUTypes["H100"]
		Expect(g.FullNodesAvailable).To(Equal(6))
		Expect(g.MaxReservable).To(Equal(32))
	})
	It("should fall back to the single-node ceiling without an empty node", func() {
		env.Cluster.AddNode("node-1", "H100", 8)
		env.Cluster.AddNode("node-2", "H100", 8)
		env.Cluster.GPUUsage["node-1"] = 2
		env.Cluster.GPUUsage["node-2"] = 2

		test.ExpectSingletonReconciled(ctx, controller)

		g := env.Store.GPUTypes["H100"]
		Expect(g.FullNodesAvailable).To(Equal(0))
		Expect(g.MaxReservable).To(Equal(6))
	})
	It("should keep single-node limits for types outside the multinode set", func() {
		env.Store.GPUTypes["A10"] = test.GPUType(test.GPUTypeOptions{Name: "A10"})
		env.AutoScalingAPI.AddGroup("gpu-dev-a10-workers", 2, 2)
		env.Cluster.AddNode("a10-1", "A10", 8)
		env.Cluster.AddNode("a10-2", "A10", 8)

		test.ExpectSingletonReconciled(ctx, controller)

		Expect(env.Store.GPUTypes["A10"].MaxReservable).To(Equal(8))
	})
	It("should honor the per-row multinode override", func() {
		env.Store.GPUTypes["L4"] = test.GPUType(test.GPUTypeOptions{Name: "L4", SupportsMultinode: lo.ToPtr(true)})
		env.AutoScalingAPI.AddGroup("gpu-dev-l4-workers", 2, 2)
		env.Cluster.AddNode("l4-1", "L4", 8)
		env.Cluster.AddNode("l4-2", "L4", 8)

		test.ExpectSingletonReconciled(ctx, controller)

		Expect(env.Store.GPUTypes["L4"].MaxReservable).To(Equal(16))
	})
	It("should leave inactive types alone", func() {
		env.Store.GPUTypes["A100"] = test.GPUType(test.GPUTypeOptions{Name: "A100", IsActive: lo.ToPtr(false)})

		test.ExpectSingletonReconciled(ctx, controller)

		Expect(env.Store.GPUTypes["A100"].LastAvailabilityUpdate).To(BeNil())
	})
})

var _ = Describe("CPU capacity", func() {
	BeforeEach(func() {
		env.Store.GPUTypes["CPU"] = test.CPUGPUType()
		env.AutoScalingAPI.AddGroup("gpu-dev-cpu-workers", 2, 2)
	})
	It("should compute slots from running instances minus observed workloads", func() {
		env.Cluster.WorkloadPodCount["CPU"] = 4

		test.ExpectSingletonReconciled(ctx, controller)

		g := env.Store.GPUTypes["CPU"]
		Expect(g.TotalClusterGPUs).To(Equal(6))
		Expect(g.AvailableGPUs).To(Equal(2))
		Expect(g.MaxReservable).To(Equal(0))
	})
	It("should clamp slots at zero when oversubscribed", func() {
		env.Cluster.WorkloadPodCount["CPU"] = 7

		test.ExpectSingletonReconciled(ctx, controller)

		Expect(env.Store.GPUTypes["CPU"].AvailableGPUs).To(Equal(0))
	})
})

var _ = Describe("Failures", func() {
	BeforeEach(func() {
		env.Store.GPUTypes["H100"] = test.GPUType(test.GPUTypeOptions{Name: "H100"})
		env.AutoScalingAPI.AddGroup("gpu-dev-h100-workers", 1, 1)
		env.Cluster.AddNode("node-1", "H100", 8)
	})
	It("should fail the pass when the pool cannot be described", func() {
		env.AutoScalingAPI.DescribeAutoScalingGroupsBehavior.Error.Set(fmt.Errorf("throttled"))
		test.ExpectSingletonReconcileFailed(ctx, controller)
	})
	It("should fail the pass when the write is rejected", func() {
		env.Store.FailNext("UpdateGPUTypeAvailability", errors.Newf(errors.KindInternal, "db_unavailable", "connection refused"))
		test.ExpectSingletonReconcileFailed(ctx, controller)
	})
})
