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

package nodepool_test

import (
	"context"
	"testing"

	"github.com/gpudev/orchestrator/pkg/test"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var ctx context.Context
var env *test.Environment

func TestNodePool(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "NodePoolProvider")
}

var _ = BeforeSuite(func() {
	env = test.NewEnvironment()
})

var _ = BeforeEach(func() {
	ctx = context.Background()
	env.Reset()
})

var _ = Describe("NodePoolProvider", func() {
	It("should prefer managed nodegroups for desired capacity and count in-service instances", func() {
		env.EKSAPI.AddNodegroup("gpu-dev-h100-ng", 4, "gpu-dev-h100-asg")
		env.AutoScalingAPI.AddGroup("gpu-dev-h100-asg", 4, 3)

		stats, err := env.NodePoolProvider.Stats(ctx, "H100")
		Expect(err).ToNot(HaveOccurred())
		Expect(stats.DesiredCapacity).To(Equal(4))
		Expect(stats.RunningInstances).To(Equal(3))
	})
	It("should sum multiple nodegroups backing one type", func() {
		env.EKSAPI.AddNodegroup("gpu-dev-h100-ng-a", 2, "gpu-dev-h100-asg-a")
		env.EKSAPI.AddNodegroup("gpu-dev-h100-ng-b", 3, "gpu-dev-h100-asg-b")
		env.AutoScalingAPI.AddGroup("gpu-dev-h100-asg-a", 2, 2)
		env.AutoScalingAPI.AddGroup("gpu-dev-h100-asg-b", 3, 1)

		stats, err := env.NodePoolProvider.Stats(ctx, "H100")
		Expect(err).ToNot(HaveOccurred())
		Expect(stats.DesiredCapacity).To(Equal(5))
		Expect(stats.RunningInstances).To(Equal(3))
	})
	It("should fall back to raw autoscaling groups for self-managed pools", func() {
		env.AutoScalingAPI.AddGroup("gpu-dev-a100-nodes", 2, 2)
		env.AutoScalingAPI.AddGroup("other-cluster-a100", 9, 9)

		stats, err := env.NodePoolProvider.Stats(ctx, "A100")
		Expect(err).ToNot(HaveOccurred())
		Expect(stats.DesiredCapacity).To(Equal(2))
		Expect(stats.RunningInstances).To(Equal(2))
	})
	It("should accept the legacy cpu pool names", func() {
		env.AutoScalingAPI.AddGroup("gpu-dev-cpuworker-1", 3, 3)

		stats, err := env.NodePoolProvider.Stats(ctx, "CPU")
		Expect(err).ToNot(HaveOccurred())
		Expect(stats.DesiredCapacity).To(Equal(3))
		Expect(stats.RunningInstances).To(Equal(3))
	})
	It("should report zero stats for a type with no pool", func() {
		stats, err := env.NodePoolProvider.Stats(ctx, "B200")
		Expect(err).ToNot(HaveOccurred())
		Expect(stats.DesiredCapacity).To(BeZero())
		Expect(stats.RunningInstances).To(BeZero())
	})
	It("should serve repeated reads from cache within the TTL", func() {
		env.AutoScalingAPI.AddGroup("gpu-dev-a100-nodes", 2, 2)

		stats, err := env.NodePoolProvider.Stats(ctx, "A100")
		Expect(err).ToNot(HaveOccurred())
		Expect(stats.RunningInstances).To(Equal(2))

		// Scale-up lands behind the provider's back; the cached view holds
		// until the TTL expires.
		env.AutoScalingAPI.AddGroup("gpu-dev-a100-nodes", 4, 4)
		cached, err := env.NodePoolProvider.Stats(ctx, "A100")
		Expect(err).ToNot(HaveOccurred())
		Expect(cached.RunningInstances).To(Equal(2))

		env.NodePoolCache.Flush()
		fresh, err := env.NodePoolProvider.Stats(ctx, "A100")
		Expect(err).ToNot(HaveOccurred())
		Expect(fresh.RunningInstances).To(Equal(4))
	})
})
