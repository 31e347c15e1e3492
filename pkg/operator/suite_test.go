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

package operator_test

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/smithy-go"

	"github.com/gpudev/orchestrator/pkg/operator"
	"github.com/gpudev/orchestrator/pkg/operator/options"
	"github.com/gpudev/orchestrator/pkg/test"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var ctx context.Context
var env *test.Environment

func TestOperator(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Operator")
}

var _ = BeforeSuite(func() {
	env = test.NewEnvironment()
})

var _ = BeforeEach(func() {
	ctx = options.ToContext(context.Background(), test.Options())
	env.Reset()
})

var _ = Describe("Operator", func() {
	Describe("CheckEC2Connectivity", func() {
		It("should treat a dry run rejection as successful connectivity", func() {
			env.EC2API.DescribeVolumesBehavior.Error.Set(&smithy.GenericAPIError{Code: "DryRunOperation", Message: "Request would have succeeded"})
			Expect(operator.CheckEC2Connectivity(ctx, env.EC2API)).To(Succeed())
		})
		It("should surface authorization failures", func() {
			env.EC2API.DescribeVolumesBehavior.Error.Set(&smithy.GenericAPIError{Code: "UnauthorizedOperation", Message: "not allowed"})
			Expect(operator.CheckEC2Connectivity(ctx, env.EC2API)).ToNot(Succeed())
		})
		It("should succeed when the api answers the dry run directly", func() {
			Expect(operator.CheckEC2Connectivity(ctx, env.EC2API)).To(Succeed())
		})
	})
	Describe("WithUserAgent", func() {
		It("should append the user agent middleware", func() {
			cfg := operator.WithUserAgent(aws.Config{})
			Expect(cfg.APIOptions).To(HaveLen(1))
		})
	})
})
