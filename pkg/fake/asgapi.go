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

package fake

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	autoscalingtypes "github.com/aws/aws-sdk-go-v2/service/autoscaling/types"
	"github.com/samber/lo"

	"github.com/gpudev/orchestrator/pkg/aws/sdk"
)

type AutoScalingBehavior struct {
	DescribeAutoScalingGroupsBehavior MockedFunction[autoscaling.DescribeAutoScalingGroupsInput, autoscaling.DescribeAutoScalingGroupsOutput]

	Groups sync.Map // group name -> autoscalingtypes.AutoScalingGroup
}

type AutoScalingAPI struct {
	sdk.AutoScalingAPI
	AutoScalingBehavior
}

func NewAutoScalingAPI() *AutoScalingAPI {
	return &AutoScalingAPI{}
}

// Reset must be called between tests otherwise tests will pollute
// each other.
func (a *AutoScalingAPI) Reset() {
	a.DescribeAutoScalingGroupsBehavior.Reset()
	a.Groups.Clear()
}

// AddGroup seeds an autoscaling group with the given desired capacity and a
// matching number of in-service instances.
func (a *AutoScalingAPI) AddGroup(name string, desired, inService int) {
	a.Groups.Store(name, autoscalingtypes.AutoScalingGroup{
		AutoScalingGroupName: lo.ToPtr(name),
		DesiredCapacity:      lo.ToPtr(int32(desired)),
		Instances: lo.Times(inService, func(int) autoscalingtypes.Instance {
			return autoscalingtypes.Instance{
				InstanceId:     lo.ToPtr(InstanceID()),
				LifecycleState: autoscalingtypes.LifecycleStateInService,
			}
		}),
	})
}

func (a *AutoScalingAPI) DescribeAutoScalingGroups(_ context.Context, input *autoscaling.DescribeAutoScalingGroupsInput, _ ...func(*autoscaling.Options)) (*autoscaling.DescribeAutoScalingGroupsOutput, error) {
	return a.DescribeAutoScalingGroupsBehavior.Invoke(input, func(input *autoscaling.DescribeAutoScalingGroupsInput) (*autoscaling.DescribeAutoScalingGroupsOutput, error) {
		var groups []autoscalingtypes.AutoScalingGroup
		a.Groups.Range(func(_, raw any) bool {
			group := raw.(autoscalingtypes.AutoScalingGroup)
			if len(input.AutoScalingGroupNames) == 0 || lo.Contains(input.AutoScalingGroupNames, lo.FromPtr(group.AutoScalingGroupName)) {
				groups = append(groups, group)
			}
			return true
		})
		slices.SortFunc(groups, func(a, b autoscalingtypes.AutoScalingGroup) int {
			return strings.Compare(lo.FromPtr(a.AutoScalingGroupName), lo.FromPtr(b.AutoScalingGroupName))
		})
		return &autoscaling.DescribeAutoScalingGroupsOutput{AutoScalingGroups: groups}, nil
	})
}
