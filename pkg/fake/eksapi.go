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
	"fmt"
	"slices"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/eks"
	ekstypes "github.com/aws/aws-sdk-go-v2/service/eks/types"
	"github.com/aws/smithy-go"
	"github.com/samber/lo"

	"github.com/gpudev/orchestrator/pkg/aws/sdk"
)

type EKSBehavior struct {
	ListNodegroupsBehavior    MockedFunction[eks.ListNodegroupsInput, eks.ListNodegroupsOutput]
	DescribeNodegroupBehavior MockedFunction[eks.DescribeNodegroupInput, eks.DescribeNodegroupOutput]

	Nodegroups sync.Map // nodegroup name -> ekstypes.Nodegroup
}

type EKSAPI struct {
	sdk.EKSAPI
	EKSBehavior
}

func NewEKSAPI() *EKSAPI {
	return &EKSAPI{}
}

// Reset must be called between tests otherwise tests will pollute
// each other.
func (e *EKSAPI) Reset() {
	e.ListNodegroupsBehavior.Reset()
	e.DescribeNodegroupBehavior.Reset()
	e.Nodegroups.Clear()
}

// AddNodegroup seeds a managed nodegroup backed by the named autoscaling
// group.
func (e *EKSAPI) AddNodegroup(name string, desired int, asgName string) {
	e.Nodegroups.Store(name, ekstypes.Nodegroup{
		NodegroupName: lo.ToPtr(name),
		Status:        ekstypes.NodegroupStatusActive,
		ScalingConfig: &ekstypes.NodegroupScalingConfig{DesiredSize: lo.ToPtr(int32(desired))},
		Resources: &ekstypes.NodegroupResources{
			AutoScalingGroups: []ekstypes.AutoScalingGroup{{Name: lo.ToPtr(asgName)}},
		},
	})
}

func (e *EKSAPI) ListNodegroups(_ context.Context, input *eks.ListNodegroupsInput, _ ...func(*eks.Options)) (*eks.ListNodegroupsOutput, error) {
	return e.ListNodegroupsBehavior.Invoke(input, func(*eks.ListNodegroupsInput) (*eks.ListNodegroupsOutput, error) {
		var names []string
		e.Nodegroups.Range(func(key, _ any) bool {
			names = append(names, key.(string))
			return true
		})
		slices.Sort(names)
		return &eks.ListNodegroupsOutput{Nodegroups: names}, nil
	})
}

func (e *EKSAPI) DescribeNodegroup(_ context.Context, input *eks.DescribeNodegroupInput, _ ...func(*eks.Options)) (*eks.DescribeNodegroupOutput, error) {
	return e.DescribeNodegroupBehavior.Invoke(input, func(input *eks.DescribeNodegroupInput) (*eks.DescribeNodegroupOutput, error) {
		raw, ok := e.Nodegroups.Load(lo.FromPtr(input.NodegroupName))
		if !ok {
			return nil, &smithy.GenericAPIError{Code: "ResourceNotFoundException", Message: fmt.Sprintf("No nodegroup found for name: %s", lo.FromPtr(input.NodegroupName))}
		}
		return &eks.DescribeNodegroupOutput{Nodegroup: lo.ToPtr(raw.(ekstypes.Nodegroup))}, nil
	})
}
