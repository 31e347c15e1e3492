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

package nodepool

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	autoscalingtypes "github.com/aws/aws-sdk-go-v2/service/autoscaling/types"
	"github.com/aws/aws-sdk-go-v2/service/eks"
	"github.com/patrickmn/go-cache"
	"github.com/samber/lo"

	"github.com/gpudev/orchestrator/pkg/aws/sdk"
	"github.com/gpudev/orchestrator/pkg/errors"
)

// PoolStats summarizes the scaling state of the node pool backing a GPU type.
type PoolStats struct {
	DesiredCapacity  int
	RunningInstances int
}

type Provider interface {
	Stats(ctx context.Context, gpuType string) (*PoolStats, error)
}

// DefaultProvider resolves pool membership by naming convention:
// "<cluster>-<type>" prefixed groups, with extra patterns tried for the CPU
// pool. EKS managed nodegroups are the authority when they match; raw ASG
// enumeration is the fallback for self-managed pools.
type DefaultProvider struct {
	sync.Mutex
	asgapi  sdk.AutoScalingAPI
	eksapi  sdk.EKSAPI
	cache   *cache.Cache
	cluster string
}

func NewDefaultProvider(asgapi sdk.AutoScalingAPI, eksapi sdk.EKSAPI, cache *cache.Cache, cluster string) *DefaultProvider {
	return &DefaultProvider{asgapi: asgapi, eksapi: eksapi, cache: cache, cluster: cluster}
}

// poolPatterns are the accepted name prefixes for a type's pool, most
// specific first.
func (p *DefaultProvider) poolPatterns(gpuType string) []string {
	t := strings.ToLower(gpuType)
	patterns := []string{fmt.Sprintf("%s-%s", p.cluster, t)}
	if t == "cpu" {
		patterns = append(patterns,
			fmt.Sprintf("%s-cpu-only", p.cluster),
			fmt.Sprintf("%s-cpuworker", p.cluster),
		)
	}
	return patterns
}

func (p *DefaultProvider) Stats(ctx context.Context, gpuType string) (*PoolStats, error) {
	p.Lock()
	defer p.Unlock()
	key := fmt.Sprintf("stats/%s", gpuType)
	if cached, ok := p.cache.Get(key); ok {
		stats := cached.(PoolStats)
		return &stats, nil
	}
	stats, err := p.fromNodegroups(ctx, gpuType)
	if err != nil {
		return nil, err
	}
	if stats == nil {
		if stats, err = p.fromAutoScalingGroups(ctx, gpuType); err != nil {
			return nil, err
		}
	}
	if stats == nil {
		stats = &PoolStats{}
	}
	p.cache.SetDefault(key, *stats)
	return stats, nil
}

func (p *DefaultProvider) fromNodegroups(ctx context.Context, gpuType string) (*PoolStats, error) {
	patterns := p.poolPatterns(gpuType)
	var names []string
	paginator := eks.NewListNodegroupsPaginator(p.eksapi, &eks.ListNodegroupsInput{ClusterName: aws.String(p.cluster)})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, errors.FromAWS(fmt.Errorf("listing nodegroups of cluster %s, %w", p.cluster, err))
		}
		names = append(names, lo.Filter(page.Nodegroups, func(name string, _ int) bool {
			return matchesAny(strings.ToLower(name), patterns)
		})...)
	}
	if len(names) == 0 {
		return nil, nil
	}
	stats := &PoolStats{}
	for _, name := range names {
		out, err := p.eksapi.DescribeNodegroup(ctx, &eks.DescribeNodegroupInput{
			ClusterName:   aws.String(p.cluster),
			NodegroupName: aws.String(name),
		})
		if err != nil {
			return nil, errors.FromAWS(fmt.Errorf("describing nodegroup %s, %w", name, err))
		}
		if scaling := out.Nodegroup.ScalingConfig; scaling != nil {
			stats.DesiredCapacity += int(aws.ToInt32(scaling.DesiredSize))
		}
		// The nodegroup's backing groups carry the live instance view.
		if resources := out.Nodegroup.Resources; resources != nil {
			for _, group := range resources.AutoScalingGroups {
				inService, err := p.inServiceCount(ctx, aws.ToString(group.Name))
				if err != nil {
					return nil, err
				}
				stats.RunningInstances += inService
			}
		}
	}
	return stats, nil
}

func (p *DefaultProvider) fromAutoScalingGroups(ctx context.Context, gpuType string) (*PoolStats, error) {
	patterns := p.poolPatterns(gpuType)
	var stats *PoolStats
	paginator := autoscaling.NewDescribeAutoScalingGroupsPaginator(p.asgapi, &autoscaling.DescribeAutoScalingGroupsInput{})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, errors.FromAWS(fmt.Errorf("describing autoscaling groups, %w", err))
		}
		for _, group := range page.AutoScalingGroups {
			if !matchesAny(strings.ToLower(aws.ToString(group.AutoScalingGroupName)), patterns) {
				continue
			}
			if stats == nil {
				stats = &PoolStats{}
			}
			stats.DesiredCapacity += int(aws.ToInt32(group.DesiredCapacity))
			stats.RunningInstances += lo.CountBy(group.Instances, func(i autoscalingtypes.Instance) bool {
				return i.LifecycleState == autoscalingtypes.LifecycleStateInService
			})
		}
	}
	return stats, nil
}

func (p *DefaultProvider) inServiceCount(ctx context.Context, groupName string) (int, error) {
	if groupName == "" {
		return 0, nil
	}
	out, err := p.asgapi.DescribeAutoScalingGroups(ctx, &autoscaling.DescribeAutoScalingGroupsInput{
		AutoScalingGroupNames: []string{groupName},
	})
	if err != nil {
		return 0, errors.FromAWS(fmt.Errorf("describing autoscaling group %s, %w", groupName, err))
	}
	count := 0
	for _, group := range out.AutoScalingGroups {
		count += lo.CountBy(group.Instances, func(i autoscalingtypes.Instance) bool {
			return i.LifecycleState == autoscalingtypes.LifecycleStateInService
		})
	}
	return count, nil
}

func matchesAny(name string, patterns []string) bool {
	for _, pattern := range patterns {
		if strings.HasPrefix(name, pattern) {
			return true
		}
	}
	return false
}
