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
	"fmt"
	"strings"

	"github.com/Pallinder/go-randomdata"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/samber/lo"
)

const DefaultAccountID = "123456789012"

func VolumeID() string {
	return fmt.Sprintf("vol-%s", strings.ToLower(randomdata.Alphanumeric(17)))
}

func SnapshotID() string {
	return fmt.Sprintf("snap-%s", strings.ToLower(randomdata.Alphanumeric(17)))
}

func InstanceID() string {
	return fmt.Sprintf("i-%s", strings.ToLower(randomdata.Alphanumeric(17)))
}

const DefaultZone = "us-west-2a"

// FilterDescribeVolumes filters the passed in volumes based on the filters passed in.
// Filters are chained with a logical "AND"
func FilterDescribeVolumes(volumes []ec2types.Volume, filters []ec2types.Filter) []ec2types.Volume {
	return lo.Filter(volumes, func(v ec2types.Volume, _ int) bool {
		return lo.EveryBy(filters, func(filter ec2types.Filter) bool {
			switch name := lo.FromPtr(filter.Name); {
			case name == "volume-id":
				return lo.Contains(filter.Values, lo.FromPtr(v.VolumeId))
			case name == "status":
				return lo.Contains(filter.Values, string(v.State))
			case name == "attachment.instance-id":
				return lo.ContainsBy(v.Attachments, func(a ec2types.VolumeAttachment) bool {
					return lo.Contains(filter.Values, lo.FromPtr(a.InstanceId))
				})
			case strings.HasPrefix(name, "tag"):
				return matchTags(v.Tags, filter)
			default:
				panic(fmt.Sprintf("unsupported mock volume filter %q", name))
			}
		})
	})
}

// FilterDescribeSnapshots filters the passed in snapshots based on the filters passed in.
// Filters are chained with a logical "AND"
func FilterDescribeSnapshots(snapshots []ec2types.Snapshot, filters []ec2types.Filter) []ec2types.Snapshot {
	return lo.Filter(snapshots, func(s ec2types.Snapshot, _ int) bool {
		return lo.EveryBy(filters, func(filter ec2types.Filter) bool {
			switch name := lo.FromPtr(filter.Name); {
			case name == "snapshot-id":
				return lo.Contains(filter.Values, lo.FromPtr(s.SnapshotId))
			case name == "volume-id":
				return lo.Contains(filter.Values, lo.FromPtr(s.VolumeId))
			case name == "status":
				return lo.Contains(filter.Values, string(s.State))
			case strings.HasPrefix(name, "tag"):
				return matchTags(s.Tags, filter)
			default:
				panic(fmt.Sprintf("unsupported mock snapshot filter %q", name))
			}
		})
	})
}

// matchTags is a predicate that matches a slice of tags with a tag:<key> or tag-key filter
func matchTags(tags []ec2types.Tag, filter ec2types.Filter) bool {
	if key, ok := strings.CutPrefix(lo.FromPtr(filter.Name), "tag:"); ok {
		for _, val := range filter.Values {
			for _, tag := range tags {
				if (key == "*" || key == lo.FromPtr(tag.Key)) && (val == "*" || val == lo.FromPtr(tag.Value)) {
					return true
				}
			}
		}
		return false
	}
	if lo.FromPtr(filter.Name) == "tag-key" {
		for _, val := range filter.Values {
			if val == "*" {
				return true
			}
			for _, tag := range tags {
				if lo.FromPtr(tag.Key) == val {
					return true
				}
			}
		}
	}
	return false
}

func tagSpecTags(specs []ec2types.TagSpecification, resource ec2types.ResourceType) []ec2types.Tag {
	spec, ok := lo.Find(specs, func(s ec2types.TagSpecification) bool { return s.ResourceType == resource })
	if !ok {
		return nil
	}
	return spec.Tags
}

// mergeTags overlays incoming tags onto existing ones, replacing values for matching keys.
func mergeTags(existing, incoming []ec2types.Tag) []ec2types.Tag {
	byKey := map[string]string{}
	for _, t := range existing {
		byKey[lo.FromPtr(t.Key)] = lo.FromPtr(t.Value)
	}
	for _, t := range incoming {
		byKey[lo.FromPtr(t.Key)] = lo.FromPtr(t.Value)
	}
	keys := lo.Keys(byKey)
	return lo.Map(keys, func(k string, _ int) ec2types.Tag {
		return ec2types.Tag{Key: lo.ToPtr(k), Value: lo.ToPtr(byKey[k])}
	})
}
