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

package utils

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/samber/lo"
)

var (
	instanceIDRegex   = regexp.MustCompile(`aws:///(?P<AZ>.*)/(?P<InstanceID>.*)`)
	labelValueInvalid = regexp.MustCompile(`[^A-Za-z0-9\-_.]`)
)

// ParseInstanceID parses the provider ID stored on a node to get the instance
// ID of the backing machine.
func ParseInstanceID(providerID string) (string, error) {
	matches := instanceIDRegex.FindStringSubmatch(providerID)
	if matches == nil {
		return "", fmt.Errorf("parsing instance id %s", providerID)
	}
	for i, name := range instanceIDRegex.SubexpNames() {
		if name == "InstanceID" {
			return matches[i], nil
		}
	}
	return "", fmt.Errorf("parsing instance id %s", providerID)
}

// MergeTags takes a variadic list of maps and merges them together into a list
// of EC2 tags to be passed into EC2 API calls
func MergeTags(tags ...map[string]string) []ec2types.Tag {
	return lo.MapToSlice(lo.Assign(tags...), func(k, v string) ec2types.Tag {
		return ec2types.Tag{Key: aws.String(k), Value: aws.String(v)}
	})
}

// TagMap flattens EC2 tags into a map.
func TagMap(tags []ec2types.Tag) map[string]string {
	return lo.SliceToMap(tags, func(t ec2types.Tag) (string, string) {
		return aws.ToString(t.Key), aws.ToString(t.Value)
	})
}

// LabelValue coerces an arbitrary string into a valid label value: invalid
// characters replaced, stripped to alphanumeric boundaries, truncated to 63.
func LabelValue(s string) string {
	s = labelValueInvalid.ReplaceAllString(s, "-")
	if len(s) > 63 {
		s = s[:63]
	}
	return strings.Trim(s, "-_.")
}

// PrettySlice truncates a slice after a certain number of max items to ensure
// that the Slice isn't too long
func PrettySlice[T any](s []T, maxItems int) string {
	var sb strings.Builder
	for i, elem := range s {
		if i > maxItems-1 {
			fmt.Fprintf(&sb, " and %d other(s)", len(s)-i)
			break
		} else if i > 0 {
			fmt.Fprint(&sb, ", ")
		}
		fmt.Fprint(&sb, elem)
	}
	return sb.String()
}
