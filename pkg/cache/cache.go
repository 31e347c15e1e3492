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

package cache

import "time"

const (
	// DefaultTTL restricts stale reads without re-querying cloud APIs on
	// every reconcile.
	DefaultTTL = time.Minute
	// DefaultCleanupInterval triggers cache cleanup (lazy eviction) at this interval.
	DefaultCleanupInterval = 10 * time.Minute
	// NodePoolStatsTTL caches nodegroup and ASG capacity counts. Pool sizes
	// move on autoscaler decisions, so staleness beyond this window would
	// distort CPU slot math.
	NodePoolStatsTTL = time.Minute
	// SnapshotListTTL caches DescribeSnapshots pages during retention sweeps.
	SnapshotListTTL = 45 * time.Second
	// QueueURLTTL caches resolved notification queue URLs, which only change
	// when the queue is recreated.
	QueueURLTTL = time.Hour
)
