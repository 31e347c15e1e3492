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

package snapshotgc_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"github.com/samber/lo"

	v1 "github.com/gpudev/orchestrator/pkg/apis/v1"
	"github.com/gpudev/orchestrator/pkg/controllers/snapshotgc"
	"github.com/gpudev/orchestrator/pkg/fake"
	"github.com/gpudev/orchestrator/pkg/operator/options"
	"github.com/gpudev/orchestrator/pkg/test"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var ctx context.Context
var env *test.Environment
var controller *snapshotgc.Controller

func TestSnapshotGC(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "SnapshotGC")
}

var _ = BeforeSuite(func() {
	env = test.NewEnvironment()
})

var _ = BeforeEach(func() {
	ctx = options.ToContext(context.Background(), test.Options())
	env.Reset()
	controller = snapshotgc.NewController(env.SnapshotProvider, env.Clock)
})

func seedSnapshot(id, user string, startedAt time.Time, tags map[string]string) {
	GinkgoHelper()
	seedSnapshotState(id, user, startedAt, ec2types.SnapshotStateCompleted, tags)
}

func seedSnapshotState(id, user string, startedAt time.Time, state ec2types.SnapshotState, tags map[string]string) {
	GinkgoHelper()
	all := []ec2types.Tag{{Key: lo.ToPtr(v1.TagUser), Value: lo.ToPtr(user)}}
	for k, v := range tags {
		all = append(all, ec2types.Tag{Key: lo.ToPtr(k), Value: lo.ToPtr(v)})
	}
	env.EC2API.Snapshots.Store(id, ec2types.Snapshot{
		SnapshotId: lo.ToPtr(id),
		VolumeId:   lo.ToPtr("vol-src"),
		VolumeSize: lo.ToPtr[int32](100),
		State:      state,
		Progress:   lo.ToPtr(lo.Ternary(state == ec2types.SnapshotStateCompleted, "100%", "40%")),
		StartTime:  lo.ToPtr(startedAt),
		OwnerId:    lo.ToPtr(fake.DefaultAccountID),
		Tags:       all,
	})
}

func remaining(ids ...string) []bool {
	GinkgoHelper()
	return lo.Map(ids, func(id string, _ int) bool {
		_, ok := env.EC2API.Snapshot(id)
		return ok
	})
}

var _ = Describe("Retention", func() {
	It("should keep the newest snapshots and delete the overflow", func() {
		now := env.Clock.Now().UTC()
		for i := 1; i <= 5; i++ {
			seedSnapshot(fmt.Sprintf("snap-%d", i), "alice", now.Add(-time.Duration(i)*time.Hour), nil)
		}

		result := test.ExpectSingletonReconciled(ctx, controller)
		Expect(result.RequeueAfter).To(Equal(30 * time.Minute))

		Expect(remaining("snap-1", "snap-2", "snap-3", "snap-4", "snap-5")).To(Equal([]bool{true, true, true, false, false}))
	})
	It("should delete snapshots past the age bound even inside the keep count", func() {
		now := env.Clock.Now().UTC()
		seedSnapshot("snap-old", "alice", now.AddDate(0, 0, -8), nil)
		seedSnapshot("snap-fresh", "alice", now.Add(-time.Hour), nil)

		test.ExpectSingletonReconciled(ctx, controller)

		Expect(remaining("snap-old", "snap-fresh")).To(Equal([]bool{false, true}))
	})
	It("should count retention per user", func() {
		now := env.Clock.Now().UTC()
		for i := 1; i <= 3; i++ {
			seedSnapshot(fmt.Sprintf("snap-a%d", i), "alice", now.Add(-time.Duration(i)*time.Hour), nil)
			seedSnapshot(fmt.Sprintf("snap-b%d", i), "bob", now.Add(-time.Duration(i)*time.Hour), nil)
		}

		test.ExpectSingletonReconciled(ctx, controller)

		all, err := env.SnapshotProvider.ListTagged(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(all).To(HaveLen(6))
	})
	It("should never touch pending snapshots", func() {
		now := env.Clock.Now().UTC()
		seedSnapshotState("snap-inflight", "alice", now.AddDate(0, 0, -30), ec2types.SnapshotStatePending, nil)

		test.ExpectSingletonReconciled(ctx, controller)

		Expect(remaining("snap-inflight")).To(Equal([]bool{true}))
	})
})

var _ = Describe("Quarantine backups", func() {
	It("should honor the stamped retention deadline", func() {
		now := env.Clock.Now().UTC()
		seedSnapshot("snap-expired", "alice", now.AddDate(0, 0, -100), map[string]string{
			v1.TagSnapshotType:     v1.SnapshotTypeQuarantineBackup,
			v1.TagQuarantineBackup: now.AddDate(0, 0, -1).Format(time.RFC3339),
		})
		seedSnapshot("snap-retained", "alice", now.AddDate(0, 0, -100), map[string]string{
			v1.TagSnapshotType:     v1.SnapshotTypeQuarantineBackup,
			v1.TagQuarantineBackup: now.AddDate(0, 0, 30).Format(time.RFC3339),
		})

		test.ExpectSingletonReconciled(ctx, controller)

		Expect(remaining("snap-expired", "snap-retained")).To(Equal([]bool{false, true}))
	})
	It("should keep backups whose retention stamp is missing", func() {
		now := env.Clock.Now().UTC()
		seedSnapshot("snap-unstamped", "alice", now.AddDate(0, 0, -200), map[string]string{
			v1.TagSnapshotType: v1.SnapshotTypeQuarantineBackup,
		})

		test.ExpectSingletonReconciled(ctx, controller)

		Expect(remaining("snap-unstamped")).To(Equal([]bool{true}))
	})
	It("should not count backups against the regular keep count", func() {
		now := env.Clock.Now().UTC()
		for i := 1; i <= 3; i++ {
			seedSnapshot(fmt.Sprintf("snap-%d", i), "alice", now.Add(-time.Duration(i)*time.Hour), nil)
		}
		seedSnapshot("snap-backup", "alice", now.Add(-30*time.Minute), map[string]string{
			v1.TagSnapshotType:     v1.SnapshotTypeQuarantineBackup,
			v1.TagQuarantineBackup: now.AddDate(0, 0, 90).Format(time.RFC3339),
		})

		test.ExpectSingletonReconciled(ctx, controller)

		Expect(remaining("snap-1", "snap-2", "snap-3", "snap-backup")).To(Equal([]bool{true, true, true, true}))
	})
})

var _ = Describe("Caps", func() {
	It("should cap deletions per user and converge across passes", func() {
		now := env.Clock.Now().UTC()
		for i := 1; i <= 15; i++ {
			seedSnapshot(fmt.Sprintf("snap-%02d", i), "alice", now.AddDate(0, 0, -8-i), nil)
		}

		test.ExpectSingletonReconciled(ctx, controller)
		all, err := env.SnapshotProvider.ListTagged(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(all).To(HaveLen(5))

		test.ExpectSingletonReconciled(ctx, controller)
		all, err = env.SnapshotProvider.ListTagged(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(all).To(BeEmpty())
	})
	It("should cap users per run and pick up the rest next pass", func() {
		now := env.Clock.Now().UTC()
		for i := range 25 {
			seedSnapshot(fmt.Sprintf("snap-user-%02d", i), fmt.Sprintf("user-%02d", i), now.AddDate(0, 0, -10), nil)
		}

		test.ExpectSingletonReconciled(ctx, controller)
		all, err := env.SnapshotProvider.ListTagged(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(all).To(HaveLen(5))

		test.ExpectSingletonReconciled(ctx, controller)
		all, err = env.SnapshotProvider.ListTagged(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(all).To(BeEmpty())
	})
})

var _ = Describe("Failures", func() {
	It("should keep sweeping after one deletion fails", func() {
		now := env.Clock.Now().UTC()
		seedSnapshot("snap-old1", "alice", now.AddDate(0, 0, -10), nil)
		seedSnapshot("snap-old2", "alice", now.AddDate(0, 0, -9), nil)
		env.EC2API.DeleteSnapshotBehavior.Error.Set(fmt.Errorf("DeleteSnapshotError"))

		test.ExpectSingletonReconcileFailed(ctx, controller)

		Expect(remaining("snap-old1", "snap-old2")).To(Equal([]bool{true, false}))
	})
	It("should surface a listing failure", func() {
		env.EC2API.DescribeSnapshotsBehavior.Error.Set(&smithy.GenericAPIError{Code: "UnauthorizedOperation", Message: "not allowed"})

		test.ExpectSingletonReconcileFailed(ctx, controller)
	})
})
