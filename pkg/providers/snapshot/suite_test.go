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

package snapshot_test

import (
	"context"
	"testing"
	"time"

	"github.com/samber/lo"

	v1 "github.com/gpudev/orchestrator/pkg/apis/v1"
	"github.com/gpudev/orchestrator/pkg/errors"
	"github.com/gpudev/orchestrator/pkg/fake"
	"github.com/gpudev/orchestrator/pkg/providers/snapshot"
	"github.com/gpudev/orchestrator/pkg/providers/volume"
	"github.com/gpudev/orchestrator/pkg/test"

	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var ctx context.Context
var env *test.Environment
var vol *volume.VolumeInfo

func TestSnapshot(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "SnapshotProvider")
}

var _ = BeforeSuite(func() {
	env = test.NewEnvironment()
})

var _ = BeforeEach(func() {
	ctx = context.Background()
	env.Reset()
	var err error
	vol, err = env.VolumeProvider.Create(ctx, volume.CreateOptions{
		SizeGB:           100,
		AvailabilityZone: fake.DefaultZone,
		Tags:             map[string]string{v1.TagUser: "alice", v1.TagDiskName: "scratch"},
	})
	Expect(err).ToNot(HaveOccurred())
})

var _ = Describe("SnapshotProvider", func() {
	It("should stamp the tag schema on create", func() {
		info, err := env.SnapshotProvider.Create(ctx, snapshot.CreateOptions{
			VolumeID:    vol.ID,
			User:        "alice",
			Kind:        v1.SnapshotTypeShutdown,
			DiskName:    "scratch",
			Description: "teardown of res-1",
			ContentURI:  "s3://bucket/content/alice/scratch/snap.txt",
			DiskSize:    "12G",
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(info.VolumeID).To(Equal(vol.ID))
		Expect(info.Kind()).To(Equal(v1.SnapshotTypeShutdown))
		Expect(info.DiskName()).To(Equal("scratch"))
		Expect(info.Tags).To(HaveKeyWithValue(v1.TagName, "gpu-dev-alice-scratch"))
		Expect(info.Tags).To(HaveKeyWithValue(v1.TagSnapshotContent, "s3://bucket/content/alice/scratch/snap.txt"))
		Expect(info.Tags).To(HaveKeyWithValue(v1.TagDiskSize, "12G"))
		Expect(info.Tags).To(HaveKey(v1.TagCreatedAt))

		stored, ok := env.EC2API.Snapshot(info.ID)
		Expect(ok).To(BeTrue())
		Expect(stored.State).To(Equal(ec2types.SnapshotStateCompleted))
	})
	It("should classify a missing snapshot as not found", func() {
		_, err := env.SnapshotProvider.Get(ctx, "snap-missing")
		Expect(err).To(HaveOccurred())
		Expect(errors.IsNotFound(err)).To(BeTrue())
	})
	It("should list snapshots of one disk by tags", func() {
		for _, disk := range []string{"scratch", "scratch", "data"} {
			_, err := env.SnapshotProvider.Create(ctx, snapshot.CreateOptions{
				VolumeID: vol.ID,
				User:     "alice",
				Kind:     v1.SnapshotTypeShutdown,
				DiskName: disk,
			})
			Expect(err).ToNot(HaveOccurred())
		}
		snapshots, err := env.SnapshotProvider.ListForDisk(ctx, "alice", "scratch")
		Expect(err).ToNot(HaveOccurred())
		Expect(snapshots).To(HaveLen(2))
		Expect(lo.EveryBy(snapshots, func(s snapshot.SnapshotInfo) bool { return s.DiskName() == "scratch" })).To(BeTrue())
	})
	It("should serve repeated lists from cache until a write flushes it", func() {
		_, err := env.SnapshotProvider.Create(ctx, snapshot.CreateOptions{
			VolumeID: vol.ID,
			User:     "alice",
			Kind:     v1.SnapshotTypeShutdown,
			DiskName: "scratch",
		})
		Expect(err).ToNot(HaveOccurred())
		first, err := env.SnapshotProvider.ListForDisk(ctx, "alice", "scratch")
		Expect(err).ToNot(HaveOccurred())
		Expect(first).To(HaveLen(1))

		// A snapshot slipped in behind the provider's back stays invisible
		// until a provider write flushes the cache.
		env.EC2API.Snapshots.Store("snap-behind-back", ec2types.Snapshot{
			SnapshotId: lo.ToPtr("snap-behind-back"),
			VolumeId:   lo.ToPtr(vol.ID),
			OwnerId:    lo.ToPtr(fake.DefaultAccountID),
			State:      ec2types.SnapshotStateCompleted,
			Tags: []ec2types.Tag{
				{Key: lo.ToPtr(v1.TagUser), Value: lo.ToPtr("alice")},
				{Key: lo.ToPtr(v1.TagDiskName), Value: lo.ToPtr("scratch")},
			},
		})
		cached, err := env.SnapshotProvider.ListForDisk(ctx, "alice", "scratch")
		Expect(err).ToNot(HaveOccurred())
		Expect(cached).To(HaveLen(1))

		Expect(env.SnapshotProvider.Tag(ctx, []string{"snap-behind-back"}, map[string]string{"touched": "true"})).To(Succeed())
		fresh, err := env.SnapshotProvider.ListForDisk(ctx, "alice", "scratch")
		Expect(err).ToNot(HaveOccurred())
		Expect(fresh).To(HaveLen(2))
	})
	It("should bypass the cache when listing pending snapshots", func() {
		pending, err := env.SnapshotProvider.ListPending(ctx, vol.ID)
		Expect(err).ToNot(HaveOccurred())
		Expect(pending).To(BeEmpty())

		env.EC2API.Snapshots.Store("snap-pending", ec2types.Snapshot{
			SnapshotId: lo.ToPtr("snap-pending"),
			VolumeId:   lo.ToPtr(vol.ID),
			OwnerId:    lo.ToPtr(fake.DefaultAccountID),
			State:      ec2types.SnapshotStatePending,
			Progress:   lo.ToPtr("37%"),
		})
		pending, err = env.SnapshotProvider.ListPending(ctx, vol.ID)
		Expect(err).ToNot(HaveOccurred())
		Expect(pending).To(HaveLen(1))
		Expect(pending[0].Pending()).To(BeTrue())
	})
	Context("Wait", func() {
		It("should return once the snapshot completes", func() {
			info, err := env.SnapshotProvider.Create(ctx, snapshot.CreateOptions{
				VolumeID: vol.ID,
				User:     "alice",
				Kind:     v1.SnapshotTypeManual,
				DiskName: "scratch",
			})
			Expect(err).ToNot(HaveOccurred())
			Expect(env.SnapshotProvider.Wait(ctx, info.ID, time.Minute)).To(Succeed())
		})
		It("should classify a stuck snapshot as deadline exceeded", func() {
			env.EC2API.Snapshots.Store("snap-stuck", ec2types.Snapshot{
				SnapshotId: lo.ToPtr("snap-stuck"),
				VolumeId:   lo.ToPtr(vol.ID),
				OwnerId:    lo.ToPtr(fake.DefaultAccountID),
				State:      ec2types.SnapshotStatePending,
			})
			err := env.SnapshotProvider.Wait(ctx, "snap-stuck", time.Millisecond)
			Expect(err).To(HaveOccurred())
			Expect(errors.IsKind(err, errors.KindDeadlineExceeded)).To(BeTrue())
			Expect(errors.ReasonOf(err)).To(Equal("snapshot_timeout"))
		})
	})
	Context("Delete", func() {
		It("should delete a snapshot", func() {
			info, err := env.SnapshotProvider.Create(ctx, snapshot.CreateOptions{
				VolumeID: vol.ID,
				User:     "alice",
				Kind:     v1.SnapshotTypeManual,
				DiskName: "scratch",
			})
			Expect(err).ToNot(HaveOccurred())
			Expect(env.SnapshotProvider.Delete(ctx, info.ID)).To(Succeed())

			_, ok := env.EC2API.Snapshot(info.ID)
			Expect(ok).To(BeFalse())
		})
		It("should treat a missing snapshot as already deleted", func() {
			Expect(env.SnapshotProvider.Delete(ctx, "snap-gone")).To(Succeed())
		})
	})
	It("should tag snapshots in bulk and no-op on an empty set", func() {
		Expect(env.SnapshotProvider.Tag(ctx, nil, map[string]string{"x": "y"})).To(Succeed())
		Expect(env.EC2API.CreateTagsBehavior.Calls()).To(Equal(0))

		info, err := env.SnapshotProvider.Create(ctx, snapshot.CreateOptions{
			VolumeID: vol.ID,
			User:     "alice",
			Kind:     v1.SnapshotTypeManual,
			DiskName: "scratch",
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(env.SnapshotProvider.Tag(ctx, []string{info.ID}, map[string]string{v1.TagQuarantineBackup: "true"})).To(Succeed())

		got, err := env.SnapshotProvider.Get(ctx, info.ID)
		Expect(err).ToNot(HaveOccurred())
		Expect(got.Tags).To(HaveKeyWithValue(v1.TagQuarantineBackup, "true"))
	})
})
