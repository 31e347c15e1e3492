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

package diskreconcile_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"github.com/samber/lo"

	v1 "github.com/gpudev/orchestrator/pkg/apis/v1"
	"github.com/gpudev/orchestrator/pkg/controllers/diskreconcile"
	"github.com/gpudev/orchestrator/pkg/errors"
	"github.com/gpudev/orchestrator/pkg/fake"
	"github.com/gpudev/orchestrator/pkg/notify"
	"github.com/gpudev/orchestrator/pkg/operator/options"
	snapshotprovider "github.com/gpudev/orchestrator/pkg/providers/snapshot"
	"github.com/gpudev/orchestrator/pkg/providers/volume"
	"github.com/gpudev/orchestrator/pkg/snapshot"
	"github.com/gpudev/orchestrator/pkg/store"
	"github.com/gpudev/orchestrator/pkg/test"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var ctx context.Context
var env *test.Environment
var controller *diskreconcile.Controller

func TestDiskReconcile(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "DiskReconcile")
}

var _ = BeforeSuite(func() {
	env = test.NewEnvironment()
})

var _ = BeforeEach(func() {
	ctx = options.ToContext(context.Background(), test.Options())
	env.Reset()
	engine := snapshot.NewEngine(env.Store, env.SnapshotProvider, env.ObjectStoreProvider, env.Cluster)
	controller = diskreconcile.NewController(env.Store, env.VolumeProvider, env.SnapshotProvider, engine, env.NotifySink, env.Clock)
})

func createVolume(user, name string, sizeGB int, extraTags ...map[string]string) *volume.VolumeInfo {
	GinkgoHelper()
	tags := map[string]string{v1.TagUser: user, v1.TagDiskName: name}
	for _, extra := range extraTags {
		for k, v := range extra {
			tags[k] = v
		}
	}
	vol, err := env.VolumeProvider.Create(ctx, volume.CreateOptions{
		SizeGB:           sizeGB,
		AvailabilityZone: fake.DefaultZone,
		Tags:             tags,
	})
	Expect(err).ToNot(HaveOccurred())
	return vol
}

func quarantineTags(daysAgo int) map[string]string {
	return map[string]string{
		v1.TagQuarantined:      env.Clock.Now().UTC().AddDate(0, 0, -daysAgo).Format(time.RFC3339),
		v1.TagQuarantineReason: "duplicate of vol-prior",
	}
}

var _ = Describe("Volume sync", func() {
	It("should upsert rows for tagged cloud volumes", func() {
		vol := createVolume("alice", "data", 100)

		result := test.ExpectSingletonReconciled(ctx, controller)
		Expect(result.RequeueAfter).To(Equal(30 * time.Minute))

		d, err := env.Store.GetDisk(ctx, "alice", "data")
		Expect(err).ToNot(HaveOccurred())
		Expect(d.ProviderVolumeID).To(Equal(vol.ID))
		Expect(d.SizeGB).To(Equal(100))
	})
	It("should settle snapshot bookkeeping from the cloud", func() {
		vol := createVolume("alice", "data", 100)
		_, err := env.SnapshotProvider.Create(ctx, snapshotprovider.CreateOptions{
			VolumeID: vol.ID, User: "alice", Kind: v1.SnapshotTypeManual, DiskName: "data",
		})
		Expect(err).ToNot(HaveOccurred())
		env.EC2API.Snapshots.Store("snap-pending", ec2types.Snapshot{
			SnapshotId: lo.ToPtr("snap-pending"),
			VolumeId:   lo.ToPtr(vol.ID),
			State:      ec2types.SnapshotStatePending,
			Progress:   lo.ToPtr("40%"),
			StartTime:  lo.ToPtr(env.Clock.Now()),
			OwnerId:    lo.ToPtr(fake.DefaultAccountID),
			Tags: []ec2types.Tag{
				{Key: lo.ToPtr(v1.TagUser), Value: lo.ToPtr("alice")},
				{Key: lo.ToPtr(v1.TagDiskName), Value: lo.ToPtr("data")},
			},
		})

		test.ExpectSingletonReconciled(ctx, controller)

		d, err := env.Store.GetDisk(ctx, "alice", "data")
		Expect(err).ToNot(HaveOccurred())
		Expect(d.SnapshotCount).To(Equal(1))
		Expect(d.PendingSnapshotCount).To(Equal(1))
		Expect(d.IsBackingUp).To(BeTrue())
		Expect(d.LastSnapshotAt).ToNot(BeNil())
	})
	It("should reset counters a crashed worker left stuck", func() {
		vol := createVolume("bob", "scratch", 100)
		disk := test.Disk(test.DiskOptions{
			UserID: "bob", DiskName: "scratch", ProviderVolumeID: vol.ID,
			PendingSnapshotCount: 3, IsBackingUp: true,
		})
		env.Store.Disks[disk.DiskID] = disk

		test.ExpectSingletonReconciled(ctx, controller)

		d, err := env.Store.GetDiskByID(ctx, disk.DiskID)
		Expect(err).ToNot(HaveOccurred())
		Expect(d.PendingSnapshotCount).To(BeZero())
		Expect(d.IsBackingUp).To(BeFalse())
	})
})

var _ = Describe("Duplicate volumes", func() {
	It("should keep the attached volume and quarantine the rest", func() {
		winner := createVolume("alice", "data", 50)
		loser := createVolume("alice", "data", 500)
		_, err := env.VolumeProvider.Attach(ctx, winner.ID, "i-01")
		Expect(err).ToNot(HaveOccurred())

		test.ExpectSingletonReconciled(ctx, controller)

		d, err := env.Store.GetDisk(ctx, "alice", "data")
		Expect(err).ToNot(HaveOccurred())
		Expect(d.ProviderVolumeID).To(Equal(winner.ID))

		fresh, err := env.VolumeProvider.Get(ctx, loser.ID)
		Expect(err).ToNot(HaveOccurred())
		Expect(fresh.Quarantined()).To(BeTrue())
		Expect(fresh.Tags).To(HaveKeyWithValue(v1.TagQuarantineReason, fmt.Sprintf("duplicate of %s", winner.ID)))

		notices := env.NotifySink.OnChannel(notify.ChannelQuarantine)
		Expect(notices).To(HaveLen(1))
		Expect(notices[0].UserID).To(Equal("alice"))
		Expect(notices[0].Metadata).To(HaveKeyWithValue("volume_id", winner.ID))
		Expect(notices[0].Metadata).To(HaveKeyWithValue("quarantined", loser.ID))
	})
	It("should prefer the volume the database references when none is attached", func() {
		referenced := createVolume("alice", "data", 100)
		stray := createVolume("alice", "data", 400)
		disk := test.Disk(test.DiskOptions{UserID: "alice", DiskName: "data", ProviderVolumeID: referenced.ID})
		env.Store.Disks[disk.DiskID] = disk

		test.ExpectSingletonReconciled(ctx, controller)

		d, err := env.Store.GetDiskByID(ctx, disk.DiskID)
		Expect(err).ToNot(HaveOccurred())
		Expect(d.ProviderVolumeID).To(Equal(referenced.ID))
		fresh, err := env.VolumeProvider.Get(ctx, stray.ID)
		Expect(err).ToNot(HaveOccurred())
		Expect(fresh.Quarantined()).To(BeTrue())
	})
	It("should prefer the larger volume when no row references either", func() {
		big := createVolume("alice", "data", 200)
		small := createVolume("alice", "data", 100)

		test.ExpectSingletonReconciled(ctx, controller)

		d, err := env.Store.GetDisk(ctx, "alice", "data")
		Expect(err).ToNot(HaveOccurred())
		Expect(d.ProviderVolumeID).To(Equal(big.ID))
		fresh, err := env.VolumeProvider.Get(ctx, small.ID)
		Expect(err).ToNot(HaveOccurred())
		Expect(fresh.Quarantined()).To(BeTrue())
	})
	It("should prefer the volume with more snapshots at equal size", func() {
		favored := createVolume("alice", "data", 100)
		other := createVolume("alice", "data", 100)
		for range 2 {
			_, err := env.SnapshotProvider.Create(ctx, snapshotprovider.CreateOptions{
				VolumeID: favored.ID, User: "alice", Kind: v1.SnapshotTypeShutdown, DiskName: "data",
			})
			Expect(err).ToNot(HaveOccurred())
		}

		test.ExpectSingletonReconciled(ctx, controller)

		d, err := env.Store.GetDisk(ctx, "alice", "data")
		Expect(err).ToNot(HaveOccurred())
		Expect(d.ProviderVolumeID).To(Equal(favored.ID))
		fresh, err := env.VolumeProvider.Get(ctx, other.ID)
		Expect(err).ToNot(HaveOccurred())
		Expect(fresh.Quarantined()).To(BeTrue())
	})
	It("should defer when multiple duplicates are attached", func() {
		first := createVolume("alice", "data", 100)
		second := createVolume("alice", "data", 100)
		_, err := env.VolumeProvider.Attach(ctx, first.ID, "i-01")
		Expect(err).ToNot(HaveOccurred())
		_, err = env.VolumeProvider.Attach(ctx, second.ID, "i-02")
		Expect(err).ToNot(HaveOccurred())

		test.ExpectSingletonReconciled(ctx, controller)

		_, err = env.Store.GetDisk(ctx, "alice", "data")
		Expect(err).To(HaveOccurred())
		for _, id := range []string{first.ID, second.ID} {
			fresh, err := env.VolumeProvider.Get(ctx, id)
			Expect(err).ToNot(HaveOccurred())
			Expect(fresh.Quarantined()).To(BeFalse())
		}
		Expect(env.NotifySink.OnChannel(notify.ChannelQuarantine)).To(HaveLen(1))
	})
	It("should roll back quarantine tags when the repoint fails", func() {
		winner := createVolume("alice", "data", 100)
		loser := createVolume("alice", "data", 50)
		_, err := env.VolumeProvider.Attach(ctx, winner.ID, "i-01")
		Expect(err).ToNot(HaveOccurred())
		env.Store.FailNext("SyncDiskFromCloud", errors.Newf(errors.KindInternal, "db_unavailable", "connection refused"))

		test.ExpectSingletonReconcileFailed(ctx, controller)

		fresh, err := env.VolumeProvider.Get(ctx, loser.ID)
		Expect(err).ToNot(HaveOccurred())
		Expect(fresh.Quarantined()).To(BeFalse())
	})
	It("should leave the row alone when quarantine tagging fails", func() {
		winner := createVolume("alice", "data", 100)
		loser := createVolume("alice", "data", 50)
		_, err := env.VolumeProvider.Attach(ctx, winner.ID, "i-01")
		Expect(err).ToNot(HaveOccurred())
		env.EC2API.CreateTagsBehavior.Error.Set(fmt.Errorf("CreateTagsError"))

		test.ExpectSingletonReconcileFailed(ctx, controller)

		_, err = env.Store.GetDisk(ctx, "alice", "data")
		Expect(err).To(HaveOccurred())
		fresh, err := env.VolumeProvider.Get(ctx, loser.ID)
		Expect(err).ToNot(HaveOccurred())
		Expect(fresh.Quarantined()).To(BeFalse())
	})
})

var _ = Describe("Held disks", func() {
	It("should release disks held by settled reservations", func() {
		env.Store.Reservations["res-done"] = test.Reservation(test.ReservationOptions{ReservationID: "res-done", Status: v1.StatusCompleted})
		env.Store.Reservations["res-live"] = test.Reservation(test.ReservationOptions{ReservationID: "res-live", Status: v1.StatusActive})
		done := test.Disk(test.DiskOptions{UserID: "alice", DiskName: "a", InUse: true, AttachedToReservation: "res-done"})
		live := test.Disk(test.DiskOptions{UserID: "alice", DiskName: "b", InUse: true, AttachedToReservation: "res-live"})
		vanished := test.Disk(test.DiskOptions{UserID: "alice", DiskName: "c", InUse: true, AttachedToReservation: "res-vanished"})
		for _, d := range []*v1.Disk{done, live, vanished} {
			env.Store.Disks[d.DiskID] = d
		}

		test.ExpectSingletonReconciled(ctx, controller)

		d, err := env.Store.GetDiskByID(ctx, done.DiskID)
		Expect(err).ToNot(HaveOccurred())
		Expect(d.InUse).To(BeFalse())
		Expect(d.AttachedToReservation).To(BeEmpty())

		d, err = env.Store.GetDiskByID(ctx, live.DiskID)
		Expect(err).ToNot(HaveOccurred())
		Expect(d.InUse).To(BeTrue())

		d, err = env.Store.GetDiskByID(ctx, vanished.DiskID)
		Expect(err).ToNot(HaveOccurred())
		Expect(d.InUse).To(BeFalse())
	})
	It("should reclaim a free row whose volume serves a live reservation", func() {
		env.Store.Reservations["res-live"] = test.Reservation(test.ReservationOptions{ReservationID: "res-live", UserID: "alice", Status: v1.StatusActive})
		vol := createVolume("alice", "data", 100, map[string]string{v1.TagReservationID: "res-live"})
		_, err := env.VolumeProvider.Attach(ctx, vol.ID, "i-01")
		Expect(err).ToNot(HaveOccurred())

		test.ExpectSingletonReconciled(ctx, controller)

		d, err := env.Store.GetDisk(ctx, "alice", "data")
		Expect(err).ToNot(HaveOccurred())
		Expect(d.InUse).To(BeTrue())
		Expect(d.AttachedToReservation).To(Equal("res-live"))
	})
	It("should not reclaim for a settled reservation", func() {
		env.Store.Reservations["res-done"] = test.Reservation(test.ReservationOptions{ReservationID: "res-done", UserID: "alice", Status: v1.StatusCompleted})
		vol := createVolume("alice", "data", 100, map[string]string{v1.TagReservationID: "res-done"})
		_, err := env.VolumeProvider.Attach(ctx, vol.ID, "i-01")
		Expect(err).ToNot(HaveOccurred())

		test.ExpectSingletonReconciled(ctx, controller)

		d, err := env.Store.GetDisk(ctx, "alice", "data")
		Expect(err).ToNot(HaveOccurred())
		Expect(d.InUse).To(BeFalse())
	})
})

var _ = Describe("Orphaned rows", func() {
	It("should orphan rows whose volume left the cloud", func() {
		orphan := test.Disk(test.DiskOptions{UserID: "bob", DiskName: "lost", ProviderVolumeID: "vol-gone"})
		deleted := test.Disk(test.DiskOptions{UserID: "bob", DiskName: "old", ProviderVolumeID: "vol-gone2", IsDeleted: true})
		env.Store.Disks[orphan.DiskID] = orphan
		env.Store.Disks[deleted.DiskID] = deleted

		test.ExpectSingletonReconciled(ctx, controller)

		d, err := env.Store.GetDiskByID(ctx, orphan.DiskID)
		Expect(err).ToNot(HaveOccurred())
		Expect(d.ProviderVolumeID).To(BeEmpty())

		d, err = env.Store.GetDiskByID(ctx, deleted.DiskID)
		Expect(err).ToNot(HaveOccurred())
		Expect(d.ProviderVolumeID).To(Equal("vol-gone2"))
	})
	It("should not orphan rows whose volume is merely quarantined", func() {
		vol := createVolume("alice", "data", 100, quarantineTags(1))
		disk := test.Disk(test.DiskOptions{UserID: "alice", DiskName: "data", ProviderVolumeID: vol.ID})
		env.Store.Disks[disk.DiskID] = disk

		test.ExpectSingletonReconciled(ctx, controller)

		d, err := env.Store.GetDiskByID(ctx, disk.DiskID)
		Expect(err).ToNot(HaveOccurred())
		Expect(d.ProviderVolumeID).To(Equal(vol.ID))
	})
})

var _ = Describe("Quarantine cleanup", func() {
	It("should delete expired quarantined volumes behind a backup", func() {
		vol := createVolume("alice", "data", 100, quarantineTags(31))

		test.ExpectSingletonReconciled(ctx, controller)

		_, ok := env.EC2API.Volume(vol.ID)
		Expect(ok).To(BeFalse())

		backups, err := env.SnapshotProvider.ListByTags(ctx, map[string]string{v1.TagSnapshotType: v1.SnapshotTypeQuarantineBackup})
		Expect(err).ToNot(HaveOccurred())
		Expect(backups).To(HaveLen(1))
		Expect(backups[0].VolumeID).To(Equal(vol.ID))
		Expect(backups[0].Tags).To(HaveKeyWithValue(v1.TagQuarantineBackup, env.Clock.Now().UTC().AddDate(0, 0, 90).Format(time.RFC3339)))

		notices := env.NotifySink.OnChannel(notify.ChannelQuarantine)
		Expect(notices).To(HaveLen(1))
		Expect(notices[0].Metadata).To(HaveKeyWithValue("snapshot_id", backups[0].ID))
	})
	It("should keep quarantined volumes inside the retention window", func() {
		vol := createVolume("alice", "data", 100, quarantineTags(5))

		test.ExpectSingletonReconciled(ctx, controller)

		_, ok := env.EC2API.Volume(vol.ID)
		Expect(ok).To(BeTrue())
		backups, err := env.SnapshotProvider.ListByTags(ctx, map[string]string{v1.TagSnapshotType: v1.SnapshotTypeQuarantineBackup})
		Expect(err).ToNot(HaveOccurred())
		Expect(backups).To(BeEmpty())
	})
	It("should refuse to delete an attached quarantined volume", func() {
		vol := createVolume("alice", "data", 100, quarantineTags(40))
		_, err := env.VolumeProvider.Attach(ctx, vol.ID, "i-01")
		Expect(err).ToNot(HaveOccurred())

		test.ExpectSingletonReconciled(ctx, controller)

		_, ok := env.EC2API.Volume(vol.ID)
		Expect(ok).To(BeTrue())
	})
	It("should keep the volume when the backup cannot be stamped", func() {
		vol := createVolume("alice", "data", 100, quarantineTags(31))
		env.EC2API.CreateTagsBehavior.Error.Set(fmt.Errorf("CreateTagsError"))

		test.ExpectSingletonReconcileFailed(ctx, controller)

		_, ok := env.EC2API.Volume(vol.ID)
		Expect(ok).To(BeTrue())
		backups, err := env.SnapshotProvider.ListByTags(ctx, map[string]string{v1.TagSnapshotType: v1.SnapshotTypeQuarantineBackup})
		Expect(err).ToNot(HaveOccurred())
		Expect(backups).To(BeEmpty())
	})
})

var _ = Describe("Coordination", func() {
	It("should skip the pass while another replica holds the lock", func() {
		_, ok, err := env.Store.TryAdvisoryLock(ctx, store.LockKey(diskreconcile.LockName))
		Expect(err).ToNot(HaveOccurred())
		Expect(ok).To(BeTrue())
		createVolume("alice", "data", 100)

		result := test.ExpectSingletonReconciled(ctx, controller)
		Expect(result.RequeueAfter).To(Equal(30 * time.Minute))
		_, err = env.Store.GetDisk(ctx, "alice", "data")
		Expect(err).To(HaveOccurred())
	})
	It("should abort without orphaning when the cloud listing fails", func() {
		orphan := test.Disk(test.DiskOptions{UserID: "bob", DiskName: "lost", ProviderVolumeID: "vol-gone"})
		env.Store.Disks[orphan.DiskID] = orphan
		env.EC2API.DescribeVolumesBehavior.Error.Set(&smithy.GenericAPIError{Code: "UnauthorizedOperation", Message: "not allowed"})

		test.ExpectSingletonReconcileFailed(ctx, controller)

		d, err := env.Store.GetDiskByID(ctx, orphan.DiskID)
		Expect(err).ToNot(HaveOccurred())
		Expect(d.ProviderVolumeID).To(Equal("vol-gone"))

		// The lock was released, the next pass recovers.
		test.ExpectSingletonReconciled(ctx, controller)
		d, err = env.Store.GetDiskByID(ctx, orphan.DiskID)
		Expect(err).ToNot(HaveOccurred())
		Expect(d.ProviderVolumeID).To(BeEmpty())
	})
})
