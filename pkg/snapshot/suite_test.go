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
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/samber/lo"

	v1 "github.com/gpudev/orchestrator/pkg/apis/v1"
	"github.com/gpudev/orchestrator/pkg/fake"
	"github.com/gpudev/orchestrator/pkg/providers/volume"
	"github.com/gpudev/orchestrator/pkg/snapshot"
	"github.com/gpudev/orchestrator/pkg/store"
	"github.com/gpudev/orchestrator/pkg/test"

	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var ctx context.Context
var env *test.Environment
var engine *snapshot.Engine
var vol *volume.VolumeInfo
var disk *v1.Disk

func TestSnapshotEngine(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "SnapshotEngine")
}

var _ = BeforeSuite(func() {
	env = test.NewEnvironment()
})

var _ = BeforeEach(func() {
	ctx = context.Background()
	env.Reset()
	engine = snapshot.NewEngine(env.Store, env.SnapshotProvider, env.ObjectStoreProvider, env.Cluster)
	var err error
	vol, err = env.VolumeProvider.Create(ctx, volume.CreateOptions{
		SizeGB:           100,
		AvailabilityZone: fake.DefaultZone,
		Tags:             map[string]string{v1.TagUser: "alice", v1.TagDiskName: "scratch"},
	})
	Expect(err).ToNot(HaveOccurred())
	disk = test.Disk(test.DiskOptions{UserID: "alice", DiskName: "scratch", ProviderVolumeID: vol.ID})
	env.Store.Disks[disk.DiskID] = disk
})

func seedPendingSnapshot(id string, startedAt time.Time) {
	env.EC2API.Snapshots.Store(id, ec2types.Snapshot{
		SnapshotId: lo.ToPtr(id),
		VolumeId:   lo.ToPtr(vol.ID),
		OwnerId:    lo.ToPtr(fake.DefaultAccountID),
		State:      ec2types.SnapshotStatePending,
		StartTime:  lo.ToPtr(startedAt),
	})
}

var _ = Describe("Create", func() {
	It("should create a tagged snapshot and mark the disk backing up", func() {
		info, created, err := engine.Create(ctx, snapshot.CreateOptions{
			VolumeID:    vol.ID,
			User:        "alice",
			Kind:        v1.SnapshotTypeShutdown,
			Disk:        disk,
			Description: "teardown of res-1",
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(created).To(BeTrue())
		Expect(info.Kind()).To(Equal(v1.SnapshotTypeShutdown))
		Expect(info.DiskName()).To(Equal("scratch"))

		Expect(disk.PendingSnapshotCount).To(Equal(1))
		Expect(disk.IsBackingUp).To(BeTrue())
	})
	It("should reuse the newest pending snapshot instead of stacking another", func() {
		seedPendingSnapshot("snap-old", time.Now().Add(-10*time.Minute))
		seedPendingSnapshot("snap-new", time.Now().Add(-1*time.Minute))

		info, created, err := engine.Create(ctx, snapshot.CreateOptions{
			VolumeID: vol.ID,
			User:     "alice",
			Kind:     v1.SnapshotTypeShutdown,
			Disk:     disk,
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(created).To(BeFalse())
		Expect(info.ID).To(Equal("snap-new"))
		Expect(env.EC2API.CreateSnapshotBehavior.Calls()).To(Equal(0))
		Expect(disk.PendingSnapshotCount).To(BeZero())
		Expect(disk.IsBackingUp).To(BeFalse())
	})
	It("should roll back the cloud snapshot when the disk row update fails", func() {
		env.Store.FailNext("BeginDiskSnapshot", fmt.Errorf("connection refused"))

		_, _, err := engine.Create(ctx, snapshot.CreateOptions{
			VolumeID: vol.ID,
			User:     "alice",
			Kind:     v1.SnapshotTypeShutdown,
			Disk:     disk,
		})
		Expect(err).To(MatchError(ContainSubstring("connection refused")))
		Expect(env.EC2API.CreateSnapshotBehavior.Calls()).To(Equal(1))
		Expect(env.EC2API.DeleteSnapshotBehavior.Calls()).To(Equal(1))
	})
	It("should snapshot bare volumes without touching disk rows", func() {
		info, created, err := engine.Create(ctx, snapshot.CreateOptions{
			VolumeID: vol.ID,
			User:     "alice",
			Kind:     v1.SnapshotTypeQuarantineBackup,
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(created).To(BeTrue())
		Expect(info.Kind()).To(Equal(v1.SnapshotTypeQuarantineBackup))
		Expect(disk.PendingSnapshotCount).To(BeZero())
	})
})

var _ = Describe("Complete", func() {
	It("should settle counters one snapshot at a time", func() {
		disk.PendingSnapshotCount = 2
		disk.IsBackingUp = true

		Expect(engine.Complete(ctx, disk.DiskID, store.SnapshotCompletion{})).To(Succeed())
		Expect(disk.SnapshotCount).To(Equal(1))
		Expect(disk.PendingSnapshotCount).To(Equal(1))
		Expect(disk.IsBackingUp).To(BeTrue())

		Expect(engine.Complete(ctx, disk.DiskID, store.SnapshotCompletion{ContentURI: "s3://b/k", DiskSize: "12G"})).To(Succeed())
		Expect(disk.SnapshotCount).To(Equal(2))
		Expect(disk.PendingSnapshotCount).To(BeZero())
		Expect(disk.IsBackingUp).To(BeFalse())
		Expect(disk.LatestSnapshotContentS3).To(Equal("s3://b/k"))
		Expect(disk.LastSnapshotAt).ToNot(BeNil())
	})
})

var _ = Describe("CaptureContent", func() {
	BeforeEach(func() {
		env.Cluster.ExecResults["du"] = fake.ExecResult{Stdout: "12G\t" + v1.WorkloadDataDir + "\n"}
		env.Cluster.ExecResults["find"] = fake.ExecResult{Stdout: "d       4096 /home/dev\nf        100 /home/dev/train.py\n"}
	})
	It("should upload the listing with metadata and return the capture", func() {
		capture, err := engine.CaptureContent(ctx, "pod-1", "alice", "scratch", "snap-1")
		Expect(err).ToNot(HaveOccurred())
		Expect(capture.DiskSize).To(Equal("12G"))
		Expect(capture.URI).To(Equal(fmt.Sprintf("s3://%s/content/alice/scratch/snap-1.txt", test.DefaultBucket)))

		stored, ok := env.S3API.Object(test.DefaultBucket, "content/alice/scratch/snap-1.txt")
		Expect(ok).To(BeTrue())
		Expect(string(stored.Body)).To(HavePrefix("total 12G"))
		Expect(string(stored.Body)).To(ContainSubstring("train.py"))
		Expect(stored.Metadata).To(HaveKeyWithValue("pod_name", "pod-1"))
		Expect(stored.Metadata).To(HaveKeyWithValue("disk_size", "12G"))
	})
	It("should truncate oversized listings", func() {
		var lines []string
		for i := 0; i < 1500; i++ {
			lines = append(lines, fmt.Sprintf("f %10d /home/dev/file-%d", i, i))
		}
		env.Cluster.ExecResults["find"] = fake.ExecResult{Stdout: strings.Join(lines, "\n") + "\n"}

		_, err := engine.CaptureContent(ctx, "pod-1", "alice", "scratch", "snap-1")
		Expect(err).ToNot(HaveOccurred())
		stored, ok := env.S3API.Object(test.DefaultBucket, "content/alice/scratch/snap-1.txt")
		Expect(ok).To(BeTrue())
		Expect(string(stored.Body)).To(ContainSubstring("truncated at 1000 entries"))
		Expect(string(stored.Body)).ToNot(ContainSubstring("file-1200"))
	})
	It("should surface exec failures to the caller", func() {
		env.Cluster.ExecError.Set(fmt.Errorf("container not running"))
		_, err := engine.CaptureContent(ctx, "pod-1", "alice", "scratch", "snap-1")
		Expect(err).To(MatchError(ContainSubstring("container not running")))
	})
})

var _ = Describe("AttachContent", func() {
	It("should record the capture on the snapshot tags", func() {
		info, _, err := engine.Create(ctx, snapshot.CreateOptions{
			VolumeID: vol.ID,
			User:     "alice",
			Kind:     v1.SnapshotTypeShutdown,
			Disk:     disk,
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(engine.AttachContent(ctx, info.ID, &snapshot.ContentCapture{URI: "s3://b/k", DiskSize: "12G"})).To(Succeed())

		stored, ok := env.EC2API.Snapshot(info.ID)
		Expect(ok).To(BeTrue())
		tags := lo.SliceToMap(stored.Tags, func(t ec2types.Tag) (string, string) { return lo.FromPtr(t.Key), lo.FromPtr(t.Value) })
		Expect(tags).To(HaveKeyWithValue(v1.TagSnapshotContent, "s3://b/k"))
		Expect(tags).To(HaveKeyWithValue(v1.TagDiskSize, "12G"))
	})
})
