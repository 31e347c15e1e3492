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

package volume_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/aws/smithy-go"
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

func TestVolume(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "VolumeProvider")
}

var _ = BeforeSuite(func() {
	env = test.NewEnvironment()
})

var _ = BeforeEach(func() {
	ctx = context.Background()
	env.Reset()
})

var _ = Describe("VolumeProvider", func() {
	It("should create a tagged gp3 volume and report it available", func() {
		info, err := env.VolumeProvider.Create(ctx, volume.CreateOptions{
			SizeGB:           250,
			AvailabilityZone: fake.DefaultZone,
			Tags:             map[string]string{v1.TagUser: "alice", v1.TagDiskName: "scratch"},
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(info.SizeGB).To(Equal(250))
		Expect(info.State).To(Equal(string(ec2types.VolumeStateAvailable)))
		Expect(info.AZ).To(Equal(fake.DefaultZone))
		Expect(info.User()).To(Equal("alice"))
		Expect(info.DiskName()).To(Equal("scratch"))
		Expect(info.Attached()).To(BeFalse())

		stored, ok := env.EC2API.Volume(info.ID)
		Expect(ok).To(BeTrue())
		Expect(string(stored.VolumeType)).To(Equal(string(ec2types.VolumeTypeGp3)))
	})
	It("should inherit the snapshot size when restoring without an explicit size", func() {
		seed, err := env.VolumeProvider.Create(ctx, volume.CreateOptions{SizeGB: 200, AvailabilityZone: fake.DefaultZone})
		Expect(err).ToNot(HaveOccurred())
		snap, err := env.SnapshotProvider.Create(ctx, snapshot.CreateOptions{
			VolumeID: seed.ID,
			User:     "alice",
			Kind:     v1.SnapshotTypeShutdown,
			DiskName: "scratch",
		})
		Expect(err).ToNot(HaveOccurred())

		restored, err := env.VolumeProvider.Create(ctx, volume.CreateOptions{
			AvailabilityZone: fake.DefaultZone,
			SnapshotID:       snap.ID,
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(restored.SizeGB).To(Equal(200))
	})
	It("should surface create failures", func() {
		env.EC2API.CreateVolumeBehavior.Error.Set(fmt.Errorf("CreateVolumeError"))
		_, err := env.VolumeProvider.Create(ctx, volume.CreateOptions{SizeGB: 100, AvailabilityZone: fake.DefaultZone})
		Expect(err).To(MatchError(ContainSubstring("CreateVolumeError")))
	})
	It("should classify a missing volume as not found", func() {
		_, err := env.VolumeProvider.Get(ctx, "vol-does-not-exist")
		Expect(err).To(HaveOccurred())
		Expect(errors.IsNotFound(err)).To(BeTrue())
	})
	It("should list only volumes carrying the user tag", func() {
		for _, user := range []string{"alice", "bob"} {
			_, err := env.VolumeProvider.Create(ctx, volume.CreateOptions{
				SizeGB:           100,
				AvailabilityZone: fake.DefaultZone,
				Tags:             map[string]string{v1.TagUser: user},
			})
			Expect(err).ToNot(HaveOccurred())
		}
		_, err := env.VolumeProvider.Create(ctx, volume.CreateOptions{SizeGB: 100, AvailabilityZone: fake.DefaultZone})
		Expect(err).ToNot(HaveOccurred())

		tagged, err := env.VolumeProvider.ListTagged(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(tagged).To(HaveLen(2))
	})
	It("should list by exact tag values", func() {
		_, err := env.VolumeProvider.Create(ctx, volume.CreateOptions{
			SizeGB:           100,
			AvailabilityZone: fake.DefaultZone,
			Tags:             map[string]string{v1.TagUser: "alice", v1.TagDiskName: "scratch"},
		})
		Expect(err).ToNot(HaveOccurred())
		_, err = env.VolumeProvider.Create(ctx, volume.CreateOptions{
			SizeGB:           100,
			AvailabilityZone: fake.DefaultZone,
			Tags:             map[string]string{v1.TagUser: "alice", v1.TagDiskName: "data"},
		})
		Expect(err).ToNot(HaveOccurred())

		found, err := env.VolumeProvider.ListByTags(ctx, map[string]string{v1.TagUser: "alice", v1.TagDiskName: "scratch"})
		Expect(err).ToNot(HaveOccurred())
		Expect(found).To(HaveLen(1))
		Expect(found[0].DiskName()).To(Equal("scratch"))
	})
	Context("Attach", func() {
		var instanceID string
		BeforeEach(func() {
			instanceID = fake.InstanceID()
		})
		It("should pick the first free device name and wait for in-use", func() {
			info, err := env.VolumeProvider.Create(ctx, volume.CreateOptions{SizeGB: 100, AvailabilityZone: fake.DefaultZone})
			Expect(err).ToNot(HaveOccurred())

			device, err := env.VolumeProvider.Attach(ctx, info.ID, instanceID)
			Expect(err).ToNot(HaveOccurred())
			Expect(device).To(Equal("/dev/xvdf"))

			attached, err := env.VolumeProvider.Get(ctx, info.ID)
			Expect(err).ToNot(HaveOccurred())
			Expect(attached.Attached()).To(BeTrue())
			Expect(attached.AttachedTo).To(Equal(instanceID))
			Expect(attached.Device).To(Equal("/dev/xvdf"))
		})
		It("should skip device names already claimed on the instance", func() {
			first, err := env.VolumeProvider.Create(ctx, volume.CreateOptions{SizeGB: 100, AvailabilityZone: fake.DefaultZone})
			Expect(err).ToNot(HaveOccurred())
			second, err := env.VolumeProvider.Create(ctx, volume.CreateOptions{SizeGB: 100, AvailabilityZone: fake.DefaultZone})
			Expect(err).ToNot(HaveOccurred())

			_, err = env.VolumeProvider.Attach(ctx, first.ID, instanceID)
			Expect(err).ToNot(HaveOccurred())
			device, err := env.VolumeProvider.Attach(ctx, second.ID, instanceID)
			Expect(err).ToNot(HaveOccurred())
			Expect(device).To(Equal("/dev/xvdg"))
		})
		It("should exhaust after the last candidate device", func() {
			// Candidates run /dev/xvdf through /dev/xvdp.
			for i := 0; i < 11; i++ {
				info, err := env.VolumeProvider.Create(ctx, volume.CreateOptions{SizeGB: 100, AvailabilityZone: fake.DefaultZone})
				Expect(err).ToNot(HaveOccurred())
				_, err = env.VolumeProvider.Attach(ctx, info.ID, instanceID)
				Expect(err).ToNot(HaveOccurred())
			}
			info, err := env.VolumeProvider.Create(ctx, volume.CreateOptions{SizeGB: 100, AvailabilityZone: fake.DefaultZone})
			Expect(err).ToNot(HaveOccurred())
			_, err = env.VolumeProvider.Attach(ctx, info.ID, instanceID)
			Expect(err).To(HaveOccurred())
			Expect(errors.IsKind(err, errors.KindCapacityExhausted)).To(BeTrue())
			Expect(errors.ReasonOf(err)).To(Equal("no_free_device"))
		})
		It("should map an attach conflict to the conflict kind", func() {
			info, err := env.VolumeProvider.Create(ctx, volume.CreateOptions{SizeGB: 100, AvailabilityZone: fake.DefaultZone})
			Expect(err).ToNot(HaveOccurred())
			env.EC2API.AttachVolumeBehavior.Error.Set(&smithy.GenericAPIError{Code: "VolumeInUse", Message: "already attached"})

			_, err = env.VolumeProvider.Attach(ctx, info.ID, instanceID)
			Expect(err).To(HaveOccurred())
			Expect(errors.IsKind(err, errors.KindConflict)).To(BeTrue())
		})
	})
	Context("Detach", func() {
		It("should detach and wait for available", func() {
			info, err := env.VolumeProvider.Create(ctx, volume.CreateOptions{SizeGB: 100, AvailabilityZone: fake.DefaultZone})
			Expect(err).ToNot(HaveOccurred())
			_, err = env.VolumeProvider.Attach(ctx, info.ID, fake.InstanceID())
			Expect(err).ToNot(HaveOccurred())

			Expect(env.VolumeProvider.Detach(ctx, info.ID)).To(Succeed())
			detached, err := env.VolumeProvider.Get(ctx, info.ID)
			Expect(err).ToNot(HaveOccurred())
			Expect(detached.Attached()).To(BeFalse())
			Expect(detached.State).To(Equal(string(ec2types.VolumeStateAvailable)))
		})
		It("should treat an already-detached volume as success", func() {
			info, err := env.VolumeProvider.Create(ctx, volume.CreateOptions{SizeGB: 100, AvailabilityZone: fake.DefaultZone})
			Expect(err).ToNot(HaveOccurred())
			Expect(env.VolumeProvider.Detach(ctx, info.ID)).To(Succeed())
		})
	})
	Context("Delete", func() {
		It("should delete an available volume", func() {
			info, err := env.VolumeProvider.Create(ctx, volume.CreateOptions{SizeGB: 100, AvailabilityZone: fake.DefaultZone})
			Expect(err).ToNot(HaveOccurred())
			Expect(env.VolumeProvider.Delete(ctx, info.ID)).To(Succeed())

			_, ok := env.EC2API.Volume(info.ID)
			Expect(ok).To(BeFalse())
		})
		It("should treat a missing volume as already deleted", func() {
			Expect(env.VolumeProvider.Delete(ctx, "vol-gone")).To(Succeed())
		})
		It("should refuse to delete an attached volume", func() {
			info, err := env.VolumeProvider.Create(ctx, volume.CreateOptions{SizeGB: 100, AvailabilityZone: fake.DefaultZone})
			Expect(err).ToNot(HaveOccurred())
			_, err = env.VolumeProvider.Attach(ctx, info.ID, fake.InstanceID())
			Expect(err).ToNot(HaveOccurred())

			err = env.VolumeProvider.Delete(ctx, info.ID)
			Expect(err).To(HaveOccurred())
			Expect(errors.IsKind(err, errors.KindConflict)).To(BeTrue())
		})
	})
	It("should add and remove tags", func() {
		info, err := env.VolumeProvider.Create(ctx, volume.CreateOptions{
			SizeGB:           100,
			AvailabilityZone: fake.DefaultZone,
			Tags:             map[string]string{v1.TagUser: "alice"},
		})
		Expect(err).ToNot(HaveOccurred())

		Expect(env.VolumeProvider.Tag(ctx, info.ID, map[string]string{v1.TagQuarantined: "true", v1.TagQuarantineReason: "mismatch"})).To(Succeed())
		tagged, err := env.VolumeProvider.Get(ctx, info.ID)
		Expect(err).ToNot(HaveOccurred())
		Expect(tagged.Quarantined()).To(BeTrue())
		Expect(tagged.Tags).To(HaveKeyWithValue(v1.TagQuarantineReason, "mismatch"))

		Expect(env.VolumeProvider.Untag(ctx, info.ID, v1.TagQuarantined, v1.TagQuarantineReason)).To(Succeed())
		untagged, err := env.VolumeProvider.Get(ctx, info.ID)
		Expect(err).ToNot(HaveOccurred())
		Expect(untagged.Quarantined()).To(BeFalse())
		Expect(lo.Keys(untagged.Tags)).To(ConsistOf(v1.TagUser))
	})
})
