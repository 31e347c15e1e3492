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
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"github.com/samber/lo"

	"github.com/gpudev/orchestrator/pkg/aws/sdk"
)

// EC2Behavior must be reset between tests otherwise tests will
// pollute each other.
type EC2Behavior struct {
	CreateVolumeBehavior      MockedFunction[ec2.CreateVolumeInput, ec2.CreateVolumeOutput]
	DeleteVolumeBehavior      MockedFunction[ec2.DeleteVolumeInput, ec2.DeleteVolumeOutput]
	AttachVolumeBehavior      MockedFunction[ec2.AttachVolumeInput, ec2.AttachVolumeOutput]
	DetachVolumeBehavior      MockedFunction[ec2.DetachVolumeInput, ec2.DetachVolumeOutput]
	DescribeVolumesBehavior   MockedFunction[ec2.DescribeVolumesInput, ec2.DescribeVolumesOutput]
	CreateSnapshotBehavior    MockedFunction[ec2.CreateSnapshotInput, ec2.CreateSnapshotOutput]
	DeleteSnapshotBehavior    MockedFunction[ec2.DeleteSnapshotInput, ec2.DeleteSnapshotOutput]
	DescribeSnapshotsBehavior MockedFunction[ec2.DescribeSnapshotsInput, ec2.DescribeSnapshotsOutput]
	CreateTagsBehavior        MockedFunction[ec2.CreateTagsInput, ec2.CreateTagsOutput]
	DeleteTagsBehavior        MockedFunction[ec2.DeleteTagsInput, ec2.DeleteTagsOutput]

	Volumes   sync.Map // volume id -> ec2types.Volume
	Snapshots sync.Map // snapshot id -> ec2types.Snapshot
}

type EC2API struct {
	sdk.EC2API
	EC2Behavior
}

func NewEC2API() *EC2API {
	return &EC2API{}
}

// Reset must be called between tests otherwise tests will pollute
// each other.
func (e *EC2API) Reset() {
	e.CreateVolumeBehavior.Reset()
	e.DeleteVolumeBehavior.Reset()
	e.AttachVolumeBehavior.Reset()
	e.DetachVolumeBehavior.Reset()
	e.DescribeVolumesBehavior.Reset()
	e.CreateSnapshotBehavior.Reset()
	e.DeleteSnapshotBehavior.Reset()
	e.DescribeSnapshotsBehavior.Reset()
	e.CreateTagsBehavior.Reset()
	e.DeleteTagsBehavior.Reset()
	e.Volumes.Clear()
	e.Snapshots.Clear()
}

// Volume returns the stored state for a volume id, for assertions.
func (e *EC2API) Volume(id string) (ec2types.Volume, bool) {
	raw, ok := e.Volumes.Load(id)
	if !ok {
		return ec2types.Volume{}, false
	}
	return raw.(ec2types.Volume), true
}

// Snapshot returns the stored state for a snapshot id, for assertions.
func (e *EC2API) Snapshot(id string) (ec2types.Snapshot, bool) {
	raw, ok := e.Snapshots.Load(id)
	if !ok {
		return ec2types.Snapshot{}, false
	}
	return raw.(ec2types.Snapshot), true
}

func (e *EC2API) CreateVolume(_ context.Context, input *ec2.CreateVolumeInput, _ ...func(*ec2.Options)) (*ec2.CreateVolumeOutput, error) {
	return e.CreateVolumeBehavior.Invoke(input, func(input *ec2.CreateVolumeInput) (*ec2.CreateVolumeOutput, error) {
		volume := ec2types.Volume{
			VolumeId:         lo.ToPtr(VolumeID()),
			AvailabilityZone: input.AvailabilityZone,
			SnapshotId:       input.SnapshotId,
			Size:             input.Size,
			State:            ec2types.VolumeStateAvailable,
			VolumeType:       input.VolumeType,
			CreateTime:       lo.ToPtr(time.Now().UTC()),
			Tags:             tagSpecTags(input.TagSpecifications, ec2types.ResourceTypeVolume),
		}
		// Restoring from a snapshot inherits its size when none was given.
		if input.Size == nil && input.SnapshotId != nil {
			raw, ok := e.Snapshots.Load(lo.FromPtr(input.SnapshotId))
			if !ok {
				return nil, &smithy.GenericAPIError{Code: "InvalidSnapshot.NotFound", Message: fmt.Sprintf("The snapshot '%s' does not exist.", lo.FromPtr(input.SnapshotId))}
			}
			volume.Size = raw.(ec2types.Snapshot).VolumeSize
		}
		if volume.Size == nil {
			volume.Size = lo.ToPtr[int32](100)
		}
		e.Volumes.Store(lo.FromPtr(volume.VolumeId), volume)
		return &ec2.CreateVolumeOutput{
			VolumeId:         volume.VolumeId,
			AvailabilityZone: volume.AvailabilityZone,
			SnapshotId:       volume.SnapshotId,
			Size:             volume.Size,
			State:            volume.State,
			CreateTime:       volume.CreateTime,
			Tags:             volume.Tags,
		}, nil
	})
}

func (e *EC2API) DeleteVolume(_ context.Context, input *ec2.DeleteVolumeInput, _ ...func(*ec2.Options)) (*ec2.DeleteVolumeOutput, error) {
	return e.DeleteVolumeBehavior.Invoke(input, func(input *ec2.DeleteVolumeInput) (*ec2.DeleteVolumeOutput, error) {
		id := lo.FromPtr(input.VolumeId)
		raw, ok := e.Volumes.Load(id)
		if !ok {
			return nil, &smithy.GenericAPIError{Code: "InvalidVolume.NotFound", Message: fmt.Sprintf("The volume '%s' does not exist.", id)}
		}
		if len(raw.(ec2types.Volume).Attachments) != 0 {
			return nil, &smithy.GenericAPIError{Code: "VolumeInUse", Message: fmt.Sprintf("Volume %s is currently attached", id)}
		}
		e.Volumes.Delete(id)
		return &ec2.DeleteVolumeOutput{}, nil
	})
}

func (e *EC2API) AttachVolume(_ context.Context, input *ec2.AttachVolumeInput, _ ...func(*ec2.Options)) (*ec2.AttachVolumeOutput, error) {
	return e.AttachVolumeBehavior.Invoke(input, func(input *ec2.AttachVolumeInput) (*ec2.AttachVolumeOutput, error) {
		id := lo.FromPtr(input.VolumeId)
		raw, ok := e.Volumes.Load(id)
		if !ok {
			return nil, &smithy.GenericAPIError{Code: "InvalidVolume.NotFound", Message: fmt.Sprintf("The volume '%s' does not exist.", id)}
		}
		volume := raw.(ec2types.Volume)
		if len(volume.Attachments) != 0 {
			return nil, &smithy.GenericAPIError{Code: "VolumeInUse", Message: fmt.Sprintf("Volume %s is already attached to %s", id, lo.FromPtr(volume.Attachments[0].InstanceId))}
		}
		attachment := ec2types.VolumeAttachment{
			VolumeId:   input.VolumeId,
			InstanceId: input.InstanceId,
			Device:     input.Device,
			State:      ec2types.VolumeAttachmentStateAttached,
			AttachTime: lo.ToPtr(time.Now().UTC()),
		}
		volume.Attachments = []ec2types.VolumeAttachment{attachment}
		volume.State = ec2types.VolumeStateInUse
		e.Volumes.Store(id, volume)
		return &ec2.AttachVolumeOutput{
			VolumeId:   attachment.VolumeId,
			InstanceId: attachment.InstanceId,
			Device:     attachment.Device,
			State:      attachment.State,
			AttachTime: attachment.AttachTime,
		}, nil
	})
}

func (e *EC2API) DetachVolume(_ context.Context, input *ec2.DetachVolumeInput, _ ...func(*ec2.Options)) (*ec2.DetachVolumeOutput, error) {
	return e.DetachVolumeBehavior.Invoke(input, func(input *ec2.DetachVolumeInput) (*ec2.DetachVolumeOutput, error) {
		id := lo.FromPtr(input.VolumeId)
		raw, ok := e.Volumes.Load(id)
		if !ok {
			return nil, &smithy.GenericAPIError{Code: "InvalidVolume.NotFound", Message: fmt.Sprintf("The volume '%s' does not exist.", id)}
		}
		volume := raw.(ec2types.Volume)
		if len(volume.Attachments) == 0 {
			return nil, &smithy.GenericAPIError{Code: "InvalidAttachment.NotFound", Message: fmt.Sprintf("The volume '%s' is not attached", id)}
		}
		attachment := volume.Attachments[0]
		volume.Attachments = nil
		volume.State = ec2types.VolumeStateAvailable
		e.Volumes.Store(id, volume)
		return &ec2.DetachVolumeOutput{
			VolumeId:   attachment.VolumeId,
			InstanceId: attachment.InstanceId,
			Device:     attachment.Device,
			State:      ec2types.VolumeAttachmentStateDetached,
		}, nil
	})
}

func (e *EC2API) DescribeVolumes(_ context.Context, input *ec2.DescribeVolumesInput, _ ...func(*ec2.Options)) (*ec2.DescribeVolumesOutput, error) {
	return e.DescribeVolumesBehavior.Invoke(input, func(input *ec2.DescribeVolumesInput) (*ec2.DescribeVolumesOutput, error) {
		var volumes []ec2types.Volume
		if len(input.VolumeIds) != 0 {
			for _, id := range input.VolumeIds {
				raw, ok := e.Volumes.Load(id)
				if !ok {
					return nil, &smithy.GenericAPIError{Code: "InvalidVolume.NotFound", Message: fmt.Sprintf("The volume '%s' does not exist.", id)}
				}
				volumes = append(volumes, raw.(ec2types.Volume))
			}
		} else {
			e.Volumes.Range(func(_, raw any) bool {
				volumes = append(volumes, raw.(ec2types.Volume))
				return true
			})
		}
		volumes = FilterDescribeVolumes(volumes, input.Filters)
		slices.SortFunc(volumes, func(a, b ec2types.Volume) int {
			return strings.Compare(lo.FromPtr(a.VolumeId), lo.FromPtr(b.VolumeId))
		})
		return &ec2.DescribeVolumesOutput{Volumes: volumes}, nil
	})
}

func (e *EC2API) CreateSnapshot(_ context.Context, input *ec2.CreateSnapshotInput, _ ...func(*ec2.Options)) (*ec2.CreateSnapshotOutput, error) {
	return e.CreateSnapshotBehavior.Invoke(input, func(input *ec2.CreateSnapshotInput) (*ec2.CreateSnapshotOutput, error) {
		volumeID := lo.FromPtr(input.VolumeId)
		raw, ok := e.Volumes.Load(volumeID)
		if !ok {
			return nil, &smithy.GenericAPIError{Code: "InvalidVolume.NotFound", Message: fmt.Sprintf("The volume '%s' does not exist.", volumeID)}
		}
		// Snapshots complete immediately so that waiter-driven flows finish on
		// their first poll. Tests that need a pending snapshot mutate Snapshots.
		snapshot := ec2types.Snapshot{
			SnapshotId:  lo.ToPtr(SnapshotID()),
			VolumeId:    input.VolumeId,
			VolumeSize:  raw.(ec2types.Volume).Size,
			State:       ec2types.SnapshotStateCompleted,
			Progress:    lo.ToPtr("100%"),
			StartTime:   lo.ToPtr(time.Now().UTC()),
			OwnerId:     lo.ToPtr(DefaultAccountID),
			Description: input.Description,
			Tags:        tagSpecTags(input.TagSpecifications, ec2types.ResourceTypeSnapshot),
		}
		e.Snapshots.Store(lo.FromPtr(snapshot.SnapshotId), snapshot)
		return &ec2.CreateSnapshotOutput{
			SnapshotId:  snapshot.SnapshotId,
			VolumeId:    snapshot.VolumeId,
			VolumeSize:  snapshot.VolumeSize,
			State:       snapshot.State,
			Progress:    snapshot.Progress,
			StartTime:   snapshot.StartTime,
			OwnerId:     snapshot.OwnerId,
			Description: snapshot.Description,
			Tags:        snapshot.Tags,
		}, nil
	})
}

func (e *EC2API) DeleteSnapshot(_ context.Context, input *ec2.DeleteSnapshotInput, _ ...func(*ec2.Options)) (*ec2.DeleteSnapshotOutput, error) {
	return e.DeleteSnapshotBehavior.Invoke(input, func(input *ec2.DeleteSnapshotInput) (*ec2.DeleteSnapshotOutput, error) {
		id := lo.FromPtr(input.SnapshotId)
		if _, ok := e.Snapshots.Load(id); !ok {
			return nil, &smithy.GenericAPIError{Code: "InvalidSnapshot.NotFound", Message: fmt.Sprintf("The snapshot '%s' does not exist.", id)}
		}
		e.Snapshots.Delete(id)
		return &ec2.DeleteSnapshotOutput{}, nil
	})
}

func (e *EC2API) DescribeSnapshots(_ context.Context, input *ec2.DescribeSnapshotsInput, _ ...func(*ec2.Options)) (*ec2.DescribeSnapshotsOutput, error) {
	return e.DescribeSnapshotsBehavior.Invoke(input, func(input *ec2.DescribeSnapshotsInput) (*ec2.DescribeSnapshotsOutput, error) {
		var snapshots []ec2types.Snapshot
		if len(input.SnapshotIds) != 0 {
			for _, id := range input.SnapshotIds {
				raw, ok := e.Snapshots.Load(id)
				if !ok {
					return nil, &smithy.GenericAPIError{Code: "InvalidSnapshot.NotFound", Message: fmt.Sprintf("The snapshot '%s' does not exist.", id)}
				}
				snapshots = append(snapshots, raw.(ec2types.Snapshot))
			}
		} else {
			e.Snapshots.Range(func(_, raw any) bool {
				snapshots = append(snapshots, raw.(ec2types.Snapshot))
				return true
			})
		}
		if len(input.OwnerIds) != 0 {
			snapshots = lo.Filter(snapshots, func(s ec2types.Snapshot, _ int) bool {
				return lo.Contains(input.OwnerIds, lo.FromPtr(s.OwnerId))
			})
		}
		snapshots = FilterDescribeSnapshots(snapshots, input.Filters)
		slices.SortFunc(snapshots, func(a, b ec2types.Snapshot) int {
			return strings.Compare(lo.FromPtr(a.SnapshotId), lo.FromPtr(b.SnapshotId))
		})
		return &ec2.DescribeSnapshotsOutput{Snapshots: snapshots}, nil
	})
}

func (e *EC2API) CreateTags(_ context.Context, input *ec2.CreateTagsInput, _ ...func(*ec2.Options)) (*ec2.CreateTagsOutput, error) {
	return e.CreateTagsBehavior.Invoke(input, func(input *ec2.CreateTagsInput) (*ec2.CreateTagsOutput, error) {
		for _, id := range input.Resources {
			switch {
			case strings.HasPrefix(id, "vol-"):
				raw, ok := e.Volumes.Load(id)
				if !ok {
					return nil, &smithy.GenericAPIError{Code: "InvalidVolume.NotFound", Message: fmt.Sprintf("The volume '%s' does not exist.", id)}
				}
				volume := raw.(ec2types.Volume)
				volume.Tags = mergeTags(volume.Tags, input.Tags)
				e.Volumes.Store(id, volume)
			case strings.HasPrefix(id, "snap-"):
				raw, ok := e.Snapshots.Load(id)
				if !ok {
					return nil, &smithy.GenericAPIError{Code: "InvalidSnapshot.NotFound", Message: fmt.Sprintf("The snapshot '%s' does not exist.", id)}
				}
				snapshot := raw.(ec2types.Snapshot)
				snapshot.Tags = mergeTags(snapshot.Tags, input.Tags)
				e.Snapshots.Store(id, snapshot)
			default:
				return nil, &smithy.GenericAPIError{Code: "InvalidParameterValue", Message: fmt.Sprintf("Unsupported resource '%s'", id)}
			}
		}
		return &ec2.CreateTagsOutput{}, nil
	})
}

func (e *EC2API) DeleteTags(_ context.Context, input *ec2.DeleteTagsInput, _ ...func(*ec2.Options)) (*ec2.DeleteTagsOutput, error) {
	return e.DeleteTagsBehavior.Invoke(input, func(input *ec2.DeleteTagsInput) (*ec2.DeleteTagsOutput, error) {
		keys := lo.Map(input.Tags, func(t ec2types.Tag, _ int) string { return lo.FromPtr(t.Key) })
		for _, id := range input.Resources {
			switch {
			case strings.HasPrefix(id, "vol-"):
				raw, ok := e.Volumes.Load(id)
				if !ok {
					return nil, &smithy.GenericAPIError{Code: "InvalidVolume.NotFound", Message: fmt.Sprintf("The volume '%s' does not exist.", id)}
				}
				volume := raw.(ec2types.Volume)
				volume.Tags = lo.Reject(volume.Tags, func(t ec2types.Tag, _ int) bool { return lo.Contains(keys, lo.FromPtr(t.Key)) })
				e.Volumes.Store(id, volume)
			case strings.HasPrefix(id, "snap-"):
				raw, ok := e.Snapshots.Load(id)
				if !ok {
					return nil, &smithy.GenericAPIError{Code: "InvalidSnapshot.NotFound", Message: fmt.Sprintf("The snapshot '%s' does not exist.", id)}
				}
				snapshot := raw.(ec2types.Snapshot)
				snapshot.Tags = lo.Reject(snapshot.Tags, func(t ec2types.Tag, _ int) bool { return lo.Contains(keys, lo.FromPtr(t.Key)) })
				e.Snapshots.Store(id, snapshot)
			default:
				return nil, &smithy.GenericAPIError{Code: "InvalidParameterValue", Message: fmt.Sprintf("Unsupported resource '%s'", id)}
			}
		}
		return &ec2.DeleteTagsOutput{}, nil
	})
}
