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

package volume

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/samber/lo"
	"sigs.k8s.io/controller-runtime/pkg/log"

	v1 "github.com/gpudev/orchestrator/pkg/apis/v1"
	"github.com/gpudev/orchestrator/pkg/aws/sdk"
	"github.com/gpudev/orchestrator/pkg/errors"
	"github.com/gpudev/orchestrator/pkg/utils"
)

const (
	// attachWaitTimeout bounds the post-attach wait for the volume to report
	// in-use; EC2 attachments normally settle in seconds.
	attachWaitTimeout = 2 * time.Minute
	createWaitTimeout = 5 * time.Minute
)

// deviceCandidates are the block device names offered to AttachVolume, probed
// in order against the devices already claimed on the instance.
var deviceCandidates = func() []string {
	var out []string
	for letter := 'f'; letter <= 'p'; letter++ {
		out = append(out, fmt.Sprintf("/dev/xvd%c", letter))
	}
	return out
}()

// DeviceByID is the stable udev path a volume surfaces at on nitro
// instances. The device name passed to AttachVolume is advisory there, so
// workload entrypoints resolve the device through this path instead. Known
// before attachment, which lets pod environments reference it at build time.
func DeviceByID(volumeID string) string {
	return fmt.Sprintf("/dev/disk/by-id/nvme-Amazon_Elastic_Block_Store_%s", strings.ReplaceAll(volumeID, "-", ""))
}

// VolumeInfo is the neutral view of one cloud volume.
type VolumeInfo struct {
	ID         string
	SizeGB     int
	State      string
	AZ         string
	AttachedTo string
	Device     string
	Tags       map[string]string
	CreatedAt  time.Time
}

func (v VolumeInfo) Attached() bool {
	return v.AttachedTo != ""
}

func (v VolumeInfo) User() string {
	return v.Tags[v1.TagUser]
}

func (v VolumeInfo) DiskName() string {
	return v.Tags[v1.TagDiskName]
}

func (v VolumeInfo) Quarantined() bool {
	return v.Tags[v1.TagQuarantined] != ""
}

// CreateOptions describes a new volume. SnapshotID restores content from a
// prior snapshot instead of provisioning blank.
type CreateOptions struct {
	SizeGB           int
	AvailabilityZone string
	SnapshotID       string
	Tags             map[string]string
}

type Provider interface {
	Create(ctx context.Context, opts CreateOptions) (*VolumeInfo, error)
	Get(ctx context.Context, volumeID string) (*VolumeInfo, error)
	ListTagged(ctx context.Context) ([]VolumeInfo, error)
	ListByTags(ctx context.Context, tags map[string]string) ([]VolumeInfo, error)
	Attach(ctx context.Context, volumeID, instanceID string) (string, error)
	Detach(ctx context.Context, volumeID string) error
	Delete(ctx context.Context, volumeID string) error
	Tag(ctx context.Context, volumeID string, tags map[string]string) error
	Untag(ctx context.Context, volumeID string, keys ...string) error
}

type DefaultProvider struct {
	ec2api sdk.EC2API
}

func NewDefaultProvider(ec2api sdk.EC2API) *DefaultProvider {
	return &DefaultProvider{ec2api: ec2api}
}

func (p *DefaultProvider) Create(ctx context.Context, opts CreateOptions) (*VolumeInfo, error) {
	input := &ec2.CreateVolumeInput{
		AvailabilityZone: aws.String(opts.AvailabilityZone),
		VolumeType:       ec2types.VolumeTypeGp3,
		TagSpecifications: []ec2types.TagSpecification{{
			ResourceType: ec2types.ResourceTypeVolume,
			Tags:         utils.MergeTags(opts.Tags),
		}},
	}
	if opts.SnapshotID != "" {
		input.SnapshotId = aws.String(opts.SnapshotID)
	}
	if opts.SizeGB > 0 {
		input.Size = aws.Int32(int32(opts.SizeGB))
	}
	out, err := p.ec2api.CreateVolume(ctx, input)
	if err != nil {
		return nil, errors.FromAWS(fmt.Errorf("creating volume, %w", err))
	}
	volumeID := aws.ToString(out.VolumeId)
	waiter := ec2.NewVolumeAvailableWaiter(p.ec2api)
	if err := waiter.Wait(ctx, &ec2.DescribeVolumesInput{VolumeIds: []string{volumeID}}, createWaitTimeout); err != nil {
		return nil, errors.FromAWS(fmt.Errorf("waiting for volume %s to become available, %w", volumeID, err))
	}
	log.FromContext(ctx).WithValues("volume-id", volumeID, "size-gb", opts.SizeGB, "snapshot-id", opts.SnapshotID).V(1).Info("created volume")
	return p.Get(ctx, volumeID)
}

func (p *DefaultProvider) Get(ctx context.Context, volumeID string) (*VolumeInfo, error) {
	out, err := p.ec2api.DescribeVolumes(ctx, &ec2.DescribeVolumesInput{VolumeIds: []string{volumeID}})
	if err != nil {
		return nil, errors.FromAWS(fmt.Errorf("describing volume %s, %w", volumeID, err))
	}
	if len(out.Volumes) == 0 {
		return nil, errors.Newf(errors.KindProviderPermanent, "not_found", "volume %s not found", volumeID)
	}
	info := volumeInfo(out.Volumes[0])
	return &info, nil
}

// ListTagged returns every volume carrying the user tag, the reconciler's
// cloud inventory. Pagination is retried on throttling because a partial
// inventory would falsely orphan records.
func (p *DefaultProvider) ListTagged(ctx context.Context) ([]VolumeInfo, error) {
	return p.list(ctx, []ec2types.Filter{{
		Name:   aws.String("tag-key"),
		Values: []string{v1.TagUser},
	}})
}

func (p *DefaultProvider) ListByTags(ctx context.Context, tags map[string]string) ([]VolumeInfo, error) {
	return p.list(ctx, lo.MapToSlice(tags, func(k, v string) ec2types.Filter {
		return ec2types.Filter{Name: aws.String("tag:" + k), Values: []string{v}}
	}))
}

func (p *DefaultProvider) list(ctx context.Context, filters []ec2types.Filter) ([]VolumeInfo, error) {
	var out []VolumeInfo
	paginator := ec2.NewDescribeVolumesPaginator(p.ec2api, &ec2.DescribeVolumesInput{
		Filters:    filters,
		MaxResults: aws.Int32(500),
	})
	for paginator.HasMorePages() {
		var page *ec2.DescribeVolumesOutput
		if err := retry.Do(
			func() (err error) { page, err = paginator.NextPage(ctx); return errors.FromAWS(err) },
			retry.RetryIf(errors.IsRetryable),
			retry.Delay(1*time.Second),
			retry.MaxJitter(1*time.Second),
			retry.Attempts(5),
			retry.LastErrorOnly(true),
		); err != nil {
			return nil, fmt.Errorf("describing volumes, %w", err)
		}
		for _, volume := range page.Volumes {
			out = append(out, volumeInfo(volume))
		}
	}
	return out, nil
}

// Attach picks the first free device name on the instance, attaches, and
// waits for the volume to report in-use.
func (p *DefaultProvider) Attach(ctx context.Context, volumeID, instanceID string) (string, error) {
	attached, err := p.list(ctx, []ec2types.Filter{{
		Name:   aws.String("attachment.instance-id"),
		Values: []string{instanceID},
	}})
	if err != nil {
		return "", fmt.Errorf("listing attachments of instance %s, %w", instanceID, err)
	}
	used := lo.SliceToMap(attached, func(v VolumeInfo) (string, bool) { return v.Device, true })
	device, found := lo.Find(deviceCandidates, func(d string) bool { return !used[d] })
	if !found {
		return "", errors.Newf(errors.KindCapacityExhausted, "no_free_device", "instance %s has no free block device name", instanceID)
	}
	if _, err := p.ec2api.AttachVolume(ctx, &ec2.AttachVolumeInput{
		Device:     aws.String(device),
		InstanceId: aws.String(instanceID),
		VolumeId:   aws.String(volumeID),
	}); err != nil {
		return "", errors.FromAWS(fmt.Errorf("attaching volume %s to instance %s, %w", volumeID, instanceID, err))
	}
	waiter := ec2.NewVolumeInUseWaiter(p.ec2api)
	if err := waiter.Wait(ctx, &ec2.DescribeVolumesInput{VolumeIds: []string{volumeID}}, attachWaitTimeout); err != nil {
		return "", errors.FromAWS(fmt.Errorf("waiting for volume %s to attach, %w", volumeID, err))
	}
	log.FromContext(ctx).WithValues("volume-id", volumeID, "instance-id", instanceID, "device", device).V(1).Info("attached volume")
	return device, nil
}

func (p *DefaultProvider) Detach(ctx context.Context, volumeID string) error {
	if _, err := p.ec2api.DetachVolume(ctx, &ec2.DetachVolumeInput{VolumeId: aws.String(volumeID)}); err != nil {
		// Detaching an already-detached volume is a success for teardown.
		if errors.IsNotFound(err) {
			return nil
		}
		return errors.FromAWS(fmt.Errorf("detaching volume %s, %w", volumeID, err))
	}
	waiter := ec2.NewVolumeAvailableWaiter(p.ec2api)
	if err := waiter.Wait(ctx, &ec2.DescribeVolumesInput{VolumeIds: []string{volumeID}}, attachWaitTimeout); err != nil {
		return errors.FromAWS(fmt.Errorf("waiting for volume %s to detach, %w", volumeID, err))
	}
	return nil
}

func (p *DefaultProvider) Delete(ctx context.Context, volumeID string) error {
	if _, err := p.ec2api.DeleteVolume(ctx, &ec2.DeleteVolumeInput{VolumeId: aws.String(volumeID)}); err != nil {
		if errors.IsNotFound(err) {
			return nil
		}
		return errors.FromAWS(fmt.Errorf("deleting volume %s, %w", volumeID, err))
	}
	log.FromContext(ctx).WithValues("volume-id", volumeID).V(1).Info("deleted volume")
	return nil
}

func (p *DefaultProvider) Tag(ctx context.Context, volumeID string, tags map[string]string) error {
	if _, err := p.ec2api.CreateTags(ctx, &ec2.CreateTagsInput{
		Resources: []string{volumeID},
		Tags:      utils.MergeTags(tags),
	}); err != nil {
		return errors.FromAWS(fmt.Errorf("tagging volume %s, %w", volumeID, err))
	}
	return nil
}

func (p *DefaultProvider) Untag(ctx context.Context, volumeID string, keys ...string) error {
	if _, err := p.ec2api.DeleteTags(ctx, &ec2.DeleteTagsInput{
		Resources: []string{volumeID},
		Tags: lo.Map(keys, func(k string, _ int) ec2types.Tag {
			return ec2types.Tag{Key: aws.String(k)}
		}),
	}); err != nil {
		return errors.FromAWS(fmt.Errorf("untagging volume %s, %w", volumeID, err))
	}
	return nil
}

func volumeInfo(volume ec2types.Volume) VolumeInfo {
	info := VolumeInfo{
		ID:        aws.ToString(volume.VolumeId),
		SizeGB:    int(aws.ToInt32(volume.Size)),
		State:     string(volume.State),
		AZ:        aws.ToString(volume.AvailabilityZone),
		Tags:      utils.TagMap(volume.Tags),
		CreatedAt: aws.ToTime(volume.CreateTime),
	}
	for _, attachment := range volume.Attachments {
		if attachment.State == ec2types.VolumeAttachmentStateAttached || attachment.State == ec2types.VolumeAttachmentStateAttaching {
			info.AttachedTo = aws.ToString(attachment.InstanceId)
			info.Device = aws.ToString(attachment.Device)
		}
	}
	return info
}
