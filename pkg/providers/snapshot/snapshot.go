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

package snapshot

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/mitchellh/hashstructure/v2"
	"github.com/patrickmn/go-cache"
	"github.com/samber/lo"
	"sigs.k8s.io/controller-runtime/pkg/log"

	v1 "github.com/gpudev/orchestrator/pkg/apis/v1"
	"github.com/gpudev/orchestrator/pkg/aws/sdk"
	"github.com/gpudev/orchestrator/pkg/errors"
	"github.com/gpudev/orchestrator/pkg/utils"
)

// SnapshotInfo is the neutral view of one cloud snapshot.
type SnapshotInfo struct {
	ID        string
	VolumeID  string
	State     string
	Progress  string
	SizeGB    int
	Tags      map[string]string
	StartedAt time.Time
}

func (s SnapshotInfo) Pending() bool {
	return s.State == string(ec2types.SnapshotStatePending)
}

func (s SnapshotInfo) Completed() bool {
	return s.State == string(ec2types.SnapshotStateCompleted)
}

func (s SnapshotInfo) Kind() string {
	return s.Tags[v1.TagSnapshotType]
}

func (s SnapshotInfo) DiskName() string {
	return s.Tags[v1.TagDiskName]
}

// CreateOptions carries the tag schema of a snapshot; the tags are the
// durable metadata, the database row is derived from them.
type CreateOptions struct {
	VolumeID    string
	User        string
	Kind        string
	DiskName    string
	Description string
	ContentURI  string
	DiskSize    string
}

type Provider interface {
	Create(ctx context.Context, opts CreateOptions) (*SnapshotInfo, error)
	Get(ctx context.Context, snapshotID string) (*SnapshotInfo, error)
	Delete(ctx context.Context, snapshotID string) error
	ListTagged(ctx context.Context) ([]SnapshotInfo, error)
	ListForDisk(ctx context.Context, user, diskName string) ([]SnapshotInfo, error)
	ListByTags(ctx context.Context, tags map[string]string) ([]SnapshotInfo, error)
	ListPending(ctx context.Context, volumeID string) ([]SnapshotInfo, error)
	Wait(ctx context.Context, snapshotID string, timeout time.Duration) error
	Tag(ctx context.Context, snapshotIDs []string, tags map[string]string) error
}

// DefaultProvider describes snapshots owned by the current account, resolved
// once through STS. Describe bursts within one engine run are served from
// cache; writes flush it.
type DefaultProvider struct {
	sync.Mutex
	ec2api  sdk.EC2API
	stsapi  sdk.STSAPI
	cache   *cache.Cache
	account string
}

func NewDefaultProvider(ec2api sdk.EC2API, stsapi sdk.STSAPI, cache *cache.Cache) *DefaultProvider {
	return &DefaultProvider{ec2api: ec2api, stsapi: stsapi, cache: cache}
}

func (p *DefaultProvider) ownerAccount(ctx context.Context) (string, error) {
	p.Lock()
	defer p.Unlock()
	if p.account != "" {
		return p.account, nil
	}
	out, err := p.stsapi.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return "", errors.FromAWS(fmt.Errorf("resolving owner account, %w", err))
	}
	p.account = aws.ToString(out.Account)
	return p.account, nil
}

// NameTag is the display name applied to snapshots of a named disk.
func NameTag(user, diskName string) string {
	return fmt.Sprintf("gpu-dev-%s-%s", user, diskName)
}

func (p *DefaultProvider) Create(ctx context.Context, opts CreateOptions) (*SnapshotInfo, error) {
	tags := map[string]string{
		v1.TagUser:         opts.User,
		v1.TagSnapshotType: opts.Kind,
		v1.TagCreatedAt:    time.Now().UTC().Format(time.RFC3339),
	}
	if opts.DiskName != "" {
		tags[v1.TagDiskName] = opts.DiskName
		tags[v1.TagName] = NameTag(opts.User, opts.DiskName)
	}
	if opts.ContentURI != "" {
		tags[v1.TagSnapshotContent] = opts.ContentURI
	}
	if opts.DiskSize != "" {
		tags[v1.TagDiskSize] = opts.DiskSize
	}
	out, err := p.ec2api.CreateSnapshot(ctx, &ec2.CreateSnapshotInput{
		VolumeId:    aws.String(opts.VolumeID),
		Description: aws.String(opts.Description),
		TagSpecifications: []ec2types.TagSpecification{{
			ResourceType: ec2types.ResourceTypeSnapshot,
			Tags:         utils.MergeTags(tags),
		}},
	})
	if err != nil {
		return nil, errors.FromAWS(fmt.Errorf("creating snapshot of volume %s, %w", opts.VolumeID, err))
	}
	p.cache.Flush()
	log.FromContext(ctx).WithValues("snapshot-id", aws.ToString(out.SnapshotId), "volume-id", opts.VolumeID, "kind", opts.Kind).V(1).Info("created snapshot")
	return &SnapshotInfo{
		ID:        aws.ToString(out.SnapshotId),
		VolumeID:  opts.VolumeID,
		State:     string(out.State),
		Progress:  aws.ToString(out.Progress),
		SizeGB:    int(aws.ToInt32(out.VolumeSize)),
		Tags:      tags,
		StartedAt: aws.ToTime(out.StartTime),
	}, nil
}

func (p *DefaultProvider) Get(ctx context.Context, snapshotID string) (*SnapshotInfo, error) {
	out, err := p.ec2api.DescribeSnapshots(ctx, &ec2.DescribeSnapshotsInput{SnapshotIds: []string{snapshotID}})
	if err != nil {
		return nil, errors.FromAWS(fmt.Errorf("describing snapshot %s, %w", snapshotID, err))
	}
	if len(out.Snapshots) == 0 {
		return nil, errors.Newf(errors.KindProviderPermanent, "not_found", "snapshot %s not found", snapshotID)
	}
	info := snapshotInfo(out.Snapshots[0])
	return &info, nil
}

func (p *DefaultProvider) Delete(ctx context.Context, snapshotID string) error {
	if _, err := p.ec2api.DeleteSnapshot(ctx, &ec2.DeleteSnapshotInput{SnapshotId: aws.String(snapshotID)}); err != nil {
		if errors.IsNotFound(err) {
			return nil
		}
		return errors.FromAWS(fmt.Errorf("deleting snapshot %s, %w", snapshotID, err))
	}
	p.cache.Flush()
	log.FromContext(ctx).WithValues("snapshot-id", snapshotID).V(1).Info("deleted snapshot")
	return nil
}

// ListTagged returns every snapshot carrying the user tag, the retention
// sweep's inventory.
func (p *DefaultProvider) ListTagged(ctx context.Context) ([]SnapshotInfo, error) {
	return p.list(ctx, []ec2types.Filter{{
		Name:   aws.String("tag-key"),
		Values: []string{v1.TagUser},
	}}, true)
}

func (p *DefaultProvider) ListForDisk(ctx context.Context, user, diskName string) ([]SnapshotInfo, error) {
	return p.ListByTags(ctx, map[string]string{v1.TagUser: user, v1.TagDiskName: diskName})
}

func (p *DefaultProvider) ListByTags(ctx context.Context, tags map[string]string) ([]SnapshotInfo, error) {
	return p.list(ctx, lo.MapToSlice(tags, func(k, v string) ec2types.Filter {
		return ec2types.Filter{Name: aws.String("tag:" + k), Values: []string{v}}
	}), true)
}

// ListPending bypasses the cache: the dedupe decision in the snapshot engine
// must see the latest pending set.
func (p *DefaultProvider) ListPending(ctx context.Context, volumeID string) ([]SnapshotInfo, error) {
	return p.list(ctx, []ec2types.Filter{
		{Name: aws.String("volume-id"), Values: []string{volumeID}},
		{Name: aws.String("status"), Values: []string{string(ec2types.SnapshotStatePending)}},
	}, false)
}

func (p *DefaultProvider) list(ctx context.Context, filters []ec2types.Filter, cacheable bool) ([]SnapshotInfo, error) {
	hash, err := hashstructure.Hash(filters, hashstructure.FormatV2, &hashstructure.HashOptions{SlicesAsSets: true})
	if err != nil {
		return nil, err
	}
	if cacheable {
		if cached, ok := p.cache.Get(fmt.Sprint(hash)); ok {
			return append([]SnapshotInfo{}, cached.([]SnapshotInfo)...), nil
		}
	}
	account, err := p.ownerAccount(ctx)
	if err != nil {
		return nil, err
	}
	var out []SnapshotInfo
	paginator := ec2.NewDescribeSnapshotsPaginator(p.ec2api, &ec2.DescribeSnapshotsInput{
		OwnerIds:   []string{account},
		Filters:    filters,
		MaxResults: aws.Int32(500),
	})
	for paginator.HasMorePages() {
		var page *ec2.DescribeSnapshotsOutput
		if err := retry.Do(
			func() (err error) { page, err = paginator.NextPage(ctx); return errors.FromAWS(err) },
			retry.RetryIf(errors.IsRetryable),
			retry.Delay(1*time.Second),
			retry.MaxJitter(1*time.Second),
			retry.Attempts(5),
			retry.LastErrorOnly(true),
		); err != nil {
			return nil, fmt.Errorf("describing snapshots, %w", err)
		}
		for _, snapshot := range page.Snapshots {
			out = append(out, snapshotInfo(snapshot))
		}
	}
	if cacheable {
		p.cache.SetDefault(fmt.Sprint(hash), out)
	}
	return out, nil
}

// Wait blocks until the snapshot completes or the timeout elapses.
func (p *DefaultProvider) Wait(ctx context.Context, snapshotID string, timeout time.Duration) error {
	waiter := ec2.NewSnapshotCompletedWaiter(p.ec2api)
	if err := waiter.Wait(ctx, &ec2.DescribeSnapshotsInput{SnapshotIds: []string{snapshotID}}, timeout); err != nil {
		return errors.DeadlineExceededf("snapshot_timeout", "snapshot %s did not complete within %s", snapshotID, timeout)
	}
	return nil
}

func (p *DefaultProvider) Tag(ctx context.Context, snapshotIDs []string, tags map[string]string) error {
	if len(snapshotIDs) == 0 {
		return nil
	}
	if _, err := p.ec2api.CreateTags(ctx, &ec2.CreateTagsInput{
		Resources: snapshotIDs,
		Tags:      utils.MergeTags(tags),
	}); err != nil {
		return errors.FromAWS(fmt.Errorf("tagging snapshots %v, %w", snapshotIDs, err))
	}
	p.cache.Flush()
	return nil
}

func snapshotInfo(snapshot ec2types.Snapshot) SnapshotInfo {
	return SnapshotInfo{
		ID:        aws.ToString(snapshot.SnapshotId),
		VolumeID:  aws.ToString(snapshot.VolumeId),
		State:     string(snapshot.State),
		Progress:  aws.ToString(snapshot.Progress),
		SizeGB:    int(aws.ToInt32(snapshot.VolumeSize)),
		Tags:      utils.TagMap(snapshot.Tags),
		StartedAt: aws.ToTime(snapshot.StartTime),
	}
}
