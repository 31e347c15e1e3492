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
	"strings"
	"time"

	"github.com/samber/lo"
	"sigs.k8s.io/controller-runtime/pkg/log"

	v1 "github.com/gpudev/orchestrator/pkg/apis/v1"
	"github.com/gpudev/orchestrator/pkg/cluster"
	"github.com/gpudev/orchestrator/pkg/providers/objectstore"
	snapshotprovider "github.com/gpudev/orchestrator/pkg/providers/snapshot"
	"github.com/gpudev/orchestrator/pkg/store"
)

const (
	// contentMaxEntries bounds the directory listing captured alongside a
	// snapshot; deep home directories would otherwise produce megabytes.
	contentMaxEntries = 1000
	contentTreeDepth  = 3
)

// CreateOptions describe one snapshot request. Disk is optional; volume-level
// snapshots (quarantine backups) carry no disk row.
type CreateOptions struct {
	VolumeID    string
	User        string
	Kind        string
	Disk        *v1.Disk
	Description string
	ContentURI  string
	DiskSize    string
}

// Engine creates and completes disk snapshots and captures content listings.
// The cloud snapshot is the source of truth; disk row counters follow it.
type Engine struct {
	disks     store.DiskStore
	snapshots snapshotprovider.Provider
	objects   objectstore.Provider
	cluster   cluster.Interface
}

func NewEngine(disks store.DiskStore, snapshots snapshotprovider.Provider, objects objectstore.Provider, cluster cluster.Interface) *Engine {
	return &Engine{disks: disks, snapshots: snapshots, objects: objects, cluster: cluster}
}

// Create starts a snapshot of the volume, reusing the most recent pending one
// if the previous run is still flushing. Returns whether a new cloud snapshot
// was created.
func (e *Engine) Create(ctx context.Context, opts CreateOptions) (*snapshotprovider.SnapshotInfo, bool, error) {
	pending, err := e.snapshots.ListPending(ctx, opts.VolumeID)
	if err != nil {
		return nil, false, fmt.Errorf("listing pending snapshots of %s, %w", opts.VolumeID, err)
	}
	if len(pending) > 0 {
		newest := lo.MaxBy(pending, func(a, b snapshotprovider.SnapshotInfo) bool { return a.StartedAt.After(b.StartedAt) })
		log.FromContext(ctx).WithValues("volume-id", opts.VolumeID, "snapshot-id", newest.ID).V(1).Info("reusing pending snapshot")
		return &newest, false, nil
	}
	info, err := e.snapshots.Create(ctx, snapshotprovider.CreateOptions{
		VolumeID:    opts.VolumeID,
		User:        opts.User,
		Kind:        opts.Kind,
		DiskName:    lo.TernaryF(opts.Disk != nil, func() string { return opts.Disk.DiskName }, func() string { return "" }),
		Description: opts.Description,
		ContentURI:  opts.ContentURI,
		DiskSize:    opts.DiskSize,
	})
	if err != nil {
		return nil, false, err
	}
	if opts.Disk != nil {
		// The counter bump and the cloud snapshot must agree; when the row
		// update fails the snapshot is rolled back so completion never finds
		// an unaccounted snapshot.
		if err := e.disks.BeginDiskSnapshot(ctx, opts.Disk.DiskID); err != nil {
			if deleteErr := e.snapshots.Delete(ctx, info.ID); deleteErr != nil {
				log.FromContext(ctx).Error(deleteErr, "rolling back snapshot", "snapshot-id", info.ID)
			}
			return nil, false, fmt.Errorf("recording snapshot start on disk %s, %w", opts.Disk.DiskID, err)
		}
	}
	return info, true, nil
}

// Complete settles the disk row after a snapshot finished.
func (e *Engine) Complete(ctx context.Context, diskID string, completion store.SnapshotCompletion) error {
	return e.disks.CompleteDiskSnapshot(ctx, diskID, completion)
}

// Wait blocks until the snapshot leaves pending, up to timeout.
func (e *Engine) Wait(ctx context.Context, snapshotID string, timeout time.Duration) error {
	return e.snapshots.Wait(ctx, snapshotID, timeout)
}

// LatestCompleted returns the newest completed snapshot of a disk, or nil
// when the disk was never snapshotted. Volume materialization seeds from it.
func (e *Engine) LatestCompleted(ctx context.Context, user, diskName string) (*snapshotprovider.SnapshotInfo, error) {
	snapshots, err := e.snapshots.ListForDisk(ctx, user, diskName)
	if err != nil {
		return nil, err
	}
	completed := lo.Filter(snapshots, func(s snapshotprovider.SnapshotInfo, _ int) bool { return s.Completed() })
	if len(completed) == 0 {
		return nil, nil
	}
	newest := lo.MaxBy(completed, func(a, b snapshotprovider.SnapshotInfo) bool { return a.StartedAt.After(b.StartedAt) })
	return &newest, nil
}

// ContentCapture is the listing taken inside the workload pod before teardown.
type ContentCapture struct {
	URI      string
	DiskSize string
}

// AttachContent records a capture on an already-created snapshot's tags.
func (e *Engine) AttachContent(ctx context.Context, snapshotID string, capture *ContentCapture) error {
	tags := map[string]string{v1.TagSnapshotContent: capture.URI}
	if capture.DiskSize != "" {
		tags[v1.TagDiskSize] = capture.DiskSize
	}
	return e.snapshots.Tag(ctx, []string{snapshotID}, tags)
}

// CaptureContent lists the data directory inside the pod and uploads it. Any
// failure is returned for logging but must not block the snapshot itself.
func (e *Engine) CaptureContent(ctx context.Context, podName, user, diskName, snapshotID string) (*ContentCapture, error) {
	usage, _, err := e.cluster.Exec(ctx, podName, "du", "-sh", v1.WorkloadDataDir)
	if err != nil {
		return nil, fmt.Errorf("measuring disk usage in pod %s, %w", podName, err)
	}
	diskSize := strings.Fields(usage)
	listing, _, err := e.cluster.Exec(ctx, podName,
		"find", v1.WorkloadDataDir, "-maxdepth", fmt.Sprint(contentTreeDepth), "-printf", "%y %10s %p\\n")
	if err != nil {
		return nil, fmt.Errorf("listing contents of pod %s, %w", podName, err)
	}
	lines := strings.Split(strings.TrimRight(listing, "\n"), "\n")
	truncated := false
	if len(lines) > contentMaxEntries {
		lines = lines[:contentMaxEntries]
		truncated = true
	}
	var b strings.Builder
	fmt.Fprintf(&b, "total %s\n", strings.TrimSpace(usage))
	b.WriteString(strings.Join(lines, "\n"))
	b.WriteString("\n")
	if truncated {
		fmt.Fprintf(&b, "... truncated at %d entries\n", contentMaxEntries)
	}
	capture := &ContentCapture{}
	if len(diskSize) > 0 {
		capture.DiskSize = diskSize[0]
	}
	uri, err := e.objects.Upload(ctx, objectstore.ContentKey(user, diskName, snapshotID), []byte(b.String()), map[string]string{
		"user":         user,
		"disk_name":    diskName,
		"snapshot_id":  snapshotID,
		"pod_name":     podName,
		"capture_time": time.Now().UTC().Format(time.RFC3339),
		"disk_size":    capture.DiskSize,
	})
	if err != nil {
		return nil, err
	}
	capture.URI = uri
	return capture, nil
}
