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

// Package disk implements the user-facing disk lifecycle: create, soft
// delete, rename, and content listing. Volumes are materialized lazily, so
// a freshly created disk is a bare database row until its first attach.
package disk

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"sigs.k8s.io/controller-runtime/pkg/log"

	v1 "github.com/gpudev/orchestrator/pkg/apis/v1"
	"github.com/gpudev/orchestrator/pkg/errors"
	"github.com/gpudev/orchestrator/pkg/providers/objectstore"
	snapshotprovider "github.com/gpudev/orchestrator/pkg/providers/snapshot"
	"github.com/gpudev/orchestrator/pkg/store"

	"k8s.io/utils/clock"
)

type Engine struct {
	disks     store.DiskStore
	snapshots snapshotprovider.Provider
	objects   objectstore.Provider
	clock     clock.Clock
}

func NewEngine(disks store.DiskStore, snapshots snapshotprovider.Provider, objects objectstore.Provider, clk clock.Clock) *Engine {
	return &Engine{
		disks:     disks,
		snapshots: snapshots,
		objects:   objects,
		clock:     clk,
	}
}

// Create inserts the disk row. No provider volume is created here; the first
// reservation that attaches the disk materializes it in the right zone.
func (e *Engine) Create(ctx context.Context, userID, name string, sizeGB int) (*v1.Disk, error) {
	if !v1.DiskNamePattern.MatchString(name) {
		return nil, errors.Validationf("invalid_disk_name", "disk name %q must match %s", name, v1.DiskNamePattern)
	}
	if sizeGB < 0 {
		return nil, errors.Validationf("invalid_disk_size", "disk size must be positive, got %d", sizeGB)
	}
	d := &v1.Disk{
		DiskID:   uuid.NewString(),
		UserID:   userID,
		DiskName: name,
		SizeGB:   lo.Ternary(sizeGB > 0, sizeGB, v1.DefaultDiskSizeGB),
	}
	if err := e.disks.CreateDisk(ctx, d); err != nil {
		return nil, fmt.Errorf("creating disk %s/%s, %w", userID, name, err)
	}
	log.FromContext(ctx).WithValues("user-id", userID, "disk-name", name, "size-gb", d.SizeGB).Info("created disk")
	return d, nil
}

// Delete soft-deletes the disk. The row and its provider volume survive for
// the grace period so an accidental delete can be undone by an operator.
func (e *Engine) Delete(ctx context.Context, userID, name string) error {
	d, err := e.disks.GetDisk(ctx, userID, name)
	if err != nil {
		return err
	}
	if d.InUse {
		return errors.Conflictf("disk_in_use", "disk %q is attached to reservation %s", name, d.AttachedToReservation)
	}
	deleteDate := e.clock.Now().UTC().Truncate(24 * time.Hour).AddDate(0, 0, v1.DiskDeleteGraceDays)
	if err := e.disks.SoftDeleteDisk(ctx, userID, name, deleteDate); err != nil {
		return fmt.Errorf("deleting disk %s/%s, %w", userID, name, err)
	}
	log.FromContext(ctx).WithValues("user-id", userID, "disk-name", name, "delete-date", deleteDate.Format(time.DateOnly)).Info("soft-deleted disk")
	return nil
}

// Rename updates the row and re-tags every snapshot of the disk in the same
// transaction. A tag failure rolls the rename back so snapshot tags and the
// database never disagree on the disk's name.
func (e *Engine) Rename(ctx context.Context, userID, oldName, newName string) error {
	if !v1.DiskNamePattern.MatchString(newName) {
		return errors.Validationf("invalid_disk_name", "disk name %q must match %s", newName, v1.DiskNamePattern)
	}
	err := e.disks.RenameDisk(ctx, userID, oldName, newName, func(ctx context.Context) error {
		snapshots, err := e.snapshots.ListForDisk(ctx, userID, oldName)
		if err != nil {
			return fmt.Errorf("listing snapshots for re-tag, %w", err)
		}
		ids := lo.Map(snapshots, func(s snapshotprovider.SnapshotInfo, _ int) string { return s.ID })
		if err := e.snapshots.Tag(ctx, ids, map[string]string{
			v1.TagDiskName: newName,
			v1.TagName:     snapshotprovider.NameTag(userID, newName),
		}); err != nil {
			return fmt.Errorf("re-tagging %d snapshots, %w", len(ids), err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("renaming disk %s/%s to %q, %w", userID, oldName, newName, err)
	}
	log.FromContext(ctx).WithValues("user-id", userID, "disk-name", oldName, "new-name", newName).Info("renamed disk")
	return nil
}

// ListContent returns the content listing captured by the disk's most recent
// snapshot. Listings are produced at snapshot time, so a disk that was never
// snapshotted has none.
func (e *Engine) ListContent(ctx context.Context, userID, name string) ([]byte, error) {
	d, err := e.disks.GetDisk(ctx, userID, name)
	if err != nil {
		return nil, err
	}
	if d.LatestSnapshotContentS3 == "" {
		return nil, errors.Validationf("no_content_listing", "disk %q has no snapshot content listing yet", name)
	}
	key, err := objectstore.KeyFromURI(d.LatestSnapshotContentS3)
	if err != nil {
		return nil, err
	}
	data, err := e.objects.Download(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("fetching content listing for disk %s/%s, %w", userID, name, err)
	}
	return data, nil
}
