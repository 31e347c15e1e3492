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

package reservation

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"sigs.k8s.io/controller-runtime/pkg/log"

	v1 "github.com/gpudev/orchestrator/pkg/apis/v1"
	"github.com/gpudev/orchestrator/pkg/cluster"
	"github.com/gpudev/orchestrator/pkg/errors"
	"github.com/gpudev/orchestrator/pkg/snapshot"
	"github.com/gpudev/orchestrator/pkg/store"
)

// snapshotSettleTimeout bounds how long teardown waits for the shutdown
// snapshot to flush before handing the disk row to the reconciler.
const snapshotSettleTimeout = 90 * time.Second

// Teardown releases everything a reservation holds, in fixed order: shutdown
// snapshot, content capture while the pod can still answer, workload and
// service deletion, status sink, disk release, domain mapping cleanup. Each
// step is attempted even when an earlier one failed; the returned error
// aggregates the failures. Rerunning on an already-settled reservation is a
// no-op step by step.
func (e *Engine) Teardown(ctx context.Context, r *v1.Reservation, sink store.StatusUpdate) error {
	var errs error

	var disk *v1.Disk
	if hasDisk(r) {
		d, err := e.store.GetDisk(ctx, r.UserID, r.DiskName)
		switch {
		case err != nil && errors.ReasonOf(err) != "not_found":
			errs = multierr.Append(errs, err)
		case err == nil && d.InUse && d.AttachedToReservation == r.ReservationID:
			disk = d
		}
	}

	settle := e.shutdownSnapshot(ctx, r, disk)

	// The pod goes before the service so a restarting container cannot
	// re-register endpoints on a port about to be freed.
	name := cluster.WorkloadName(r.ReservationID)
	if err := e.cluster.DeleteWorkload(ctx, name); err != nil && errors.ReasonOf(err) != "workload_not_found" {
		errs = multierr.Append(errs, fmt.Errorf("deleting workload %s, %w", name, err))
	}
	if err := e.cluster.DeleteService(ctx, name); err != nil && errors.ReasonOf(err) != "workload_not_found" {
		errs = multierr.Append(errs, fmt.Errorf("deleting service %s, %w", name, err))
	}

	if err := e.store.UpdateReservationStatus(ctx, r.ReservationID, sink); err != nil {
		errs = multierr.Append(errs, err)
	} else {
		r.Status = sink.Status
	}

	if disk != nil && disk.ProviderVolumeID != "" {
		// Physical detach before the logical release; the reconciler syncs
		// in_use from attachment state and would re-claim an attached volume.
		if err := e.volumes.Detach(ctx, disk.ProviderVolumeID); err != nil && !errors.IsKind(err, errors.KindConflict) {
			errs = multierr.Append(errs, fmt.Errorf("detaching volume %s, %w", disk.ProviderVolumeID, err))
		}
	}
	if err := e.store.ReleaseDiskByReservation(ctx, r.ReservationID); err != nil {
		errs = multierr.Append(errs, err)
	}

	if err := e.store.DeleteDomainMappingsByReservation(ctx, r.ReservationID); err != nil {
		errs = multierr.Append(errs, err)
	}

	if settle != nil {
		settle(ctx)
	}
	log.FromContext(ctx).WithValues("reservation-id", r.ReservationID, "status", sink.Status).Info("teardown finished")
	return errs
}

// shutdownSnapshot starts the shutdown snapshot and captures the disk's
// content listing. It returns a settle func that waits for the snapshot to
// flush and completes the disk row, run after the urgent steps so a slow
// snapshot never delays workload deletion. Nil disk means nothing to do.
func (e *Engine) shutdownSnapshot(ctx context.Context, r *v1.Reservation, disk *v1.Disk) func(ctx context.Context) {
	if disk == nil || disk.ProviderVolumeID == "" {
		return nil
	}
	info, _, err := e.snapshots.Create(ctx, snapshot.CreateOptions{
		VolumeID:    disk.ProviderVolumeID,
		User:        r.UserID,
		Kind:        v1.SnapshotTypeShutdown,
		Disk:        disk,
		Description: fmt.Sprintf("shutdown of reservation %s", r.ReservationID),
	})
	if err != nil {
		log.FromContext(ctx).Error(err, "starting shutdown snapshot", "disk-name", disk.DiskName)
		return nil
	}
	var capture *snapshot.ContentCapture
	if r.PodName != "" {
		capture, err = e.snapshots.CaptureContent(ctx, r.PodName, r.UserID, disk.DiskName, info.ID)
		if err != nil {
			log.FromContext(ctx).Error(err, "capturing disk contents", "disk-name", disk.DiskName)
		} else if err := e.snapshots.AttachContent(ctx, info.ID, capture); err != nil {
			log.FromContext(ctx).Error(err, "attaching content listing", "snapshot-id", info.ID)
		}
	}
	return func(ctx context.Context) {
		if err := e.snapshots.Wait(ctx, info.ID, snapshotSettleTimeout); err != nil {
			// The reconciler settles the disk row once the snapshot finishes.
			log.FromContext(ctx).V(1).Info("shutdown snapshot still flushing", "snapshot-id", info.ID)
			return
		}
		completion := store.SnapshotCompletion{}
		if capture != nil {
			completion.ContentURI = capture.URI
			completion.DiskSize = capture.DiskSize
		}
		if err := e.snapshots.Complete(ctx, disk.DiskID, completion); err != nil {
			log.FromContext(ctx).Error(err, "completing shutdown snapshot", "disk-id", disk.DiskID)
		}
	}
}
