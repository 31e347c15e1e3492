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

package diskreconcile

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	reconcile "github.com/awslabs/operatorpkg/reconciler"
	"github.com/awslabs/operatorpkg/singleton"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/multierr"
	"k8s.io/utils/clock"
	controllerruntime "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/manager"

	v1 "github.com/gpudev/orchestrator/pkg/apis/v1"
	"github.com/gpudev/orchestrator/pkg/errors"
	"github.com/gpudev/orchestrator/pkg/notify"
	"github.com/gpudev/orchestrator/pkg/operator/options"
	snapshotprovider "github.com/gpudev/orchestrator/pkg/providers/snapshot"
	"github.com/gpudev/orchestrator/pkg/providers/volume"
	"github.com/gpudev/orchestrator/pkg/snapshot"
	"github.com/gpudev/orchestrator/pkg/store"
	"github.com/gpudev/orchestrator/pkg/utils"
)

// LockName is the advisory lock serializing reconcile runs across replicas.
const LockName = "gpu-dev-disk-reconcile"

// backupSettleTimeout bounds the wait for a quarantine backup to flush
// before its source volume is destroyed.
const backupSettleTimeout = 5 * time.Minute

// Store is the persistence slice the reconciler works against.
type Store interface {
	store.DiskStore
	store.AdvisoryLocker
	GetReservation(ctx context.Context, id string) (*v1.Reservation, error)
}

// Controller realigns disk rows with cloud volume truth: it upserts rows for
// tagged volumes, resolves duplicate volumes per (user, disk) by quarantining
// the losers, releases rows whose reservation settled, orphans rows whose
// volume vanished, and deletes long-quarantined volumes behind a backup
// snapshot. The whole scan runs under one advisory lock.
type Controller struct {
	store     Store
	volumes   volume.Provider
	snapshots snapshotprovider.Provider
	engine    *snapshot.Engine
	notifier  notify.Sink
	clock     clock.Clock
}

func NewController(s Store, volumes volume.Provider, snapshots snapshotprovider.Provider, engine *snapshot.Engine, notifier notify.Sink, clk clock.Clock) *Controller {
	return &Controller{
		store:     s,
		volumes:   volumes,
		snapshots: snapshots,
		engine:    engine,
		notifier:  notifier,
		clock:     clk,
	}
}

func (c *Controller) Reconcile(ctx context.Context) (reconcile.Result, error) {
	ctx = log.IntoContext(ctx, log.FromContext(ctx).WithValues("controller", "diskreconcile"))
	opts := options.FromContext(ctx)

	unlock, ok, err := c.store.TryAdvisoryLock(ctx, store.LockKey(LockName))
	if err != nil {
		return reconcile.Result{}, fmt.Errorf("acquiring reconcile lock, %w", err)
	}
	if !ok {
		log.FromContext(ctx).V(1).Info("reconcile lock held elsewhere, skipping this pass")
		return reconcile.Result{RequeueAfter: opts.ReconcileInterval()}, nil
	}
	defer func() {
		if err := unlock(ctx); err != nil {
			log.FromContext(ctx).Error(err, "releasing reconcile lock")
		}
	}()

	// A failed listing aborts the pass before any row is touched; acting on
	// a partial inventory would falsely orphan everything the listing missed.
	volumes, err := c.volumes.ListTagged(ctx)
	if err != nil {
		return reconcile.Result{}, fmt.Errorf("listing cloud volumes, %w", err)
	}
	disks, err := c.store.ListAllDisks(ctx)
	if err != nil {
		return reconcile.Result{}, fmt.Errorf("listing disk rows, %w", err)
	}

	byVolume := lo.SliceToMap(
		lo.Filter(disks, func(d *v1.Disk, _ int) bool { return d.ProviderVolumeID != "" }),
		func(d *v1.Disk) (string, *v1.Disk) { return d.ProviderVolumeID, d })
	live := lo.Filter(volumes, func(v volume.VolumeInfo, _ int) bool {
		return !v.Quarantined() && v.User() != "" && v.DiskName() != ""
	})
	byKey := lo.GroupBy(live, func(v volume.VolumeInfo) string { return v.User() + "/" + v.DiskName() })

	var errs error
	conflicted := map[string]bool{}
	for _, group := range byKey {
		if len(group) < 2 {
			continue
		}
		for _, v := range group {
			conflicted[v.ID] = true
		}
		errs = multierr.Append(errs, c.resolveDuplicates(ctx, group, byVolume))
	}

	synced := 0
	for _, vol := range live {
		if conflicted[vol.ID] {
			continue
		}
		if err := c.syncVolume(ctx, vol); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		synced++
	}
	disksSynced.Set(float64(synced))

	errs = multierr.Append(errs, c.releaseSettled(ctx, disks))
	errs = multierr.Append(errs, c.markOrphans(ctx, disks, volumes))
	errs = multierr.Append(errs, c.cleanupQuarantine(ctx, volumes, opts))
	if errs != nil {
		return reconcile.Result{}, errs
	}
	return reconcile.Result{RequeueAfter: opts.ReconcileInterval()}, nil
}

// resolveDuplicates handles one (user, disk) key backed by several volumes:
// exactly one survives, the rest are quarantined. The quarantine tags and the
// row repoint stand or fall together.
func (c *Controller) resolveDuplicates(ctx context.Context, group []volume.VolumeInfo, byVolume map[string]*v1.Disk) error {
	user, name := group[0].User(), group[0].DiskName()
	ctx = log.IntoContext(ctx, log.FromContext(ctx).WithValues("user", user, "disk", name))

	attached := lo.Filter(group, func(v volume.VolumeInfo, _ int) bool { return v.Attached() })
	if len(attached) > 1 {
		log.FromContext(ctx).Error(nil, "multiple attached volumes for one disk, manual intervention required",
			"volume-ids", lo.Map(attached, func(v volume.VolumeInfo, _ int) string { return v.ID }))
		c.notify(ctx, user, fmt.Sprintf("Disk %s has multiple attached volumes and needs manual repair.", name),
			map[string]string{"disk_name": name})
		return nil
	}
	var winner volume.VolumeInfo
	if len(attached) == 1 {
		winner = attached[0]
	} else {
		winner = c.pickWinner(ctx, group, byVolume)
	}
	losers := lo.Reject(group, func(v volume.VolumeInfo, _ int) bool { return v.ID == winner.ID })

	// Race guard: a volume attached since the listing must not be quarantined.
	for _, loser := range losers {
		fresh, err := c.volumes.Get(ctx, loser.ID)
		if err != nil {
			return fmt.Errorf("re-verifying volume %s, %w", loser.ID, err)
		}
		if fresh.Attached() {
			log.FromContext(ctx).Info("duplicate volume became attached, deferring resolution", "volume-id", loser.ID)
			return nil
		}
	}

	quarantinedAt := c.clock.Now().UTC().Format(time.RFC3339)
	var tagged []string
	for _, loser := range losers {
		if err := c.volumes.Tag(ctx, loser.ID, map[string]string{
			v1.TagQuarantined:      quarantinedAt,
			v1.TagQuarantineReason: fmt.Sprintf("duplicate of %s", winner.ID),
		}); err != nil {
			c.rollbackQuarantine(ctx, tagged)
			return fmt.Errorf("quarantining volume %s, %w", loser.ID, err)
		}
		tagged = append(tagged, loser.ID)
	}
	if err := c.store.SyncDiskFromCloud(ctx, store.DiskSync{
		DiskID:           uuid.NewString(),
		UserID:           user,
		DiskName:         name,
		ProviderVolumeID: winner.ID,
		SizeGB:           winner.SizeGB,
		CreatedAt:        winner.CreatedAt,
	}); err != nil {
		c.rollbackQuarantine(ctx, tagged)
		return fmt.Errorf("repointing disk %s/%s to %s, %w", user, name, winner.ID, err)
	}

	volumesQuarantined.Add(float64(len(tagged)))
	log.FromContext(ctx).Info("quarantined duplicate volumes", "winner", winner.ID, "quarantined", tagged)
	c.notify(ctx, user,
		fmt.Sprintf("Disk %s had %d conflicting volumes; %s is now current, %s quarantined.", name, len(group), winner.ID, utils.PrettySlice(tagged, 3)),
		map[string]string{
			"disk_name":   name,
			"volume_id":   winner.ID,
			"quarantined": strings.Join(tagged, ","),
		})
	return nil
}

// pickWinner chooses the surviving volume when none is attached: the volume a
// row already references, then largest, most snapshotted, newest, smallest id.
func (c *Controller) pickWinner(ctx context.Context, group []volume.VolumeInfo, byVolume map[string]*v1.Disk) volume.VolumeInfo {
	referenced := lo.Filter(group, func(v volume.VolumeInfo, _ int) bool {
		_, ok := byVolume[v.ID]
		return ok
	})
	pool := lo.Ternary(len(referenced) > 0, referenced, group)
	counts := c.snapshotCounts(ctx, group[0].User(), group[0].DiskName())
	slices.SortFunc(pool, func(a, b volume.VolumeInfo) int {
		if v := b.SizeGB - a.SizeGB; v != 0 {
			return v
		}
		if v := counts[b.ID] - counts[a.ID]; v != 0 {
			return v
		}
		if v := b.CreatedAt.Compare(a.CreatedAt); v != 0 {
			return v
		}
		return strings.Compare(a.ID, b.ID)
	})
	return pool[0]
}

func (c *Controller) snapshotCounts(ctx context.Context, user, name string) map[string]int {
	snapshots, err := c.snapshots.ListForDisk(ctx, user, name)
	if err != nil {
		// Best effort; the heuristic falls through to age and id.
		log.FromContext(ctx).Error(err, "listing snapshots for duplicate resolution")
		return nil
	}
	return lo.CountValuesBy(snapshots, func(s snapshotprovider.SnapshotInfo) string { return s.VolumeID })
}

func (c *Controller) rollbackQuarantine(ctx context.Context, volumeIDs []string) {
	for _, id := range volumeIDs {
		if err := c.volumes.Untag(ctx, id, v1.TagQuarantined, v1.TagQuarantineReason); err != nil {
			log.FromContext(ctx).Error(err, "rolling back quarantine tag", "volume-id", id)
		}
	}
}

// syncVolume upserts the row for one unambiguous cloud volume and settles its
// snapshot bookkeeping from the provider's listing.
func (c *Controller) syncVolume(ctx context.Context, vol volume.VolumeInfo) error {
	if err := c.store.SyncDiskFromCloud(ctx, store.DiskSync{
		DiskID:           uuid.NewString(),
		UserID:           vol.User(),
		DiskName:         vol.DiskName(),
		ProviderVolumeID: vol.ID,
		SizeGB:           vol.SizeGB,
		CreatedAt:        vol.CreatedAt,
	}); err != nil {
		return err
	}
	row, err := c.store.GetDisk(ctx, vol.User(), vol.DiskName())
	if err != nil {
		return fmt.Errorf("reading synced disk %s/%s, %w", vol.User(), vol.DiskName(), err)
	}
	if vol.Attached() && !row.InUse {
		if err := c.reclaim(ctx, vol, row); err != nil {
			return err
		}
	}
	snapshots, err := c.snapshots.ListForDisk(ctx, vol.User(), vol.DiskName())
	if err != nil {
		return fmt.Errorf("listing snapshots of %s/%s, %w", vol.User(), vol.DiskName(), err)
	}
	counters := store.SnapshotCounters{}
	var latest time.Time
	for _, s := range snapshots {
		switch {
		case s.Completed():
			counters.Completed++
			if s.StartedAt.After(latest) {
				latest = s.StartedAt
			}
		case s.Pending():
			counters.Pending++
		}
	}
	if !latest.IsZero() {
		counters.LastCompleted = &latest
	}
	return c.store.SyncDiskSnapshotCounters(ctx, row.DiskID, counters)
}

// reclaim re-marks a row in_use when its volume is attached on behalf of a
// still-running reservation. Fires after a crash between the physical attach
// and the logical claim, or after a release that outran a failed detach.
func (c *Controller) reclaim(ctx context.Context, vol volume.VolumeInfo, row *v1.Disk) error {
	reservationID := vol.Tags[v1.TagReservationID]
	if reservationID == "" {
		log.FromContext(ctx).Info("attached volume with a free disk row and no reservation tag", "volume-id", vol.ID, "disk", row.DiskName)
		return nil
	}
	r, err := c.store.GetReservation(ctx, reservationID)
	if err != nil {
		if errors.ReasonOf(err) == "not_found" {
			log.FromContext(ctx).Info("attached volume references an unknown reservation", "volume-id", vol.ID, "reservation-id", reservationID)
			return nil
		}
		return err
	}
	if r.Status.IsTerminal() {
		// Teardown settled the row but the detach failed; deletion stays
		// blocked while attached, an operator has to detach.
		log.FromContext(ctx).Info("volume still attached after its reservation settled", "volume-id", vol.ID, "reservation-id", reservationID, "status", r.Status)
		return nil
	}
	if err := c.store.ClaimDisk(ctx, row.DiskID, reservationID); err != nil {
		return fmt.Errorf("reclaiming disk %s for reservation %s, %w", row.DiskID, reservationID, err)
	}
	log.FromContext(ctx).Info("reclaimed disk for its attached reservation", "disk", row.DiskName, "user", row.UserID, "reservation-id", reservationID)
	return nil
}

// releaseSettled frees rows whose holding reservation reached a sink status,
// repairing crashes between the status write and the disk release.
func (c *Controller) releaseSettled(ctx context.Context, disks []*v1.Disk) error {
	var errs error
	for _, d := range disks {
		if !d.InUse || d.AttachedToReservation == "" {
			continue
		}
		r, err := c.store.GetReservation(ctx, d.AttachedToReservation)
		if err != nil && errors.ReasonOf(err) != "not_found" {
			errs = multierr.Append(errs, err)
			continue
		}
		if err == nil && !r.Status.IsTerminal() {
			continue
		}
		log.FromContext(ctx).Info("releasing disk held by a settled reservation",
			"disk", d.DiskName, "user", d.UserID, "reservation-id", d.AttachedToReservation)
		errs = multierr.Append(errs, c.store.ReleaseDiskByReservation(ctx, d.AttachedToReservation))
	}
	return errs
}

// markOrphans clears the volume reference of rows whose volume left the cloud
// inventory. Soft-deleted rows are left for their own grace-period flow.
func (c *Controller) markOrphans(ctx context.Context, disks []*v1.Disk, volumes []volume.VolumeInfo) error {
	inventory := lo.SliceToMap(volumes, func(v volume.VolumeInfo) (string, bool) { return v.ID, true })
	var errs error
	for _, d := range disks {
		if d.ProviderVolumeID == "" || d.IsDeleted || inventory[d.ProviderVolumeID] {
			continue
		}
		log.FromContext(ctx).Info("disk row references a vanished volume", "disk", d.DiskName, "user", d.UserID, "volume-id", d.ProviderVolumeID)
		if err := c.store.MarkDiskOrphaned(ctx, d.DiskID); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		disksOrphaned.Inc()
	}
	return errs
}

func (c *Controller) cleanupQuarantine(ctx context.Context, volumes []volume.VolumeInfo, opts *options.Options) error {
	cutoff := c.clock.Now().UTC().AddDate(0, 0, -opts.QuarantineMaxAgeDays)
	var errs error
	for _, vol := range volumes {
		if !vol.Quarantined() {
			continue
		}
		quarantinedAt, err := time.Parse(time.RFC3339, vol.Tags[v1.TagQuarantined])
		if err != nil {
			log.FromContext(ctx).Error(err, "unparseable quarantine timestamp", "volume-id", vol.ID, "value", vol.Tags[v1.TagQuarantined])
			continue
		}
		if quarantinedAt.After(cutoff) {
			continue
		}
		if vol.Attached() {
			log.FromContext(ctx).Info("quarantined volume is attached, refusing to delete", "volume-id", vol.ID)
			continue
		}
		errs = multierr.Append(errs, c.deleteQuarantined(ctx, vol, opts))
	}
	return errs
}

// deleteQuarantined destroys one expired quarantined volume behind a backup
// snapshot carrying its own retention deadline.
func (c *Controller) deleteQuarantined(ctx context.Context, vol volume.VolumeInfo, opts *options.Options) error {
	info, created, err := c.engine.Create(ctx, snapshot.CreateOptions{
		VolumeID:    vol.ID,
		User:        vol.User(),
		Kind:        v1.SnapshotTypeQuarantineBackup,
		Description: fmt.Sprintf("pre-delete backup of quarantined volume %s", vol.ID),
	})
	if err != nil {
		return fmt.Errorf("backing up quarantined volume %s, %w", vol.ID, err)
	}
	retainUntil := c.clock.Now().UTC().AddDate(0, 0, opts.QuarantineBackupRetentionDays).Format(time.RFC3339)
	if err := c.snapshots.Tag(ctx, []string{info.ID}, map[string]string{v1.TagQuarantineBackup: retainUntil}); err != nil {
		if created {
			if deleteErr := c.snapshots.Delete(ctx, info.ID); deleteErr != nil {
				log.FromContext(ctx).Error(deleteErr, "rolling back backup snapshot", "snapshot-id", info.ID)
			}
		}
		return fmt.Errorf("stamping retention on backup %s, %w", info.ID, err)
	}
	if err := c.engine.Wait(ctx, info.ID, backupSettleTimeout); err != nil {
		return fmt.Errorf("waiting for backup of volume %s, %w", vol.ID, err)
	}
	if err := c.volumes.Delete(ctx, vol.ID); err != nil {
		return fmt.Errorf("deleting quarantined volume %s, %w", vol.ID, err)
	}
	quarantinedDeleted.Inc()
	log.FromContext(ctx).Info("deleted quarantined volume after backup", "volume-id", vol.ID, "snapshot-id", info.ID, "retain-until", retainUntil)
	c.notify(ctx, vol.User(),
		fmt.Sprintf("Quarantined volume %s of disk %s was deleted; backup snapshot %s is retained until %s.", vol.ID, vol.DiskName(), info.ID, retainUntil),
		map[string]string{
			"volume_id":   vol.ID,
			"disk_name":   vol.DiskName(),
			"snapshot_id": info.ID,
		})
	return nil
}

func (c *Controller) notify(ctx context.Context, user, message string, metadata map[string]string) {
	if err := c.notifier.Notify(ctx, user, notify.ChannelQuarantine, message, metadata); err != nil {
		log.FromContext(ctx).Error(err, "delivering quarantine notice", "user", user)
	}
}

func (c *Controller) Register(_ context.Context, m manager.Manager) error {
	return controllerruntime.NewControllerManagedBy(m).
		Named("diskreconcile").
		WatchesRawSource(singleton.Source()).
		Complete(singleton.AsReconciler(c))
}
