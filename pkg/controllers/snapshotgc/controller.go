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

package snapshotgc

import (
	"context"
	"fmt"
	"slices"
	"time"

	reconcile "github.com/awslabs/operatorpkg/reconciler"
	"github.com/awslabs/operatorpkg/singleton"
	"github.com/samber/lo"
	"go.uber.org/multierr"
	"k8s.io/utils/clock"
	controllerruntime "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/manager"

	v1 "github.com/gpudev/orchestrator/pkg/apis/v1"
	"github.com/gpudev/orchestrator/pkg/operator/options"
	snapshotprovider "github.com/gpudev/orchestrator/pkg/providers/snapshot"
)

// Per-pass caps keep one run well inside its schedule slot on large fleets.
const (
	usersPerRun      = 20
	deletionsPerUser = 10
)

// Controller enforces snapshot retention: per user it keeps the newest
// completed snapshots up to the configured count and deletes the rest, plus
// anything past the age bound. Quarantine backups live and die by the
// retention deadline stamped on them instead, and pending snapshots are
// in-flight work that is never touched.
type Controller struct {
	snapshots snapshotprovider.Provider
	clock     clock.Clock

	cursor int
}

func NewController(snapshots snapshotprovider.Provider, clk clock.Clock) *Controller {
	return &Controller{snapshots: snapshots, clock: clk}
}

func (c *Controller) Reconcile(ctx context.Context) (reconcile.Result, error) {
	ctx = log.IntoContext(ctx, log.FromContext(ctx).WithValues("controller", "snapshotgc"))
	opts := options.FromContext(ctx)
	now := c.clock.Now().UTC()

	snapshots, err := c.snapshots.ListTagged(ctx)
	if err != nil {
		return reconcile.Result{}, fmt.Errorf("listing snapshots, %w", err)
	}
	snapshotsTracked.Set(float64(len(snapshots)))

	byUser := lo.GroupBy(snapshots, func(s snapshotprovider.SnapshotInfo) string { return s.Tags[v1.TagUser] })
	delete(byUser, "")
	users := lo.Keys(byUser)
	slices.Sort(users)

	var errs error
	for _, user := range c.window(users) {
		errs = multierr.Append(errs, c.sweepUser(ctx, user, byUser[user], now, opts))
	}
	if errs != nil {
		return reconcile.Result{}, errs
	}
	return reconcile.Result{RequeueAfter: opts.ReconcileInterval()}, nil
}

// window returns this run's user slice, advancing a wrap-around cursor so
// every user is visited within a few passes.
func (c *Controller) window(users []string) []string {
	if len(users) <= usersPerRun {
		c.cursor = 0
		return users
	}
	if c.cursor >= len(users) {
		c.cursor = 0
	}
	out := make([]string, 0, usersPerRun)
	for i := range usersPerRun {
		out = append(out, users[(c.cursor+i)%len(users)])
	}
	c.cursor = (c.cursor + usersPerRun) % len(users)
	return out
}

func (c *Controller) sweepUser(ctx context.Context, user string, snapshots []snapshotprovider.SnapshotInfo, now time.Time, opts *options.Options) error {
	regular := lo.Filter(snapshots, func(s snapshotprovider.SnapshotInfo, _ int) bool {
		return s.Completed() && s.Kind() != v1.SnapshotTypeQuarantineBackup
	})
	slices.SortFunc(regular, func(a, b snapshotprovider.SnapshotInfo) int {
		return b.StartedAt.Compare(a.StartedAt)
	})
	ageCutoff := now.AddDate(0, 0, -opts.SnapshotMaxAgeDays)
	var victims []snapshotprovider.SnapshotInfo
	for i, s := range regular {
		if i >= opts.SnapshotKeepCount || s.StartedAt.Before(ageCutoff) {
			victims = append(victims, s)
		}
	}
	for _, s := range snapshots {
		if !s.Completed() || s.Kind() != v1.SnapshotTypeQuarantineBackup {
			continue
		}
		// A missing or unreadable deadline keeps the backup.
		retainUntil, err := time.Parse(time.RFC3339, s.Tags[v1.TagQuarantineBackup])
		if err != nil {
			log.FromContext(ctx).Error(err, "unreadable backup retention, keeping snapshot", "snapshot-id", s.ID, "value", s.Tags[v1.TagQuarantineBackup])
			continue
		}
		if now.After(retainUntil) {
			victims = append(victims, s)
		}
	}

	// Oldest first, so repeated capped runs converge.
	slices.SortFunc(victims, func(a, b snapshotprovider.SnapshotInfo) int {
		return a.StartedAt.Compare(b.StartedAt)
	})
	if len(victims) > deletionsPerUser {
		victims = victims[:deletionsPerUser]
	}

	var errs error
	deleted := 0
	for _, s := range victims {
		if err := c.snapshots.Delete(ctx, s.ID); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("deleting snapshot %s of %s, %w", s.ID, user, err))
			continue
		}
		snapshotsDeleted.WithLabelValues(lo.Ternary(s.Kind() != "", s.Kind(), "unknown")).Inc()
		deleted++
	}
	if deleted > 0 {
		log.FromContext(ctx).Info("deleted snapshots past retention", "user", user, "deleted", deleted)
	}
	return errs
}

func (c *Controller) Register(_ context.Context, m manager.Manager) error {
	return controllerruntime.NewControllerManagedBy(m).
		Named("snapshotgc").
		WatchesRawSource(singleton.Source()).
		Complete(singleton.AsReconciler(c))
}
