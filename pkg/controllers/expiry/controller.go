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

package expiry

import (
	"context"
	"fmt"
	"strconv"
	"time"

	reconcile "github.com/awslabs/operatorpkg/reconciler"
	"github.com/awslabs/operatorpkg/singleton"
	"go.uber.org/multierr"
	"k8s.io/utils/clock"
	controllerruntime "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/manager"

	v1 "github.com/gpudev/orchestrator/pkg/apis/v1"
	"github.com/gpudev/orchestrator/pkg/notify"
	"github.com/gpudev/orchestrator/pkg/operator/options"
	"github.com/gpudev/orchestrator/pkg/reservation"
	"github.com/gpudev/orchestrator/pkg/store"
)

// warnings is the countdown ladder. Each threshold fires once, inside its
// own band, so a reservation gets at most one message per pass and never a
// barrage after the controller was down.
var warnings = []struct {
	minutes int
	low     time.Duration
	high    time.Duration
	sent    func(*v1.Reservation) bool
}{
	{30, 25 * time.Minute, 30 * time.Minute, func(r *v1.Reservation) bool { return r.WarnedThirtyMin }},
	{15, 10 * time.Minute, 15 * time.Minute, func(r *v1.Reservation) bool { return r.WarnedFifteenMin }},
	{5, 0, 5 * time.Minute, func(r *v1.Reservation) bool { return r.WarnedFiveMin }},
}

// Controller enforces reservation deadlines: countdown warnings while time
// remains, full teardown once it runs out, and a sweep that fails rows stuck
// before launch. Members of a multinode group carry their own deadlines and
// expire independently. Expired api keys are purged on the same cadence.
type Controller struct {
	reservations store.ReservationStore
	apiKeys      store.APIKeyStore
	engine       *reservation.Engine
	notifier     notify.Sink
	clock        clock.Clock
}

func NewController(reservations store.ReservationStore, apiKeys store.APIKeyStore, engine *reservation.Engine, notifier notify.Sink, clk clock.Clock) *Controller {
	return &Controller{
		reservations: reservations,
		apiKeys:      apiKeys,
		engine:       engine,
		notifier:     notifier,
		clock:        clk,
	}
}

func (c *Controller) Reconcile(ctx context.Context) (reconcile.Result, error) {
	ctx = log.IntoContext(ctx, log.FromContext(ctx).WithValues("controller", "expiry"))
	opts := options.FromContext(ctx)
	now := c.clock.Now().UTC()

	active, err := c.reservations.ListReservationsByStatus(ctx, v1.StatusActive)
	if err != nil {
		return reconcile.Result{}, fmt.Errorf("listing active reservations, %w", err)
	}
	var errs error
	for _, r := range active {
		if r.ExpiresAt == nil {
			continue
		}
		if remaining := r.ExpiresAt.Sub(now); remaining > 0 {
			errs = multierr.Append(errs, c.warn(ctx, r, remaining))
			continue
		}
		errs = multierr.Append(errs, c.expire(ctx, r))
	}
	errs = multierr.Append(errs, c.sweepStale(ctx, now, opts))
	errs = multierr.Append(errs, c.purgeAPIKeys(ctx, now))
	if errs != nil {
		return reconcile.Result{}, errs
	}
	return reconcile.Result{RequeueAfter: opts.ExpiryInterval()}, nil
}

func (c *Controller) expire(ctx context.Context, r *v1.Reservation) error {
	log.FromContext(ctx).Info("reservation expired", "reservation-id", r.ReservationID, "user", r.UserID, "expired-at", r.ExpiresAt)
	err := c.engine.Teardown(ctx, r, store.StatusUpdate{
		Status:         v1.StatusCompleted,
		DetailedStatus: "expired",
		Message:        fmt.Sprintf("expired after %g hours", r.DurationHours),
		From:           []v1.Status{v1.StatusActive},
	})
	if err != nil {
		return fmt.Errorf("tearing down expired reservation %s, %w", r.ReservationID, err)
	}
	reservationsExpired.Inc()
	return nil
}

func (c *Controller) warn(ctx context.Context, r *v1.Reservation, remaining time.Duration) error {
	for _, w := range warnings {
		if remaining <= w.low || remaining > w.high || w.sent(r) {
			continue
		}
		message := fmt.Sprintf("Reservation %s expires in about %d minutes.", displayName(r), int(remaining.Minutes()))
		err := c.notifier.Notify(ctx, r.UserID, notify.ChannelExpiryWarning, message, map[string]string{
			"reservation_id": r.ReservationID,
			"expires_at":     r.ExpiresAt.Format(time.RFC3339),
		})
		if err != nil {
			// Best effort. The flag stays clear so the next pass retries
			// while the band lasts.
			log.FromContext(ctx).Error(err, "delivering expiry warning", "reservation-id", r.ReservationID, "minutes", w.minutes)
			return nil
		}
		warningsSent.WithLabelValues(strconv.Itoa(w.minutes)).Inc()
		if err := c.reservations.SetWarningSent(ctx, r.ReservationID, w.minutes); err != nil {
			return fmt.Errorf("recording %d minute warning of %s, %w", w.minutes, r.ReservationID, err)
		}
		return nil
	}
	return nil
}

// sweepStale fails reservations parked before launch longer than the stale
// window, usually dead-lettered creates whose failure sink also missed.
func (c *Controller) sweepStale(ctx context.Context, now time.Time, opts *options.Options) error {
	cutoff := now.AddDate(0, 0, -opts.StaleReservationDays)
	stale, err := c.reservations.ListStaleReservations(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("listing stale reservations, %w", err)
	}
	var errs error
	for _, r := range stale {
		log.FromContext(ctx).Info("failing stale reservation", "reservation-id", r.ReservationID, "status", r.Status, "created-at", r.CreatedAt)
		err := c.reservations.UpdateReservationStatus(ctx, r.ReservationID, store.StatusUpdate{
			Status:         v1.StatusFailed,
			DetailedStatus: "failed",
			Message:        fmt.Sprintf("no progress since %s", r.CreatedAt.Format(time.RFC3339)),
			FailureReason:  "stale",
		})
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("failing stale reservation %s, %w", r.ReservationID, err))
			continue
		}
		staleReservationsFailed.Inc()
	}
	return errs
}

// purgeAPIKeys drops credential rows the external API issued once their
// validity lapses.
func (c *Controller) purgeAPIKeys(ctx context.Context, now time.Time) error {
	purged, err := c.apiKeys.PurgeExpiredAPIKeys(ctx, now)
	if err != nil {
		return fmt.Errorf("purging expired api keys, %w", err)
	}
	if purged > 0 {
		apiKeysPurged.Add(float64(purged))
		log.FromContext(ctx).V(1).Info("purged expired api keys", "count", purged)
	}
	return nil
}

func displayName(r *v1.Reservation) string {
	if r.Name != "" {
		return r.Name
	}
	return r.ReservationID
}

func (c *Controller) Register(_ context.Context, m manager.Manager) error {
	return controllerruntime.NewControllerManagedBy(m).
		Named("expiry").
		WatchesRawSource(singleton.Source()).
		Complete(singleton.AsReconciler(c))
}
