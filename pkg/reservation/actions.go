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

	"github.com/samber/lo"
	"sigs.k8s.io/controller-runtime/pkg/log"

	v1 "github.com/gpudev/orchestrator/pkg/apis/v1"
	"github.com/gpudev/orchestrator/pkg/cluster"
	"github.com/gpudev/orchestrator/pkg/errors"
	"github.com/gpudev/orchestrator/pkg/operator/options"
	"github.com/gpudev/orchestrator/pkg/store"
	"github.com/gpudev/orchestrator/pkg/utils/rand"
)

// HandleAction applies a user action to an active reservation.
func (e *Engine) HandleAction(ctx context.Context, msg *v1.Message) error {
	r, err := e.store.GetReservation(ctx, msg.ReservationID)
	if err != nil {
		return err
	}
	ctx = log.IntoContext(ctx, log.FromContext(ctx).WithValues("reservation-id", r.ReservationID, "user-id", r.UserID, "action", msg.Action))
	if r.Status != v1.StatusActive {
		return errors.Conflictf("not_active", "reservation %s is %s; actions require active", r.ReservationID, r.Status)
	}
	args := lo.FromPtr(msg.Args)
	switch msg.Action {
	case v1.ActionExtend:
		return e.extend(ctx, r, args.Hours)
	case v1.ActionAddUser:
		return e.addUser(ctx, r, args.Username)
	case v1.ActionEnableNotebook:
		return e.enableNotebook(ctx, r)
	case v1.ActionDisableNotebook:
		return e.disableNotebook(ctx, r)
	default:
		return errors.Validationf("unknown_action", "unknown action %q", msg.Action)
	}
}

// extend pushes expires_at out by a whole number of hours, capped so the
// total lifetime never exceeds the cluster maximum from creation time.
func (e *Engine) extend(ctx context.Context, r *v1.Reservation, requestedHours float64) error {
	hours := int(requestedHours)
	if hours <= 0 {
		return errors.Validationf("invalid_extension", "extension must be a positive whole number of hours, got %v", requestedHours)
	}
	if r.ExpiresAt == nil {
		return errors.Conflictf("not_active", "reservation %s has no expiry to extend", r.ReservationID)
	}
	newExpiry := r.ExpiresAt.Add(time.Duration(hours) * time.Hour)
	ceiling := r.CreatedAt.Add(options.FromContext(ctx).MaxReservationDuration())
	if newExpiry.After(ceiling) {
		return errors.Validationf("extension_exceeds_limit", "extending by %dh would pass the %dh lifetime limit", hours, options.FromContext(ctx).MaxReservationHours)
	}
	if err := e.store.ExtendReservation(ctx, r.ReservationID, newExpiry); err != nil {
		return err
	}
	e.audit(ctx, r, "reservation.extend", map[string]any{"hours": hours, "expires_at": newExpiry})
	log.FromContext(ctx).WithValues("hours", hours, "expires-at", newExpiry).Info("extended reservation")
	return nil
}

func (e *Engine) addUser(ctx context.Context, r *v1.Reservation, username string) error {
	if username == "" {
		return errors.Validationf("invalid_username", "add_user requires a username")
	}
	if username == r.UserID || lo.Contains(r.SecondaryUsers, username) {
		return nil
	}
	if err := e.store.AddSecondaryUser(ctx, r.ReservationID, username); err != nil {
		return err
	}
	e.audit(ctx, r, "reservation.add_user", map[string]any{"username": username})
	log.FromContext(ctx).WithValues("username", username).Info("added collaborator")
	return nil
}

// enableNotebook reuses the launch-time token when one exists so the server
// already running in the pod keeps accepting it.
func (e *Engine) enableNotebook(ctx context.Context, r *v1.Reservation) error {
	token := r.NotebookToken
	if token == "" {
		token = rand.String(32)
	}
	if err := e.recordNotebook(ctx, r, cluster.WorkloadName(r.ReservationID), token); err != nil {
		return err
	}
	e.audit(ctx, r, "reservation.enable_notebook", nil)
	return nil
}

func (e *Engine) disableNotebook(ctx context.Context, r *v1.Reservation) error {
	name := cluster.WorkloadName(r.ReservationID)
	if err := e.cluster.RemoveNotebookPort(ctx, name); err != nil {
		return fmt.Errorf("removing notebook port of %s, %w", name, err)
	}
	if err := e.store.DeleteDomainMappingsByReservation(ctx, r.ReservationID); err != nil {
		return err
	}
	if err := e.store.SetReservationNotebook(ctx, r.ReservationID, store.Notebook{}); err != nil {
		return err
	}
	e.audit(ctx, r, "reservation.disable_notebook", nil)
	log.FromContext(ctx).Info("disabled notebook")
	return nil
}
