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

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/samber/lo"

	v1 "github.com/gpudev/orchestrator/pkg/apis/v1"
	"github.com/gpudev/orchestrator/pkg/errors"
)

// StatusUpdate transitions a reservation and appends the matching history
// entry in the same statement, keeping history consistent with status.
type StatusUpdate struct {
	Status         v1.Status
	DetailedStatus string
	Message        string
	FailureReason  string
	// From guards the transition; empty means any non-terminal status.
	From []v1.Status
	// SetLaunched stamps launched_at and derives expires_at from the stored
	// duration in the same statement.
	SetLaunched bool
}

// Placement is the connection info recorded when a workload reports ready.
type Placement struct {
	PodName      string
	Namespace    string
	NodeIP       string
	NodePort     int32
	SSHCommand   string
	VolumeID     string
	InstanceType string
}

// Notebook updates the notebook columns; zero values clear them.
type Notebook struct {
	Enabled bool
	URL     string
	Port    int32
	Token   string
	Error   string
}

const reservationColumns = `reservation_id, user_id, gpu_type, gpu_count, duration_hours,
	COALESCE(name, ''), COALESCE(disk_name, ''), COALESCE(image_reference, ''), notebook_enabled, secondary_users,
	status, COALESCE(current_detailed_status, ''), status_history, COALESCE(failure_reason, ''),
	COALESCE(pod_name, ''), COALESCE(namespace, ''), COALESCE(node_ip, ''), COALESCE(node_port, 0), COALESCE(ssh_command, ''),
	COALESCE(ebs_volume_id, ''), COALESCE(instance_type, ''),
	COALESCE(notebook_url, ''), COALESCE(notebook_port, 0), COALESCE(notebook_token, ''), COALESCE(notebook_error, ''),
	is_multinode, COALESCE(master_reservation_id::text, ''), node_index, total_nodes,
	created_at, launched_at, expires_at, warned_30min, warned_15min, warned_5min, COALESCE(cli_version, '')`

func scanReservation(row pgx.Row) (*v1.Reservation, error) {
	r := &v1.Reservation{}
	var history, secondary []byte
	if err := row.Scan(
		&r.ReservationID, &r.UserID, &r.GPUType, &r.GPUCount, &r.DurationHours,
		&r.Name, &r.DiskName, &r.ImageReference, &r.NotebookEnabled, &secondary,
		&r.Status, &r.DetailedStatus, &history, &r.FailureReason,
		&r.PodName, &r.Namespace, &r.NodeIP, &r.NodePort, &r.SSHCommand,
		&r.VolumeID, &r.InstanceType,
		&r.NotebookURL, &r.NotebookPort, &r.NotebookToken, &r.NotebookError,
		&r.IsMultinode, &r.MasterReservationID, &r.NodeIndex, &r.TotalNodes,
		&r.CreatedAt, &r.LaunchedAt, &r.ExpiresAt, &r.WarnedThirtyMin, &r.WarnedFifteenMin, &r.WarnedFiveMin, &r.CLIVersion,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(history, &r.StatusHistory); err != nil {
		return nil, fmt.Errorf("unmarshaling status history, %w", err)
	}
	if err := json.Unmarshal(secondary, &r.SecondaryUsers); err != nil {
		return nil, fmt.Errorf("unmarshaling secondary users, %w", err)
	}
	return r, nil
}

func historyEntry(u StatusUpdate) ([]byte, error) {
	entry, err := json.Marshal([]v1.StatusEntry{{
		Status:        u.Status,
		Timestamp:     time.Now().UTC(),
		Message:       u.Message,
		FailureReason: u.FailureReason,
	}})
	if err != nil {
		return nil, fmt.Errorf("marshaling status history entry, %w", err)
	}
	return entry, nil
}

func (c *Client) CreateReservation(ctx context.Context, r *v1.Reservation) error {
	return c.withTx(ctx, func(tx pgx.Tx) error {
		return insertReservation(ctx, tx, r)
	})
}

// CreateReservationGroup inserts a multinode group atomically: either every
// row of the group exists or none do.
func (c *Client) CreateReservationGroup(ctx context.Context, group []*v1.Reservation) error {
	return c.withTx(ctx, func(tx pgx.Tx) error {
		for _, r := range group {
			if err := insertReservation(ctx, tx, r); err != nil {
				return err
			}
		}
		return nil
	})
}

func insertReservation(ctx context.Context, tx pgx.Tx, r *v1.Reservation) error {
	history, err := json.Marshal(lo.Ternary(r.StatusHistory != nil, r.StatusHistory, []v1.StatusEntry{}))
	if err != nil {
		return fmt.Errorf("marshaling status history, %w", err)
	}
	secondary, err := json.Marshal(lo.Ternary(r.SecondaryUsers != nil, r.SecondaryUsers, []string{}))
	if err != nil {
		return fmt.Errorf("marshaling secondary users, %w", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO reservations (
			reservation_id, user_id, gpu_type, gpu_count, duration_hours, name, disk_name,
			image_reference, notebook_enabled, secondary_users, status, status_history,
			is_multinode, master_reservation_id, node_index, total_nodes, cli_version
		) VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), NULLIF($8, ''), $9, $10, $11, $12,
			$13, NULLIF($14, '')::uuid, $15, $16, NULLIF($17, ''))`,
		r.ReservationID, r.UserID, r.GPUType, r.GPUCount, r.DurationHours, r.Name, r.DiskName,
		r.ImageReference, r.NotebookEnabled, secondary, lo.Ternary(r.Status != "", r.Status, v1.StatusQueued), history,
		r.IsMultinode, r.MasterReservationID, r.NodeIndex, r.TotalNodes, r.CLIVersion)
	if err != nil {
		return fmt.Errorf("inserting reservation %s, %w", r.ReservationID, err)
	}
	return nil
}

func (c *Client) GetReservation(ctx context.Context, id string) (*v1.Reservation, error) {
	var r *v1.Reservation
	err := c.withTx(ctx, func(tx pgx.Tx) error {
		var err error
		r, err = scanReservation(tx.QueryRow(ctx, fmt.Sprintf("SELECT %s FROM reservations WHERE reservation_id = $1", reservationColumns), id))
		if err == pgx.ErrNoRows {
			return errors.Newf(errors.KindValidation, "not_found", "reservation %s not found", id)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

// UpdateReservationStatus is the only path that changes status. Terminal
// statuses are sinks: updating a terminal row is a Conflict unless the target
// equals the current status, which is treated as an idempotent no-op.
func (c *Client) UpdateReservationStatus(ctx context.Context, id string, u StatusUpdate) error {
	entry, err := historyEntry(u)
	if err != nil {
		return err
	}
	return c.withTx(ctx, func(tx pgx.Tx) error {
		guard := `status NOT IN ('cancelled', 'completed', 'failed')`
		args := []any{id, string(u.Status), u.DetailedStatus, u.FailureReason, entry, u.SetLaunched}
		if len(u.From) > 0 {
			guard = `status = ANY($7)`
			args = append(args, lo.Map(u.From, func(s v1.Status, _ int) string { return string(s) }))
		}
		tag, err := tx.Exec(ctx, fmt.Sprintf(`
			UPDATE reservations SET
				status = $2,
				current_detailed_status = NULLIF($3, ''),
				failure_reason = COALESCE(NULLIF($4, ''), failure_reason),
				status_history = status_history || $5::jsonb,
				launched_at = CASE WHEN $6 THEN now() ELSE launched_at END,
				expires_at = CASE WHEN $6 THEN now() + duration_hours * interval '1 hour' ELSE expires_at END
			WHERE reservation_id = $1 AND %s`, guard),
			args...)
		if err != nil {
			return fmt.Errorf("updating reservation %s status to %s, %w", id, u.Status, err)
		}
		if tag.RowsAffected() > 0 {
			return nil
		}
		var current v1.Status
		if err := tx.QueryRow(ctx, "SELECT status FROM reservations WHERE reservation_id = $1", id).Scan(&current); err != nil {
			if err == pgx.ErrNoRows {
				return errors.Newf(errors.KindValidation, "not_found", "reservation %s not found", id)
			}
			return fmt.Errorf("reading reservation %s status, %w", id, err)
		}
		if current == u.Status {
			return nil
		}
		return errors.Conflictf("illegal_transition", "reservation %s is %s, cannot transition to %s", id, current, u.Status)
	})
}

func (c *Client) SetReservationPlacement(ctx context.Context, id string, p Placement) error {
	return c.withTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			UPDATE reservations SET
				pod_name = NULLIF($2, ''),
				namespace = NULLIF($3, ''),
				node_ip = NULLIF($4, ''),
				node_port = NULLIF($5, 0),
				ssh_command = NULLIF($6, ''),
				ebs_volume_id = NULLIF($7, ''),
				instance_type = NULLIF($8, '')
			WHERE reservation_id = $1`,
			id, p.PodName, p.Namespace, p.NodeIP, p.NodePort, p.SSHCommand, p.VolumeID, p.InstanceType)
		if err != nil {
			return fmt.Errorf("recording reservation %s placement, %w", id, err)
		}
		return nil
	})
}

func (c *Client) SetReservationNotebook(ctx context.Context, id string, n Notebook) error {
	return c.withTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			UPDATE reservations SET
				notebook_enabled = $2,
				notebook_url = NULLIF($3, ''),
				notebook_port = NULLIF($4, 0),
				notebook_token = NULLIF($5, ''),
				notebook_error = NULLIF($6, '')
			WHERE reservation_id = $1`,
			id, n.Enabled, n.URL, n.Port, n.Token, n.Error)
		if err != nil {
			return fmt.Errorf("updating reservation %s notebook, %w", id, err)
		}
		return nil
	})
}

func (c *Client) AddSecondaryUser(ctx context.Context, id string, username string) error {
	return c.withTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			UPDATE reservations SET
				secondary_users = CASE
					WHEN secondary_users @> to_jsonb(ARRAY[$2]::text[]) THEN secondary_users
					ELSE secondary_users || to_jsonb(ARRAY[$2]::text[])
				END
			WHERE reservation_id = $1`,
			id, username)
		if err != nil {
			return fmt.Errorf("adding secondary user to reservation %s, %w", id, err)
		}
		return nil
	})
}

// ExtendReservation moves expires_at forward and clears warning flags whose
// windows no longer apply, all in one statement.
func (c *Client) ExtendReservation(ctx context.Context, id string, expiresAt time.Time) error {
	return c.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE reservations SET
				expires_at = $2,
				warned_30min = CASE WHEN $2 - now() > interval '30 minutes' THEN false ELSE warned_30min END,
				warned_15min = CASE WHEN $2 - now() > interval '15 minutes' THEN false ELSE warned_15min END,
				warned_5min = CASE WHEN $2 - now() > interval '5 minutes' THEN false ELSE warned_5min END
			WHERE reservation_id = $1 AND status = 'active'`,
			id, expiresAt)
		if err != nil {
			return fmt.Errorf("extending reservation %s, %w", id, err)
		}
		if tag.RowsAffected() == 0 {
			return errors.Conflictf("not_active", "reservation %s is not active", id)
		}
		return nil
	})
}

func (c *Client) SetWarningSent(ctx context.Context, id string, minutes int) error {
	column := map[int]string{30: "warned_30min", 15: "warned_15min", 5: "warned_5min"}[minutes]
	if column == "" {
		return fmt.Errorf("no warning window at %d minutes", minutes)
	}
	return c.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, fmt.Sprintf("UPDATE reservations SET %s = true WHERE reservation_id = $1", column), id); err != nil {
			return fmt.Errorf("marking %d minute warning sent for reservation %s, %w", minutes, id, err)
		}
		return nil
	})
}

func (c *Client) ListReservationsByStatus(ctx context.Context, statuses ...v1.Status) ([]*v1.Reservation, error) {
	return c.listReservations(ctx,
		fmt.Sprintf("SELECT %s FROM reservations WHERE status = ANY($1) ORDER BY created_at", reservationColumns),
		lo.Map(statuses, func(s v1.Status, _ int) string { return string(s) }))
}

func (c *Client) ListReservationGroup(ctx context.Context, masterID string) ([]*v1.Reservation, error) {
	return c.listReservations(ctx,
		fmt.Sprintf("SELECT %s FROM reservations WHERE master_reservation_id = $1 ORDER BY node_index", reservationColumns),
		masterID)
}

func (c *Client) ListStaleReservations(ctx context.Context, olderThan time.Time) ([]*v1.Reservation, error) {
	return c.listReservations(ctx,
		fmt.Sprintf("SELECT %s FROM reservations WHERE status IN ('queued', 'pending') AND created_at < $1", reservationColumns),
		olderThan)
}

func (c *Client) listReservations(ctx context.Context, query string, args ...any) ([]*v1.Reservation, error) {
	var out []*v1.Reservation
	err := c.WithReadOnly(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("listing reservations, %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			r, err := scanReservation(rows)
			if err != nil {
				return fmt.Errorf("scanning reservation, %w", err)
			}
			out = append(out, r)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
