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
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	v1 "github.com/gpudev/orchestrator/pkg/apis/v1"
	"github.com/gpudev/orchestrator/pkg/errors"
)

// SnapshotCompletion finalizes one snapshot in a single statement. The pending
// counter is clamped at zero so duplicate completions cannot drive it negative.
type SnapshotCompletion struct {
	ContentURI string
	// DiskSize is the measured usage, e.g. "12G"; empty leaves the column alone.
	DiskSize string
	// SizeGB resizes the logical disk when the snapshot observed growth; zero
	// leaves the column alone.
	SizeGB int
}

// DiskSync reconciles one row against provider truth. Identity columns come
// from tags on the cloud volume; attachment state is deliberately absent so a
// sync can never detach a disk the reservation flow attached.
type DiskSync struct {
	DiskID           string
	UserID           string
	DiskName         string
	ProviderVolumeID string
	SizeGB           int
	CreatedAt        time.Time
}

// SnapshotCounters is the cloud-derived snapshot bookkeeping of one disk.
// LastCompleted nil leaves last_snapshot_at alone.
type SnapshotCounters struct {
	Completed     int
	Pending       int
	LastCompleted *time.Time
}

const diskColumns = `disk_id, user_id, disk_name, size_gb,
	COALESCE(provider_volume_id, ''), COALESCE(disk_size, ''), COALESCE(latest_snapshot_content_s3, ''),
	created_at, last_used, last_synced_at, in_use, COALESCE(attached_to_reservation::text, ''), is_backing_up,
	is_deleted, delete_date, COALESCE(operation_id, ''), COALESCE(operation_status, ''), COALESCE(operation_error, ''),
	snapshot_count, pending_snapshot_count, last_snapshot_at`

func scanDisk(row pgx.Row) (*v1.Disk, error) {
	d := &v1.Disk{}
	if err := row.Scan(
		&d.DiskID, &d.UserID, &d.DiskName, &d.SizeGB,
		&d.ProviderVolumeID, &d.DiskSize, &d.LatestSnapshotContentS3,
		&d.CreatedAt, &d.LastUsed, &d.LastSyncedAt, &d.InUse, &d.AttachedToReservation, &d.IsBackingUp,
		&d.IsDeleted, &d.DeleteDate, &d.OperationID, &d.OperationStatus, &d.OperationError,
		&d.SnapshotCount, &d.PendingSnapshotCount, &d.LastSnapshotAt,
	); err != nil {
		return nil, err
	}
	return d, nil
}

func (c *Client) CreateDisk(ctx context.Context, d *v1.Disk) error {
	return c.withTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO disks (disk_id, user_id, disk_name, size_gb, provider_volume_id)
			VALUES ($1, $2, $3, $4, NULLIF($5, ''))`,
			d.DiskID, d.UserID, d.DiskName, d.SizeGB, d.ProviderVolumeID)
		if err != nil {
			if isUniqueViolation(err) {
				return errors.Conflictf("disk_exists", "disk %q already exists for user %s", d.DiskName, d.UserID)
			}
			return fmt.Errorf("inserting disk %s/%s, %w", d.UserID, d.DiskName, err)
		}
		return nil
	})
}

func (c *Client) GetDisk(ctx context.Context, userID, diskName string) (*v1.Disk, error) {
	return c.getDisk(ctx,
		fmt.Sprintf("SELECT %s FROM disks WHERE user_id = $1 AND disk_name = $2 AND NOT is_deleted", diskColumns),
		userID, diskName)
}

func (c *Client) GetDiskByID(ctx context.Context, diskID string) (*v1.Disk, error) {
	return c.getDisk(ctx, fmt.Sprintf("SELECT %s FROM disks WHERE disk_id = $1", diskColumns), diskID)
}

func (c *Client) getDisk(ctx context.Context, query string, args ...any) (*v1.Disk, error) {
	var d *v1.Disk
	err := c.WithReadOnly(ctx, func(tx pgx.Tx) error {
		var err error
		d, err = scanDisk(tx.QueryRow(ctx, query, args...))
		if err == pgx.ErrNoRows {
			return errors.Newf(errors.KindValidation, "not_found", "disk not found")
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (c *Client) ListDisks(ctx context.Context, userID string) ([]*v1.Disk, error) {
	return c.listDisks(ctx,
		fmt.Sprintf("SELECT %s FROM disks WHERE user_id = $1 AND NOT is_deleted ORDER BY disk_name", diskColumns),
		userID)
}

func (c *Client) ListAllDisks(ctx context.Context) ([]*v1.Disk, error) {
	return c.listDisks(ctx, fmt.Sprintf("SELECT %s FROM disks ORDER BY user_id, disk_name", diskColumns))
}

func (c *Client) listDisks(ctx context.Context, query string, args ...any) ([]*v1.Disk, error) {
	var out []*v1.Disk
	err := c.WithReadOnly(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("listing disks, %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			d, err := scanDisk(rows)
			if err != nil {
				return fmt.Errorf("scanning disk, %w", err)
			}
			out = append(out, d)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ClaimDisk attaches a disk to a reservation. The WHERE clause is the
// concurrency guard: two racing claims cannot both match in_use = false.
func (c *Client) ClaimDisk(ctx context.Context, diskID, reservationID string) error {
	return c.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE disks SET in_use = true, attached_to_reservation = $2, last_used = now()
			WHERE disk_id = $1 AND in_use = false AND NOT is_deleted`,
			diskID, reservationID)
		if err != nil {
			return fmt.Errorf("claiming disk %s, %w", diskID, err)
		}
		if tag.RowsAffected() == 0 {
			return errors.Conflictf("disk_in_use", "disk %s is attached to another reservation or deleted", diskID)
		}
		return nil
	})
}

// ReleaseDiskByReservation is idempotent: releasing an already-released disk
// matches zero rows and succeeds.
func (c *Client) ReleaseDiskByReservation(ctx context.Context, reservationID string) error {
	return c.withTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			UPDATE disks SET in_use = false, attached_to_reservation = NULL, last_used = now()
			WHERE attached_to_reservation = $1`,
			reservationID)
		if err != nil {
			return fmt.Errorf("releasing disk for reservation %s, %w", reservationID, err)
		}
		return nil
	})
}

func (c *Client) SetDiskVolume(ctx context.Context, diskID, volumeID string) error {
	return c.withTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, "UPDATE disks SET provider_volume_id = $2 WHERE disk_id = $1", diskID, volumeID)
		if err != nil {
			return fmt.Errorf("recording volume for disk %s, %w", diskID, err)
		}
		return nil
	})
}

func (c *Client) SoftDeleteDisk(ctx context.Context, userID, diskName string, deleteDate time.Time) error {
	return c.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE disks SET is_deleted = true, delete_date = $3
			WHERE user_id = $1 AND disk_name = $2 AND in_use = false AND NOT is_deleted`,
			userID, diskName, deleteDate)
		if err != nil {
			return fmt.Errorf("soft deleting disk %s/%s, %w", userID, diskName, err)
		}
		if tag.RowsAffected() == 0 {
			return errors.Conflictf("disk_in_use", "disk %q is attached or already deleted", diskName)
		}
		return nil
	})
}

// RenameDisk updates the row, then runs preCommit (provider tag updates)
// inside the same transaction. A tag failure rolls the rename back so the
// database never diverges from provider tags.
func (c *Client) RenameDisk(ctx context.Context, userID, oldName, newName string, preCommit func(ctx context.Context) error) error {
	return c.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE disks SET disk_name = $3
			WHERE user_id = $1 AND disk_name = $2 AND in_use = false AND NOT is_deleted`,
			userID, oldName, newName)
		if err != nil {
			if isUniqueViolation(err) {
				return errors.Conflictf("disk_exists", "disk %q already exists for user %s", newName, userID)
			}
			return fmt.Errorf("renaming disk %s/%s, %w", userID, oldName, err)
		}
		if tag.RowsAffected() == 0 {
			return errors.Conflictf("disk_in_use", "disk %q is attached or deleted", oldName)
		}
		if preCommit != nil {
			return preCommit(ctx)
		}
		return nil
	})
}

func (c *Client) BeginDiskSnapshot(ctx context.Context, diskID string) error {
	return c.withTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			UPDATE disks SET is_backing_up = true, pending_snapshot_count = pending_snapshot_count + 1
			WHERE disk_id = $1`,
			diskID)
		if err != nil {
			return fmt.Errorf("beginning snapshot for disk %s, %w", diskID, err)
		}
		return nil
	})
}

func (c *Client) CompleteDiskSnapshot(ctx context.Context, diskID string, comp SnapshotCompletion) error {
	return c.withTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			UPDATE disks SET
				snapshot_count = snapshot_count + 1,
				pending_snapshot_count = GREATEST(pending_snapshot_count - 1, 0),
				is_backing_up = CASE WHEN pending_snapshot_count - 1 <= 0 THEN false ELSE is_backing_up END,
				last_snapshot_at = now(),
				last_used = now(),
				latest_snapshot_content_s3 = COALESCE(NULLIF($2, ''), latest_snapshot_content_s3),
				disk_size = COALESCE(NULLIF($3, ''), disk_size),
				size_gb = CASE WHEN $4 > 0 THEN $4 ELSE size_gb END
			WHERE disk_id = $1`,
			diskID, comp.ContentURI, comp.DiskSize, comp.SizeGB)
		if err != nil {
			return fmt.Errorf("completing snapshot for disk %s, %w", diskID, err)
		}
		return nil
	})
}

// SyncDiskFromCloud upserts a row from provider truth. Inserts cover volumes
// that exist in the cloud but not in the database; conflicting rows take the
// provider's identity columns and a fresh last_synced_at.
func (c *Client) SyncDiskFromCloud(ctx context.Context, s DiskSync) error {
	return c.withTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO disks (disk_id, user_id, disk_name, size_gb, provider_volume_id, created_at, last_synced_at)
			VALUES ($1, $2, $3, $4, $5, $6, now())
			ON CONFLICT (user_id, disk_name) DO UPDATE SET
				provider_volume_id = EXCLUDED.provider_volume_id,
				size_gb = EXCLUDED.size_gb,
				is_deleted = false,
				delete_date = NULL,
				last_synced_at = now()`,
			s.DiskID, s.UserID, s.DiskName, s.SizeGB, s.ProviderVolumeID, s.CreatedAt)
		if err != nil {
			return fmt.Errorf("syncing disk %s/%s from cloud, %w", s.UserID, s.DiskName, err)
		}
		return nil
	})
}

// SyncDiskSnapshotCounters rewrites snapshot bookkeeping from the provider's
// snapshot listing. A worker that crashed between snapshot completion and the
// row settle leaves pending_snapshot_count stuck; this resets the columns to
// cloud truth.
func (c *Client) SyncDiskSnapshotCounters(ctx context.Context, diskID string, counters SnapshotCounters) error {
	return c.withTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			UPDATE disks SET
				snapshot_count = $2,
				pending_snapshot_count = $3,
				is_backing_up = $3 > 0,
				last_snapshot_at = COALESCE($4, last_snapshot_at),
				last_synced_at = now()
			WHERE disk_id = $1`,
			diskID, counters.Completed, counters.Pending, counters.LastCompleted)
		if err != nil {
			return fmt.Errorf("syncing snapshot counters of disk %s, %w", diskID, err)
		}
		return nil
	})
}

// MarkDiskOrphaned records that the provider volume backing a row no longer
// exists. The attachment column survives for audit.
func (c *Client) MarkDiskOrphaned(ctx context.Context, diskID string) error {
	return c.withTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			UPDATE disks SET provider_volume_id = NULL, in_use = false, last_synced_at = now()
			WHERE disk_id = $1`,
			diskID)
		if err != nil {
			return fmt.Errorf("marking disk %s orphaned, %w", diskID, err)
		}
		return nil
	})
}
