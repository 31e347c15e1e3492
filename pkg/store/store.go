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
	_ "embed"
	stderrors "errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	v1 "github.com/gpudev/orchestrator/pkg/apis/v1"
)

//go:embed schema.sql
var schema string

// acquireTimeout bounds pool acquisition; callers treat the timeout as a
// retryable error.
const acquireTimeout = 30 * time.Second

// UnlockFunc releases an advisory lock and returns its connection to the pool.
type UnlockFunc func(ctx context.Context) error

// ReservationStore is the reservation slice of the persistence layer.
type ReservationStore interface {
	CreateReservation(ctx context.Context, r *v1.Reservation) error
	GetReservation(ctx context.Context, id string) (*v1.Reservation, error)
	UpdateReservationStatus(ctx context.Context, id string, u StatusUpdate) error
	SetReservationPlacement(ctx context.Context, id string, p Placement) error
	SetReservationNotebook(ctx context.Context, id string, n Notebook) error
	AddSecondaryUser(ctx context.Context, id string, username string) error
	ExtendReservation(ctx context.Context, id string, expiresAt time.Time) error
	SetWarningSent(ctx context.Context, id string, minutes int) error
	ListReservationsByStatus(ctx context.Context, statuses ...v1.Status) ([]*v1.Reservation, error)
	ListReservationGroup(ctx context.Context, masterID string) ([]*v1.Reservation, error)
	ListStaleReservations(ctx context.Context, olderThan time.Time) ([]*v1.Reservation, error)
	CreateReservationGroup(ctx context.Context, group []*v1.Reservation) error
}

// DiskStore is the disk slice of the persistence layer.
type DiskStore interface {
	CreateDisk(ctx context.Context, d *v1.Disk) error
	GetDisk(ctx context.Context, userID, diskName string) (*v1.Disk, error)
	GetDiskByID(ctx context.Context, diskID string) (*v1.Disk, error)
	ListDisks(ctx context.Context, userID string) ([]*v1.Disk, error)
	ListAllDisks(ctx context.Context) ([]*v1.Disk, error)
	ClaimDisk(ctx context.Context, diskID, reservationID string) error
	ReleaseDiskByReservation(ctx context.Context, reservationID string) error
	SetDiskVolume(ctx context.Context, diskID, volumeID string) error
	SoftDeleteDisk(ctx context.Context, userID, diskName string, deleteDate time.Time) error
	RenameDisk(ctx context.Context, userID, oldName, newName string, preCommit func(ctx context.Context) error) error
	BeginDiskSnapshot(ctx context.Context, diskID string) error
	CompleteDiskSnapshot(ctx context.Context, diskID string, c SnapshotCompletion) error
	SyncDiskFromCloud(ctx context.Context, s DiskSync) error
	SyncDiskSnapshotCounters(ctx context.Context, diskID string, counters SnapshotCounters) error
	MarkDiskOrphaned(ctx context.Context, diskID string) error
}

// GPUTypeStore is the gpu-type slice of the persistence layer.
type GPUTypeStore interface {
	GetGPUType(ctx context.Context, name string) (*v1.GPUType, error)
	ListGPUTypes(ctx context.Context, activeOnly bool) ([]*v1.GPUType, error)
	UpdateGPUTypeAvailability(ctx context.Context, name string, a Availability) error
	SeedGPUTypes(ctx context.Context, tomlData []byte) error
}

// DomainStore maps subdomains to reservation endpoints for the gateway.
type DomainStore interface {
	UpsertDomainMapping(ctx context.Context, m *v1.DomainMapping) error
	DeleteDomainMappingsByReservation(ctx context.Context, reservationID string) error
	GetDomainMapping(ctx context.Context, subdomain string) (*v1.DomainMapping, error)
}

// AuditStore records append-only audit events.
type AuditStore interface {
	RecordAuditEvent(ctx context.Context, e *v1.AuditEvent) error
}

// TokenUsageStore records append-only token accounting entries.
type TokenUsageStore interface {
	RecordTokenUsage(ctx context.Context, u *v1.TokenUsage) error
}

// APIKeyStore manages short-lived api key rows for the external API surface.
type APIKeyStore interface {
	InsertAPIKey(ctx context.Context, k *v1.APIKey) error
	GetAPIKeyByHash(ctx context.Context, keyHash string) (*v1.APIKey, error)
	TouchAPIKey(ctx context.Context, keyID string) error
	RevokeAPIKey(ctx context.Context, keyID string) error
	PurgeExpiredAPIKeys(ctx context.Context, now time.Time) (int64, error)
}

// AdvisoryLocker exposes session advisory locks for single-run exclusion.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (UnlockFunc, bool, error)
}

// Client implements every store interface over a single pgx pool. Each public
// operation runs inside an implicit transaction; errors roll back.
type Client struct {
	pool *pgxpool.Pool
}

func New(ctx context.Context, databaseURL string, maxConns int32) (*Client, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing database url, %w", err)
	}
	cfg.MaxConns = maxConns
	cfg.MinConns = 1
	cfg.HealthCheckPeriod = 30 * time.Second
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool, %w", err)
	}
	return &Client{pool: pool}, nil
}

func (c *Client) Close() {
	c.pool.Close()
}

// Pool exposes the underlying pool for the queue client, which shares it.
func (c *Client) Pool() *pgxpool.Pool {
	return c.pool
}

// Migrate applies the embedded schema idempotently and ensures the named
// durable queue exists.
func (c *Client) Migrate(ctx context.Context, queueName string) error {
	if _, err := c.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("applying schema, %w", err)
	}
	if _, err := c.pool.Exec(ctx, "SELECT pgmq.create($1)", queueName); err != nil {
		return fmt.Errorf("creating queue %q, %w", queueName, err)
	}
	return nil
}

func (c *Client) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	return c.beginTx(ctx, pgx.TxOptions{}, fn)
}

// WithReadOnly runs fn inside a read-only transaction.
func (c *Client) WithReadOnly(ctx context.Context, fn func(tx pgx.Tx) error) error {
	return c.beginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly}, fn)
}

func (c *Client) beginTx(ctx context.Context, opts pgx.TxOptions, fn func(tx pgx.Tx) error) error {
	acquireCtx, cancel := context.WithTimeout(ctx, acquireTimeout)
	conn, err := c.pool.Acquire(acquireCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("acquiring connection, %w", err)
	}
	defer conn.Release()
	tx, err := conn.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("beginning transaction, %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction, %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return stderrors.As(err, &pgErr) && pgErr.Code == "23505"
}

// LockKey hashes a lock name into an advisory lock key.
func LockKey(name string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return int64(h.Sum64())
}

// TryAdvisoryLock takes a session advisory lock, pinning a pool connection
// until unlock. ok is false when another session holds the lock.
func (c *Client) TryAdvisoryLock(ctx context.Context, key int64) (UnlockFunc, bool, error) {
	acquireCtx, cancel := context.WithTimeout(ctx, acquireTimeout)
	conn, err := c.pool.Acquire(acquireCtx)
	cancel()
	if err != nil {
		return nil, false, fmt.Errorf("acquiring connection for advisory lock, %w", err)
	}
	var locked bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", key).Scan(&locked); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("taking advisory lock, %w", err)
	}
	if !locked {
		conn.Release()
		return nil, false, nil
	}
	unlock := func(ctx context.Context) error {
		defer conn.Release()
		if _, err := conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", key); err != nil {
			return fmt.Errorf("releasing advisory lock, %w", err)
		}
		return nil
	}
	return unlock, true, nil
}
