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

package fake

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pelletier/go-toml/v2"
	"github.com/samber/lo"
	"k8s.io/utils/clock"

	v1 "github.com/gpudev/orchestrator/pkg/apis/v1"
	"github.com/gpudev/orchestrator/pkg/errors"
	"github.com/gpudev/orchestrator/pkg/store"
)

// Store is an in-memory persistence layer that keeps the production guards:
// terminal statuses are sinks, disk claims are exclusive, counters clamp at
// zero. Tests seed and inspect the exported maps directly.
type Store struct {
	mu sync.Mutex

	Reservations map[string]*v1.Reservation
	Disks        map[string]*v1.Disk
	GPUTypes     map[string]*v1.GPUType
	Domains      map[string]*v1.DomainMapping
	AuditEvents  []*v1.AuditEvent
	TokenUsage   []*v1.TokenUsage
	APIKeys      map[string]*v1.APIKey

	// Clock only drives timestamps written by the store itself.
	Clock clock.Clock

	nextErrors sync.Map // operation name -> error, consumed on next call
	heldLocks  map[int64]bool
}

func NewStore() *Store {
	s := &Store{}
	s.Reset()
	return s
}

// Reset must be called between tests otherwise tests will pollute
// each other.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Reservations = map[string]*v1.Reservation{}
	s.Disks = map[string]*v1.Disk{}
	s.GPUTypes = map[string]*v1.GPUType{}
	s.Domains = map[string]*v1.DomainMapping{}
	s.AuditEvents = nil
	s.TokenUsage = nil
	s.APIKeys = map[string]*v1.APIKey{}
	s.heldLocks = map[int64]bool{}
	s.nextErrors.Clear()
}

// FailNext makes the next call to the named operation return err.
func (s *Store) FailNext(op string, err error) {
	s.nextErrors.Store(op, err)
}

func (s *Store) nextError(op string) error {
	if raw, ok := s.nextErrors.LoadAndDelete(op); ok {
		return raw.(error)
	}
	return nil
}

func (s *Store) now() time.Time {
	if s.Clock != nil {
		return s.Clock.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *Store) CreateReservation(_ context.Context, r *v1.Reservation) error {
	if err := s.nextError("CreateReservation"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertReservation(r)
}

func (s *Store) CreateReservationGroup(_ context.Context, group []*v1.Reservation) error {
	if err := s.nextError("CreateReservationGroup"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range group {
		if _, ok := s.Reservations[r.ReservationID]; ok {
			return fmt.Errorf("inserting reservation %s, duplicate key", r.ReservationID)
		}
	}
	for _, r := range group {
		if err := s.insertReservation(r); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) insertReservation(r *v1.Reservation) error {
	if _, ok := s.Reservations[r.ReservationID]; ok {
		return fmt.Errorf("inserting reservation %s, duplicate key", r.ReservationID)
	}
	cp := clone(r)
	if cp.Status == "" {
		cp.Status = v1.StatusQueued
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now()
	}
	s.Reservations[cp.ReservationID] = cp
	return nil
}

func (s *Store) GetReservation(_ context.Context, id string) (*v1.Reservation, error) {
	if err := s.nextError("GetReservation"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.Reservations[id]
	if !ok {
		return nil, errors.Newf(errors.KindValidation, "not_found", "reservation %s not found", id)
	}
	return clone(r), nil
}

func (s *Store) UpdateReservationStatus(_ context.Context, id string, u store.StatusUpdate) error {
	if err := s.nextError("UpdateReservationStatus"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.Reservations[id]
	if !ok {
		return errors.Newf(errors.KindValidation, "not_found", "reservation %s not found", id)
	}
	allowed := !r.Status.IsTerminal()
	if len(u.From) > 0 {
		allowed = lo.Contains(u.From, r.Status)
	}
	if !allowed {
		if r.Status == u.Status {
			return nil
		}
		return errors.Conflictf("illegal_transition", "reservation %s is %s, cannot transition to %s", id, r.Status, u.Status)
	}
	now := s.now()
	r.Status = u.Status
	r.DetailedStatus = u.DetailedStatus
	if u.FailureReason != "" {
		r.FailureReason = u.FailureReason
	}
	r.StatusHistory = append(r.StatusHistory, v1.StatusEntry{
		Status:        u.Status,
		Timestamp:     now,
		Message:       u.Message,
		FailureReason: u.FailureReason,
	})
	if u.SetLaunched {
		r.LaunchedAt = lo.ToPtr(now)
		r.ExpiresAt = lo.ToPtr(now.Add(r.Duration()))
	}
	return nil
}

func (s *Store) SetReservationPlacement(_ context.Context, id string, p store.Placement) error {
	if err := s.nextError("SetReservationPlacement"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.Reservations[id]
	if !ok {
		return nil
	}
	r.PodName = p.PodName
	r.Namespace = p.Namespace
	r.NodeIP = p.NodeIP
	r.NodePort = p.NodePort
	r.SSHCommand = p.SSHCommand
	r.VolumeID = p.VolumeID
	r.InstanceType = p.InstanceType
	return nil
}

func (s *Store) SetReservationNotebook(_ context.Context, id string, n store.Notebook) error {
	if err := s.nextError("SetReservationNotebook"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.Reservations[id]
	if !ok {
		return nil
	}
	r.NotebookEnabled = n.Enabled
	r.NotebookURL = n.URL
	r.NotebookPort = n.Port
	r.NotebookToken = n.Token
	r.NotebookError = n.Error
	return nil
}

func (s *Store) AddSecondaryUser(_ context.Context, id string, username string) error {
	if err := s.nextError("AddSecondaryUser"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.Reservations[id]
	if !ok {
		return nil
	}
	if !lo.Contains(r.SecondaryUsers, username) {
		r.SecondaryUsers = append(r.SecondaryUsers, username)
	}
	return nil
}

func (s *Store) ExtendReservation(_ context.Context, id string, expiresAt time.Time) error {
	if err := s.nextError("ExtendReservation"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.Reservations[id]
	if !ok || r.Status != v1.StatusActive {
		return errors.Conflictf("not_active", "reservation %s is not active", id)
	}
	now := s.now()
	r.ExpiresAt = lo.ToPtr(expiresAt)
	if expiresAt.Sub(now) > 30*time.Minute {
		r.WarnedThirtyMin = false
	}
	if expiresAt.Sub(now) > 15*time.Minute {
		r.WarnedFifteenMin = false
	}
	if expiresAt.Sub(now) > 5*time.Minute {
		r.WarnedFiveMin = false
	}
	return nil
}

func (s *Store) SetWarningSent(_ context.Context, id string, minutes int) error {
	if err := s.nextError("SetWarningSent"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.Reservations[id]
	if !ok {
		return nil
	}
	switch minutes {
	case 30:
		r.WarnedThirtyMin = true
	case 15:
		r.WarnedFifteenMin = true
	case 5:
		r.WarnedFiveMin = true
	default:
		return fmt.Errorf("no warning window at %d minutes", minutes)
	}
	return nil
}

func (s *Store) ListReservationsByStatus(_ context.Context, statuses ...v1.Status) ([]*v1.Reservation, error) {
	if err := s.nextError("ListReservationsByStatus"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.listReservations(func(r *v1.Reservation) bool { return lo.Contains(statuses, r.Status) })
	slices.SortFunc(out, func(a, b *v1.Reservation) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

func (s *Store) ListReservationGroup(_ context.Context, masterID string) ([]*v1.Reservation, error) {
	if err := s.nextError("ListReservationGroup"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.listReservations(func(r *v1.Reservation) bool { return r.MasterReservationID == masterID })
	slices.SortFunc(out, func(a, b *v1.Reservation) int { return a.NodeIndex - b.NodeIndex })
	return out, nil
}

func (s *Store) ListStaleReservations(_ context.Context, olderThan time.Time) ([]*v1.Reservation, error) {
	if err := s.nextError("ListStaleReservations"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listReservations(func(r *v1.Reservation) bool {
		return (r.Status == v1.StatusQueued || r.Status == v1.StatusPending) && r.CreatedAt.Before(olderThan)
	}), nil
}

func (s *Store) listReservations(match func(*v1.Reservation) bool) []*v1.Reservation {
	var out []*v1.Reservation
	for _, r := range s.Reservations {
		if match(r) {
			out = append(out, clone(r))
		}
	}
	return out
}

func (s *Store) CreateDisk(_ context.Context, d *v1.Disk) error {
	if err := s.nextError("CreateDisk"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.findDisk(d.UserID, d.DiskName, false) != nil {
		return errors.Conflictf("disk_exists", "disk %q already exists for user %s", d.DiskName, d.UserID)
	}
	cp := clone(d)
	if cp.DiskID == "" {
		cp.DiskID = uuid.NewString()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now()
	}
	s.Disks[cp.DiskID] = cp
	return nil
}

// findDisk matches by owner and name; requireLive additionally skips
// soft-deleted rows, mirroring queries that filter on NOT is_deleted.
func (s *Store) findDisk(userID, diskName string, requireLive bool) *v1.Disk {
	for _, d := range s.Disks {
		if d.UserID == userID && d.DiskName == diskName && (!requireLive || !d.IsDeleted) {
			return d
		}
	}
	return nil
}

func (s *Store) GetDisk(_ context.Context, userID, diskName string) (*v1.Disk, error) {
	if err := s.nextError("GetDisk"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.findDisk(userID, diskName, true)
	if d == nil {
		return nil, errors.Newf(errors.KindValidation, "not_found", "disk not found")
	}
	return clone(d), nil
}

func (s *Store) GetDiskByID(_ context.Context, diskID string) (*v1.Disk, error) {
	if err := s.nextError("GetDiskByID"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.Disks[diskID]
	if !ok {
		return nil, errors.Newf(errors.KindValidation, "not_found", "disk not found")
	}
	return clone(d), nil
}

func (s *Store) ListDisks(_ context.Context, userID string) ([]*v1.Disk, error) {
	if err := s.nextError("ListDisks"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*v1.Disk
	for _, d := range s.Disks {
		if d.UserID == userID && !d.IsDeleted {
			out = append(out, clone(d))
		}
	}
	slices.SortFunc(out, func(a, b *v1.Disk) int { return strings.Compare(a.DiskName, b.DiskName) })
	return out, nil
}

func (s *Store) ListAllDisks(_ context.Context) ([]*v1.Disk, error) {
	if err := s.nextError("ListAllDisks"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*v1.Disk
	for _, d := range s.Disks {
		out = append(out, clone(d))
	}
	slices.SortFunc(out, func(a, b *v1.Disk) int {
		if c := strings.Compare(a.UserID, b.UserID); c != 0 {
			return c
		}
		return strings.Compare(a.DiskName, b.DiskName)
	})
	return out, nil
}

func (s *Store) ClaimDisk(_ context.Context, diskID, reservationID string) error {
	if err := s.nextError("ClaimDisk"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.Disks[diskID]
	if !ok || d.InUse || d.IsDeleted {
		return errors.Conflictf("disk_in_use", "disk %s is attached to another reservation or deleted", diskID)
	}
	d.InUse = true
	d.AttachedToReservation = reservationID
	d.LastUsed = lo.ToPtr(s.now())
	return nil
}

func (s *Store) ReleaseDiskByReservation(_ context.Context, reservationID string) error {
	if err := s.nextError("ReleaseDiskByReservation"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.Disks {
		if d.AttachedToReservation == reservationID {
			d.InUse = false
			d.AttachedToReservation = ""
			d.LastUsed = lo.ToPtr(s.now())
		}
	}
	return nil
}

func (s *Store) SetDiskVolume(_ context.Context, diskID, volumeID string) error {
	if err := s.nextError("SetDiskVolume"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.Disks[diskID]; ok {
		d.ProviderVolumeID = volumeID
	}
	return nil
}

func (s *Store) SoftDeleteDisk(_ context.Context, userID, diskName string, deleteDate time.Time) error {
	if err := s.nextError("SoftDeleteDisk"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.findDisk(userID, diskName, true)
	if d == nil || d.InUse {
		return errors.Conflictf("disk_in_use", "disk %q is attached or already deleted", diskName)
	}
	d.IsDeleted = true
	d.DeleteDate = lo.ToPtr(deleteDate)
	return nil
}

func (s *Store) RenameDisk(ctx context.Context, userID, oldName, newName string, preCommit func(ctx context.Context) error) error {
	if err := s.nextError("RenameDisk"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.findDisk(userID, oldName, true)
	if d == nil || d.InUse {
		return errors.Conflictf("disk_in_use", "disk %q is attached or deleted", oldName)
	}
	if s.findDisk(userID, newName, false) != nil {
		return errors.Conflictf("disk_exists", "disk %q already exists for user %s", newName, userID)
	}
	d.DiskName = newName
	if preCommit != nil {
		if err := preCommit(ctx); err != nil {
			d.DiskName = oldName
			return err
		}
	}
	return nil
}

func (s *Store) BeginDiskSnapshot(_ context.Context, diskID string) error {
	if err := s.nextError("BeginDiskSnapshot"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.Disks[diskID]; ok {
		d.IsBackingUp = true
		d.PendingSnapshotCount++
	}
	return nil
}

func (s *Store) CompleteDiskSnapshot(_ context.Context, diskID string, comp store.SnapshotCompletion) error {
	if err := s.nextError("CompleteDiskSnapshot"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.Disks[diskID]
	if !ok {
		return nil
	}
	d.SnapshotCount++
	if d.PendingSnapshotCount-1 <= 0 {
		d.IsBackingUp = false
	}
	d.PendingSnapshotCount = max(d.PendingSnapshotCount-1, 0)
	now := s.now()
	d.LastSnapshotAt = lo.ToPtr(now)
	d.LastUsed = lo.ToPtr(now)
	if comp.ContentURI != "" {
		d.LatestSnapshotContentS3 = comp.ContentURI
	}
	if comp.DiskSize != "" {
		d.DiskSize = comp.DiskSize
	}
	if comp.SizeGB > 0 {
		d.SizeGB = comp.SizeGB
	}
	return nil
}

func (s *Store) SyncDiskFromCloud(_ context.Context, src store.DiskSync) error {
	if err := s.nextError("SyncDiskFromCloud"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if d := s.findDisk(src.UserID, src.DiskName, false); d != nil {
		d.ProviderVolumeID = src.ProviderVolumeID
		d.SizeGB = src.SizeGB
		d.IsDeleted = false
		d.DeleteDate = nil
		d.LastSyncedAt = lo.ToPtr(s.now())
		return nil
	}
	s.Disks[src.DiskID] = &v1.Disk{
		DiskID:           src.DiskID,
		UserID:           src.UserID,
		DiskName:         src.DiskName,
		SizeGB:           src.SizeGB,
		ProviderVolumeID: src.ProviderVolumeID,
		CreatedAt:        src.CreatedAt,
		LastSyncedAt:     lo.ToPtr(s.now()),
	}
	return nil
}

func (s *Store) SyncDiskSnapshotCounters(_ context.Context, diskID string, counters store.SnapshotCounters) error {
	if err := s.nextError("SyncDiskSnapshotCounters"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.Disks[diskID]
	if !ok {
		return nil
	}
	d.SnapshotCount = counters.Completed
	d.PendingSnapshotCount = counters.Pending
	d.IsBackingUp = counters.Pending > 0
	if counters.LastCompleted != nil {
		d.LastSnapshotAt = counters.LastCompleted
	}
	d.LastSyncedAt = lo.ToPtr(s.now())
	return nil
}

func (s *Store) MarkDiskOrphaned(_ context.Context, diskID string) error {
	if err := s.nextError("MarkDiskOrphaned"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.Disks[diskID]; ok {
		d.ProviderVolumeID = ""
		d.InUse = false
		d.LastSyncedAt = lo.ToPtr(s.now())
	}
	return nil
}

func (s *Store) GetGPUType(_ context.Context, name string) (*v1.GPUType, error) {
	if err := s.nextError("GetGPUType"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.GPUTypes[name]
	if !ok {
		return nil, errors.Validationf("unknown_gpu_type", "gpu type %q is not configured", name)
	}
	return clone(g), nil
}

func (s *Store) ListGPUTypes(_ context.Context, activeOnly bool) ([]*v1.GPUType, error) {
	if err := s.nextError("ListGPUTypes"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*v1.GPUType
	for _, g := range s.GPUTypes {
		if !activeOnly || g.IsActive {
			out = append(out, clone(g))
		}
	}
	slices.SortFunc(out, func(a, b *v1.GPUType) int { return strings.Compare(a.Name, b.Name) })
	return out, nil
}

func (s *Store) UpdateGPUTypeAvailability(_ context.Context, name string, a store.Availability) error {
	if err := s.nextError("UpdateGPUTypeAvailability"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.GPUTypes[name]
	if !ok {
		return nil
	}
	g.TotalClusterGPUs = a.TotalClusterGPUs
	g.AvailableGPUs = a.AvailableGPUs
	g.MaxReservable = a.MaxReservable
	g.FullNodesAvailable = a.FullNodesAvailable
	g.RunningInstances = a.RunningInstances
	g.DesiredCapacity = a.DesiredCapacity
	g.LastAvailabilityUpdate = lo.ToPtr(s.now())
	g.LastAvailabilityUpdatedBy = a.UpdatedBy
	return nil
}

func (s *Store) SeedGPUTypes(_ context.Context, tomlData []byte) error {
	if err := s.nextError("SeedGPUTypes"); err != nil {
		return err
	}
	var seed struct {
		GPUTypes []struct {
			Name              string `toml:"name"`
			InstanceType      string `toml:"instance_type"`
			MaxGPUs           int    `toml:"max_gpus"`
			CPUs              int    `toml:"cpus"`
			MemoryGB          int    `toml:"memory_gb"`
			MaxPerNode        int    `toml:"max_per_node"`
			Description       string `toml:"description"`
			IsActive          bool   `toml:"is_active"`
			SupportsMultinode *bool  `toml:"supports_multinode"`
		} `toml:"gpu_types"`
	}
	if err := toml.Unmarshal(tomlData, &seed); err != nil {
		return fmt.Errorf("parsing gpu type seed, %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range seed.GPUTypes {
		if e.Name == "" || e.InstanceType == "" {
			return errors.Validationf("invalid_seed", "gpu type seed entry missing name or instance_type")
		}
		g, ok := s.GPUTypes[e.Name]
		if !ok {
			g = &v1.GPUType{Name: e.Name}
			s.GPUTypes[e.Name] = g
		}
		g.InstanceType = e.InstanceType
		g.MaxGPUs = e.MaxGPUs
		g.CPUs = e.CPUs
		g.MemoryGB = e.MemoryGB
		g.MaxPerNode = e.MaxPerNode
		g.Description = e.Description
		g.IsActive = e.IsActive
		g.SupportsMultinode = e.SupportsMultinode
	}
	return nil
}

func (s *Store) UpsertDomainMapping(_ context.Context, m *v1.DomainMapping) error {
	if err := s.nextError("UpsertDomainMapping"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Domains[m.Subdomain] = clone(m)
	return nil
}

func (s *Store) DeleteDomainMappingsByReservation(_ context.Context, reservationID string) error {
	if err := s.nextError("DeleteDomainMappingsByReservation"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for subdomain, m := range s.Domains {
		if m.ReservationID == reservationID {
			delete(s.Domains, subdomain)
		}
	}
	return nil
}

func (s *Store) GetDomainMapping(_ context.Context, subdomain string) (*v1.DomainMapping, error) {
	if err := s.nextError("GetDomainMapping"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.Domains[subdomain]
	if !ok {
		return nil, errors.Newf(errors.KindValidation, "not_found", "no mapping for subdomain %q", subdomain)
	}
	return clone(m), nil
}

func (s *Store) RecordAuditEvent(_ context.Context, e *v1.AuditEvent) error {
	if err := s.nextError("RecordAuditEvent"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := clone(e)
	if cp.EventID == "" {
		cp.EventID = uuid.NewString()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now()
	}
	s.AuditEvents = append(s.AuditEvents, cp)
	return nil
}

func (s *Store) RecordTokenUsage(_ context.Context, u *v1.TokenUsage) error {
	if err := s.nextError("RecordTokenUsage"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := clone(u)
	if cp.UsageID == "" {
		cp.UsageID = uuid.NewString()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now()
	}
	s.TokenUsage = append(s.TokenUsage, cp)
	return nil
}

func (s *Store) InsertAPIKey(_ context.Context, k *v1.APIKey) error {
	if err := s.nextError("InsertAPIKey"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := clone(k)
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now()
	}
	s.APIKeys[cp.KeyID] = cp
	return nil
}

func (s *Store) GetAPIKeyByHash(_ context.Context, keyHash string) (*v1.APIKey, error) {
	if err := s.nextError("GetAPIKeyByHash"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.APIKeys {
		if k.KeyHash == keyHash && !k.Revoked && k.ExpiresAt.After(s.now()) {
			return clone(k), nil
		}
	}
	return nil, errors.Newf(errors.KindAuthz, "invalid_api_key", "api key is unknown, expired, or revoked")
}

func (s *Store) TouchAPIKey(_ context.Context, keyID string) error {
	if err := s.nextError("TouchAPIKey"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if k, ok := s.APIKeys[keyID]; ok {
		k.LastUsedAt = lo.ToPtr(s.now())
	}
	return nil
}

func (s *Store) RevokeAPIKey(_ context.Context, keyID string) error {
	if err := s.nextError("RevokeAPIKey"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if k, ok := s.APIKeys[keyID]; ok {
		k.Revoked = true
	}
	return nil
}

func (s *Store) PurgeExpiredAPIKeys(_ context.Context, now time.Time) (int64, error) {
	if err := s.nextError("PurgeExpiredAPIKeys"); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var purged int64
	for id, k := range s.APIKeys {
		if k.ExpiresAt.Before(now) {
			delete(s.APIKeys, id)
			purged++
		}
	}
	return purged, nil
}

func (s *Store) TryAdvisoryLock(_ context.Context, key int64) (store.UnlockFunc, bool, error) {
	if err := s.nextError("TryAdvisoryLock"); err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.heldLocks[key] {
		return nil, false, nil
	}
	s.heldLocks[key] = true
	unlock := func(context.Context) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.heldLocks, key)
		return nil
	}
	return unlock, true, nil
}

var (
	_ store.ReservationStore = (*Store)(nil)
	_ store.DiskStore        = (*Store)(nil)
	_ store.GPUTypeStore     = (*Store)(nil)
	_ store.DomainStore      = (*Store)(nil)
	_ store.AuditStore       = (*Store)(nil)
	_ store.TokenUsageStore  = (*Store)(nil)
	_ store.APIKeyStore      = (*Store)(nil)
	_ store.AdvisoryLocker   = (*Store)(nil)
)
