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

// Package reservation implements the reservation state machine: admission,
// storage allocation, workload launch, user actions, and teardown. Each
// handler is idempotent because the queue redelivers on worker failure.
package reservation

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Masterminds/semver/v3"
	"github.com/samber/lo"
	"k8s.io/utils/clock"
	"sigs.k8s.io/controller-runtime/pkg/log"

	v1 "github.com/gpudev/orchestrator/pkg/apis/v1"
	"github.com/gpudev/orchestrator/pkg/cluster"
	"github.com/gpudev/orchestrator/pkg/errors"
	"github.com/gpudev/orchestrator/pkg/operator/options"
	"github.com/gpudev/orchestrator/pkg/providers/volume"
	"github.com/gpudev/orchestrator/pkg/snapshot"
	"github.com/gpudev/orchestrator/pkg/store"
	"github.com/gpudev/orchestrator/pkg/store/queue"
	"github.com/gpudev/orchestrator/pkg/utils/rand"
)

// Store is the persistence surface the reservation engine uses.
type Store interface {
	store.ReservationStore
	store.DiskStore
	store.GPUTypeStore
	store.DomainStore
	store.AuditStore
}

type Engine struct {
	store     Store
	queue     queue.Queue
	cluster   cluster.Interface
	volumes   volume.Provider
	snapshots *snapshot.Engine
	clock     clock.Clock
}

func NewEngine(s Store, q queue.Queue, cluster cluster.Interface, volumes volume.Provider, snapshots *snapshot.Engine, clk clock.Clock) *Engine {
	return &Engine{
		store:     s,
		queue:     q,
		cluster:   cluster,
		volumes:   volumes,
		snapshots: snapshots,
		clock:     clk,
	}
}

// HandleCreate drives a reservation from its current state to active. Reruns
// after a crash resume at the recorded state; reruns after completion are
// no-ops. Retryable errors are returned for queue redelivery; permanent
// errors sink the reservation to failed before returning.
func (e *Engine) HandleCreate(ctx context.Context, msg *v1.Message) error {
	r, err := e.ensureReservation(ctx, msg)
	if err != nil {
		return err
	}
	ctx = log.IntoContext(ctx, log.FromContext(ctx).WithValues("reservation-id", r.ReservationID, "user-id", r.UserID))
	if r.Status.IsTerminal() || r.Status == v1.StatusCancelling {
		log.FromContext(ctx).V(1).Info("ignoring create for settled reservation", "status", r.Status)
		return nil
	}
	if r.Status == v1.StatusActive {
		return nil
	}
	if err := e.provision(ctx, r); err != nil {
		if errors.IsRetryable(err) {
			e.recordRetry(ctx, r.ReservationID, err)
			return err
		}
		e.fail(ctx, r, err)
		return err
	}
	return nil
}

// HandleCancel settles a cancel message. Cancelling a reservation that is
// already terminal, or that never made it into the store, acks cleanly so
// duplicate deliveries drain.
func (e *Engine) HandleCancel(ctx context.Context, msg *v1.Message) error {
	r, err := e.store.GetReservation(ctx, msg.ReservationID)
	if err != nil {
		if errors.ReasonOf(err) == "not_found" {
			return nil
		}
		return err
	}
	ctx = log.IntoContext(ctx, log.FromContext(ctx).WithValues("reservation-id", r.ReservationID, "user-id", r.UserID))
	if r.Status.IsTerminal() {
		return nil
	}
	return e.Cancel(ctx, r, "cancelled by user")
}

func (e *Engine) provision(ctx context.Context, r *v1.Reservation) error {
	if r.Status == v1.StatusQueued {
		if err := e.admit(ctx, r); err != nil {
			return err
		}
	}
	if r.Status == v1.StatusPending {
		if err := e.allocateStorage(ctx, r); err != nil {
			return err
		}
	}
	return e.launch(ctx, r)
}

// ensureReservation loads the row, creating it from the message when the
// enqueuing side did not. Duplicate creation races resolve by re-reading.
func (e *Engine) ensureReservation(ctx context.Context, msg *v1.Message) (*v1.Reservation, error) {
	r, err := e.store.GetReservation(ctx, msg.ReservationID)
	if err == nil {
		return r, nil
	}
	if errors.ReasonOf(err) != "not_found" {
		return nil, err
	}
	r = &v1.Reservation{
		ReservationID: msg.ReservationID,
		UserID:        msg.UserID,
		GPUType:       msg.GPUType,
		GPUCount:      msg.GPUCount,
		// Zero means the request did not carry a duration; negative values
		// flow through so admission rejects them.
		DurationHours:   lo.Ternary(msg.DurationHours != 0, msg.DurationHours, options.FromContext(ctx).DefaultTimeoutHours),
		Name:            msg.Name,
		DiskName:        msg.DiskName,
		ImageReference:  msg.ImageReference,
		NotebookEnabled: msg.NotebookEnabled,
		Status:          v1.StatusQueued,
		CLIVersion:      msg.CLIVersion,
	}
	if msg.Multinode != nil {
		r.IsMultinode = true
		r.MasterReservationID = msg.Multinode.MasterReservationID
		r.NodeIndex = msg.Multinode.NodeIndex
		r.TotalNodes = msg.Multinode.TotalNodes
	}
	if err := e.store.CreateReservation(ctx, r); err != nil {
		// A concurrent delivery may have won the insert.
		if existing, getErr := e.store.GetReservation(ctx, msg.ReservationID); getErr == nil {
			return existing, nil
		}
		return nil, err
	}
	return r, nil
}

// admit validates the request and moves queued to pending. All rejections
// here are permanent; the capacity check is advisory since availability
// columns are eventually consistent.
func (e *Engine) admit(ctx context.Context, r *v1.Reservation) error {
	opts := options.FromContext(ctx)
	if err := checkCLIVersion(opts.MinCLIVersion, r.CLIVersion); err != nil {
		return err
	}
	if r.DurationHours <= 0 || r.DurationHours > float64(opts.MaxReservationHours) {
		return errors.Validationf("invalid_duration", "duration %.1fh must be in (0, %dh]", r.DurationHours, opts.MaxReservationHours)
	}
	gpuType, err := e.store.GetGPUType(ctx, r.GPUType)
	if err != nil {
		return err
	}
	if !gpuType.IsActive {
		return errors.Validationf("gpu_type_inactive", "gpu type %q is not currently offered", r.GPUType)
	}
	switch {
	case r.IsMultinode:
		if err := validateMultinodeMember(r, gpuType); err != nil {
			return err
		}
	case gpuType.IsCPUOnly():
		if r.GPUCount != 0 {
			return errors.Validationf("invalid_gpu_count", "%s is CPU-only; request 0 GPUs, got %d", gpuType.Name, r.GPUCount)
		}
		if gpuType.AvailableGPUs < 1 {
			return errors.CapacityExhaustedf("no free slots on %s", gpuType.Name)
		}
	default:
		if r.GPUCount < 1 || r.GPUCount > gpuType.MaxPerNode {
			return errors.Validationf("invalid_gpu_count", "gpu count %d must be in [1, %d] for %s", r.GPUCount, gpuType.MaxPerNode, gpuType.Name)
		}
		if gpuType.AvailableGPUs < r.GPUCount {
			return errors.CapacityExhaustedf("%d GPUs requested on %s, %d available", r.GPUCount, gpuType.Name, gpuType.AvailableGPUs)
		}
	}
	if hasDisk(r) {
		if _, err := e.store.GetDisk(ctx, r.UserID, r.DiskName); err != nil {
			if errors.ReasonOf(err) == "not_found" {
				return errors.Validationf("disk_not_found", "disk %q does not exist for user %s", r.DiskName, r.UserID)
			}
			return err
		}
	}
	return e.transition(ctx, r, store.StatusUpdate{
		Status:         v1.StatusPending,
		From:           []v1.Status{v1.StatusQueued},
		DetailedStatus: "validated",
		Message:        fmt.Sprintf("admitted for %d x %s", r.GPUCount, r.GPUType),
	})
}

// allocateStorage claims the disk and materializes its volume, then moves
// pending to preparing. The conditional claim is the per-disk mutex.
func (e *Engine) allocateStorage(ctx context.Context, r *v1.Reservation) error {
	if !hasDisk(r) {
		return e.transition(ctx, r, store.StatusUpdate{
			Status:         v1.StatusPreparing,
			From:           []v1.Status{v1.StatusPending},
			DetailedStatus: "storage_allocated",
			Message:        "no disk requested",
		})
	}
	d, err := e.store.GetDisk(ctx, r.UserID, r.DiskName)
	if err != nil {
		return err
	}
	switch {
	case d.InUse && d.AttachedToReservation == r.ReservationID:
		// claimed by a previous attempt of this same reservation
	case d.InUse:
		return errors.Conflictf("disk_in_use", "disk %q is attached to reservation %s", r.DiskName, d.AttachedToReservation)
	default:
		if err := e.store.ClaimDisk(ctx, d.DiskID, r.ReservationID); err != nil {
			return err
		}
	}
	if d.ProviderVolumeID == "" {
		if err := e.materializeVolume(ctx, r, d); err != nil {
			releaseErr := e.store.ReleaseDiskByReservation(ctx, r.ReservationID)
			if releaseErr != nil {
				log.FromContext(ctx).Error(releaseErr, "releasing disk after volume creation failure", "disk-name", d.DiskName)
			}
			return err
		}
	}
	return e.transition(ctx, r, store.StatusUpdate{
		Status:         v1.StatusPreparing,
		From:           []v1.Status{v1.StatusPending},
		DetailedStatus: "storage_allocated",
		Message:        fmt.Sprintf("disk %s ready", r.DiskName),
	})
}

// materializeVolume creates the disk's first volume, seeded from the newest
// completed snapshot of the same disk name when one exists.
func (e *Engine) materializeVolume(ctx context.Context, r *v1.Reservation, d *v1.Disk) error {
	opts := options.FromContext(ctx)
	var snapshotID string
	latest, err := e.snapshots.LatestCompleted(ctx, r.UserID, r.DiskName)
	if err != nil {
		return err
	}
	if latest != nil {
		snapshotID = latest.ID
	}
	vol, err := e.volumes.Create(ctx, volume.CreateOptions{
		SizeGB:           d.SizeGB,
		AvailabilityZone: opts.PrimaryAvailabilityZone,
		SnapshotID:       snapshotID,
		Tags: map[string]string{
			v1.TagUser:          r.UserID,
			v1.TagDiskName:      r.DiskName,
			v1.TagReservationID: r.ReservationID,
			v1.TagCluster:       opts.ClusterName,
		},
	})
	if err != nil {
		return fmt.Errorf("materializing volume for disk %s, %w", r.DiskName, err)
	}
	if err := e.store.SetDiskVolume(ctx, d.DiskID, vol.ID); err != nil {
		return err
	}
	d.ProviderVolumeID = vol.ID
	log.FromContext(ctx).WithValues("volume-id", vol.ID, "disk-name", r.DiskName, "from-snapshot", snapshotID).Info("materialized volume")
	return nil
}

// launch creates the workload, attaches the volume once a node is chosen,
// waits for readiness, and records connection info. Moves preparing to
// active.
func (e *Engine) launch(ctx context.Context, r *v1.Reservation) error {
	opts := options.FromContext(ctx)
	gpuType, err := e.store.GetGPUType(ctx, r.GPUType)
	if err != nil {
		return err
	}
	var disk *v1.Disk
	var device string
	if hasDisk(r) {
		if disk, err = e.store.GetDisk(ctx, r.UserID, r.DiskName); err != nil {
			return err
		}
		device = volume.DeviceByID(disk.ProviderVolumeID)
	}
	name := cluster.WorkloadName(r.ReservationID)
	token := rand.String(32)
	spec := &cluster.WorkloadSpec{
		Name:          name,
		Reservation:   r,
		GPUType:       gpuType,
		Image:         lo.Ternary(r.ImageReference != "", r.ImageReference, opts.WorkloadImage),
		DiskDevice:    device,
		NotebookToken: token,
	}
	if r.IsMultinode {
		spec.MasterAddr = fmt.Sprintf("%s.%s.svc.cluster.local", cluster.WorkloadName(r.MasterReservationID), opts.WorkerNamespace)
		spec.NodeRank = r.NodeIndex
		spec.TotalNodes = r.TotalNodes
	}
	workload, err := e.createWorkload(ctx, spec)
	if err != nil {
		return err
	}
	waitCtx, cancel := context.WithTimeout(ctx, opts.ReadinessTimeout())
	defer cancel()
	pod, err := e.cluster.WaitForWorkloadScheduled(waitCtx, name)
	if err != nil {
		return err
	}
	node, err := e.cluster.ResolveNode(ctx, pod.Spec.NodeName)
	if err != nil {
		return err
	}
	if disk != nil {
		if _, err := e.volumes.Attach(ctx, disk.ProviderVolumeID, node.InstanceID); err != nil {
			return fmt.Errorf("attaching disk %s, %w", r.DiskName, err)
		}
	}
	if _, err := e.cluster.WaitForWorkloadReady(waitCtx, name, opts.ReadinessTimeout()); err != nil {
		return err
	}
	sshCommand := fmt.Sprintf("ssh -p %d %s@%s", workload.SSHNodePort, r.UserID, node.IP)
	placement := store.Placement{
		PodName:      workload.PodName,
		Namespace:    opts.WorkerNamespace,
		NodeIP:       node.IP,
		NodePort:     workload.SSHNodePort,
		SSHCommand:   sshCommand,
		InstanceType: node.InstanceType,
	}
	if disk != nil {
		placement.VolumeID = disk.ProviderVolumeID
	}
	if err := e.store.SetReservationPlacement(ctx, r.ReservationID, placement); err != nil {
		return err
	}
	r.PodName = workload.PodName
	r.NodeIP = node.IP
	if err := e.transition(ctx, r, store.StatusUpdate{
		Status:         v1.StatusActive,
		From:           []v1.Status{v1.StatusPreparing},
		SetLaunched:    true,
		DetailedStatus: "ready",
		Message:        sshCommand,
	}); err != nil {
		return err
	}
	if r.NotebookEnabled {
		if err := e.recordNotebook(ctx, r, name, token); err != nil {
			// The reservation is usable over ssh regardless.
			log.FromContext(ctx).Error(err, "recording notebook access")
			_ = e.store.SetReservationNotebook(ctx, r.ReservationID, store.Notebook{Enabled: true, Error: errors.ReasonOf(err)})
		}
	}
	e.audit(ctx, r, "reservation.active", map[string]any{"gpu_type": r.GPUType, "gpu_count": r.GPUCount, "node": pod.Spec.NodeName})
	if r.IsMultinode {
		e.noteGroupReady(ctx, r)
	}
	log.FromContext(ctx).WithValues("pod", workload.PodName, "node-ip", node.IP, "node-port", workload.SSHNodePort).Info("reservation active")
	return nil
}

// createWorkload deletes and recreates on a name collision: the collision
// means a previous attempt crashed mid-launch, and a fresh pod is safer than
// adopting one in an unknown state.
func (e *Engine) createWorkload(ctx context.Context, spec *cluster.WorkloadSpec) (*cluster.Workload, error) {
	workload, err := e.cluster.CreateWorkload(ctx, spec)
	if err == nil {
		return workload, nil
	}
	if !errors.IsKind(err, errors.KindConflict) {
		return nil, err
	}
	log.FromContext(ctx).Info("replacing workload left by a previous attempt", "workload", spec.Name)
	if err := e.cluster.DeleteWorkload(ctx, spec.Name); err != nil && !errors.IsKind(err, errors.KindOrchestratorPermanent) {
		return nil, err
	}
	if err := e.cluster.DeleteService(ctx, spec.Name); err != nil && !errors.IsKind(err, errors.KindOrchestratorPermanent) {
		return nil, err
	}
	return e.cluster.CreateWorkload(ctx, spec)
}

// recordNotebook exposes the notebook port, verifies the server answers, and
// records the URL and domain mapping.
func (e *Engine) recordNotebook(ctx context.Context, r *v1.Reservation, serviceName, token string) error {
	opts := options.FromContext(ctx)
	port, err := e.cluster.EnsureNotebookPort(ctx, serviceName)
	if err != nil {
		return err
	}
	if err := e.cluster.VerifyHTTP(ctx, r.PodName, v1.NotebookPort, "/api"); err != nil {
		return err
	}
	subdomain := cluster.WorkloadName(r.ReservationID)
	var url string
	if opts.ClusterDomain != "" {
		url = fmt.Sprintf("https://%s.%s", subdomain, opts.ClusterDomain)
		if err := e.store.UpsertDomainMapping(ctx, &v1.DomainMapping{
			Subdomain:     subdomain,
			NodeIP:        r.NodeIP,
			NodePort:      port,
			ReservationID: r.ReservationID,
			ExpiresAt:     e.clock.Now().UTC().Add(r.Duration()),
		}); err != nil {
			return err
		}
	}
	return e.store.SetReservationNotebook(ctx, r.ReservationID, store.Notebook{
		Enabled: true,
		URL:     url,
		Port:    port,
		Token:   token,
	})
}

// fail sinks the reservation and runs teardown so no partial workload or
// disk claim survives. A failed multinode member takes its group down.
func (e *Engine) fail(ctx context.Context, r *v1.Reservation, cause error) {
	log.FromContext(ctx).Error(cause, "reservation failed", "reason", errors.ReasonOf(cause))
	if err := e.Teardown(ctx, r, store.StatusUpdate{
		Status:         v1.StatusFailed,
		DetailedStatus: "failed",
		Message:        cause.Error(),
		FailureReason:  errors.ReasonOf(cause),
	}); err != nil {
		log.FromContext(ctx).Error(err, "tearing down failed reservation")
	}
	if r.IsMultinode {
		if err := e.Cancel(ctx, r, fmt.Sprintf("node %d failed: %s", r.NodeIndex, errors.ReasonOf(cause))); err != nil {
			log.FromContext(ctx).Error(err, "cancelling multinode group")
		}
	}
}

// recordRetry extends status history with the error before the queue
// redelivers, without moving the state machine.
func (e *Engine) recordRetry(ctx context.Context, id string, cause error) {
	r, err := e.store.GetReservation(ctx, id)
	if err != nil {
		return
	}
	if err := e.store.UpdateReservationStatus(ctx, id, store.StatusUpdate{
		Status:         r.Status,
		From:           []v1.Status{r.Status},
		DetailedStatus: "retrying",
		Message:        fmt.Sprintf("retrying after %s", cause),
	}); err != nil {
		log.FromContext(ctx).Error(err, "recording retry")
	}
}

func (e *Engine) transition(ctx context.Context, r *v1.Reservation, u store.StatusUpdate) error {
	if err := e.store.UpdateReservationStatus(ctx, r.ReservationID, u); err != nil {
		return err
	}
	r.Status = u.Status
	log.FromContext(ctx).V(1).Info("transitioned", "status", u.Status, "detail", u.DetailedStatus)
	return nil
}

func (e *Engine) audit(ctx context.Context, r *v1.Reservation, action string, details map[string]any) {
	event := &v1.AuditEvent{
		UserID:       r.UserID,
		EventType:    "reservation",
		ResourceType: "reservation",
		ResourceID:   r.ReservationID,
		Action:       action,
		CreatedAt:    e.clock.Now().UTC(),
	}
	if details != nil {
		event.Details, _ = json.Marshal(details)
	}
	if err := e.store.RecordAuditEvent(ctx, event); err != nil {
		log.FromContext(ctx).Error(err, "recording audit event", "action", action)
	}
}

func checkCLIVersion(minVersion, cliVersion string) error {
	if minVersion == "" {
		return nil
	}
	minimum, err := semver.NewVersion(minVersion)
	if err != nil {
		return fmt.Errorf("parsing minimum cli version %q, %w", minVersion, err)
	}
	if cliVersion == "" {
		return errors.Validationf("unsupported_cli", "client version required; minimum is %s", minVersion)
	}
	current, err := semver.NewVersion(cliVersion)
	if err != nil {
		return errors.Validationf("unsupported_cli", "client version %q is not a semantic version", cliVersion)
	}
	if current.LessThan(minimum) {
		return errors.Validationf("unsupported_cli", "client version %s is below the minimum %s", cliVersion, minVersion)
	}
	return nil
}

func hasDisk(r *v1.Reservation) bool {
	return r.DiskName != "" && r.DiskName != v1.DiskNameNone
}
