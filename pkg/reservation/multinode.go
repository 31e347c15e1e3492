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

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/multierr"
	"sigs.k8s.io/controller-runtime/pkg/log"

	v1 "github.com/gpudev/orchestrator/pkg/apis/v1"
	"github.com/gpudev/orchestrator/pkg/errors"
	"github.com/gpudev/orchestrator/pkg/operator/options"
	"github.com/gpudev/orchestrator/pkg/store"
)

// GroupRequest describes a multinode reservation before expansion into its
// per-node records.
type GroupRequest struct {
	UserID          string
	GPUType         string
	Nodes           int
	DurationHours   float64
	Name            string
	DiskName        string
	ImageReference  string
	NotebookEnabled bool
	CLIVersion      string
}

// CreateGroup expands a multinode request into one master and N-1 child
// records, created in a single transaction, and enqueues a create message per
// member. The group-level capacity pre-flight happens here; member admission
// only re-checks structure, because sibling launches consume the very full
// nodes a re-check would look for.
func (e *Engine) CreateGroup(ctx context.Context, req GroupRequest) ([]*v1.Reservation, error) {
	opts := options.FromContext(ctx)
	if req.Nodes < 2 || req.Nodes > v1.MaxMultinodeNodes {
		return nil, errors.Validationf("invalid_node_count", "multinode requires between 2 and %d nodes, got %d", v1.MaxMultinodeNodes, req.Nodes)
	}
	gpuType, err := e.store.GetGPUType(ctx, req.GPUType)
	if err != nil {
		return nil, err
	}
	if !gpuType.IsActive {
		return nil, errors.Validationf("gpu_type_inactive", "gpu type %q is not currently offered", req.GPUType)
	}
	if !gpuType.Multinode() {
		return nil, errors.Validationf("multinode_unsupported", "gpu type %q does not support multinode", req.GPUType)
	}
	if gpuType.FullNodesAvailable < req.Nodes {
		return nil, errors.CapacityExhaustedf("%d full %s nodes requested, %d available", req.Nodes, req.GPUType, gpuType.FullNodesAvailable)
	}
	duration := lo.Ternary(req.DurationHours != 0, req.DurationHours, opts.DefaultTimeoutHours)

	masterID := uuid.NewString()
	group := make([]*v1.Reservation, 0, req.Nodes)
	for i := range req.Nodes {
		r := &v1.Reservation{
			ReservationID:       lo.Ternary(i == 0, masterID, uuid.NewString()),
			UserID:              req.UserID,
			GPUType:             req.GPUType,
			GPUCount:            gpuType.MaxPerNode,
			DurationHours:       duration,
			Name:                memberName(req.Name, i),
			ImageReference:      req.ImageReference,
			Status:              v1.StatusQueued,
			IsMultinode:         true,
			MasterReservationID: masterID,
			NodeIndex:           i,
			TotalNodes:          req.Nodes,
			CLIVersion:          req.CLIVersion,
		}
		// The disk and notebook live on the master; children are plain rank
		// workers reachable through it.
		if i == 0 {
			r.DiskName = req.DiskName
			r.NotebookEnabled = req.NotebookEnabled
		}
		group = append(group, r)
	}
	if err := e.store.CreateReservationGroup(ctx, group); err != nil {
		return nil, err
	}
	var errs error
	for _, r := range group {
		if _, err := e.queue.Send(ctx, &v1.Message{
			Type:            v1.MessageReservationCreate,
			ReservationID:   r.ReservationID,
			UserID:          r.UserID,
			GPUType:         r.GPUType,
			GPUCount:        r.GPUCount,
			DurationHours:   r.DurationHours,
			DiskName:        r.DiskName,
			ImageReference:  r.ImageReference,
			NotebookEnabled: r.NotebookEnabled,
			Name:            r.Name,
			CLIVersion:      r.CLIVersion,
			Multinode: &v1.MultinodeCoordinates{
				MasterReservationID: masterID,
				NodeIndex:           r.NodeIndex,
				TotalNodes:          r.TotalNodes,
			},
		}); err != nil {
			// The row exists either way; the stale sweep fails members whose
			// message never made it out.
			errs = multierr.Append(errs, fmt.Errorf("enqueueing create for node %d, %w", r.NodeIndex, err))
		}
	}
	if errs != nil {
		return group, errs
	}
	e.audit(ctx, group[0], "multinode.create_group", map[string]any{"nodes": req.Nodes, "gpu_type": req.GPUType})
	log.FromContext(ctx).WithValues("master-id", masterID, "nodes", req.Nodes, "gpu-type", req.GPUType).Info("created multinode group")
	return group, nil
}

func memberName(base string, index int) string {
	if base == "" || index == 0 {
		return base
	}
	return fmt.Sprintf("%s-%d", base, index)
}

// validateMultinodeMember re-checks a member's structure at admission. The
// coordinates were fixed at group creation; a mismatch means the row was
// forged or corrupted, which is permanent.
func validateMultinodeMember(r *v1.Reservation, gpuType *v1.GPUType) error {
	if !gpuType.Multinode() {
		return errors.Validationf("multinode_unsupported", "gpu type %q does not support multinode", gpuType.Name)
	}
	if r.TotalNodes < 2 || r.TotalNodes > v1.MaxMultinodeNodes {
		return errors.Validationf("invalid_node_count", "multinode requires between 2 and %d nodes, got %d", v1.MaxMultinodeNodes, r.TotalNodes)
	}
	if r.NodeIndex < 0 || r.NodeIndex >= r.TotalNodes {
		return errors.Validationf("invalid_node_index", "node index %d out of range for %d nodes", r.NodeIndex, r.TotalNodes)
	}
	if r.MasterReservationID == "" {
		return errors.Validationf("invalid_group", "multinode member %s has no master", r.ReservationID)
	}
	if r.GPUCount != gpuType.MaxPerNode {
		return errors.Validationf("invalid_gpu_count", "multinode members take whole nodes; want %d GPUs, got %d", gpuType.MaxPerNode, r.GPUCount)
	}
	return nil
}

// Cancel settles a reservation and, for multinode members, every sibling in
// its group. Members already terminal are left alone, which is what lets the
// failure cascade share this path: the member that failed is skipped and the
// rest are cancelled.
func (e *Engine) Cancel(ctx context.Context, r *v1.Reservation, reason string) error {
	members := []*v1.Reservation{r}
	if r.IsMultinode && r.MasterReservationID != "" {
		group, err := e.store.ListReservationGroup(ctx, r.MasterReservationID)
		if err != nil {
			return err
		}
		if len(group) > 0 {
			members = group
		}
	}
	var errs error
	for _, member := range members {
		if member.Status.IsTerminal() {
			continue
		}
		memberCtx := log.IntoContext(ctx, log.FromContext(ctx).WithValues("reservation-id", member.ReservationID))
		if err := e.cancelOne(memberCtx, member, reason); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

func (e *Engine) cancelOne(ctx context.Context, r *v1.Reservation, reason string) error {
	if r.Status != v1.StatusCancelling {
		if err := e.transition(ctx, r, store.StatusUpdate{
			Status:         v1.StatusCancelling,
			DetailedStatus: "cancelling",
			Message:        reason,
		}); err != nil {
			return err
		}
	}
	if err := e.Teardown(ctx, r, store.StatusUpdate{
		Status:         v1.StatusCancelled,
		From:           []v1.Status{v1.StatusCancelling},
		DetailedStatus: "cancelled",
		Message:        reason,
	}); err != nil {
		return err
	}
	e.audit(ctx, r, "reservation.cancel", map[string]any{"reason": reason})
	return nil
}

// noteGroupReady reports the moment the last member of a group reaches
// active; until then the group's aggregate state is its least-advanced
// member.
func (e *Engine) noteGroupReady(ctx context.Context, r *v1.Reservation) {
	group, err := e.store.ListReservationGroup(ctx, r.MasterReservationID)
	if err != nil {
		log.FromContext(ctx).Error(err, "listing multinode group", "master-id", r.MasterReservationID)
		return
	}
	active := lo.CountBy(group, func(m *v1.Reservation) bool { return m.Status == v1.StatusActive })
	if active == r.TotalNodes && r.TotalNodes > 0 {
		e.audit(ctx, r, "multinode.group_active", map[string]any{"nodes": r.TotalNodes})
		log.FromContext(ctx).WithValues("master-id", r.MasterReservationID, "nodes", r.TotalNodes).Info("multinode group active")
	}
}
