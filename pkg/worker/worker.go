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

// Package worker processes a single queue message end to end. The poller
// launches one worker job per message with the message pinned in the
// environment; the exit code decides whether the message is redelivered.
package worker

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"sigs.k8s.io/controller-runtime/pkg/log"

	v1 "github.com/gpudev/orchestrator/pkg/apis/v1"
	"github.com/gpudev/orchestrator/pkg/disk"
	"github.com/gpudev/orchestrator/pkg/errors"
	"github.com/gpudev/orchestrator/pkg/reservation"
	"github.com/gpudev/orchestrator/pkg/store/queue"
)

type Worker struct {
	queue        queue.Queue
	reservations *reservation.Engine
	disks        *disk.Engine
}

func NewWorker(q queue.Queue, reservations *reservation.Engine, disks *disk.Engine) *Worker {
	return &Worker{
		queue:        q,
		reservations: reservations,
		disks:        disks,
	}
}

// FromEnvironment reads the message contract a worker job is launched with.
func FromEnvironment() (int64, []byte, error) {
	rawID := os.Getenv(v1.EnvMessageID)
	if rawID == "" {
		return 0, nil, fmt.Errorf("%s is not set", v1.EnvMessageID)
	}
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil {
		return 0, nil, fmt.Errorf("parsing %s, %w", v1.EnvMessageID, err)
	}
	body := os.Getenv(v1.EnvMessageBody)
	if body == "" {
		return 0, nil, fmt.Errorf("%s is not set", v1.EnvMessageBody)
	}
	return id, []byte(body), nil
}

// Process handles one message and settles it against the queue. A returned
// error means the message was intentionally left in place: the caller exits
// non-zero and the visibility window lapsing redelivers it. Permanent
// failures are recorded on the reservation row by the handler, so the
// message itself is deleted and never comes back.
func (w *Worker) Process(ctx context.Context, msgID int64, body []byte) error {
	logger := log.FromContext(ctx).WithValues("message-id", msgID)
	msg, err := v1.UnmarshalMessage(body)
	if err != nil {
		// Undecodable bodies cannot name a reservation to fail; all that is
		// left is to get them out of the queue.
		logger.Error(err, "discarding undecodable message")
		return w.queue.Delete(ctx, msgID)
	}
	if err := msg.Validate(); err != nil {
		logger.Error(err, "discarding invalid message", "message-type", msg.Type)
		return w.queue.Delete(ctx, msgID)
	}

	ctx = log.IntoContext(ctx, logger.WithValues("message-type", msg.Type))
	err = w.dispatch(ctx, msg)
	switch {
	case err == nil:
		return w.queue.Delete(ctx, msgID)
	case errors.IsRetryable(err):
		log.FromContext(ctx).V(1).Info("leaving message for redelivery", "error", err)
		return err
	default:
		log.FromContext(ctx).Error(err, "message failed permanently")
		return w.queue.Delete(ctx, msgID)
	}
}

func (w *Worker) dispatch(ctx context.Context, msg *v1.Message) error {
	switch msg.Type {
	case v1.MessageReservationCreate:
		return w.reservations.HandleCreate(ctx, msg)
	case v1.MessageReservationCancel:
		return w.reservations.HandleCancel(ctx, msg)
	case v1.MessageReservationAction:
		return w.reservations.HandleAction(ctx, msg)
	case v1.MessageDiskCreate:
		_, err := w.disks.Create(ctx, msg.UserID, msg.DiskName, msg.SizeGB)
		return err
	case v1.MessageDiskDelete:
		return w.disks.Delete(ctx, msg.UserID, msg.DiskName)
	default:
		return errors.Validationf("unknown_message_type", "no handler for message type %q", msg.Type)
	}
}
