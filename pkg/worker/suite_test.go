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

package worker_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/samber/lo"

	v1 "github.com/gpudev/orchestrator/pkg/apis/v1"
	"github.com/gpudev/orchestrator/pkg/disk"
	"github.com/gpudev/orchestrator/pkg/errors"
	"github.com/gpudev/orchestrator/pkg/operator/options"
	"github.com/gpudev/orchestrator/pkg/reservation"
	"github.com/gpudev/orchestrator/pkg/snapshot"
	"github.com/gpudev/orchestrator/pkg/store/queue"
	"github.com/gpudev/orchestrator/pkg/test"
	"github.com/gpudev/orchestrator/pkg/worker"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var ctx context.Context
var env *test.Environment
var w *worker.Worker

func TestWorker(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Worker")
}

var _ = BeforeSuite(func() {
	env = test.NewEnvironment()
})

var _ = BeforeEach(func() {
	ctx = options.ToContext(context.Background(), test.Options())
	env.Reset()
	snapshots := snapshot.NewEngine(env.Store, env.SnapshotProvider, env.ObjectStoreProvider, env.Cluster)
	reservations := reservation.NewEngine(env.Store, env.Queue, env.Cluster, env.VolumeProvider, snapshots, env.Clock)
	disks := disk.NewEngine(env.Store, env.SnapshotProvider, env.ObjectStoreProvider, env.Clock)
	w = worker.NewWorker(env.Queue, reservations, disks)

	env.Store.GPUTypes["A100"] = test.GPUType(test.GPUTypeOptions{Name: "A100", AvailableGPUs: 8})
	env.Cluster.AddNode("node-1", "A100", 8)
})

// deliver enqueues the message and reads it back the way the poller would.
func deliver(msg *v1.Message) *queue.Message {
	GinkgoHelper()
	_, err := env.Queue.Send(ctx, msg)
	Expect(err).ToNot(HaveOccurred())
	read, err := env.Queue.Read(ctx, time.Minute, 1)
	Expect(err).ToNot(HaveOccurred())
	Expect(read).To(HaveLen(1))
	return read[0]
}

var _ = Describe("Process", func() {
	It("should handle a create message and delete it", func() {
		m := deliver(test.Message(test.MessageOptions{ReservationID: "res-1", UserID: "alice", GPUType: "A100"}))
		Expect(w.Process(ctx, m.ID, m.Body)).To(Succeed())

		r, err := env.Store.GetReservation(ctx, "res-1")
		Expect(err).ToNot(HaveOccurred())
		Expect(r.Status).To(Equal(v1.StatusActive))
		Expect(env.Queue.Len()).To(Equal(0))
	})
	It("should leave a retryable failure in the queue for redelivery", func() {
		env.Cluster.WaitScheduledError.Set(errors.Newf(errors.KindOrchestratorTransient, "orchestrator_timeout", "pod did not schedule"))

		m := deliver(test.Message(test.MessageOptions{ReservationID: "res-1", UserID: "alice", GPUType: "A100"}))
		Expect(w.Process(ctx, m.ID, m.Body)).ToNot(Succeed())
		Expect(env.Queue.Len()).To(Equal(1))

		r, err := env.Store.GetReservation(ctx, "res-1")
		Expect(err).ToNot(HaveOccurred())
		Expect(r.Status).To(Equal(v1.StatusPreparing))
		Expect(r.DetailedStatus).To(Equal("retrying"))

		// The redelivered attempt resumes from the recorded state.
		Expect(w.Process(ctx, m.ID, m.Body)).To(Succeed())
		r, err = env.Store.GetReservation(ctx, "res-1")
		Expect(err).ToNot(HaveOccurred())
		Expect(r.Status).To(Equal(v1.StatusActive))
		Expect(env.Queue.Len()).To(Equal(0))
	})
	It("should delete a message whose handling failed permanently", func() {
		m := deliver(test.Message(test.MessageOptions{ReservationID: "res-1", UserID: "alice", GPUType: "A100", DurationHours: 49}))
		Expect(w.Process(ctx, m.ID, m.Body)).To(Succeed())

		r, err := env.Store.GetReservation(ctx, "res-1")
		Expect(err).ToNot(HaveOccurred())
		Expect(r.Status).To(Equal(v1.StatusFailed))
		Expect(r.FailureReason).To(Equal("invalid_duration"))
		Expect(env.Queue.Len()).To(Equal(0))
	})
	It("should discard a body that does not decode", func() {
		m := deliver(test.Message(test.MessageOptions{ReservationID: "res-1", UserID: "alice", GPUType: "A100"}))
		Expect(w.Process(ctx, m.ID, []byte("not json"))).To(Succeed())
		Expect(env.Queue.Len()).To(Equal(0))
		Expect(env.Store.Reservations).To(BeEmpty())
	})
	It("should discard a structurally invalid message", func() {
		m := deliver(&v1.Message{Type: v1.MessageReservationCreate, ReservationID: "res-1"})
		Expect(w.Process(ctx, m.ID, m.Body)).To(Succeed())
		Expect(env.Queue.Len()).To(Equal(0))
		Expect(env.Store.Reservations).To(BeEmpty())
	})
	It("should dispatch cancel messages", func() {
		m := deliver(test.Message(test.MessageOptions{ReservationID: "res-1", UserID: "alice", GPUType: "A100"}))
		Expect(w.Process(ctx, m.ID, m.Body)).To(Succeed())

		m = deliver(test.Message(test.MessageOptions{Type: v1.MessageReservationCancel, ReservationID: "res-1", UserID: "alice"}))
		Expect(w.Process(ctx, m.ID, m.Body)).To(Succeed())

		r, err := env.Store.GetReservation(ctx, "res-1")
		Expect(err).ToNot(HaveOccurred())
		Expect(r.Status).To(Equal(v1.StatusCancelled))
		Expect(env.Queue.Len()).To(Equal(0))
	})
	It("should dispatch action messages", func() {
		t0 := env.Clock.Now().UTC()
		m := deliver(test.Message(test.MessageOptions{ReservationID: "res-1", UserID: "alice", GPUType: "A100"}))
		Expect(w.Process(ctx, m.ID, m.Body)).To(Succeed())

		m = deliver(test.Message(test.MessageOptions{
			Type:          v1.MessageReservationAction,
			ReservationID: "res-1",
			UserID:        "alice",
			Action:        v1.ActionExtend,
			Args:          &v1.ActionArgs{Hours: 2},
		}))
		Expect(w.Process(ctx, m.ID, m.Body)).To(Succeed())

		r, err := env.Store.GetReservation(ctx, "res-1")
		Expect(err).ToNot(HaveOccurred())
		Expect(r.ExpiresAt).To(HaveValue(Equal(t0.Add(4 * time.Hour))))
		Expect(env.Queue.Len()).To(Equal(0))
	})
	It("should delete an action message that fails validation", func() {
		m := deliver(test.Message(test.MessageOptions{ReservationID: "res-1", UserID: "alice", GPUType: "A100"}))
		Expect(w.Process(ctx, m.ID, m.Body)).To(Succeed())

		m = deliver(test.Message(test.MessageOptions{
			Type:          v1.MessageReservationAction,
			ReservationID: "res-1",
			UserID:        "alice",
			Action:        v1.ActionExtend,
			Args:          &v1.ActionArgs{Hours: 0},
		}))
		Expect(w.Process(ctx, m.ID, m.Body)).To(Succeed())

		r, err := env.Store.GetReservation(ctx, "res-1")
		Expect(err).ToNot(HaveOccurred())
		Expect(r.Status).To(Equal(v1.StatusActive))
		Expect(env.Queue.Len()).To(Equal(0))
	})
	It("should dispatch disk lifecycle messages", func() {
		m := deliver(test.Message(test.MessageOptions{Type: v1.MessageDiskCreate, UserID: "alice", DiskName: "scratch", SizeGB: 250}))
		Expect(w.Process(ctx, m.ID, m.Body)).To(Succeed())

		Expect(env.Store.Disks).To(HaveLen(1))
		d := lo.Values(env.Store.Disks)[0]
		Expect(d.DiskName).To(Equal("scratch"))
		Expect(d.SizeGB).To(Equal(250))
		Expect(d.IsDeleted).To(BeFalse())

		m = deliver(test.Message(test.MessageOptions{Type: v1.MessageDiskDelete, UserID: "alice", DiskName: "scratch"}))
		Expect(w.Process(ctx, m.ID, m.Body)).To(Succeed())

		d = lo.Values(env.Store.Disks)[0]
		Expect(d.IsDeleted).To(BeTrue())
		Expect(d.DeleteDate).ToNot(BeNil())
		Expect(env.Queue.Len()).To(Equal(0))
	})
})

var _ = Describe("FromEnvironment", func() {
	AfterEach(func() {
		Expect(os.Unsetenv(v1.EnvMessageID)).To(Succeed())
		Expect(os.Unsetenv(v1.EnvMessageBody)).To(Succeed())
	})

	It("should read the job contract", func() {
		Expect(os.Setenv(v1.EnvMessageID, "42")).To(Succeed())
		Expect(os.Setenv(v1.EnvMessageBody, `{"type":"reservation.create"}`)).To(Succeed())

		id, body, err := worker.FromEnvironment()
		Expect(err).ToNot(HaveOccurred())
		Expect(id).To(Equal(int64(42)))
		Expect(string(body)).To(Equal(`{"type":"reservation.create"}`))
	})
	It("should fail when the contract is incomplete", func() {
		_, _, err := worker.FromEnvironment()
		Expect(err).To(HaveOccurred())

		Expect(os.Setenv(v1.EnvMessageID, "not-a-number")).To(Succeed())
		Expect(os.Setenv(v1.EnvMessageBody, "{}")).To(Succeed())
		_, _, err = worker.FromEnvironment()
		Expect(err).To(HaveOccurred())
	})
})
