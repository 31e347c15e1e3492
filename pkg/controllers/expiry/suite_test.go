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

package expiry_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	v1 "github.com/gpudev/orchestrator/pkg/apis/v1"
	"github.com/gpudev/orchestrator/pkg/cluster"
	"github.com/gpudev/orchestrator/pkg/controllers/expiry"
	"github.com/gpudev/orchestrator/pkg/errors"
	"github.com/gpudev/orchestrator/pkg/notify"
	"github.com/gpudev/orchestrator/pkg/operator/options"
	"github.com/gpudev/orchestrator/pkg/reservation"
	"github.com/gpudev/orchestrator/pkg/snapshot"
	"github.com/gpudev/orchestrator/pkg/test"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var ctx context.Context
var env *test.Environment
var controller *expiry.Controller

func TestExpiry(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Expiry")
}

var _ = BeforeSuite(func() {
	env = test.NewEnvironment()
})

var _ = BeforeEach(func() {
	ctx = options.ToContext(context.Background(), test.Options())
	env.Reset()
	snapshots := snapshot.NewEngine(env.Store, env.SnapshotProvider, env.ObjectStoreProvider, env.Cluster)
	reservations := reservation.NewEngine(env.Store, env.Queue, env.Cluster, env.VolumeProvider, snapshots, env.Clock)
	controller = expiry.NewController(env.Store, env.Store, reservations, env.NotifySink, env.Clock)
})

func seed(r *v1.Reservation) {
	GinkgoHelper()
	env.Store.Reservations[r.ReservationID] = r
}

var _ = Describe("Expiration", func() {
	It("should tear down a reservation at its deadline", func() {
		seed(test.ActiveReservation(env.Clock.Now(), test.ReservationOptions{ReservationID: "res-1", UserID: "alice"}))
		env.Clock.Step(2*time.Hour + time.Minute)

		result := test.ExpectSingletonReconciled(ctx, controller)
		Expect(result.RequeueAfter).To(Equal(time.Minute))

		r, err := env.Store.GetReservation(ctx, "res-1")
		Expect(err).ToNot(HaveOccurred())
		Expect(r.Status).To(Equal(v1.StatusCompleted))
		Expect(r.DetailedStatus).To(Equal("expired"))
		Expect(env.Cluster.DeletedWorkloads).To(ContainElement(cluster.WorkloadName("res-1")))
	})
	It("should leave reservations with time remaining alone", func() {
		seed(test.ActiveReservation(env.Clock.Now(), test.ReservationOptions{ReservationID: "res-1"}))
		env.Clock.Step(time.Hour)

		test.ExpectSingletonReconciled(ctx, controller)

		r, err := env.Store.GetReservation(ctx, "res-1")
		Expect(err).ToNot(HaveOccurred())
		Expect(r.Status).To(Equal(v1.StatusActive))
		Expect(env.Cluster.DeletedWorkloads).To(BeEmpty())
		Expect(env.NotifySink.Notifications()).To(BeEmpty())
	})
	It("should skip reservations without a deadline", func() {
		seed(test.Reservation(test.ReservationOptions{ReservationID: "res-1", Status: v1.StatusActive, CreatedAt: env.Clock.Now()}))
		env.Clock.Step(100 * time.Hour)

		test.ExpectSingletonReconciled(ctx, controller)

		r, err := env.Store.GetReservation(ctx, "res-1")
		Expect(err).ToNot(HaveOccurred())
		Expect(r.Status).To(Equal(v1.StatusActive))
	})
	It("should expire multinode members on their own deadlines", func() {
		now := env.Clock.Now()
		seed(test.ActiveReservation(now, test.ReservationOptions{
			ReservationID: "res-m0", UserID: "alice", DurationHours: 1,
			IsMultinode: true, MasterReservationID: "res-m0", TotalNodes: 2,
		}))
		seed(test.ActiveReservation(now, test.ReservationOptions{
			ReservationID: "res-m1", UserID: "alice", DurationHours: 4,
			IsMultinode: true, MasterReservationID: "res-m0", NodeIndex: 1, TotalNodes: 2,
		}))
		env.Clock.Step(61 * time.Minute)

		test.ExpectSingletonReconciled(ctx, controller)

		master, err := env.Store.GetReservation(ctx, "res-m0")
		Expect(err).ToNot(HaveOccurred())
		Expect(master.Status).To(Equal(v1.StatusCompleted))
		member, err := env.Store.GetReservation(ctx, "res-m1")
		Expect(err).ToNot(HaveOccurred())
		Expect(member.Status).To(Equal(v1.StatusActive))
		Expect(env.Cluster.DeletedWorkloads).To(ConsistOf(cluster.WorkloadName("res-m0")))
	})
})

var _ = Describe("Warnings", func() {
	It("should warn at thirty, fifteen, and five minutes", func() {
		seed(test.ActiveReservation(env.Clock.Now(), test.ReservationOptions{ReservationID: "res-1", UserID: "alice", Name: "train-run"}))

		env.Clock.Step(91 * time.Minute)
		test.ExpectSingletonReconciled(ctx, controller)
		warnings := env.NotifySink.OnChannel(notify.ChannelExpiryWarning)
		Expect(warnings).To(HaveLen(1))
		Expect(warnings[0].UserID).To(Equal("alice"))
		Expect(warnings[0].Message).To(ContainSubstring("train-run"))
		Expect(warnings[0].Metadata).To(HaveKeyWithValue("reservation_id", "res-1"))
		r, _ := env.Store.GetReservation(ctx, "res-1")
		Expect(r.WarnedThirtyMin).To(BeTrue())

		env.Clock.Step(15 * time.Minute)
		test.ExpectSingletonReconciled(ctx, controller)
		Expect(env.NotifySink.OnChannel(notify.ChannelExpiryWarning)).To(HaveLen(2))
		r, _ = env.Store.GetReservation(ctx, "res-1")
		Expect(r.WarnedFifteenMin).To(BeTrue())

		env.Clock.Step(10 * time.Minute)
		test.ExpectSingletonReconciled(ctx, controller)
		Expect(env.NotifySink.OnChannel(notify.ChannelExpiryWarning)).To(HaveLen(3))
		r, _ = env.Store.GetReservation(ctx, "res-1")
		Expect(r.WarnedFiveMin).To(BeTrue())
		Expect(r.Status).To(Equal(v1.StatusActive))
	})
	It("should warn once per threshold", func() {
		seed(test.ActiveReservation(env.Clock.Now(), test.ReservationOptions{ReservationID: "res-1"}))
		env.Clock.Step(91 * time.Minute)

		test.ExpectSingletonReconciled(ctx, controller)
		test.ExpectSingletonReconciled(ctx, controller)

		Expect(env.NotifySink.OnChannel(notify.ChannelExpiryWarning)).To(HaveLen(1))
	})
	It("should not warn while more than thirty minutes remain", func() {
		seed(test.ActiveReservation(env.Clock.Now(), test.ReservationOptions{ReservationID: "res-1"}))
		env.Clock.Step(89 * time.Minute)

		test.ExpectSingletonReconciled(ctx, controller)

		Expect(env.NotifySink.Notifications()).To(BeEmpty())
	})
	It("should skip thresholds a short reservation never had", func() {
		seed(test.ActiveReservation(env.Clock.Now(), test.ReservationOptions{ReservationID: "res-1", DurationHours: 0.25}))
		env.Clock.Step(time.Minute)

		test.ExpectSingletonReconciled(ctx, controller)

		Expect(env.NotifySink.OnChannel(notify.ChannelExpiryWarning)).To(HaveLen(1))
		r, err := env.Store.GetReservation(ctx, "res-1")
		Expect(err).ToNot(HaveOccurred())
		Expect(r.WarnedThirtyMin).To(BeFalse())
		Expect(r.WarnedFifteenMin).To(BeTrue())
	})
	It("should redeliver a warning that failed to send", func() {
		seed(test.ActiveReservation(env.Clock.Now(), test.ReservationOptions{ReservationID: "res-1"}))
		env.Clock.Step(91 * time.Minute)
		env.NotifySink.NotifyError.Set(fmt.Errorf("NotifyError"))

		test.ExpectSingletonReconciled(ctx, controller)
		Expect(env.NotifySink.Notifications()).To(BeEmpty())
		r, _ := env.Store.GetReservation(ctx, "res-1")
		Expect(r.WarnedThirtyMin).To(BeFalse())

		test.ExpectSingletonReconciled(ctx, controller)
		Expect(env.NotifySink.OnChannel(notify.ChannelExpiryWarning)).To(HaveLen(1))
		r, _ = env.Store.GetReservation(ctx, "res-1")
		Expect(r.WarnedThirtyMin).To(BeTrue())
	})
})

var _ = Describe("Stale reservations", func() {
	It("should fail rows stuck before launch past the stale window", func() {
		now := env.Clock.Now()
		seed(test.Reservation(test.ReservationOptions{ReservationID: "res-old-queued", Status: v1.StatusQueued, CreatedAt: now.Add(-8 * 24 * time.Hour)}))
		seed(test.Reservation(test.ReservationOptions{ReservationID: "res-old-pending", Status: v1.StatusPending, CreatedAt: now.Add(-8 * 24 * time.Hour)}))
		seed(test.Reservation(test.ReservationOptions{ReservationID: "res-fresh", Status: v1.StatusQueued, CreatedAt: now.Add(-24 * time.Hour)}))

		test.ExpectSingletonReconciled(ctx, controller)

		for _, id := range []string{"res-old-queued", "res-old-pending"} {
			r, err := env.Store.GetReservation(ctx, id)
			Expect(err).ToNot(HaveOccurred())
			Expect(r.Status).To(Equal(v1.StatusFailed))
			Expect(r.FailureReason).To(Equal("stale"))
		}
		fresh, err := env.Store.GetReservation(ctx, "res-fresh")
		Expect(err).ToNot(HaveOccurred())
		Expect(fresh.Status).To(Equal(v1.StatusQueued))
	})
})

var _ = Describe("API keys", func() {
	It("should purge expired keys and keep live ones", func() {
		now := env.Clock.Now()
		env.Store.APIKeys["key-old"] = &v1.APIKey{KeyID: "key-old", UserID: "alice", ExpiresAt: now.Add(-time.Hour)}
		env.Store.APIKeys["key-live"] = &v1.APIKey{KeyID: "key-live", UserID: "alice", ExpiresAt: now.Add(time.Hour)}

		test.ExpectSingletonReconciled(ctx, controller)

		Expect(env.Store.APIKeys).ToNot(HaveKey("key-old"))
		Expect(env.Store.APIKeys).To(HaveKey("key-live"))
	})
})

var _ = Describe("Failures", func() {
	It("should surface list failures", func() {
		env.Store.FailNext("ListReservationsByStatus", errors.Newf(errors.KindInternal, "db_unavailable", "connection refused"))
		test.ExpectSingletonReconcileFailed(ctx, controller)
	})
	It("should still sink the status when workload deletion fails", func() {
		seed(test.ActiveReservation(env.Clock.Now(), test.ReservationOptions{ReservationID: "res-1"}))
		env.Clock.Step(3 * time.Hour)
		env.Cluster.DeleteWorkloadError.Set(fmt.Errorf("DeleteWorkloadError"))

		test.ExpectSingletonReconcileFailed(ctx, controller)

		r, err := env.Store.GetReservation(ctx, "res-1")
		Expect(err).ToNot(HaveOccurred())
		Expect(r.Status).To(Equal(v1.StatusCompleted))
	})
})
