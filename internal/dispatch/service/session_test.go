package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"driver-dispatch/internal/dispatch/domain"
	"driver-dispatch/internal/dispatch/state"
)

func TestOfferLifecycleScenario(t *testing.T) {
	h := signedIn(t)
	ctx := context.Background()

	h.offer(t, pendingOrder("O1", 2550))

	accepted, err := h.session.AcceptOffer(ctx, "O1")
	if err != nil {
		t.Fatalf("AcceptOffer: %v", err)
	}
	snap := h.session.Snapshot()
	if snap.CurrentOrder == nil || snap.CurrentOrder.ID != "O1" || snap.CurrentOrder.Status != domain.StatusAccepted {
		t.Fatalf("CurrentOrder = %+v", snap.CurrentOrder)
	}
	if accepted.DriverID != "drv-1" || accepted.AcceptedAt == nil {
		t.Fatalf("accepted order not assigned/stamped: %+v", accepted)
	}
	if snap.DriverStatus != domain.DriverBusy {
		t.Fatalf("DriverStatus = %s, want busy", snap.DriverStatus)
	}
	if hasOffer(snap.Offers, "O1") {
		t.Fatal("accepted order still in the offer pool")
	}

	if _, err := h.session.Advance(ctx, domain.StatusInProgress); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if got := h.session.Snapshot().CurrentOrder; got.Status != domain.StatusInProgress || got.PickedUpAt == nil {
		t.Fatalf("after Advance: %+v", got)
	}

	done, share, err := h.session.Complete(ctx, nil)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if share != 1020 || h.session.Earnings() != 1020 {
		t.Fatalf("share = %d, earnings = %d; want 1020", share, h.session.Earnings())
	}
	snap = h.session.Snapshot()
	if len(snap.History) != 1 || snap.History[0].ID != "O1" || done.Status != domain.StatusCompleted {
		t.Fatalf("History = %+v", snap.History)
	}
	if snap.CurrentOrder != nil || snap.DriverStatus != domain.DriverOnline {
		t.Fatalf("after Complete: current=%+v status=%s", snap.CurrentOrder, snap.DriverStatus)
	}
}

func TestAdvanceViaArrivedPickup(t *testing.T) {
	h := signedIn(t)
	ctx := context.Background()
	h.offer(t, pendingOrder("O1", 1000))
	if _, err := h.session.AcceptOffer(ctx, "O1"); err != nil {
		t.Fatal(err)
	}

	if _, _, err := h.session.Complete(ctx, nil); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("Complete from accepted = %v, want ErrInvalidTransition", err)
	}
	if _, err := h.session.Advance(ctx, domain.StatusArrivedPickup); err != nil {
		t.Fatal(err)
	}
	if _, err := h.session.Advance(ctx, domain.StatusArrivedPickup); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("repeated Advance = %v, want ErrInvalidTransition", err)
	}
	if _, err := h.session.Advance(ctx, domain.StatusCompleted); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("Advance(completed) = %v, want ErrInvalidTransition", err)
	}
	o, err := h.session.Advance(ctx, domain.StatusInProgress)
	if err != nil {
		t.Fatal(err)
	}
	if o.ArrivedAt == nil || o.PickedUpAt == nil {
		t.Fatalf("phase stamps missing: %+v", o)
	}
}

func TestOperationsWithoutActiveOrder(t *testing.T) {
	h := signedIn(t)
	ctx := context.Background()
	if _, err := h.session.Advance(ctx, domain.StatusInProgress); !errors.Is(err, domain.ErrNoActiveOrder) {
		t.Fatalf("Advance = %v, want ErrNoActiveOrder", err)
	}
	if _, _, err := h.session.Complete(ctx, nil); !errors.Is(err, domain.ErrNoActiveOrder) {
		t.Fatalf("Complete = %v, want ErrNoActiveOrder", err)
	}
	if _, err := h.session.AcceptOffer(ctx, "missing"); !errors.Is(err, domain.ErrOfferNotFound) {
		t.Fatalf("AcceptOffer(missing) = %v, want ErrOfferNotFound", err)
	}
}

func TestSingleActiveOrder(t *testing.T) {
	h := signedIn(t)
	ctx := context.Background()
	h.offer(t, pendingOrder("O1", 1000))
	h.offer(t, pendingOrder("O2", 2000))

	if _, err := h.session.AcceptOffer(ctx, "O1"); err != nil {
		t.Fatal(err)
	}
	_, err := h.session.AcceptOffer(ctx, "O2")
	if !errors.Is(err, domain.ErrOrderAlreadyActive) || !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("second AcceptOffer = %v, want ErrOrderAlreadyActive", err)
	}
	snap := h.session.Snapshot()
	if snap.CurrentOrder.ID != "O1" || !hasOffer(snap.Offers, "O2") {
		t.Fatalf("second accept changed state: current=%s offers=%v", snap.CurrentOrder.ID, snap.Offers)
	}
	if len(h.repo.mutations) != 1 {
		t.Fatalf("backend saw %d mutations, want 1", len(h.repo.mutations))
	}
}

func TestConcurrentAcceptIsRejected(t *testing.T) {
	h := signedIn(t)
	ctx := context.Background()
	h.offer(t, pendingOrder("O1", 1000))
	h.offer(t, pendingOrder("O2", 2000))

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	h.repo.mutateHook = func(string, domain.OrderStatus) {
		once.Do(func() { close(entered) })
		<-release
	}

	result := make(chan error, 1)
	go func() {
		_, err := h.session.AcceptOffer(ctx, "O1")
		result <- err
	}()
	<-entered

	if _, err := h.session.AcceptOffer(ctx, "O2"); !errors.Is(err, domain.ErrAcceptInProgress) {
		t.Fatalf("AcceptOffer during in-flight accept = %v, want ErrAcceptInProgress", err)
	}
	close(release)
	if err := <-result; err != nil {
		t.Fatalf("first AcceptOffer: %v", err)
	}
	if got := h.session.Snapshot().CurrentOrder; got == nil || got.ID != "O1" {
		t.Fatalf("CurrentOrder = %+v, want O1", got)
	}
}

func TestAcceptFailureLeavesOfferVisible(t *testing.T) {
	h := signedIn(t)
	h.offer(t, pendingOrder("O1", 1000))
	h.repo.mutateErr = domain.NetworkError("mutate status", errors.New("connection reset"))

	_, err := h.session.AcceptOffer(context.Background(), "O1")
	if !errors.Is(err, domain.ErrNetwork) {
		t.Fatalf("AcceptOffer = %v, want ErrNetwork", err)
	}
	snap := h.session.Snapshot()
	if snap.CurrentOrder != nil || !hasOffer(snap.Offers, "O1") || snap.DriverStatus != domain.DriverOnline {
		t.Fatalf("failed accept changed state: %+v", snap)
	}

	h.repo.mutateErr = nil
	if _, err := h.session.AcceptOffer(context.Background(), "O1"); err != nil {
		t.Fatalf("retry AcceptOffer: %v", err)
	}
}

func TestAcceptConflict(t *testing.T) {
	h := signedIn(t)
	o := pendingOrder("O1", 1000)
	h.offer(t, o)
	o.Status = domain.StatusCancelled
	h.repo.add(o, false)

	if _, err := h.session.AcceptOffer(context.Background(), "O1"); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("AcceptOffer on cancelled order = %v, want ErrConflict", err)
	}
}

func TestDutyGuard(t *testing.T) {
	h := signedIn(t)
	h.offer(t, pendingOrder("O1", 1000))
	if _, err := h.session.AcceptOffer(context.Background(), "O1"); err != nil {
		t.Fatal(err)
	}

	if h.session.SetDuty(false) {
		t.Fatal("SetDuty(false) with an active order returned true")
	}
	snap := h.session.Snapshot()
	if !snap.IsOnDuty() || snap.DriverStatus != domain.DriverBusy {
		t.Fatalf("refused toggle changed duty: %s", snap.DriverStatus)
	}

	// Internal status changes skip the guard.
	h.session.SetStatus(domain.DriverOnline)
	if got := h.session.Snapshot().DriverStatus; got != domain.DriverOnline {
		t.Fatalf("SetStatus = %s, want online", got)
	}
}

func TestDutyToggleSyncsPresence(t *testing.T) {
	h := signedIn(t)
	h.session.Wait()
	if call, ok := h.presence.last(); !ok || !call.online || call.status != domain.DriverOnline {
		t.Fatalf("presence after going on duty = %+v", call)
	}

	if !h.session.SetDuty(false) {
		t.Fatal("SetDuty(false) without an order refused")
	}
	h.session.Wait()
	if call, _ := h.presence.last(); call.online || call.status != domain.DriverOffline || call.driverID != "drv-1" {
		t.Fatalf("presence after going off duty = %+v", call)
	}
}

func TestPresenceFailureKeepsLocalState(t *testing.T) {
	h := newHarness(t, testConfig())
	h.presence.err = domain.NetworkError("publish", errors.New("broker down"))
	if err := h.session.SignIn(context.Background(), "token-1"); err != nil {
		t.Fatal(err)
	}
	if !h.session.SetDuty(true) {
		t.Fatal("SetDuty(true) refused because presence failed")
	}
	h.session.Wait()
	if !h.session.Snapshot().IsOnDuty() {
		t.Fatal("presence failure rolled back duty")
	}
	h.presence.mu.Lock()
	calls := len(h.presence.calls)
	h.presence.mu.Unlock()
	if calls != testConfig().BestEffortAttempts {
		t.Fatalf("presence attempts = %d, want %d", calls, testConfig().BestEffortAttempts)
	}
}

func TestEarningsAreExact(t *testing.T) {
	cfg := testConfig()
	cfg.RevenueShare = domain.MustShareRate("1.0")
	h := newHarness(t, cfg)
	ctx := context.Background()
	if err := h.session.SignIn(ctx, "token-1"); err != nil {
		t.Fatal(err)
	}
	h.session.SetDuty(true)

	for _, o := range []domain.Order{pendingOrder("A", 10), pendingOrder("B", 20)} {
		h.offer(t, o)
		if _, err := h.session.AcceptOffer(ctx, o.ID); err != nil {
			t.Fatal(err)
		}
		if _, err := h.session.Advance(ctx, domain.StatusInProgress); err != nil {
			t.Fatal(err)
		}
		if _, _, err := h.session.Complete(ctx, nil); err != nil {
			t.Fatal(err)
		}
	}
	if got := h.session.Earnings(); got != 30 {
		t.Fatalf("earnings = %d cents, want 30", got)
	}
	if got := h.session.EarningsMajor(); got != 0.30 {
		t.Fatalf("EarningsMajor() = %v, want exactly 0.30", got)
	}
}

func TestCompleteWithProof(t *testing.T) {
	h := signedIn(t)
	ctx := context.Background()
	h.offer(t, pendingOrder("O1", 1000))
	h.session.AcceptOffer(ctx, "O1")
	h.session.Advance(ctx, domain.StatusInProgress)

	if _, _, err := h.session.Complete(ctx, &domain.Proof{Kind: domain.ProofPhoto}); !errors.Is(err, domain.ErrInvalidProof) {
		t.Fatalf("Complete with empty proof = %v, want ErrInvalidProof", err)
	}
	done, _, err := h.session.Complete(ctx, &domain.Proof{Kind: domain.ProofSignature, Data: []byte("sig")})
	if err != nil {
		t.Fatal(err)
	}
	if done.Proof == nil || done.Proof.Kind != domain.ProofSignature || !done.Proof.CapturedAt.Equal(epoch) {
		t.Fatalf("proof not forwarded: %+v", done.Proof)
	}
	last := h.repo.mutations[len(h.repo.mutations)-1]
	if last.next != domain.StatusCompleted || last.fields.Proof == nil {
		t.Fatalf("last mutation = %+v", last)
	}
}

func TestCompletedEventIsIdempotent(t *testing.T) {
	h := signedIn(t)
	ctx := context.Background()
	h.offer(t, pendingOrder("O1", 1000))
	accepted, _ := h.session.AcceptOffer(ctx, "O1")

	completed := accepted.Stamp(domain.StatusCompleted, epoch)
	completed.Version = accepted.Version + 1
	h.repo.emit(completed)
	h.repo.emit(completed)

	snap := h.session.Snapshot()
	if snap.CurrentOrder != nil {
		t.Fatalf("CurrentOrder = %+v, want nil", snap.CurrentOrder)
	}
	if len(snap.History) != 1 || snap.History[0].ID != "O1" {
		t.Fatalf("History = %+v, want O1 exactly once", snap.History)
	}
	if snap.DriverStatus != domain.DriverOnline {
		t.Fatalf("DriverStatus = %s, want online", snap.DriverStatus)
	}
	if snap.Earnings != 0 {
		t.Fatalf("a remote event changed earnings to %d", snap.Earnings)
	}
}

func TestRejectBlacklistsOffer(t *testing.T) {
	h := signedIn(t)
	o := pendingOrder("O1", 1000)
	h.offer(t, o)

	if err := h.session.Reject("O1"); err != nil {
		t.Fatalf("Reject: %v", err)
	}
	h.session.Wait()
	if h.repo.releases() != 1 {
		t.Fatalf("ReleaseAssignment calls = %d, want 1", h.repo.releases())
	}

	o.Version = 9
	h.repo.emit(o)
	h.repo.emit(o)
	snap := h.session.Snapshot()
	if hasOffer(snap.Offers, "O1") {
		t.Fatal("rejected offer reappeared")
	}
	if len(snap.Refused) != 1 || snap.Refused[0] != "O1" {
		t.Fatalf("Refused = %v", snap.Refused)
	}
	if err := h.session.Reject("O1"); !errors.Is(err, domain.ErrOfferNotFound) {
		t.Fatalf("second Reject = %v, want ErrOfferNotFound", err)
	}
}

func TestRejectFailureIsNotRolledBack(t *testing.T) {
	h := signedIn(t)
	h.offer(t, pendingOrder("O1", 1000))
	h.repo.releaseErr = domain.NetworkError("release", errors.New("timeout"))

	if err := h.session.Reject("O1"); err != nil {
		t.Fatalf("Reject must not surface remote failure: %v", err)
	}
	h.session.Wait()
	if got := h.repo.releases(); got != testConfig().BestEffortAttempts {
		t.Fatalf("release attempts = %d, want %d", got, testConfig().BestEffortAttempts)
	}
	if hasOffer(h.session.Snapshot().Offers, "O1") {
		t.Fatal("failed release restored the offer")
	}
}

func TestRejectActiveOrder(t *testing.T) {
	h := signedIn(t)
	h.offer(t, pendingOrder("O1", 1000))
	h.session.AcceptOffer(context.Background(), "O1")
	if err := h.session.Reject("O1"); !errors.Is(err, domain.ErrCannotRejectActive) {
		t.Fatalf("Reject(active) = %v, want ErrCannotRejectActive", err)
	}
}

func TestOfferExpiresAfterTimeout(t *testing.T) {
	h := signedIn(t)
	o := pendingOrder("O1", 1000)
	h.offer(t, o)

	h.clock.Advance(20 * time.Second)
	// A redelivered identical offer does not restart the countdown.
	h.repo.emit(o)
	h.clock.Advance(9 * time.Second)
	if !hasOffer(h.session.Snapshot().Offers, "O1") {
		t.Fatal("offer expired early")
	}
	h.clock.Advance(time.Second)
	snap := h.session.Snapshot()
	if hasOffer(snap.Offers, "O1") {
		t.Fatal("offer still visible after 30s")
	}
	if len(snap.Refused) != 1 {
		t.Fatalf("expired offer not blacklisted: %v", snap.Refused)
	}
	h.session.Wait()
	if h.repo.releases() != 1 {
		t.Fatalf("expire released %d times, want 1", h.repo.releases())
	}

	h.repo.emit(o)
	if hasOffer(h.session.Snapshot().Offers, "O1") {
		t.Fatal("expired offer came back")
	}
}

func TestRemovedOfferCancelsCountdown(t *testing.T) {
	h := signedIn(t)
	o := pendingOrder("O1", 1000)
	h.offer(t, o)
	if h.session.timers.Len() != 1 {
		t.Fatalf("timers = %d, want 1", h.session.timers.Len())
	}

	claimed := o
	claimed.Status = domain.StatusAccepted
	claimed.DriverID = "drv-other"
	claimed.Version = 2
	h.repo.emit(claimed)

	if h.session.timers.Len() != 0 {
		t.Fatal("countdown kept running for a removed offer")
	}
	h.clock.Advance(time.Minute)
	h.session.Wait()
	if h.repo.releases() != 0 {
		t.Fatal("removed offer was expired")
	}
}

func TestAcceptedOfferIsNotExpired(t *testing.T) {
	h := signedIn(t)
	h.offer(t, pendingOrder("O1", 1000))
	if _, err := h.session.AcceptOffer(context.Background(), "O1"); err != nil {
		t.Fatal(err)
	}
	h.clock.Advance(time.Minute)
	if h.session.Snapshot().CurrentOrder == nil {
		t.Fatal("offer countdown cleared the accepted order")
	}
}

// acceptBlocked starts AcceptOffer(id) and holds it inside the backend
// call. The returned func lets the call finish and returns its error.
func acceptBlocked(t *testing.T, h *harness, id string) func() error {
	t.Helper()
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	h.repo.mutateHook = func(string, domain.OrderStatus) {
		once.Do(func() { close(entered) })
		<-release
	}
	result := make(chan error, 1)
	go func() {
		_, err := h.session.AcceptOffer(context.Background(), id)
		result <- err
	}()
	<-entered
	return func() error {
		close(release)
		return <-result
	}
}

func TestOfferCountdownDuringAcceptIsHeld(t *testing.T) {
	h := signedIn(t)
	o := pendingOrder("O1", 1000)
	h.offer(t, o)

	finish := acceptBlocked(t, h, "O1")
	h.clock.Advance(31 * time.Second)
	snap := h.session.Snapshot()
	if !hasOffer(snap.Offers, "O1") || len(snap.Refused) != 0 {
		t.Fatalf("countdown removed an offer being accepted: offers=%v refused=%v", snap.Offers, snap.Refused)
	}
	if err := finish(); err != nil {
		t.Fatalf("AcceptOffer: %v", err)
	}
	h.session.Wait()
	snap = h.session.Snapshot()
	if snap.CurrentOrder == nil || snap.CurrentOrder.ID != "O1" || len(snap.Refused) != 0 {
		t.Fatalf("after accept: current=%+v refused=%v", snap.CurrentOrder, snap.Refused)
	}
	if h.repo.releases() != 0 {
		t.Fatalf("accepted order was released %d times", h.repo.releases())
	}

	cancelled := o
	cancelled.Status = domain.StatusCancelled
	cancelled.DriverID = "drv-1"
	cancelled.Version = 50
	if got := h.session.reconciler.Apply(cancelled); got != OutcomeTerminal {
		t.Fatalf("cancel of the active order = %s, want %s", got, OutcomeTerminal)
	}
	snap = h.session.Snapshot()
	if snap.CurrentOrder != nil || snap.DriverStatus != domain.DriverOnline {
		t.Fatalf("after cancel: current=%+v status=%s", snap.CurrentOrder, snap.DriverStatus)
	}
	if !h.session.SetDuty(false) {
		t.Fatal("driver cannot go off duty after the cancellation")
	}
}

func TestOfferCountdownDuringFailedAcceptExpiresAfterwards(t *testing.T) {
	h := signedIn(t)
	h.offer(t, pendingOrder("O1", 1000))
	h.repo.mutateErr = domain.NetworkError("mutate status", errors.New("timeout"))

	finish := acceptBlocked(t, h, "O1")
	h.clock.Advance(31 * time.Second)
	if err := finish(); !errors.Is(err, domain.ErrNetwork) {
		t.Fatalf("AcceptOffer = %v, want ErrNetwork", err)
	}
	h.session.Wait()
	snap := h.session.Snapshot()
	if hasOffer(snap.Offers, "O1") || len(snap.Refused) != 1 {
		t.Fatalf("held expiry not applied: offers=%v refused=%v", snap.Offers, snap.Refused)
	}
	if h.repo.releases() != 1 {
		t.Fatalf("releases = %d, want 1", h.repo.releases())
	}
}

func TestRejectDuringAcceptIsRefused(t *testing.T) {
	h := signedIn(t)
	h.offer(t, pendingOrder("O1", 1000))

	finish := acceptBlocked(t, h, "O1")
	if err := h.session.Reject("O1"); !errors.Is(err, domain.ErrAcceptInProgress) {
		t.Fatalf("Reject during accept = %v, want ErrAcceptInProgress", err)
	}
	if err := finish(); err != nil {
		t.Fatalf("AcceptOffer: %v", err)
	}
	h.session.Wait()
	snap := h.session.Snapshot()
	if snap.CurrentOrder == nil || snap.CurrentOrder.ID != "O1" || len(snap.Refused) != 0 || h.repo.releases() != 0 {
		t.Fatalf("after accept: current=%+v refused=%v releases=%d", snap.CurrentOrder, snap.Refused, h.repo.releases())
	}
}

func TestOfferClaimedDuringAccept(t *testing.T) {
	h := signedIn(t)
	o := pendingOrder("O1", 1000)
	h.offer(t, o)

	finish := acceptBlocked(t, h, "O1")
	claimed := o
	claimed.Status = domain.StatusAccepted
	claimed.DriverID = "drv-other"
	claimed.Version = 2
	h.repo.add(claimed, false)
	h.repo.emit(claimed)
	if hasOffer(h.session.Snapshot().Offers, "O1") {
		t.Fatal("claimed offer still in the pool")
	}

	if err := finish(); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("AcceptOffer = %v, want ErrConflict", err)
	}
	snap := h.session.Snapshot()
	if snap.CurrentOrder != nil || snap.DriverStatus != domain.DriverOnline || len(snap.Offers) != 0 {
		t.Fatalf("after lost claim: current=%+v status=%s offers=%v", snap.CurrentOrder, snap.DriverStatus, snap.Offers)
	}
}

func TestLocationSyncWhileOnDuty(t *testing.T) {
	h := signedIn(t)
	h.session.SetLocation(domain.Coordinates{Latitude: 43.2, Longitude: 76.9, Timestamp: epoch})

	h.clock.Advance(3 * time.Second)
	r := waitReport(t, h.presence)
	if r.driverID != "drv-1" || r.lat != 43.2 || r.orderID != "" {
		t.Fatalf("report = %+v", r)
	}

	h.offer(t, pendingOrder("O1", 1000))
	h.session.AcceptOffer(context.Background(), "O1")
	h.clock.Advance(3 * time.Second)
	if r := waitReport(t, h.presence); r.orderID != "O1" {
		t.Fatalf("report while busy = %+v, want order O1", r)
	}

	h.session.SetStatus(domain.DriverOffline)
	if h.session.location.Running() {
		t.Fatal("location sync still running off duty")
	}
	h.clock.Advance(10 * time.Second)
	select {
	case r := <-h.presence.locations:
		t.Fatalf("report after going off duty: %+v", r)
	case <-time.After(20 * time.Millisecond):
	}
}

func waitReport(t *testing.T, p *fakePresence) locationReport {
	t.Helper()
	select {
	case r := <-p.locations:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("no location report")
	}
	return locationReport{}
}

func TestTeardownLeavesNoTimers(t *testing.T) {
	h := signedIn(t)
	h.offer(t, pendingOrder("O1", 1000))
	h.offer(t, pendingOrder("O2", 1000))
	if h.clock.Pending() == 0 {
		t.Fatal("expected running timers before teardown")
	}

	if err := h.session.SignOut(); err != nil {
		t.Fatalf("SignOut: %v", err)
	}
	if got := h.clock.Pending(); got != 0 {
		t.Fatalf("Pending() after SignOut = %d, want 0", got)
	}
	if h.repo.unsubscribed != h.repo.subscribed {
		t.Fatalf("subscriptions: %d opened, %d closed", h.repo.subscribed, h.repo.unsubscribed)
	}

	h2 := signedIn(t)
	h2.offer(t, pendingOrder("O1", 1000))
	h2.session.Close()
	if got := h2.clock.Pending(); got != 0 {
		t.Fatalf("Pending() after Close = %d, want 0", got)
	}
	if h2.session.Live() {
		t.Fatal("session still live after Close")
	}
}

func TestSignOutGuard(t *testing.T) {
	h := signedIn(t)
	ctx := context.Background()
	h.offer(t, pendingOrder("O1", 1000))
	h.session.AcceptOffer(ctx, "O1")

	if err := h.session.SignOut(); !errors.Is(err, domain.ErrActiveOrderBlocksSignOut) {
		t.Fatalf("SignOut with active order = %v", err)
	}
	if h.session.Snapshot().User == nil || !h.session.Live() {
		t.Fatal("refused SignOut tore the session down")
	}

	h.session.Advance(ctx, domain.StatusInProgress)
	h.session.Complete(ctx, nil)
	if err := h.session.SignOut(); err != nil {
		t.Fatalf("SignOut: %v", err)
	}
	h.session.Wait()
	snap := h.session.Snapshot()
	if snap.User != nil || snap.Authenticated || snap.IsOnDuty() {
		t.Fatalf("after SignOut: %+v", snap)
	}
	if call, _ := h.presence.last(); call.online || call.driverID != "drv-1" {
		t.Fatalf("presence not told about sign-out: %+v", call)
	}
	if _, err := h.session.AcceptOffer(ctx, "O2"); !errors.Is(err, domain.ErrNotSignedIn) {
		t.Fatalf("AcceptOffer after SignOut = %v, want ErrNotSignedIn", err)
	}
}

// An active order arriving while SignOut runs either blocks the sign-out
// with the session still live, or is dropped after it.
func TestSignOutRacingActiveOrder(t *testing.T) {
	for i := 0; i < 200; i++ {
		h := signedIn(t)
		active := pendingOrder("O1", 1000)
		active.Status = domain.StatusAccepted
		active.DriverID = "drv-1"
		active.Version = 2

		delivered := make(chan struct{})
		go func() {
			h.repo.emit(active)
			close(delivered)
		}()
		err := h.session.SignOut()
		<-delivered

		snap := h.session.Snapshot()
		switch {
		case err == nil:
			if snap.Authenticated || snap.CurrentOrder != nil || h.session.Live() {
				t.Fatalf("run %d: signed out but state kept: auth=%v current=%+v live=%v", i, snap.Authenticated, snap.CurrentOrder, h.session.Live())
			}
		case errors.Is(err, domain.ErrActiveOrderBlocksSignOut):
			if !snap.Authenticated || snap.CurrentOrder == nil || !h.session.Live() {
				t.Fatalf("run %d: refused sign-out left auth=%v current=%v live=%v", i, snap.Authenticated, snap.CurrentOrder != nil, h.session.Live())
			}
		default:
			t.Fatalf("run %d: SignOut = %v", i, err)
		}
	}
}

func TestSignInRejectsBadToken(t *testing.T) {
	h := newHarness(t, testConfig())
	if err := h.session.SignIn(context.Background(), "forged"); !errors.Is(err, errBadToken) {
		t.Fatalf("SignIn = %v, want errBadToken", err)
	}
	if h.session.Snapshot().User != nil || h.repo.subscribed != 0 {
		t.Fatal("rejected token started a session")
	}
}

func TestSignInRollsBackOnFetchFailure(t *testing.T) {
	h := newHarness(t, testConfig())
	h.repo.fetchErr = domain.NetworkError("fetch", errors.New("no route"))

	err := h.session.SignIn(context.Background(), "token-1")
	if !errors.Is(err, domain.ErrNetwork) {
		t.Fatalf("SignIn = %v, want ErrNetwork", err)
	}
	snap := h.session.Snapshot()
	if snap.User != nil || snap.Authenticated {
		t.Fatalf("failed sign-in left a user: %+v", snap.User)
	}
	if h.repo.unsubscribed != 1 || h.session.Live() {
		t.Fatal("failed sign-in left the subscription open")
	}
	if last := h.saver.latest(); last.User != nil {
		t.Fatalf("rolled-back identity not persisted: %+v", last.User)
	}
}

func TestSignInAsAnotherDriverResetsAccount(t *testing.T) {
	h := signedIn(t)
	ctx := context.Background()
	h.offer(t, pendingOrder("O1", 2550))
	h.session.AcceptOffer(ctx, "O1")
	h.session.Advance(ctx, domain.StatusInProgress)
	h.session.Complete(ctx, nil)

	if err := h.session.SignIn(ctx, "token-1"); err != nil {
		t.Fatal(err)
	}
	if h.session.Earnings() != 1020 || len(h.session.Snapshot().History) != 1 {
		t.Fatal("same driver signing in again lost history")
	}

	if err := h.session.SignIn(ctx, "token-2"); err != nil {
		t.Fatal(err)
	}
	snap := h.session.Snapshot()
	if snap.DriverID() != "drv-2" || snap.Earnings != 0 || len(snap.History) != 0 {
		t.Fatalf("another driver inherited the account: %+v", snap.Persisted)
	}
}

func TestInitialFetchLoadsOffersAndActiveOrder(t *testing.T) {
	h := newHarness(t, testConfig())
	h.repo.add(pendingOrder("O1", 1000), true)
	h.repo.add(pendingOrder("O2", 1000), true)
	active := pendingOrder("O3", 1500)
	active.Status = domain.StatusInProgress
	active.DriverID = "drv-1"
	h.repo.active = &active

	if err := h.session.SignIn(context.Background(), "token-1"); err != nil {
		t.Fatal(err)
	}
	snap := h.session.Snapshot()
	if len(snap.Offers) != 2 || snap.CurrentOrder == nil || snap.CurrentOrder.ID != "O3" {
		t.Fatalf("initial state: offers=%d current=%+v", len(snap.Offers), snap.CurrentOrder)
	}
	if snap.DriverStatus != domain.DriverBusy {
		t.Fatalf("DriverStatus = %s, want busy with a restored mission", snap.DriverStatus)
	}
}

func TestEventsDuringInitialFetchAreReplayed(t *testing.T) {
	h := newHarness(t, testConfig())
	o1 := pendingOrder("O1", 1000)
	h.repo.add(o1, true)

	cancelled := o1
	cancelled.Status = domain.StatusCancelled
	cancelled.Version = 2
	h.repo.beforeFetch = func() {
		h.repo.emit(pendingOrder("O2", 500))
		h.repo.emit(cancelled)
		if n := len(h.store.Snapshot().Offers); n != 0 {
			t.Errorf("event applied before the initial fetch finished (%d offers)", n)
		}
	}

	if err := h.session.SignIn(context.Background(), "token-1"); err != nil {
		t.Fatal(err)
	}
	offers := h.session.Snapshot().Offers
	if len(offers) != 1 || offers[0].ID != "O2" {
		t.Fatalf("offers = %+v, want only O2", offers)
	}
	if !h.session.Live() {
		t.Fatal("session not live after start")
	}
}

func TestResume(t *testing.T) {
	h := newHarness(t, testConfig())
	if err := h.session.Resume(context.Background()); !errors.Is(err, domain.ErrNotSignedIn) {
		t.Fatalf("Resume without identity = %v", err)
	}

	h.store.Update(func(tx *state.Tx) error {
		tx.Restore(state.Persisted{User: &domain.User{ID: "drv-1"}, Authenticated: true})
		return nil
	})
	h.repo.add(pendingOrder("O1", 1000), true)
	if err := h.session.Resume(context.Background()); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if len(h.session.Snapshot().Offers) != 1 || h.repo.subscribed != 1 {
		t.Fatal("Resume did not fetch and subscribe")
	}
}

func TestPersistOnChange(t *testing.T) {
	h := signedIn(t)
	ctx := context.Background()
	afterSignIn := h.saver.count()
	if afterSignIn == 0 {
		t.Fatal("sign-in was not persisted")
	}

	h.offer(t, pendingOrder("O1", 2550))
	h.session.AcceptOffer(ctx, "O1")
	h.session.Advance(ctx, domain.StatusInProgress)
	if h.saver.count() != afterSignIn {
		t.Fatal("volatile changes triggered a save")
	}

	h.session.Complete(ctx, nil)
	if h.saver.count() != afterSignIn+1 {
		t.Fatalf("saves = %d, want %d", h.saver.count(), afterSignIn+1)
	}
	saved := h.saver.latest()
	if saved.Earnings != 1020 || len(saved.History) != 1 {
		t.Fatalf("saved = %+v", saved)
	}

	prefs := domain.Preferences{NavigationApp: domain.NavigationWaze}
	h.session.UpdatePreferences(prefs)
	if h.saver.latest().Preferences != prefs {
		t.Fatal("preferences not persisted")
	}
	h.session.UpdateVehicle(domain.Vehicle{Make: "Toyota", Plate: "123ABC02"})
	if err := h.session.SetDocumentStatus(domain.DocumentLicense, domain.DocumentApproved, epoch); err != nil {
		t.Fatal(err)
	}
	if got := h.saver.latest().Documents[domain.DocumentLicense].Status; got != domain.DocumentApproved {
		t.Fatalf("document status = %s", got)
	}
	if err := h.session.SetDocumentStatus(domain.DocumentLicense, "lost", epoch); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("SetDocumentStatus(lost) = %v", err)
	}
}
