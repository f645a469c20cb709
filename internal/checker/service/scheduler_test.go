package service_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/forwardmx/dnscheck/internal/checker/model"
	"github.com/forwardmx/dnscheck/internal/checker/service"
)

func newScheduler(store *stubStore, domains *stubDomains, notifier *stubNotifier, check service.CheckFunc, maxJobs int) *service.Scheduler {
	return service.NewScheduler(store, domains, check, notifier, service.SchedulerConfig{
		PollInterval:   20 * time.Millisecond,
		MaxActiveJobs:  maxJobs,
		ResumeJitter:   time.Millisecond,
		ResultMaxBytes: 20000,
	}, zap.NewNop())
}

func pendingRow(store *stubStore, target string, expiresIn time.Duration) *model.Request {
	now := time.Now().UTC()
	return store.add(&model.Request{
		Target:    target,
		Type:      model.TypeEmail,
		Status:    model.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(expiresIn),
	})
}

func TestScheduler_promotesExactlyOnce(t *testing.T) {
	store := newStubStore()
	domains := &stubDomains{}
	notifier := &stubNotifier{}
	check := func(_ context.Context, _ string) (*model.CheckResult, error) {
		return passingResult(), nil
	}
	sched := newScheduler(store, domains, notifier, check, 5)
	defer sched.Shutdown(context.Background()) //nolint:errcheck

	req := pendingRow(store, "good.example", time.Hour)
	sched.StartForRequest(req, 0)

	if !waitFor(time.Second, func() bool { return store.get(req.ID).Status == model.StatusActive }) {
		t.Fatal("request never promoted")
	}
	if !waitFor(time.Second, func() bool { return sched.ActiveJobs() == 0 }) {
		t.Error("job not stopped after promotion")
	}

	row := store.get(req.ID)
	if row.ActivatedAt == nil {
		t.Error("activated_at not set")
	}
	if row.LastCheckResultJSON == nil {
		t.Error("check result not persisted")
	}

	changes := notifier.statusChanges()
	if len(changes) != 1 || changes[0].status != model.StatusActive {
		t.Errorf("status changes: %+v", changes)
	}
	if changes[0].result == nil || !changes[0].result.OK {
		t.Error("promotion email should carry the passing result")
	}
	if marked := domains.marked(); len(marked) != 1 || marked[0] != "good.example" {
		t.Errorf("domains marked: %v", marked)
	}
}

func TestScheduler_expiresOverdueRequest(t *testing.T) {
	store := newStubStore()
	notifier := &stubNotifier{}
	checkCalls := atomic.Int32{}
	check := func(_ context.Context, _ string) (*model.CheckResult, error) {
		checkCalls.Add(1)
		return failingResult(), nil
	}
	sched := newScheduler(store, &stubDomains{}, notifier, check, 5)
	defer sched.Shutdown(context.Background()) //nolint:errcheck

	req := pendingRow(store, "late.example", -time.Second)
	sched.StartForRequest(req, 0)

	if !waitFor(time.Second, func() bool { return store.get(req.ID).Status == model.StatusExpired }) {
		t.Fatal("request never expired")
	}
	row := store.get(req.ID)
	if row.FailReason == nil || *row.FailReason != "Request expired" {
		t.Errorf("fail_reason: %v", row.FailReason)
	}
	if checkCalls.Load() != 0 {
		t.Error("no DNS check should run for an overdue request")
	}

	changes := notifier.statusChanges()
	if len(changes) != 1 || changes[0].status != model.StatusExpired {
		t.Errorf("status changes: %+v", changes)
	}
	if changes[0].result != nil {
		t.Error("expiry email should carry no result")
	}
}

func TestScheduler_stopsWhenRowTerminal(t *testing.T) {
	store := newStubStore()
	checkCalls := atomic.Int32{}
	check := func(_ context.Context, _ string) (*model.CheckResult, error) {
		checkCalls.Add(1)
		return failingResult(), nil
	}
	sched := newScheduler(store, &stubDomains{}, &stubNotifier{}, check, 5)
	defer sched.Shutdown(context.Background()) //nolint:errcheck

	req := pendingRow(store, "done.example", time.Hour)
	store.mu.Lock()
	store.rows[req.ID].Status = model.StatusActive
	store.mu.Unlock()

	sched.StartForRequest(req, 0)
	if !waitFor(time.Second, func() bool { return sched.ActiveJobs() == 0 }) {
		t.Fatal("job for terminal row not stopped")
	}
	if checkCalls.Load() != 0 {
		t.Error("terminal row must not be checked")
	}
}

func TestScheduler_checkErrorKeepsPolling(t *testing.T) {
	store := newStubStore()
	checkCalls := atomic.Int32{}
	check := func(_ context.Context, _ string) (*model.CheckResult, error) {
		checkCalls.Add(1)
		return nil, errors.New("resolver unreachable\x00\x01")
	}
	sched := newScheduler(store, &stubDomains{}, &stubNotifier{}, check, 5)
	defer sched.Shutdown(context.Background()) //nolint:errcheck

	req := pendingRow(store, "flaky.example", time.Hour)
	sched.StartForRequest(req, 0)

	if !waitFor(time.Second, func() bool { return checkCalls.Load() >= 3 }) {
		t.Fatal("job stopped polling after a check error")
	}
	row := store.get(req.ID)
	if row.Status != model.StatusPending {
		t.Errorf("status changed on check error: %s", row.Status)
	}
	if row.FailReason == nil {
		t.Fatal("fail_reason not recorded")
	}
	for _, r := range *row.FailReason {
		if r < 0x20 {
			t.Errorf("fail_reason not sanitized: %q", *row.FailReason)
			break
		}
	}
	if sched.ActiveJobs() != 1 {
		t.Errorf("job should stay active, got %d", sched.ActiveJobs())
	}
}

func TestScheduler_capAndFIFOQueue(t *testing.T) {
	store := newStubStore()
	pass := atomic.Bool{}
	check := func(_ context.Context, _ string) (*model.CheckResult, error) {
		if pass.Load() {
			return passingResult(), nil
		}
		return failingResult(), nil
	}
	sched := newScheduler(store, &stubDomains{}, &stubNotifier{}, check, 2)
	defer sched.Shutdown(context.Background()) //nolint:errcheck

	reqs := []*model.Request{
		pendingRow(store, "a.example", time.Hour),
		pendingRow(store, "b.example", time.Hour),
		pendingRow(store, "c.example", time.Hour),
	}
	for _, req := range reqs {
		sched.StartForRequest(req, 0)
	}

	if got := sched.ActiveJobs(); got != 2 {
		t.Fatalf("active jobs: got %d, want cap of 2", got)
	}
	if !sched.AtCapacity() {
		t.Error("expected AtCapacity")
	}

	// Let checks pass: running jobs promote, freeing slots for the
	// queued job, which then promotes too.
	pass.Store(true)
	for _, req := range reqs {
		id := req.ID
		if !waitFor(2*time.Second, func() bool { return store.get(id).Status == model.StatusActive }) {
			t.Fatalf("request %d never promoted", id)
		}
	}
	if !waitFor(time.Second, func() bool { return sched.ActiveJobs() == 0 }) {
		t.Error("jobs not drained")
	}
}

func TestScheduler_duplicateStartIsNoop(t *testing.T) {
	store := newStubStore()
	check := func(_ context.Context, _ string) (*model.CheckResult, error) {
		return failingResult(), nil
	}
	sched := newScheduler(store, &stubDomains{}, &stubNotifier{}, check, 5)
	defer sched.Shutdown(context.Background()) //nolint:errcheck

	req := pendingRow(store, "dup.example", time.Hour)
	sched.StartForRequest(req, 0)
	sched.StartForRequest(req, 0)

	if got := sched.ActiveJobs(); got != 1 {
		t.Errorf("active jobs: got %d, want 1", got)
	}
}

func TestScheduler_resumeStartsPendingRows(t *testing.T) {
	store := newStubStore()
	check := func(_ context.Context, _ string) (*model.CheckResult, error) {
		return failingResult(), nil
	}
	sched := newScheduler(store, &stubDomains{}, &stubNotifier{}, check, 10)
	defer sched.Shutdown(context.Background()) //nolint:errcheck

	pendingRow(store, "one.example", time.Hour)
	pendingRow(store, "two.example", time.Hour)
	expired := pendingRow(store, "old.example", -time.Hour)
	done := pendingRow(store, "done.example", time.Hour)
	store.mu.Lock()
	store.rows[done.ID].Status = model.StatusActive
	store.mu.Unlock()

	if err := sched.Resume(context.Background()); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if got := sched.ActiveJobs(); got != 2 {
		t.Errorf("resumed jobs: got %d, want 2", got)
	}
	if store.get(expired.ID).Status != model.StatusPending {
		t.Error("already-expired row must not be resumed or transitioned by Resume")
	}
}

func TestScheduler_shutdownStopsJobs(t *testing.T) {
	store := newStubStore()
	check := func(_ context.Context, _ string) (*model.CheckResult, error) {
		return failingResult(), nil
	}
	sched := newScheduler(store, &stubDomains{}, &stubNotifier{}, check, 5)

	sched.StartForRequest(pendingRow(store, "x.example", time.Hour), 0)
	sched.StartForRequest(pendingRow(store, "y.example", time.Hour), 0)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := sched.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}
