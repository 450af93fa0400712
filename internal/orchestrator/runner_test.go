package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aristath/runbook/internal/events"
	"github.com/aristath/runbook/internal/gate"
	"github.com/aristath/runbook/internal/persistence"
	"github.com/aristath/runbook/internal/reconcile"
	"github.com/aristath/runbook/internal/sandbox"
	"github.com/aristath/runbook/internal/scheduler"
	"github.com/aristath/runbook/internal/snapshot"
	"github.com/aristath/runbook/internal/vault"
)

var testPrincipal = snapshot.Principal{User: "ops", Host: "db01"}

// newTestStore creates a checkpoint store in a temp dir with a fixed secret.
func newTestStore(t *testing.T) *vault.Store {
	t.Helper()
	store, err := vault.New(t.TempDir(),
		vault.WithSecretSource(vault.StaticSecret("0123456789abcdef0123456789abcdef")),
		vault.WithPrincipal(testPrincipal),
		vault.WithLockTimeout(time.Second),
	)
	if err != nil {
		t.Fatalf("vault.New failed: %v", err)
	}
	return store
}

func newTestRegistry(t *testing.T, descs ...scheduler.TaskDescriptor) *scheduler.Registry {
	t.Helper()
	reg, err := scheduler.NewRegistry(descs...)
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	return reg
}

func task(name string, order int, body sandbox.Body) scheduler.TaskDescriptor {
	return scheduler.TaskDescriptor{Name: name, Order: order, Body: body}
}

func approval(name string, order int, params gate.Params) scheduler.TaskDescriptor {
	return scheduler.TaskDescriptor{Name: name, Order: order, Kind: scheduler.KindApprovalGate, Gate: &params}
}

// recorder notes the order in which bodies run.
type recorder struct {
	mu   sync.Mutex
	runs []string
}

func (r *recorder) body(name string) sandbox.Body {
	return func(tc *sandbox.TaskContext) error {
		r.mu.Lock()
		r.runs = append(r.runs, name)
		r.mu.Unlock()
		tc.Info("running %s", name)
		return nil
	}
}

func (r *recorder) calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.runs)
}

func newTestRunner(t *testing.T, cfg Config, reg *scheduler.Registry, deps Deps) *Runner {
	t.Helper()
	if deps.Sandbox == nil {
		deps.Sandbox = sandbox.New(sandbox.WithGracePeriod(200 * time.Millisecond))
	}
	r, err := New(cfg, "maintenance", reg, deps)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return r
}

func TestRunCompletesInOrder(t *testing.T) {
	rec := &recorder{}
	reg := newTestRegistry(t,
		task("C", 30, rec.body("C")),
		task("A", 10, func(tc *sandbox.TaskContext) error {
			rec.body("A")(tc)
			tc.SetResult("backup_id", "bk-42")
			return tc.SetProgress(50, "halfway")
		}),
		task("B", 20, func(tc *sandbox.TaskContext) error {
			rec.body("B")(tc)
			id, ok := tc.Input("backup_id")
			if !ok || id != "bk-42" {
				return fmt.Errorf("missing carried-forward result, got %q", id)
			}
			return nil
		}),
	)
	store := newTestStore(t)
	r := newTestRunner(t, Config{CheckpointEveryTask: true}, reg, Deps{Checkpoints: store})

	res, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Status != scheduler.WorkflowCompleted {
		t.Fatalf("status = %v, want Completed (failure: %s)", res.Status, res.FailureReason)
	}
	if got := rec.calls(); !slices.Equal(got, []string{"A", "B", "C"}) {
		t.Errorf("execution order = %v", got)
	}
	if res.Results["backup_id"] != "bk-42" {
		t.Errorf("results = %v", res.Results)
	}
	if store.Exists(store.Path("maintenance")) {
		t.Error("checkpoint should be erased after success")
	}

	rt := r.Runtime()
	for _, st := range rt.Tasks {
		if st.Status != scheduler.TaskCompleted || st.Progress != 100 || st.Attempts != 1 {
			t.Errorf("task %s: status=%v progress=%d attempts=%d", st.Name, st.Status, st.Progress, st.Attempts)
		}
		if len(st.Output) == 0 {
			t.Errorf("task %s captured no output", st.Name)
		}
	}
	if rt.CurrentIndex != 3 || rt.EndedAt.IsZero() {
		t.Errorf("index=%d ended=%v", rt.CurrentIndex, rt.EndedAt)
	}
}

func TestSuspendAndResume(t *testing.T) {
	var aRuns, bRuns, cRuns atomic.Int32
	descs := func() []scheduler.TaskDescriptor {
		return []scheduler.TaskDescriptor{
			task("A", 1, func(tc *sandbox.TaskContext) error {
				aRuns.Add(1)
				tc.SetResult("patched", "yes")
				return nil
			}),
			task("B", 2, func(tc *sandbox.TaskContext) error {
				if bRuns.Add(1) == 1 {
					tc.Info("kernel updated")
					return tc.RequestSuspend("kernel update requires restart")
				}
				if v, _ := tc.Input("patched"); v != "yes" {
					return errors.New("result lost across restart")
				}
				return nil
			}),
			task("C", 3, func(tc *sandbox.TaskContext) error {
				cRuns.Add(1)
				return nil
			}),
		}
	}

	store := newTestStore(t)
	first := newTestRunner(t, Config{}, newTestRegistry(t, descs()...), Deps{Checkpoints: store})

	res, err := first.Run(context.Background())
	if err != nil {
		t.Fatalf("first Run failed: %v", err)
	}
	if !res.Suspended || res.SuspendedTask != "B" || res.SuspendReason != "kernel update requires restart" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Status != scheduler.WorkflowRunning {
		t.Errorf("suspended workflow status = %v, want Running", res.Status)
	}
	if res.CheckpointPath == "" || !store.Exists(res.CheckpointPath) {
		t.Fatalf("checkpoint missing at %q", res.CheckpointPath)
	}
	if _, err := first.Advance(context.Background()); !errors.Is(err, ErrSuspended) {
		t.Errorf("Advance after suspension = %v, want ErrSuspended", err)
	}

	// New process: fresh registry, load and reconcile
	snap, err := store.Load(res.CheckpointPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got := snap.Runtime.Tasks[1].Status; got != scheduler.TaskPendingReboot {
		t.Errorf("saved B status = %v", got)
	}
	reg := newTestRegistry(t, descs()...)
	plan, err := reconcile.Reconcile("maintenance", reg, snap, time.Now())
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	second, err := Resume(Config{}, reg, plan, Deps{Checkpoints: store, Sandbox: sandbox.New()})
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	res, err = second.Run(context.Background())
	if err != nil {
		t.Fatalf("resumed Run failed: %v", err)
	}
	if res.Status != scheduler.WorkflowCompleted {
		t.Fatalf("resumed status = %v (%s)", res.Status, res.FailureReason)
	}
	if aRuns.Load() != 1 || bRuns.Load() != 2 || cRuns.Load() != 1 {
		t.Errorf("runs A=%d B=%d C=%d, want 1/2/1", aRuns.Load(), bRuns.Load(), cRuns.Load())
	}
	rt := second.Runtime()
	if rt.RestartCount != 1 || len(rt.Restarts) != 1 || rt.Restarts[0].Reason != "kernel update requires restart" {
		t.Errorf("restart history = %d %+v", rt.RestartCount, rt.Restarts)
	}
	if !rt.Tasks[0].PreCompleted {
		t.Error("A should be marked pre-completed")
	}
	if rt.RunID != first.Runtime().RunID {
		t.Error("resumed run should keep its run id")
	}
	if store.Exists(store.Path("maintenance")) {
		t.Error("checkpoint should be erased after the resumed run completes")
	}
}

func TestResumeTerminalPlan(t *testing.T) {
	reg := newTestRegistry(t, task("A", 1, func(*sandbox.TaskContext) error {
		t.Error("pre-completed task must not run")
		return nil
	}))
	store := newTestStore(t)

	saved := scheduler.NewWorkflowRuntime("maintenance", "run-1", reg)
	saved.Status = scheduler.WorkflowRunning
	saved.Tasks[0].Status = scheduler.TaskCompleted
	saved.CurrentIndex = 1
	path, err := store.Save(context.Background(), &snapshot.Snapshot{WorkflowID: "maintenance", Runtime: saved})
	if err != nil {
		t.Fatal(err)
	}

	snap, err := store.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	plan, err := reconcile.Reconcile("maintenance", reg, snap, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if !plan.Terminal {
		t.Fatal("expected a terminal plan")
	}
	r, err := Resume(Config{}, reg, plan, Deps{Checkpoints: store})
	if err != nil {
		t.Fatal(err)
	}
	res, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Status != scheduler.WorkflowCompleted {
		t.Errorf("status = %v", res.Status)
	}
	if store.Exists(path) {
		t.Error("checkpoint should be erased")
	}
}

func TestApprovalGate(t *testing.T) {
	tests := []struct {
		name       string
		decision   gate.Decision
		wantStatus scheduler.WorkflowStatus
		wantReason string
	}{
		{
			name:       "approve continues",
			decision:   gate.Decision{Action: gate.ActionApprove, Reason: "window open", DecidedBy: "alice"},
			wantStatus: scheduler.WorkflowCompleted,
		},
		{
			name:       "reject fails with reason",
			decision:   gate.Decision{Action: gate.ActionReject, Reason: "budget not approved", DecidedBy: "bob"},
			wantStatus: scheduler.WorkflowFailed,
			wantReason: "budget not approved",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recorder{}
			reg := newTestRegistry(t,
				task("prepare", 1, rec.body("prepare")),
				approval("confirm", 2, gate.Params{Message: "Proceed with migration?", ReasonRequired: true}),
				task("migrate", 3, rec.body("migrate")),
			)
			store := newTestStore(t)
			gates := gate.NewController()
			r := newTestRunner(t, Config{}, reg, Deps{Checkpoints: store, Gates: gates})

			go func() {
				req := <-gates.Requests()
				if req.Task != "confirm" {
					t.Errorf("request for %q", req.Task)
				}
				// The gate checkpoint is written before waiting
				if !store.Exists(store.Path("maintenance")) {
					t.Error("no checkpoint while awaiting approval")
				}
				if err := gates.Decide(req.Task, gate.Decision{Action: tt.decision.Action, DecidedBy: "x"}); !errors.Is(err, gate.ErrReasonRequired) {
					t.Errorf("Decide without reason = %v", err)
				}
				if err := gates.Decide(req.Task, tt.decision); err != nil {
					t.Errorf("Decide failed: %v", err)
				}
			}()

			res, err := r.Run(context.Background())
			if err != nil {
				t.Fatalf("Run failed: %v", err)
			}
			if res.Status != tt.wantStatus {
				t.Fatalf("status = %v, want %v", res.Status, tt.wantStatus)
			}

			st, _ := r.Runtime().Task("confirm")
			if st.Approval == nil || st.Approval.Reason != tt.decision.Reason || st.Approval.DecidedBy != tt.decision.DecidedBy {
				t.Errorf("approval = %+v", st.Approval)
			}

			if tt.wantReason == "" {
				if got := rec.calls(); !slices.Equal(got, []string{"prepare", "migrate"}) {
					t.Errorf("calls = %v", got)
				}
				return
			}
			if !strings.Contains(st.Error, tt.wantReason) || !strings.Contains(res.FailureReason, tt.wantReason) {
				t.Errorf("error=%q failure=%q, want reason %q", st.Error, res.FailureReason, tt.wantReason)
			}
			if got := rec.calls(); !slices.Equal(got, []string{"prepare"}) {
				t.Errorf("task after rejected gate ran: %v", got)
			}
			if !store.Exists(store.Path("maintenance")) {
				t.Error("checkpoint should be kept after an abort failure")
			}
		})
	}
}

// instantClock fires every timer immediately.
type instantClock struct{ now time.Time }

func (c instantClock) Now() time.Time { return c.now }

func (c instantClock) After(time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- c.now
	return ch
}

func TestApprovalTimeout(t *testing.T) {
	clock := instantClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}

	t.Run("declared timeout applies its default action", func(t *testing.T) {
		reg := newTestRegistry(t, approval("window", 1, gate.Params{
			Message:              "Maintenance window?",
			TimeoutMinutes:       5,
			DefaultTimeoutAction: gate.ActionApprove,
		}))
		r := newTestRunner(t, Config{}, reg, Deps{Checkpoints: newTestStore(t), Gates: gate.NewController(gate.WithClock(clock))})

		res, err := r.Run(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if res.Status != scheduler.WorkflowCompleted {
			t.Fatalf("status = %v", res.Status)
		}
		st, _ := r.Runtime().Task("window")
		if st.Approval == nil || !st.Approval.TimedOut || st.Approval.DecidedBy != gate.DecidedByTimeout {
			t.Errorf("approval = %+v", st.Approval)
		}
		if st.Approval.Reason != "approval timed out after 5 minute(s)" {
			t.Errorf("reason = %q", st.Approval.Reason)
		}
	})

	t.Run("configured default timeout rejects", func(t *testing.T) {
		reg := newTestRegistry(t, approval("window", 1, gate.Params{Message: "Maintenance window?"}))
		cfg := Config{DefaultGateTimeoutMinutes: 10}
		r := newTestRunner(t, cfg, reg, Deps{Checkpoints: newTestStore(t), Gates: gate.NewController(gate.WithClock(clock))})

		res, err := r.Run(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if res.Status != scheduler.WorkflowFailed || !strings.Contains(res.FailureReason, "timed out after 10 minute(s)") {
			t.Errorf("status=%v reason=%q", res.Status, res.FailureReason)
		}
	})
}

func TestFailurePolicies(t *testing.T) {
	boom := func(*sandbox.TaskContext) error { return errors.New("disk full") }

	t.Run("abort stops the run", func(t *testing.T) {
		rec := &recorder{}
		reg := newTestRegistry(t, task("A", 1, boom), task("B", 2, rec.body("B")))
		r := newTestRunner(t, Config{}, reg, Deps{Checkpoints: newTestStore(t)})

		res, err := r.Run(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if res.Status != scheduler.WorkflowFailed || !strings.Contains(res.FailureReason, "disk full") {
			t.Errorf("status=%v reason=%q", res.Status, res.FailureReason)
		}
		if len(rec.calls()) != 0 {
			t.Error("B ran after an abort failure")
		}
		rt := r.Runtime()
		if rt.CurrentIndex != 0 {
			t.Errorf("index moved past a failed abort task: %d", rt.CurrentIndex)
		}
		if rt.Tasks[0].Status != scheduler.TaskFailed || !strings.Contains(rt.Tasks[0].Error, "disk full") {
			t.Errorf("A = %+v", rt.Tasks[0])
		}
	})

	t.Run("continue moves on and skips dependants", func(t *testing.T) {
		rec := &recorder{}
		a := task("A", 1, boom)
		a.FailurePolicy = scheduler.PolicyContinue
		b := task("B", 2, rec.body("B"))
		b.Requires = []string{"A"}
		reg := newTestRegistry(t, a, b, task("C", 3, rec.body("C")))
		r := newTestRunner(t, Config{}, reg, Deps{Checkpoints: newTestStore(t)})

		res, err := r.Run(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if res.Status != scheduler.WorkflowCompleted {
			t.Fatalf("status = %v", res.Status)
		}
		if got := rec.calls(); !slices.Equal(got, []string{"C"}) {
			t.Errorf("calls = %v", got)
		}
		if res.Counts.Failed != 1 || res.Counts.Skipped != 1 || res.Counts.Completed != 1 {
			t.Errorf("counts = %+v", res.Counts)
		}
	})
}

func TestRetries(t *testing.T) {
	var calls atomic.Int32
	flaky := task("flaky", 1, func(tc *sandbox.TaskContext) error {
		n := calls.Add(1)
		if err := tc.SetProgress(int(n)*10, "trying"); err != nil {
			return err
		}
		if n < 3 {
			return fmt.Errorf("transient error %d", n)
		}
		return nil
	})
	flaky.Retry = scheduler.RetryPolicy{MaxAttempts: 3, InitialInterval: time.Millisecond}
	reg := newTestRegistry(t, flaky)
	cfg := Config{Retry: RetryConfig{InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond, Multiplier: 2}}
	r := newTestRunner(t, cfg, reg, Deps{Checkpoints: newTestStore(t)})

	res, err := r.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != scheduler.WorkflowCompleted {
		t.Fatalf("status = %v (%s)", res.Status, res.FailureReason)
	}
	st, _ := r.Runtime().Task("flaky")
	if st.Attempts != 3 || calls.Load() != 3 {
		t.Errorf("attempts = %d, calls = %d", st.Attempts, calls.Load())
	}
	retried := 0
	for _, line := range st.Output {
		if strings.Contains(line.Text, "retrying in") {
			retried++
		}
	}
	if retried != 2 {
		t.Errorf("expected 2 retry notices, got %d", retried)
	}
}

func TestRetriesExhausted(t *testing.T) {
	var calls atomic.Int32
	d := task("broken", 1, func(*sandbox.TaskContext) error {
		calls.Add(1)
		return errors.New("still broken")
	})
	d.Retry = scheduler.RetryPolicy{MaxAttempts: 2, InitialInterval: time.Millisecond}
	r := newTestRunner(t, Config{}, newTestRegistry(t, d), Deps{Checkpoints: newTestStore(t)})

	res, err := r.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != scheduler.WorkflowFailed || calls.Load() != 2 {
		t.Errorf("status=%v calls=%d", res.Status, calls.Load())
	}
}

func TestCancel(t *testing.T) {
	started := make(chan struct{})
	reg := newTestRegistry(t,
		task("long", 1, func(tc *sandbox.TaskContext) error {
			close(started)
			<-tc.Context().Done()
			tc.Warn("stopping early")
			return tc.Context().Err()
		}),
		task("never", 2, func(*sandbox.TaskContext) error {
			t.Error("task after cancellation ran")
			return nil
		}),
	)
	store := newTestStore(t)
	r := newTestRunner(t, Config{CheckpointEveryTask: true}, reg, Deps{Checkpoints: store})

	go func() {
		<-started
		r.Cancel()
	}()

	res, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Status != scheduler.WorkflowCancelled {
		t.Fatalf("status = %v", res.Status)
	}
	st, _ := r.Runtime().Task("long")
	if st.Status != scheduler.TaskNotStarted {
		t.Errorf("cancelled task status = %v", st.Status)
	}
	if len(st.Output) == 0 {
		t.Error("output captured before cancellation was lost")
	}
	if store.Exists(store.Path("maintenance")) {
		t.Error("checkpoint should be erased on cancellation")
	}
}

func TestCancelWhileAwaitingApproval(t *testing.T) {
	gates := gate.NewController()
	reg := newTestRegistry(t, approval("confirm", 1, gate.Params{Message: "Go?"}))
	r := newTestRunner(t, Config{}, reg, Deps{Checkpoints: newTestStore(t), Gates: gates})

	go func() {
		<-gates.Requests()
		r.Cancel()
	}()

	res, err := r.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != scheduler.WorkflowCancelled {
		t.Errorf("status = %v", res.Status)
	}
	if len(gates.Pending()) != 0 {
		t.Error("gate still pending after cancellation")
	}
}

func TestCallerContextInterruptsButStaysResumable(t *testing.T) {
	started := make(chan struct{})
	reg := newTestRegistry(t,
		task("A", 1, func(*sandbox.TaskContext) error { return nil }),
		task("B", 2, func(tc *sandbox.TaskContext) error {
			close(started)
			<-tc.Context().Done()
			return tc.Context().Err()
		}),
	)
	store := newTestStore(t)
	r := newTestRunner(t, Config{}, reg, Deps{Checkpoints: store})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	res, err := r.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run error = %v, want context.Canceled", err)
	}
	if res.Status != scheduler.WorkflowRunning {
		t.Errorf("status = %v, want Running", res.Status)
	}

	snap, err := store.Load(store.Path("maintenance"))
	if err != nil {
		t.Fatalf("no resumable checkpoint: %v", err)
	}
	if snap.Runtime.CurrentIndex != 1 || snap.Runtime.Tasks[1].Status != scheduler.TaskNotStarted {
		t.Errorf("saved index=%d B=%v", snap.Runtime.CurrentIndex, snap.Runtime.Tasks[1].Status)
	}
}

func TestAdvanceStepByStep(t *testing.T) {
	reg := newTestRegistry(t,
		task("A", 1, func(*sandbox.TaskContext) error { return nil }),
		task("B", 2, func(*sandbox.TaskContext) error { return nil }),
	)
	r := newTestRunner(t, Config{}, reg, Deps{Checkpoints: newTestStore(t)})
	ctx := context.Background()

	if _, err := r.Advance(ctx); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("Advance before Start = %v", err)
	}
	if err := r.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := r.Start(ctx); !errors.Is(err, scheduler.ErrIllegalTransition) {
		t.Errorf("second Start = %v", err)
	}

	step, err := r.Advance(ctx)
	if err != nil || step.Task != "A" || step.Status != scheduler.TaskCompleted || step.Done {
		t.Fatalf("first step = %+v, %v", step, err)
	}
	if got := r.Runtime().CurrentIndex; got != 1 {
		t.Errorf("index after A = %d", got)
	}

	step, err = r.Advance(ctx)
	if err != nil || step.Task != "B" || !step.Done {
		t.Fatalf("second step = %+v, %v", step, err)
	}
	if _, err := r.Advance(ctx); !errors.Is(err, ErrFinished) {
		t.Errorf("Advance after finish = %v", err)
	}
}

func TestEventsPublished(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Close()
	sub := bus.SubscribeAll(1024)

	reg := newTestRegistry(t,
		task("A", 1, func(tc *sandbox.TaskContext) error {
			tc.Info("hello")
			return tc.SetProgress(40, "working")
		}),
		approval("ok", 2, gate.Params{Message: "ok?"}),
	)
	gates := gate.NewController(gate.WithDecider(gate.AutoDecider(gate.ActionApprove, "unattended", "auto")))
	r := newTestRunner(t, Config{}, reg, Deps{Checkpoints: newTestStore(t), Gates: gates, Bus: bus})

	if _, err := r.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	seen := make(map[string]int)
	for done := false; !done; {
		select {
		case ev := <-sub:
			seen[ev.EventType()]++
		default:
			done = true
		}
	}
	for _, want := range []string{
		events.EventTypeTaskStarted,
		events.EventTypeTaskOutput,
		events.EventTypeTaskProgress,
		events.EventTypeTaskFinished,
		events.EventTypeApprovalRequested,
		events.EventTypeApprovalDecided,
		events.EventTypeWorkflowProgress,
		events.EventTypeWorkflowFinished,
	} {
		if seen[want] == 0 {
			t.Errorf("no %s event published (seen %v)", want, seen)
		}
	}
	if bus.Dropped() != 0 {
		t.Errorf("%d events dropped", bus.Dropped())
	}
}

func TestJournalRecordsRun(t *testing.T) {
	journal, err := persistence.NewMemoryStore(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer journal.Close()

	reg := newTestRegistry(t,
		task("A", 1, func(*sandbox.TaskContext) error { return nil }),
		approval("ok", 2, gate.Params{Message: "ok?"}),
	)
	gates := gate.NewController(gate.WithDecider(gate.AutoDecider(gate.ActionReject, "not today", "auto")))
	r := newTestRunner(t, Config{}, reg, Deps{Checkpoints: newTestStore(t), Gates: gates, Journal: journal})

	res, err := r.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	run, err := journal.GetRun(ctx, res.RunID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if run.Status != "Failed" || run.User != "ops" || run.Host != "db01" || !strings.Contains(run.FailureReason, "not today") {
		t.Errorf("run = %+v", run)
	}
	approvals, err := journal.ListApprovals(ctx, res.RunID)
	if err != nil || len(approvals) != 1 || approvals[0].Action != "Rejected" {
		t.Errorf("approvals = %+v, %v", approvals, err)
	}
	taskEvents, err := journal.ListTaskEvents(ctx, res.RunID)
	if err != nil || len(taskEvents) < 4 {
		t.Errorf("task events = %+v, %v", taskEvents, err)
	}
}

func TestNewValidatesDeps(t *testing.T) {
	reg := newTestRegistry(t, task("A", 1, func(*sandbox.TaskContext) error { return nil }))
	if _, err := New(Config{}, "wf", reg, Deps{}); err == nil {
		t.Error("expected error without checkpoint store")
	}
	if _, err := New(Config{}, "", reg, Deps{Checkpoints: newTestStore(t)}); err == nil {
		t.Error("expected error for empty workflow id")
	}
	if _, err := Resume(Config{}, reg, nil, Deps{Checkpoints: newTestStore(t)}); err == nil {
		t.Error("expected error for nil plan")
	}
}
