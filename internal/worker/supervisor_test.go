package worker

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskcrew/taskcrew/internal/bus"
	"github.com/taskcrew/taskcrew/internal/graph"
)

// blockingExecutor runs until released, heartbeating unless told not to.
type blockingExecutor struct {
	mu        sync.Mutex
	started   chan string
	release   chan struct{}
	heartbeat bool
	executed  []string
}

func newBlockingExecutor(heartbeat bool) *blockingExecutor {
	return &blockingExecutor{
		started:   make(chan string, 16),
		release:   make(chan struct{}),
		heartbeat: heartbeat,
	}
}

func (e *blockingExecutor) Execute(ctx context.Context, a *Assignment) Result {
	e.mu.Lock()
	e.executed = append(e.executed, a.Task.ID)
	e.mu.Unlock()
	e.started <- a.Task.ID

	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-e.release:
			return Result{Outcome: graph.Succeeded(), Summary: "done"}
		case <-ctx.Done():
			return Result{Outcome: graph.Failed(ctx.Err().Error())}
		case <-ticker.C:
			if e.heartbeat {
				a.Heartbeat()
			}
		}
	}
}

func instantExecutor(res Result) Executor {
	return ExecutorFunc(func(ctx context.Context, a *Assignment) Result {
		return res
	})
}

func testConfig(workers int) Config {
	return Config{
		Workers:          workers,
		HeartbeatTimeout: 100 * time.Millisecond,
		ShutdownRetries:  3,
		AckTimeout:       200 * time.Millisecond,
	}
}

func startPool(t *testing.T, cfg Config, exec Executor) (*Supervisor, *bus.Bus, <-chan bus.Notification) {
	t.Helper()
	b := bus.New()
	coordCh, err := b.Subscribe(CoordinatorRecipient,
		bus.KindCompletion, bus.KindFailure, bus.KindSkip)
	require.NoError(t, err)

	s := NewSupervisor(cfg, b, exec)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(s.Stop)
	return s, b, coordCh
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}

func TestConfig_Defaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, 30*time.Second, cfg.HeartbeatTimeout)
	assert.Equal(t, 3, cfg.ShutdownRetries)
	assert.Equal(t, 5*time.Second, cfg.AckTimeout)
}

func TestSupervisor_StartSpawnsPool(t *testing.T) {
	s, _, _ := startPool(t, testConfig(3), instantExecutor(Result{Outcome: graph.Succeeded()}))

	assert.Len(t, s.Workers(), 3)
	waitFor(t, time.Second, func() bool { return len(s.IdleWorkers()) == 3 })

	require.Error(t, s.Start(context.Background()), "double start must fail")
}

func TestSupervisor_AssignReportsOutcome(t *testing.T) {
	s, _, coordCh := startPool(t, testConfig(1),
		instantExecutor(Result{Outcome: graph.Succeeded(), Summary: "built", ArtifactRef: "team/t1/out.json"}))

	waitFor(t, time.Second, func() bool { return len(s.IdleWorkers()) == 1 })
	workerID := s.IdleWorkers()[0]

	err := s.Assign(workerID, &Assignment{Task: graph.Record{ID: "t1", Subject: "build"}})
	require.NoError(t, err)

	select {
	case n := <-coordCh:
		assert.Equal(t, bus.KindCompletion, n.Kind)
		assert.Equal(t, workerID, n.Sender)
		assert.Equal(t, "built", n.Summary)
		assert.Equal(t, "team/t1/out.json", n.ArtifactRef)
	case <-time.After(time.Second):
		t.Fatal("no completion notification")
	}
	assert.Equal(t, int64(1), s.Metrics().Assigned())
}

func TestSupervisor_AssignBusyWorkerFails(t *testing.T) {
	exec := newBlockingExecutor(true)
	s, _, _ := startPool(t, testConfig(1), exec)

	waitFor(t, time.Second, func() bool { return len(s.IdleWorkers()) == 1 })
	workerID := s.IdleWorkers()[0]

	require.NoError(t, s.Assign(workerID, &Assignment{Task: graph.Record{ID: "t1"}}))
	<-exec.started

	err := s.Assign(workerID, &Assignment{Task: graph.Record{ID: "t2"}})
	assert.Error(t, err)
	close(exec.release)
}

func TestSupervisor_AssignUnknownWorker(t *testing.T) {
	s, _, _ := startPool(t, testConfig(1), instantExecutor(Result{Outcome: graph.Succeeded()}))
	err := s.Assign("worker-missing", &Assignment{Task: graph.Record{ID: "t1"}})
	assert.ErrorIs(t, err, ErrWorkerNotFound)
}

func TestSupervisor_ShutdownHandshakeApproved(t *testing.T) {
	s, _, _ := startPool(t, testConfig(2), instantExecutor(Result{Outcome: graph.Succeeded()}))
	waitFor(t, time.Second, func() bool { return len(s.IdleWorkers()) == 2 })

	for _, id := range s.Workers() {
		require.NoError(t, s.RequestShutdown(id))
		state, err := s.State(id)
		require.NoError(t, err)
		assert.Equal(t, StateTerminated, state)
	}
	assert.Empty(t, s.IdleWorkers())
	assert.Equal(t, int64(0), s.Metrics().ForceTerminated())
}

func TestSupervisor_ShutdownWaitsForActiveWorker(t *testing.T) {
	exec := newBlockingExecutor(true)
	s, _, coordCh := startPool(t, testConfig(1), exec)

	waitFor(t, time.Second, func() bool { return len(s.IdleWorkers()) == 1 })
	workerID := s.IdleWorkers()[0]
	require.NoError(t, s.Assign(workerID, &Assignment{Task: graph.Record{ID: "t1"}}))
	<-exec.started

	done := make(chan error, 1)
	go func() { done <- s.RequestShutdown(workerID) }()

	// The handshake must not complete while the unit of work is running.
	select {
	case err := <-done:
		t.Fatalf("shutdown finished while worker active: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(exec.release)
	<-coordCh // task completion

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown did not complete after work finished")
	}
}

func TestSupervisor_ShutdownRetriesExhaustedForcesTermination(t *testing.T) {
	// No heartbeats and a blocked executor: the ack never arrives, every
	// attempt times out, and the worker is forced.
	exec := newBlockingExecutor(true)
	cfg := testConfig(1)
	cfg.HeartbeatTimeout = time.Hour // keep the monitor out of this test
	cfg.AckTimeout = 30 * time.Millisecond
	cfg.ShutdownRetries = 2
	s, _, coordCh := startPool(t, cfg, exec)

	waitFor(t, time.Second, func() bool { return len(s.IdleWorkers()) == 1 })
	workerID := s.IdleWorkers()[0]
	require.NoError(t, s.Assign(workerID, &Assignment{Task: graph.Record{ID: "t1"}}))
	<-exec.started

	err := s.RequestShutdown(workerID)
	assert.ErrorIs(t, err, ErrWorkerUnresponsive)
	assert.Equal(t, int64(1), s.Metrics().ForceTerminated())

	// The held task surfaces as a failure so the coordinator can record
	// it. The cancelled executor may also report the abort; either way
	// the unresponsive-worker failure must arrive.
	seen := false
	timeout := time.After(time.Second)
	for !seen {
		select {
		case n := <-coordCh:
			assert.Equal(t, bus.KindFailure, n.Kind)
			assert.Equal(t, workerID, n.Sender)
			seen = n.Summary == "worker unresponsive"
		case <-timeout:
			t.Fatal("no failure notification for held task")
		}
	}
}

func TestSupervisor_HeartbeatTimeoutReplacesWorker(t *testing.T) {
	exec := newBlockingExecutor(false) // never heartbeats
	cfg := testConfig(1)
	cfg.HeartbeatTimeout = 50 * time.Millisecond
	s, _, coordCh := startPool(t, cfg, exec)

	waitFor(t, time.Second, func() bool { return len(s.IdleWorkers()) == 1 })
	workerID := s.IdleWorkers()[0]
	require.NoError(t, s.Assign(workerID, &Assignment{Task: graph.Record{ID: "t1"}}))
	<-exec.started

	select {
	case n := <-coordCh:
		assert.Equal(t, bus.KindFailure, n.Kind)
		assert.Equal(t, workerID, n.Sender)
	case <-time.After(2 * time.Second):
		t.Fatal("stale worker was not detected")
	}
	assert.Equal(t, int64(1), s.Metrics().ForceTerminated())

	// A replacement keeps the pool at its configured size.
	waitFor(t, 2*time.Second, func() bool { return len(s.IdleWorkers()) == 1 })
	assert.NotEqual(t, workerID, s.IdleWorkers()[0])
	close(exec.release)
}

func TestSupervisor_ShutdownAllTerminatesEveryWorker(t *testing.T) {
	s, _, _ := startPool(t, testConfig(3), instantExecutor(Result{Outcome: graph.Succeeded()}))
	waitFor(t, time.Second, func() bool { return len(s.IdleWorkers()) == 3 })

	errs := s.ShutdownAll()
	assert.Empty(t, errs)
	for _, id := range s.Workers() {
		state, err := s.State(id)
		require.NoError(t, err)
		assert.Equal(t, StateTerminated, state)
	}

	// A second pass sees only terminated workers and does nothing.
	assert.Empty(t, s.ShutdownAll())
}

func TestWorker_AbortOverridesFailureReason(t *testing.T) {
	exec := newBlockingExecutor(true)
	s, _, coordCh := startPool(t, testConfig(1), exec)

	waitFor(t, time.Second, func() bool { return len(s.IdleWorkers()) == 1 })
	workerID := s.IdleWorkers()[0]
	require.NoError(t, s.Assign(workerID, &Assignment{Task: graph.Record{ID: "t1"}}))
	<-exec.started

	s.Stop() // cancels worker contexts mid-execution

	select {
	case n := <-coordCh:
		assert.Equal(t, bus.KindFailure, n.Kind)
		assert.Equal(t, "aborted", n.Summary)
	case <-time.After(2 * time.Second):
		t.Fatal("aborted task was not reported")
	}
}

// A cancellation racing a freshly accepted assignment must never strand
// the task: the loop's select can fire on either the context or the
// assignment, and both paths have to end in exactly one terminal report.
func TestWorker_CancelledBeforeExecuteStillReports(t *testing.T) {
	for i := 0; i < 50; i++ {
		b := bus.New()
		coordCh, err := b.Subscribe(CoordinatorRecipient,
			bus.KindCompletion, bus.KindFailure, bus.KindSkip)
		require.NoError(t, err)

		w, err := newWorker(b, instantExecutor(Result{Outcome: graph.Failed("boom")}))
		require.NoError(t, err)
		require.NoError(t, w.assign(&Assignment{Task: graph.Record{ID: "t1"}}))

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		w.start(ctx)

		select {
		case n := <-coordCh:
			assert.Equal(t, bus.KindFailure, n.Kind)
			assert.Equal(t, "aborted", n.Summary)
		case <-time.After(time.Second):
			t.Fatal("accepted assignment was dropped without a terminal report")
		}
		<-w.done
	}
}

func TestSupervisor_ShutdownRejectedThenReissued(t *testing.T) {
	exec := newBlockingExecutor(true)
	cfg := testConfig(1)
	cfg.HeartbeatTimeout = time.Hour // keep the monitor out of this test
	cfg.AckTimeout = 2 * time.Second
	s, b, coordCh := startPool(t, cfg, exec)

	waitFor(t, time.Second, func() bool { return len(s.IdleWorkers()) == 1 })
	workerID := s.IdleWorkers()[0]
	require.NoError(t, s.Assign(workerID, &Assignment{Task: graph.Record{ID: "t1"}}))
	<-exec.started

	done := make(chan error, 1)
	go func() { done <- s.RequestShutdown(workerID) }()

	// Answer the first request on the worker's behalf with a rejection;
	// the supervisor has to re-issue instead of forcing.
	reject := bus.NewNotification(bus.KindShutdownAck, workerID,
		ackRejectedPrefix+"still finishing a unit of work")
	require.NoError(t, b.Send(SupervisorRecipient, reject))

	select {
	case err := <-done:
		t.Fatalf("shutdown finished on a rejected ack: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(exec.release)
	<-coordCh // task completion

	select {
	case err := <-done:
		assert.NoError(t, err, "re-issued request must be approved, not forced")
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown did not complete after the rejection")
	}

	state, err := s.State(workerID)
	require.NoError(t, err)
	assert.Equal(t, StateTerminated, state)
	assert.Equal(t, int64(0), s.Metrics().ForceTerminated())
}

func TestWorker_RejectsShutdownWithQueuedAssignment(t *testing.T) {
	b := bus.New()
	ackCh, err := b.Subscribe(SupervisorRecipient, bus.KindShutdownAck)
	require.NoError(t, err)

	w, err := newWorker(b, instantExecutor(Result{Outcome: graph.Succeeded()}))
	require.NoError(t, err)
	require.NoError(t, w.assign(&Assignment{Task: graph.Record{ID: "t1"}}))

	request := bus.NewNotification(bus.KindShutdownRequest, SupervisorRecipient, "all work complete")
	exit := w.handleControl(request)
	assert.False(t, exit, "worker must keep running to finish the queued unit")

	reason, rejected := isRejectedAck(<-ackCh)
	require.True(t, rejected)
	assert.Equal(t, "still finishing a unit of work", reason)

	// With the queue drained the next request is approved.
	<-w.assignCh
	exit = w.handleControl(request)
	assert.True(t, exit)
	assert.Equal(t, AckApproved, (<-ackCh).Summary)
}

func TestWorker_ReportCapsSummaryOnRuneBoundary(t *testing.T) {
	b := bus.New()
	coordCh, err := b.Subscribe(CoordinatorRecipient,
		bus.KindCompletion, bus.KindFailure, bus.KindSkip)
	require.NoError(t, err)
	w, err := newWorker(b, instantExecutor(Result{Outcome: graph.Succeeded()}))
	require.NoError(t, err)

	// Three bytes per rune, so the byte cap falls inside a rune.
	long := strings.Repeat("ん", bus.MaxSummaryBytes)
	w.report("t1", Result{Outcome: graph.Succeeded(), Summary: long})

	n := <-coordCh
	assert.True(t, utf8.ValidString(n.Summary))
	assert.LessOrEqual(t, len(n.Summary), bus.MaxSummaryBytes)
	assert.Equal(t, bus.MaxSummaryBytes-bus.MaxSummaryBytes%3, len(n.Summary))
}

func TestIsRejectedAck(t *testing.T) {
	reason, rejected := isRejectedAck(bus.NewNotification(bus.KindShutdownAck, "w", ackRejectedPrefix+"busy"))
	assert.True(t, rejected)
	assert.Equal(t, "busy", reason)

	_, rejected = isRejectedAck(bus.NewNotification(bus.KindShutdownAck, "w", AckApproved))
	assert.False(t, rejected)

	_, rejected = isRejectedAck(bus.NewNotification(bus.KindCompletion, "w", ackRejectedPrefix+"x"))
	assert.False(t, rejected)
}
