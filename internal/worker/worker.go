package worker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/taskcrew/taskcrew/internal/bus"
	"github.com/taskcrew/taskcrew/internal/graph"
	"github.com/taskcrew/taskcrew/internal/logger"
)

// Bus recipient names for the engine's control endpoints.
const (
	CoordinatorRecipient = "coordinator"
	SupervisorRecipient  = "supervisor"
)

// Shutdown acknowledgement protocol carried in the summary field.
const (
	AckApproved       = "approved"
	ackRejectedPrefix = "rejected: "
)

// State represents the lifecycle state of a worker.
type State int32

const (
	// StateIdle indicates the worker has no assignment.
	StateIdle State = iota
	// StateActive indicates the worker is executing an assignment.
	StateActive
	// StateShutdownRequested indicates a shutdown handshake is pending.
	StateShutdownRequested
	// StateTerminated is the terminal worker state.
	StateTerminated
)

// String returns a string representation of the State
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	case StateShutdownRequested:
		return "shutdown-requested"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Worker is an ephemeral executor bound to one team. It receives
// assignments on a channel, runs them through the Executor outside any
// engine lock, and reports exactly one terminal notification per
// assignment to the coordinator over the bus.
type Worker struct {
	id       string
	executor Executor
	bus      *bus.Bus

	assignCh chan *Assignment
	notifyCh <-chan bus.Notification

	state    int32
	lastBeat int64 // unix nanos

	mu       sync.Mutex
	heldTask string

	cancel context.CancelFunc
	done   chan struct{}
}

func newWorker(b *bus.Bus, executor Executor) (*Worker, error) {
	w := &Worker{
		id:       "worker-" + uuid.NewString()[:8],
		executor: executor,
		bus:      b,
		assignCh: make(chan *Assignment, 1),
		done:     make(chan struct{}),
	}
	w.beat()

	ch, err := b.Subscribe(w.id, bus.KindShutdownRequest, bus.KindAbort)
	if err != nil {
		return nil, fmt.Errorf("subscribe worker %s: %w", w.id, err)
	}
	w.notifyCh = ch
	return w, nil
}

// ID returns the worker id.
func (w *Worker) ID() string { return w.id }

// State returns the current lifecycle state.
func (w *Worker) State() State {
	return State(atomic.LoadInt32(&w.state))
}

func (w *Worker) setState(s State) {
	atomic.StoreInt32(&w.state, int32(s))
}

func (w *Worker) casState(from, to State) bool {
	return atomic.CompareAndSwapInt32(&w.state, int32(from), int32(to))
}

// HeldTask returns the id of the task currently attributed to the worker.
func (w *Worker) HeldTask() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.heldTask
}

func (w *Worker) setHeldTask(taskID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.heldTask = taskID
}

func (w *Worker) beat() {
	atomic.StoreInt64(&w.lastBeat, time.Now().UnixNano())
}

// LastBeat returns the time of the worker's most recent heartbeat.
func (w *Worker) LastBeat() time.Time {
	return time.Unix(0, atomic.LoadInt64(&w.lastBeat))
}

// start launches the worker loop on its own goroutine.
func (w *Worker) start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	go w.run(ctx)
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)
	defer w.drainAssignments()
	defer w.setState(StateTerminated)
	defer w.cancel()

	logger.Op.WithFields(map[string]interface{}{
		"workerID": w.id,
	}).Info("Worker started")

	for {
		select {
		case <-ctx.Done():
			logger.Op.WithFields(map[string]interface{}{
				"workerID": w.id,
			}).Info("Worker stopped")
			return

		case n, ok := <-w.notifyCh:
			if !ok {
				return
			}
			if w.handleControl(n) {
				return
			}

		case a := <-w.assignCh:
			w.execute(ctx, a)
		}
	}
}

// drainAssignments fails any assignment that was accepted but never
// executed. A cancellation can win the select against a freshly queued
// assignment; without this report the task would sit in running forever
// with no worker attributed to it.
func (w *Worker) drainAssignments() {
	for {
		select {
		case a := <-w.assignCh:
			logger.Op.WithFields(map[string]interface{}{
				"workerID": w.id,
				"task":     a.Task.ID,
			}).Info("Failing assignment accepted before termination")
			w.report(a.Task.ID, Result{Outcome: graph.Failed("aborted")})
		default:
			return
		}
	}
}

// handleControl processes a control notification; it returns true when
// the worker approved a shutdown and must exit.
func (w *Worker) handleControl(n bus.Notification) bool {
	switch n.Kind {
	case bus.KindShutdownRequest:
		// A queued assignment means this unit of work is not finished;
		// reject and let the supervisor re-issue once it completes.
		if len(w.assignCh) > 0 {
			reason := "still finishing a unit of work"
			w.sendAck(ackRejectedPrefix + reason)
			logger.Op.WithFields(map[string]interface{}{
				"workerID": w.id,
				"reason":   reason,
			}).Debug("Shutdown request rejected")
			return false
		}
		w.sendAck(AckApproved)
		logger.Op.WithFields(map[string]interface{}{
			"workerID": w.id,
		}).Info("Shutdown request approved, worker terminating")
		return true

	case bus.KindAbort:
		// Nothing in flight here (the loop was selecting); pending
		// tasks are skipped by the coordinator.
		logger.Op.WithFields(map[string]interface{}{
			"workerID": w.id,
		}).Debug("Abort broadcast received while idle")
		return false
	}
	return false
}

func (w *Worker) sendAck(summary string) {
	n := bus.NewNotification(bus.KindShutdownAck, w.id, summary)
	if err := w.bus.Send(SupervisorRecipient, n); err != nil {
		logger.Op.WithFields(map[string]interface{}{
			"workerID": w.id,
			"error":    err.Error(),
		}).Warn("Failed to send shutdown ack")
	}
}

// execute runs one assignment and emits its terminal notification.
func (w *Worker) execute(ctx context.Context, a *Assignment) {
	w.setState(StateActive)
	w.setHeldTask(a.Task.ID)
	w.beat()
	a.Heartbeat = w.beat

	logger.Op.WithFields(map[string]interface{}{
		"workerID":     w.id,
		"task":         a.Task.ID,
		"subject":      a.Task.Subject,
		"partialInput": a.PartialInput,
	}).Info("Worker executing task")

	res := w.executor.Execute(ctx, a)

	// A cooperative cancellation surfaces as a failure with a fixed
	// reason so the manifest shows why the task stopped.
	if ctx.Err() != nil && res.Outcome.Status == graph.StatusFailed {
		res.Outcome = graph.Failed("aborted")
	}

	w.setHeldTask("")
	w.report(a.Task.ID, res)
	w.casState(StateActive, StateIdle)
}

func (w *Worker) report(taskID string, res Result) {
	var kind bus.Kind
	switch res.Outcome.Status {
	case graph.StatusSucceeded:
		kind = bus.KindCompletion
	case graph.StatusSkipped:
		kind = bus.KindSkip
	default:
		kind = bus.KindFailure
	}

	summary := res.Summary
	if summary == "" {
		summary = res.Outcome.Reason
	}
	if len(summary) > bus.MaxSummaryBytes {
		cut := bus.MaxSummaryBytes
		for cut > 0 && !utf8.RuneStart(summary[cut]) {
			cut--
		}
		summary = summary[:cut]
	}

	n := bus.NewNotification(kind, w.id, summary)
	if res.ArtifactRef != "" {
		n = n.WithArtifact(res.ArtifactRef)
	}
	if err := w.bus.Send(CoordinatorRecipient, n); err != nil {
		logger.Op.WithFields(map[string]interface{}{
			"workerID": w.id,
			"task":     taskID,
			"error":    err.Error(),
		}).Error("Failed to report task outcome")
	}
}

// assign hands the worker a new unit of work. The worker must be idle.
func (w *Worker) assign(a *Assignment) error {
	if !w.casState(StateIdle, StateActive) {
		return fmt.Errorf("worker %s is %s, not idle", w.id, w.State())
	}
	w.assignCh <- a

	// The loop may have terminated between the state check and the send,
	// after its exit drain already ran. Take the assignment back so the
	// caller can fail the task; if the drain got there first it has
	// reported the failure itself.
	if w.State() == StateTerminated {
		select {
		case <-w.assignCh:
			return fmt.Errorf("worker %s terminated before accepting the assignment", w.id)
		default:
		}
	}
	return nil
}

// forceTerminate cancels the worker's context and marks it terminated.
func (w *Worker) forceTerminate() {
	w.setState(StateTerminated)
	if w.cancel != nil {
		w.cancel()
	}
}

func isRejectedAck(n bus.Notification) (string, bool) {
	if n.Kind != bus.KindShutdownAck {
		return "", false
	}
	if strings.HasPrefix(n.Summary, ackRejectedPrefix) {
		return strings.TrimPrefix(n.Summary, ackRejectedPrefix), true
	}
	return "", false
}
