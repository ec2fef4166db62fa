package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/taskcrew/taskcrew/internal/bus"
	"github.com/taskcrew/taskcrew/internal/logger"
)

var (
	// ErrWorkerUnresponsive indicates a worker missed its heartbeat window
	// or exhausted the shutdown retry budget and was force-terminated.
	ErrWorkerUnresponsive = errors.New("worker unresponsive")
	// ErrWorkerNotFound is returned for unknown worker ids.
	ErrWorkerNotFound = errors.New("worker not found")
)

// Config bounds the worker pool and its failure-detection windows.
type Config struct {
	// Workers is the pool size.
	Workers int
	// HeartbeatTimeout is how long an active worker may go without a
	// heartbeat before it is treated as unresponsive.
	HeartbeatTimeout time.Duration
	// ShutdownRetries bounds how often a rejected or unanswered shutdown
	// request is re-issued before force-termination.
	ShutdownRetries int
	// AckTimeout is how long to wait for a shutdown acknowledgement per
	// attempt.
	AckTimeout time.Duration
}

// DefaultConfig returns the documented defaults: 4 workers, 30s heartbeat
// window, 3 shutdown retries, 5s ack timeout.
func DefaultConfig() Config {
	return Config{
		Workers:          4,
		HeartbeatTimeout: 30 * time.Second,
		ShutdownRetries:  3,
		AckTimeout:       5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = d.HeartbeatTimeout
	}
	if c.ShutdownRetries <= 0 {
		c.ShutdownRetries = d.ShutdownRetries
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = d.AckTimeout
	}
	return c
}

// Metrics tracks pool activity with atomic counters.
type Metrics struct {
	assigned        int64
	forceTerminated int64
}

// Assigned returns the number of assignments dispatched.
func (m *Metrics) Assigned() int64 { return atomic.LoadInt64(&m.assigned) }

// ForceTerminated returns the number of workers killed without a
// completed handshake.
func (m *Metrics) ForceTerminated() int64 { return atomic.LoadInt64(&m.forceTerminated) }

// Supervisor manages the lifecycle of a bounded worker pool: spawn,
// assign, detect idle, request shutdown, confirm termination. Workers
// lost to heartbeat timeouts are replaced so the pool keeps its size
// while the team is running.
type Supervisor struct {
	cfg      Config
	bus      *bus.Bus
	executor Executor

	ackCh <-chan bus.Notification

	mu      sync.Mutex
	workers []*Worker
	index   map[string]*Worker
	started bool

	ctx     context.Context
	cancel  context.CancelFunc
	metrics Metrics
}

// NewSupervisor creates a supervisor over the given bus and executor.
func NewSupervisor(cfg Config, b *bus.Bus, executor Executor) *Supervisor {
	return &Supervisor{
		cfg:      cfg.withDefaults(),
		bus:      b,
		executor: executor,
		index:    make(map[string]*Worker),
	}
}

// Metrics returns the pool activity counters.
func (s *Supervisor) Metrics() *Metrics { return &s.metrics }

// Start spawns the configured number of workers and the heartbeat
// monitor.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("supervisor already started")
	}

	ackCh, err := s.bus.Subscribe(SupervisorRecipient, bus.KindShutdownAck)
	if err != nil {
		return fmt.Errorf("subscribe supervisor: %w", err)
	}
	s.ackCh = ackCh

	s.ctx, s.cancel = context.WithCancel(ctx)
	for i := 0; i < s.cfg.Workers; i++ {
		if _, err := s.spawnLocked(); err != nil {
			return err
		}
	}
	s.started = true

	go s.monitor(s.ctx)

	logger.Op.WithFields(map[string]interface{}{
		"workers":          s.cfg.Workers,
		"heartbeatTimeout": s.cfg.HeartbeatTimeout.String(),
	}).Info("Worker pool started")
	return nil
}

func (s *Supervisor) spawnLocked() (*Worker, error) {
	w, err := newWorker(s.bus, s.executor)
	if err != nil {
		return nil, err
	}
	w.start(s.ctx)
	s.workers = append(s.workers, w)
	s.index[w.id] = w
	return w, nil
}

// Workers returns all worker ids in spawn order, including terminated
// ones.
func (s *Supervisor) Workers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, len(s.workers))
	for i, w := range s.workers {
		ids[i] = w.id
	}
	return ids
}

// IdleWorkers returns the ids of workers currently able to take an
// assignment, in spawn order.
func (s *Supervisor) IdleWorkers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for _, w := range s.workers {
		if w.State() == StateIdle {
			ids = append(ids, w.id)
		}
	}
	return ids
}

// State returns the lifecycle state of a worker.
func (s *Supervisor) State(workerID string) (State, error) {
	s.mu.Lock()
	w, ok := s.index[workerID]
	s.mu.Unlock()
	if !ok {
		return StateTerminated, fmt.Errorf("%w: %s", ErrWorkerNotFound, workerID)
	}
	return w.State(), nil
}

// HeldTask returns the task currently attributed to the worker, if any.
func (s *Supervisor) HeldTask(workerID string) string {
	s.mu.Lock()
	w, ok := s.index[workerID]
	s.mu.Unlock()
	if !ok {
		return ""
	}
	return w.HeldTask()
}

// Assign dispatches one assignment to an idle worker.
func (s *Supervisor) Assign(workerID string, a *Assignment) error {
	s.mu.Lock()
	w, ok := s.index[workerID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrWorkerNotFound, workerID)
	}
	if err := w.assign(a); err != nil {
		return err
	}
	atomic.AddInt64(&s.metrics.assigned, 1)
	return nil
}

// RequestShutdown runs the graceful termination handshake for one
// worker: issue a shutdown request, wait for the acknowledgement, and
// re-issue after a rejection once the current unit of work completes.
// After the bounded retry count the worker is force-terminated; the
// caller learns about any task still attributed to it through the
// returned error and the failure notification on the bus.
func (s *Supervisor) RequestShutdown(workerID string) error {
	s.mu.Lock()
	w, ok := s.index[workerID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrWorkerNotFound, workerID)
	}

	for attempt := 1; attempt <= s.cfg.ShutdownRetries; attempt++ {
		// A cancelled pool context already tears the workers down; just
		// wait for the loop to exit.
		if s.ctx.Err() != nil {
			<-w.done
			return nil
		}

		if w.State() == StateTerminated {
			return nil
		}

		// The worker only reads control messages between units of work,
		// so a request sent mid-execution is picked up once the current
		// unit completes. Each attempt is bounded by the ack timeout.
		w.casState(StateIdle, StateShutdownRequested)
		n := bus.NewNotification(bus.KindShutdownRequest, SupervisorRecipient, "all work complete")
		if err := s.bus.Send(workerID, n); err != nil {
			return fmt.Errorf("send shutdown request to %s: %w", workerID, err)
		}
		logger.Op.WithFields(map[string]interface{}{
			"workerID": workerID,
			"attempt":  attempt,
		}).Debug("Shutdown requested")

		approved, reason := s.awaitAck(workerID)
		if approved {
			<-w.done
			return nil
		}
		if reason != "" {
			logger.Op.WithFields(map[string]interface{}{
				"workerID": workerID,
				"attempt":  attempt,
				"reason":   reason,
			}).Info("Shutdown rejected, will re-issue")
			w.casState(StateShutdownRequested, StateIdle)
		}
	}

	s.forceTerminate(w, "shutdown retries exhausted")
	return fmt.Errorf("worker %s: %w after %d shutdown attempts", workerID, ErrWorkerUnresponsive, s.cfg.ShutdownRetries)
}

// ShutdownAll runs the shutdown handshake for every live worker in spawn
// order and returns the errors of the workers that had to be forced.
func (s *Supervisor) ShutdownAll() []error {
	var errs []error
	for _, id := range s.Workers() {
		state, err := s.State(id)
		if err != nil || state == StateTerminated {
			continue
		}
		if err := s.RequestShutdown(id); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// Stop cancels every worker without a handshake. Used for abort paths
// and tests.
func (s *Supervisor) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

// awaitAck waits for this worker's shutdown acknowledgement. It returns
// (true, "") on approval, (false, reason) on rejection, and (false, "")
// on timeout.
func (s *Supervisor) awaitAck(workerID string) (bool, string) {
	deadline := time.After(s.cfg.AckTimeout)
	for {
		select {
		case n, ok := <-s.ackCh:
			if !ok {
				return false, ""
			}
			if n.Sender != workerID {
				continue // stale ack from an earlier handshake
			}
			if reason, rejected := isRejectedAck(n); rejected {
				return false, reason
			}
			return n.Summary == AckApproved, ""
		case <-deadline:
			logger.Op.WithFields(map[string]interface{}{
				"workerID": workerID,
				"timeout":  s.cfg.AckTimeout.String(),
			}).Warn("No shutdown acknowledgement within timeout")
			return false, ""
		case <-s.ctx.Done():
			return false, ""
		}
	}
}

func (s *Supervisor) forceTerminate(w *Worker, cause string) {
	held := w.HeldTask()
	w.forceTerminate()
	atomic.AddInt64(&s.metrics.forceTerminated, 1)

	logger.Op.WithFields(map[string]interface{}{
		"workerID": w.id,
		"heldTask": held,
		"cause":    cause,
	}).Error("Worker force-terminated")

	if held != "" {
		n := bus.NewNotification(bus.KindFailure, w.id, "worker unresponsive")
		if err := s.bus.Send(CoordinatorRecipient, n); err != nil {
			logger.Op.WithFields(map[string]interface{}{
				"workerID": w.id,
				"task":     held,
				"error":    err.Error(),
			}).Error("Failed to report unresponsive worker")
		}
	}
}

// monitor watches heartbeats of active workers and force-terminates any
// that miss the window, spawning a replacement to keep the pool size.
func (s *Supervisor) monitor(ctx context.Context) {
	interval := s.cfg.HeartbeatTimeout / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkHeartbeats()
		}
	}
}

func (s *Supervisor) checkHeartbeats() {
	s.mu.Lock()
	stale := make([]*Worker, 0)
	for _, w := range s.workers {
		if w.State() == StateActive && time.Since(w.LastBeat()) > s.cfg.HeartbeatTimeout {
			stale = append(stale, w)
		}
	}
	s.mu.Unlock()

	for _, w := range stale {
		s.forceTerminate(w, "heartbeat timeout")

		s.mu.Lock()
		if _, err := s.spawnLocked(); err != nil {
			logger.Op.WithFields(map[string]interface{}{
				"error": err.Error(),
			}).Error("Failed to spawn replacement worker")
		}
		s.mu.Unlock()
	}
}
