package team

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/taskcrew/taskcrew/internal/artifact"
	"github.com/taskcrew/taskcrew/internal/bus"
	"github.com/taskcrew/taskcrew/internal/graph"
	"github.com/taskcrew/taskcrew/internal/logger"
	"github.com/taskcrew/taskcrew/internal/scheduler"
	"github.com/taskcrew/taskcrew/internal/worker"
)

// ErrAlreadyRunning is returned when Run is invoked twice.
var ErrAlreadyRunning = errors.New("team is already running")

// progressInterval is how often the coordinator logs run progress.
const progressInterval = 5 * time.Second

// Dependency declares an edge to a previously added task.
type Dependency struct {
	ID   string
	Kind graph.Kind
}

// TaskSpec describes a task to register with the team.
type TaskSpec struct {
	Subject      string
	Description  string
	Dependencies []Dependency
}

// Config for a team run.
type Config struct {
	// Name seeds the team id.
	Name string
	// Pool bounds the worker pool and its timeouts.
	Pool worker.Config
}

// Coordinator is the single control point of a team: it registers tasks
// and the dependency matrix, drives the scheduler by reacting to bus
// notifications, and runs the shutdown sequence once every task is
// terminal. All graph mutation happens on the coordinator's goroutine,
// so the single-writer requirement holds by construction.
type Coordinator struct {
	team       *Team
	graph      *graph.Graph
	matrix     *scheduler.Matrix
	sched      *scheduler.Scheduler
	bus        *bus.Bus
	supervisor *worker.Supervisor
	store      artifact.Store

	notifyCh <-chan bus.Notification

	mu       sync.Mutex
	dispatch map[string]string // workerID -> taskID attributed to it
	running  bool
	aborted  bool

	abortOnce sync.Once
	abortFn   context.CancelFunc
}

// New creates a team with its graph, bus, supervisor and artifact
// namespace. The executor is the opaque task logic run by the workers.
func New(cfg Config, store artifact.Store, executor worker.Executor) (*Coordinator, error) {
	g := graph.New()
	m := scheduler.NewMatrix()
	b := bus.New()

	c := &Coordinator{
		team:       NewTeam(cfg.Name),
		graph:      g,
		matrix:     m,
		sched:      scheduler.New(g, m),
		bus:        b,
		supervisor: worker.NewSupervisor(cfg.Pool, b, executor),
		store:      store,
		dispatch:   make(map[string]string),
	}

	// Terminal outcomes must never be dropped: a lost one leaves its task
	// running forever. Between two backlog drains each pool worker can
	// contribute at most one outcome for the unit it is finishing and one
	// for the next unit it is handed, so sizing to a multiple of the pool
	// keeps the buffer ahead of any completion burst.
	workers := cfg.Pool.Workers
	if workers <= 0 {
		workers = worker.DefaultConfig().Workers
	}
	buffer := 4 * workers
	if buffer < bus.DefaultBuffer {
		buffer = bus.DefaultBuffer
	}
	ch, err := b.SubscribeBuffered(worker.CoordinatorRecipient, buffer,
		bus.KindCompletion, bus.KindFailure, bus.KindSkip)
	if err != nil {
		return nil, fmt.Errorf("subscribe coordinator: %w", err)
	}
	c.notifyCh = ch
	return c, nil
}

// Team returns the external team descriptor.
func (c *Coordinator) Team() Descriptor { return c.team.Descriptor() }

// Graph exposes read access to the team's tasks.
func (c *Coordinator) Graph() *graph.Graph { return c.graph }

// AddTask registers a task and its dependency kinds. Dependencies must
// name tasks previously added to this team.
func (c *Coordinator) AddTask(spec TaskSpec) (string, error) {
	depIDs := make([]string, len(spec.Dependencies))
	for i, d := range spec.Dependencies {
		depIDs[i] = d.ID
	}

	id, err := c.graph.CreateTask(spec.Subject, spec.Description, depIDs)
	if err != nil {
		return "", err
	}
	for _, d := range spec.Dependencies {
		kind := d.Kind
		if kind == "" {
			kind = graph.KindRequired
		}
		c.matrix.Declare(id, d.ID, kind)
	}

	logger.Op.WithFields(map[string]interface{}{
		"team":    c.team.ID(),
		"task":    id,
		"subject": spec.Subject,
		"deps":    len(spec.Dependencies),
	}).Debug("Task registered")
	return id, nil
}

// Record returns the external view of a task, including its dependency
// kinds from the matrix.
func (c *Coordinator) Record(taskID string) (graph.Record, error) {
	rec, err := c.graph.Task(taskID)
	if err != nil {
		return graph.Record{}, err
	}
	rec.DependencyKinds = c.matrix.Kinds(taskID)
	return rec, nil
}

// Run drives the team to completion: spawn workers, schedule until every
// task is terminal, run the shutdown handshake, terminate the team, and
// return the manifest. Cancelling ctx aborts the team.
func (c *Coordinator) Run(ctx context.Context) (*Manifest, error) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	c.running = true
	c.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.abortFn = cancel

	if err := c.supervisor.Start(runCtx); err != nil {
		return nil, fmt.Errorf("start worker pool: %w", err)
	}

	logger.User.Startingf("Team %s: running %d tasks", c.team.ID(), c.graph.Len())

	progress := time.NewTicker(progressInterval)
	defer progress.Stop()

	ctxDone := ctx.Done()
	for {
		if err := c.dispatchReady(); err != nil {
			return nil, err
		}
		if c.graph.AllTerminal() {
			break
		}

		select {
		case n, ok := <-c.notifyCh:
			if !ok {
				return nil, errors.New("notification channel closed during run")
			}
			c.handleNotification(n)
			c.drainNotifications()
		case <-progress.C:
			c.logProgress()
		case <-ctxDone:
			c.Abort("context cancelled")
			ctxDone = nil // in-flight failures drain through notifyCh
		}
	}

	c.shutdown()
	manifest := c.buildManifest()
	c.bus.Close()

	logger.User.Successf("Team %s finished: %s", c.team.ID(), manifest.Counts())
	return manifest, nil
}

// dispatchReady evaluates the scheduler and hands every ready task it
// can to an idle worker.
func (c *Coordinator) dispatchReady() error {
	assignments, skips, err := c.sched.Evaluate()
	if err != nil {
		return fmt.Errorf("evaluate schedule: %w", err)
	}
	for _, s := range skips {
		logger.Op.WithFields(map[string]interface{}{
			"team":   c.team.ID(),
			"task":   s.TaskID,
			"reason": s.Reason,
		}).Info("Task auto-skipped")
	}

	idle := c.supervisor.IdleWorkers()
	for i, a := range assignments {
		if i >= len(idle) {
			break
		}
		workerID := idle[i]

		if err := c.graph.MarkRunning(a.TaskID, workerID); err != nil {
			// The task changed state between evaluation and dispatch
			// (e.g. an abort skipped it); nothing to hand out.
			logger.Op.WithFields(map[string]interface{}{
				"task":  a.TaskID,
				"error": err.Error(),
			}).Debug("Dispatch raced with a state change")
			continue
		}

		rec, err := c.Record(a.TaskID)
		if err != nil {
			return err
		}
		assignment := &worker.Assignment{
			TeamID:       c.team.ID(),
			Task:         rec,
			PartialInput: a.PartialInput,
			Store:        c.store,
		}

		c.mu.Lock()
		c.dispatch[workerID] = a.TaskID
		c.mu.Unlock()

		if err := c.supervisor.Assign(workerID, assignment); err != nil {
			// The worker vanished between the idle check and the
			// assignment; fail the task so it does not hang running.
			c.mu.Lock()
			delete(c.dispatch, workerID)
			c.mu.Unlock()
			if terr := c.graph.MarkTerminal(a.TaskID, graph.Failed(err.Error())); terr != nil {
				return terr
			}
		}
	}
	return nil
}

// drainNotifications absorbs every queued outcome before the next
// ready-set evaluation, emptying the subscription backlog faster than
// the pool can refill it.
func (c *Coordinator) drainNotifications() {
	for {
		select {
		case n, ok := <-c.notifyCh:
			if !ok {
				return
			}
			c.handleNotification(n)
		default:
			return
		}
	}
}

// handleNotification records a task's terminal outcome before any
// rescheduling happens, so the state update happens-before the next
// ready-set evaluation.
func (c *Coordinator) handleNotification(n bus.Notification) {
	c.mu.Lock()
	taskID, ok := c.dispatch[n.Sender]
	if ok {
		delete(c.dispatch, n.Sender)
	}
	c.mu.Unlock()

	if !ok {
		logger.Op.WithFields(map[string]interface{}{
			"sender": n.Sender,
			"kind":   string(n.Kind),
		}).Warn("Notification from worker with no attributed task")
		return
	}

	var outcome graph.Outcome
	switch n.Kind {
	case bus.KindCompletion:
		outcome = graph.Succeeded()
	case bus.KindSkip:
		outcome = graph.Skipped(orDefault(n.Summary, "skipped by executor"))
	default:
		outcome = graph.Failed(orDefault(n.Summary, "task execution failed"))
	}

	if err := c.graph.MarkTerminal(taskID, outcome); err != nil {
		// Late result for a task that was already terminated, e.g. a
		// force-terminated worker finally answering. The first outcome
		// stands.
		logger.Op.WithFields(map[string]interface{}{
			"task":  taskID,
			"kind":  string(n.Kind),
			"error": err.Error(),
		}).Warn("Discarding late terminal outcome")
		return
	}

	logger.Op.WithFields(map[string]interface{}{
		"team":     c.team.ID(),
		"task":     taskID,
		"worker":   n.Sender,
		"status":   outcome.Status.String(),
		"artifact": n.ArtifactRef,
	}).Info("Task reached terminal state")
}

// Abort cancels the team: pending tasks are skipped, in-flight tasks are
// cooperatively cancelled and report themselves as failed. Safe to call
// from any goroutine and idempotent.
func (c *Coordinator) Abort(reason string) {
	c.abortOnce.Do(func() {
		c.mu.Lock()
		c.aborted = true
		c.mu.Unlock()

		logger.User.Warnf("Team %s aborted: %s", c.team.ID(), reason)

		n := bus.NewNotification(bus.KindAbort, worker.CoordinatorRecipient, reason)
		if _, err := c.bus.Broadcast(n); err != nil {
			logger.Op.WithFields(map[string]interface{}{
				"error": err.Error(),
			}).Warn("Abort broadcast failed")
		}

		for _, taskID := range c.graph.Pending() {
			if err := c.graph.MarkTerminal(taskID, graph.Skipped("team aborted")); err != nil {
				logger.Op.WithFields(map[string]interface{}{
					"task":  taskID,
					"error": err.Error(),
				}).Debug("Pending task already terminal during abort")
			}
		}

		if c.abortFn != nil {
			c.abortFn()
		}
	})
}

// Aborted reports whether the team was aborted.
func (c *Coordinator) Aborted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.aborted
}

// shutdown runs the worker handshake and terminates the team. Invoked
// only once all tasks are terminal; calling it on an already terminated
// team is a no-op.
func (c *Coordinator) shutdown() {
	if c.team.Status() == StatusTerminated {
		return
	}

	logger.User.Shutdownf("Team %s: shutting down workers", c.team.ID())
	for _, err := range c.supervisor.ShutdownAll() {
		logger.Op.WithFields(map[string]interface{}{
			"error": err.Error(),
		}).Error("Worker shutdown escalated to force-termination")
	}
	c.team.Terminate()
}

func (c *Coordinator) logProgress() {
	total := c.graph.Len()
	done := 0
	for _, rec := range c.graph.Tasks() {
		switch rec.Status {
		case graph.StatusSucceeded.String(), graph.StatusFailed.String(), graph.StatusSkipped.String():
			done++
		}
	}
	logger.User.Infof("Progress: %d/%d tasks complete", done, total)
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
