package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/taskcrew/taskcrew/internal/artifact"
	"github.com/taskcrew/taskcrew/internal/graph"
)

// OutputArtifactName is the logical name a shell task's stdout is stored
// under.
const OutputArtifactName = "output.json"

type shellTask struct {
	command string
	policy  *RetryPolicy
}

// ShellExecutor runs registered shell commands as task bodies. Stdout is
// wrapped in the standard JSON envelope and stored as the task's output
// artifact; the notification only carries the artifact reference and a
// bounded summary.
type ShellExecutor struct {
	mu    sync.RWMutex
	tasks map[string]shellTask
}

// NewShellExecutor creates an executor with no registered commands.
func NewShellExecutor() *ShellExecutor {
	return &ShellExecutor{tasks: make(map[string]shellTask)}
}

// Register binds a command to a task id. A non-zero retries count applies
// an executor-side retry policy before the outcome is reported.
func (e *ShellExecutor) Register(taskID, command string, retries int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	t := shellTask{command: command}
	if retries > 0 {
		p := NewDefaultRetryPolicy()
		p.MaxRetries = retries
		t.policy = p
	}
	e.tasks[taskID] = t
}

// Execute implements Executor.
func (e *ShellExecutor) Execute(ctx context.Context, a *Assignment) Result {
	e.mu.RLock()
	t, ok := e.tasks[a.Task.ID]
	e.mu.RUnlock()

	if !ok || t.command == "" {
		// A task without a command is a pure synchronization point.
		return Result{Outcome: graph.Succeeded(), Summary: "no command, nothing to do"}
	}

	// A live process counts as progress; tick the heartbeat while it runs.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if a.Heartbeat != nil {
					a.Heartbeat()
				}
			}
		}
	}()

	var stdout, stderr bytes.Buffer
	run := func(ctx context.Context) error {
		a.Attempt++
		stdout.Reset()
		stderr.Reset()
		cmd := exec.CommandContext(ctx, "sh", "-c", t.command)
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
		cmd.Env = append(cmd.Environ(),
			"TASKCREW_TEAM_ID="+a.TeamID,
			"TASKCREW_TASK_ID="+a.Task.ID,
			fmt.Sprintf("TASKCREW_PARTIAL_INPUT=%t", a.PartialInput),
			fmt.Sprintf("TASKCREW_ATTEMPT=%d", a.Attempt),
		)
		return cmd.Run()
	}

	var err error
	if t.policy != nil {
		err = t.policy.Run(ctx, a.Heartbeat, run)
	} else {
		err = run(ctx)
	}
	if err != nil {
		reason := fmt.Sprintf("command failed: %v", err)
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			reason = fmt.Sprintf("%s: %s", reason, firstLine(msg))
		}
		return Result{Outcome: graph.Failed(reason)}
	}

	record, merr := json.Marshal(stdout.String())
	if merr != nil {
		return Result{Outcome: graph.Failed(fmt.Sprintf("encode output: %v", merr))}
	}
	envelope := artifact.NewEnvelope("shell-output", a.Task.ID, record)
	data, merr := envelope.Encode()
	if merr != nil {
		return Result{Outcome: graph.Failed(merr.Error())}
	}

	key := artifact.NewKey(a.TeamID, a.Task.ID, OutputArtifactName)
	if perr := a.Store.Put(key, data); perr != nil {
		return Result{Outcome: graph.Failed(fmt.Sprintf("store output: %v", perr))}
	}

	return Result{
		Outcome:     graph.Succeeded(),
		Summary:     firstLine(stdout.String()),
		ArtifactRef: key.String(),
	}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
