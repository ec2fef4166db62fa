package worker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskcrew/taskcrew/internal/artifact"
	"github.com/taskcrew/taskcrew/internal/graph"
)

func shellAssignment(store artifact.Store, taskID string, partial bool) *Assignment {
	return &Assignment{
		TeamID:       "team-1",
		Task:         graph.Record{ID: taskID, Subject: taskID},
		PartialInput: partial,
		Store:        store,
		Heartbeat:    func() {},
	}
}

func TestShellExecutor_SuccessStoresOutput(t *testing.T) {
	store := artifact.NewMemoryStore()
	exec := NewShellExecutor()
	exec.Register("t1", "echo hello", 0)

	res := exec.Execute(context.Background(), shellAssignment(store, "t1", false))

	assert.Equal(t, graph.StatusSucceeded, res.Outcome.Status)
	assert.Equal(t, "hello", res.Summary)
	assert.Equal(t, "team-1/t1/output.json", res.ArtifactRef)

	data, err := store.Get(artifact.NewKey("team-1", "t1", OutputArtifactName))
	require.NoError(t, err)
	env, err := artifact.DecodeEnvelope(data)
	require.NoError(t, err)
	assert.Equal(t, "shell-output", env.Type)
	assert.Equal(t, "t1", env.Metadata.Producer)
	require.Len(t, env.Records, 1)
	assert.Contains(t, string(env.Records[0]), "hello")
}

func TestShellExecutor_FailureIncludesStderr(t *testing.T) {
	store := artifact.NewMemoryStore()
	exec := NewShellExecutor()
	exec.Register("t1", "echo oops >&2; exit 3", 0)

	res := exec.Execute(context.Background(), shellAssignment(store, "t1", false))

	assert.Equal(t, graph.StatusFailed, res.Outcome.Status)
	assert.Contains(t, res.Outcome.Reason, "command failed")
	assert.Contains(t, res.Outcome.Reason, "oops")
	assert.Empty(t, res.ArtifactRef)
}

func TestShellExecutor_NoCommandIsSyncPoint(t *testing.T) {
	exec := NewShellExecutor()
	res := exec.Execute(context.Background(), shellAssignment(artifact.NewMemoryStore(), "unregistered", false))
	assert.Equal(t, graph.StatusSucceeded, res.Outcome.Status)
	assert.Equal(t, "no command, nothing to do", res.Summary)
}

func TestShellExecutor_EnvironmentExposed(t *testing.T) {
	store := artifact.NewMemoryStore()
	exec := NewShellExecutor()
	exec.Register("t1", "echo $TASKCREW_TEAM_ID/$TASKCREW_TASK_ID/$TASKCREW_PARTIAL_INPUT", 0)

	res := exec.Execute(context.Background(), shellAssignment(store, "t1", true))

	require.Equal(t, graph.StatusSucceeded, res.Outcome.Status)
	assert.Equal(t, "team-1/t1/true", res.Summary)
}

func TestShellExecutor_RetriesUntilSuccess(t *testing.T) {
	store := artifact.NewMemoryStore()
	dir := t.TempDir()
	exec := NewShellExecutor()
	// Fails on the first attempt, succeeds once the marker file exists.
	exec.Register("t1", "test -f "+dir+"/marker || { touch "+dir+"/marker; exit 1; }; echo recovered", 2)

	res := exec.Execute(context.Background(), shellAssignment(store, "t1", false))

	assert.Equal(t, graph.StatusSucceeded, res.Outcome.Status)
	assert.Equal(t, "recovered", res.Summary)
}

func TestShellExecutor_TracksAttempts(t *testing.T) {
	store := artifact.NewMemoryStore()
	exec := NewShellExecutor()
	// Fails until the second attempt; the command sees which try it is on.
	exec.Register("t1", `[ "$TASKCREW_ATTEMPT" -ge 2 ] || exit 1; echo attempt $TASKCREW_ATTEMPT`, 2)

	a := shellAssignment(store, "t1", false)
	res := exec.Execute(context.Background(), a)

	require.Equal(t, graph.StatusSucceeded, res.Outcome.Status)
	assert.Equal(t, "attempt 2", res.Summary)
	assert.Equal(t, 2, a.Attempt)

	exec.Register("t2", "true", 0)
	single := shellAssignment(store, "t2", false)
	exec.Execute(context.Background(), single)
	assert.Equal(t, 1, single.Attempt)
}

func TestShellExecutor_WriteOnceConflictFails(t *testing.T) {
	store := artifact.NewMemoryStore()
	key := artifact.NewKey("team-1", "t1", OutputArtifactName)
	require.NoError(t, store.Put(key, []byte("occupied")))

	exec := NewShellExecutor()
	exec.Register("t1", "echo hello", 0)
	res := exec.Execute(context.Background(), shellAssignment(store, "t1", false))

	assert.Equal(t, graph.StatusFailed, res.Outcome.Status)
	assert.Contains(t, res.Outcome.Reason, "store output")
}

func TestFirstLine(t *testing.T) {
	assert.Equal(t, "one", firstLine("  one\ntwo\n"))
	assert.Equal(t, "", firstLine("   \n"))
	long := make([]byte, 300)
	for i := range long {
		long[i] = 'x'
	}
	assert.Len(t, firstLine(string(long)), 200)
}
