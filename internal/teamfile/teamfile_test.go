package teamfile

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskcrew/taskcrew/internal/artifact"
	"github.com/taskcrew/taskcrew/internal/errors"
	"github.com/taskcrew/taskcrew/internal/graph"
	"github.com/taskcrew/taskcrew/internal/team"
	"github.com/taskcrew/taskcrew/internal/worker"
)

const validFile = `
team: ci
workers: 2
heartbeat_timeout: 10s
tasks:
  - name: build
    command: echo building
  - name: lint
    command: echo linting
  - name: test
    command: echo testing
    retries: 2
    depends_on:
      - build
  - name: package
    subject: package everything
    depends_on:
      - test
      - task: lint
        kind: optional
`

func TestParse_Valid(t *testing.T) {
	f, err := Parse([]byte(validFile))
	require.NoError(t, err)

	assert.Equal(t, "ci", f.Team)
	assert.Equal(t, 2, f.Workers)
	assert.Equal(t, 10*time.Second, time.Duration(f.HeartbeatTimeout))
	require.Len(t, f.Tasks, 4)

	pkg := f.Tasks[3]
	assert.Equal(t, "package everything", pkg.Subject)
	require.Len(t, pkg.DependsOn, 2)
	assert.Equal(t, DependencyRef{Task: "test", Kind: "required"}, pkg.DependsOn[0], "plain string means required")
	assert.Equal(t, DependencyRef{Task: "lint", Kind: "optional"}, pkg.DependsOn[1])
}

func TestParse_UnknownField(t *testing.T) {
	_, err := Parse([]byte("team: ci\nbogus: true\ntasks:\n  - name: a\n"))
	assert.Error(t, err)
}

func TestValidate_MissingTeamName(t *testing.T) {
	_, err := Parse([]byte("tasks:\n  - name: a\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "team name is required")
}

func TestValidate_NoTasks(t *testing.T) {
	_, err := Parse([]byte("team: ci\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no tasks")
}

func TestValidate_DuplicateTaskName(t *testing.T) {
	_, err := Parse([]byte(`
team: ci
tasks:
  - name: build
  - name: build
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `duplicate task name "build"`)
}

func TestValidate_UnknownDependency(t *testing.T) {
	_, err := Parse([]byte(`
team: ci
tasks:
  - name: build
    depends_on: [missing]
`))
	require.Error(t, err)
	var oerr *errors.OrchestrationError
	require.ErrorAs(t, err, &oerr)
	assert.Contains(t, oerr.Message, "missing")
}

func TestValidate_DuplicateDependency(t *testing.T) {
	_, err := Parse([]byte(`
team: ci
tasks:
  - name: a
  - name: b
    depends_on: [a, a]
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `lists dependency "a" twice`)
}

func TestValidate_BadKind(t *testing.T) {
	_, err := Parse([]byte(`
team: ci
tasks:
  - name: a
  - name: b
    depends_on:
      - task: a
        kind: advisory
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown kind "advisory"`)
}

func TestValidate_Cycle(t *testing.T) {
	_, err := Parse([]byte(`
team: ci
tasks:
  - name: a
    depends_on: [c]
  - name: b
    depends_on: [a]
  - name: c
    depends_on: [b]
`))
	require.Error(t, err)
	var oerr *errors.OrchestrationError
	require.ErrorAs(t, err, &oerr)
	assert.Equal(t, errors.CodeValidationCycle, oerr.Code)
	assert.Equal(t, errors.ErrorCategoryValidation, oerr.Category)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/team.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot read team file")
}

func TestLoad_FromDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "team.yaml")
	require.NoError(t, os.WriteFile(path, []byte(validFile), 0o644))

	f, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "ci", f.Team)
}

func TestBuild_RegistersTasksAndCommands(t *testing.T) {
	f, err := Parse([]byte(validFile))
	require.NoError(t, err)

	exec := worker.NewShellExecutor()
	c, err := team.New(team.Config{Name: f.Team, Pool: f.PoolConfig()}, artifact.NewMemoryStore(), exec)
	require.NoError(t, err)

	ids, err := f.Build(c, exec)
	require.NoError(t, err)
	require.Len(t, ids, 4)

	rec, err := c.Record(ids["package"])
	require.NoError(t, err)
	assert.Equal(t, "package everything", rec.Subject)
	assert.Equal(t, graph.KindRequired, rec.DependencyKinds[ids["test"]])
	assert.Equal(t, graph.KindOptional, rec.DependencyKinds[ids["lint"]])

	rec, err = c.Record(ids["build"])
	require.NoError(t, err)
	assert.Equal(t, "build", rec.Subject, "subject falls back to the task name")
}

func TestBuild_EndToEnd(t *testing.T) {
	f, err := Parse([]byte(validFile))
	require.NoError(t, err)

	exec := worker.NewShellExecutor()
	store := artifact.NewMemoryStore()
	c, err := team.New(team.Config{Name: f.Team, Pool: f.PoolConfig()}, store, exec)
	require.NoError(t, err)

	_, err = f.Build(c, exec)
	require.NoError(t, err)

	manifest, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, manifest.Succeeded())
	assert.Equal(t, "4 succeeded, 0 failed, 0 skipped", manifest.Counts())

	keys, err := store.List(manifest.Team.ID)
	require.NoError(t, err)
	assert.Len(t, keys, 3, "every command's stdout is stored as an artifact")
}

func TestPoolConfig(t *testing.T) {
	f := &File{Workers: 7, HeartbeatTimeout: Duration(time.Minute), ShutdownRetries: 5}
	cfg := f.PoolConfig()
	assert.Equal(t, 7, cfg.Workers)
	assert.Equal(t, time.Minute, cfg.HeartbeatTimeout)
	assert.Equal(t, 5, cfg.ShutdownRetries)
}
