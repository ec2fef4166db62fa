// Package teamfile loads and validates the YAML file describing a team:
// its worker pool settings and its tasks with commands and dependencies.
package teamfile

import (
	"bytes"
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/taskcrew/taskcrew/internal/errors"
	"github.com/taskcrew/taskcrew/internal/graph"
	"github.com/taskcrew/taskcrew/internal/team"
	"github.com/taskcrew/taskcrew/internal/worker"
)

// Duration wraps time.Duration so the YAML form can be "30s" or "5m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	v, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %v", node.Value, err)
	}
	*d = Duration(v)
	return nil
}

// DependencyRef names another task in the same file. In YAML it is
// either a plain string (required dependency) or a mapping with an
// explicit kind:
//
//	depends_on:
//	  - build
//	  - {task: lint, kind: optional}
type DependencyRef struct {
	Task string `yaml:"task"`
	Kind string `yaml:"kind"`
}

func (d *DependencyRef) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		d.Task = node.Value
		d.Kind = string(graph.KindRequired)
		return nil
	}
	type raw DependencyRef
	var r raw
	if err := node.Decode(&r); err != nil {
		return err
	}
	if r.Kind == "" {
		r.Kind = string(graph.KindRequired)
	}
	*d = DependencyRef(r)
	return nil
}

// Task is one task entry in the team file.
type Task struct {
	Name        string          `yaml:"name"`
	Subject     string          `yaml:"subject"`
	Description string          `yaml:"description"`
	Command     string          `yaml:"command"`
	Retries     int             `yaml:"retries"`
	DependsOn   []DependencyRef `yaml:"depends_on"`
}

// File is the parsed team file.
type File struct {
	Team             string   `yaml:"team"`
	Workers          int      `yaml:"workers"`
	HeartbeatTimeout Duration `yaml:"heartbeat_timeout"`
	ShutdownRetries  int      `yaml:"shutdown_retries"`
	Tasks            []Task   `yaml:"tasks"`
}

// Load reads and validates a team file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.NewConfigError(
			fmt.Sprintf("cannot read team file %s: %v", path, err), "teamfile.Load")
	}
	return Parse(data)
}

// Parse decodes and validates team file content.
func Parse(data []byte) (*File, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, errors.NewConfigError(
			fmt.Sprintf("invalid team file: %v", err), "teamfile.Parse")
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Validate checks structural rules: non-empty team and task names, no
// duplicate task names, valid dependency kinds, dependencies that refer
// to tasks in the file, and an acyclic dependency relation.
func (f *File) Validate() error {
	if f.Team == "" {
		return errors.NewConfigError("team name is required", "teamfile.Validate")
	}
	if len(f.Tasks) == 0 {
		return errors.NewConfigError("team file declares no tasks", "teamfile.Validate")
	}

	seen := make(map[string]bool, len(f.Tasks))
	for _, t := range f.Tasks {
		if t.Name == "" {
			return errors.NewConfigError("task without a name", "teamfile.Validate")
		}
		if seen[t.Name] {
			return errors.NewConfigError(
				fmt.Sprintf("duplicate task name %q", t.Name), "teamfile.Validate")
		}
		seen[t.Name] = true
	}

	for _, t := range f.Tasks {
		depSeen := make(map[string]bool, len(t.DependsOn))
		for _, d := range t.DependsOn {
			if !seen[d.Task] {
				return errors.NewUnknownDependencyError(f.Team, t.Name, d.Task)
			}
			if depSeen[d.Task] {
				return errors.NewConfigError(
					fmt.Sprintf("task %q lists dependency %q twice", t.Name, d.Task),
					"teamfile.Validate")
			}
			depSeen[d.Task] = true
			switch graph.Kind(d.Kind) {
			case graph.KindRequired, graph.KindOptional:
			default:
				return errors.NewConfigError(
					fmt.Sprintf("task %q dependency %q has unknown kind %q", t.Name, d.Task, d.Kind),
					"teamfile.Validate")
			}
		}
	}

	if _, err := f.topoOrder(); err != nil {
		return err
	}
	return nil
}

// topoOrder returns the task names in dependency order using Kahn's
// algorithm, or a cycle error.
func (f *File) topoOrder() ([]string, error) {
	indegree := make(map[string]int, len(f.Tasks))
	dependents := make(map[string][]string, len(f.Tasks))
	for _, t := range f.Tasks {
		indegree[t.Name] += 0
		for _, d := range t.DependsOn {
			indegree[t.Name]++
			dependents[d.Task] = append(dependents[d.Task], t.Name)
		}
	}

	var ready []string
	for _, t := range f.Tasks {
		if indegree[t.Name] == 0 {
			ready = append(ready, t.Name)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(f.Tasks))
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		order = append(order, name)
		next := dependents[name]
		sort.Strings(next)
		for _, dep := range next {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}
	if len(order) != len(f.Tasks) {
		return nil, errors.NewCycleError(f.Team)
	}
	return order, nil
}

// PoolConfig converts the file's pool settings into a worker config,
// leaving zero values for the pool defaults to fill.
func (f *File) PoolConfig() worker.Config {
	return worker.Config{
		Workers:          f.Workers,
		HeartbeatTimeout: time.Duration(f.HeartbeatTimeout),
		ShutdownRetries:  f.ShutdownRetries,
	}
}

// Build registers every task with the coordinator in dependency order
// and its command with the shell executor. It returns the mapping from
// file task names to generated task ids.
func (f *File) Build(c *team.Coordinator, exec *worker.ShellExecutor) (map[string]string, error) {
	order, err := f.topoOrder()
	if err != nil {
		return nil, err
	}
	byName := make(map[string]Task, len(f.Tasks))
	for _, t := range f.Tasks {
		byName[t.Name] = t
	}

	ids := make(map[string]string, len(f.Tasks))
	for _, name := range order {
		t := byName[name]
		deps := make([]team.Dependency, len(t.DependsOn))
		for i, d := range t.DependsOn {
			deps[i] = team.Dependency{ID: ids[d.Task], Kind: graph.Kind(d.Kind)}
		}
		subject := t.Subject
		if subject == "" {
			subject = t.Name
		}
		id, err := c.AddTask(team.TaskSpec{
			Subject:      subject,
			Description:  t.Description,
			Dependencies: deps,
		})
		if err != nil {
			return nil, err
		}
		ids[name] = id
		if t.Command != "" {
			exec.Register(id, t.Command, t.Retries)
		}
	}
	return ids, nil
}
