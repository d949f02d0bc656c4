// Package manifest loads task-set manifests: the workers available to a run
// and the tasks to execute on them.
package manifest

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ZanzyTHEbar/dragonflow"
	"github.com/ZanzyTHEbar/dragonflow/internal/graph"
	"github.com/ZanzyTHEbar/dragonflow/internal/worker"
)

// Manifest is a task set together with the workers it runs on.
type Manifest struct {
	Name        string       `yaml:"name"`
	Description string       `yaml:"description"`
	Workers     []WorkerSpec `yaml:"workers"`
	Tasks       []TaskSpec   `yaml:"tasks"`
}

// WorkerSpec describes an external worker process.
type WorkerSpec struct {
	ID      string            `yaml:"id"`
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
	Dir     string            `yaml:"dir"`
}

// TaskSpec describes one task.
type TaskSpec struct {
	ID         string                 `yaml:"id"`
	Type       string                 `yaml:"type"`
	Agent      string                 `yaml:"agent"`
	Worker     string                 `yaml:"worker"`
	Input      map[string]interface{} `yaml:"input"`
	DependsOn  []string               `yaml:"depends_on"`
	Priority   int                    `yaml:"priority"`
	Timeout    time.Duration          `yaml:"timeout"`
	MaxRetries *int                   `yaml:"max_retries"`
}

// Loader loads a Manifest from a source (e.g., file path).
type Loader interface {
	Load(source string) (*Manifest, error)
	Format() string // e.g., "yaml", "json"
}

var (
	loadersMu sync.RWMutex
	loaders   = make(map[string]Loader)
)

// RegisterLoader registers a Loader for its format name.
func RegisterLoader(loader Loader) {
	loadersMu.Lock()
	defer loadersMu.Unlock()
	loaders[loader.Format()] = loader
}

// GetLoader retrieves a loader by format name.
func GetLoader(format string) (Loader, bool) {
	loadersMu.RLock()
	defer loadersMu.RUnlock()
	loader, ok := loaders[format]
	return loader, ok
}

// YAMLLoader implements Loader for YAML files.
type YAMLLoader struct{}

func (YAMLLoader) Load(path string) (*Manifest, error) {
	return LoadFile(path)
}

func (YAMLLoader) Format() string { return "yaml" }

func init() {
	RegisterLoader(YAMLLoader{})
}

// LoadFile parses a YAML manifest file.
func LoadFile(path string) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open manifest: %w", err)
	}
	defer f.Close()

	var m Manifest
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest YAML: %w", err)
	}
	return &m, nil
}

// Load picks a loader from the file extension, then validates the result.
func Load(path string) (*Manifest, error) {
	format := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	if format == "yml" || format == "" {
		format = "yaml"
	}
	loader, ok := GetLoader(format)
	if !ok {
		return nil, fmt.Errorf("no manifest loader registered for %q", format)
	}

	m, err := loader.Load(path)
	if err != nil {
		return nil, err
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Validate checks for duplicate ids, unknown workers, references to tasks
// that are not declared dependencies, missing dependencies and cycles.
func (m *Manifest) Validate() error {
	workerIDs := make(map[string]struct{}, len(m.Workers))
	for _, w := range m.Workers {
		if w.ID == "" {
			return dragonflow.NewValidationError("manifest", "worker id cannot be empty", nil)
		}
		if _, exists := workerIDs[w.ID]; exists {
			return dragonflow.NewValidationError("manifest", fmt.Sprintf("duplicate worker ID found: %s", w.ID), nil)
		}
		if w.Command == "" {
			return dragonflow.NewValidationError("manifest", fmt.Sprintf("worker '%s' has no command", w.ID), nil)
		}
		workerIDs[w.ID] = struct{}{}
	}

	taskIDs := make(map[string]struct{}, len(m.Tasks))
	for _, t := range m.Tasks {
		if t.ID == "" {
			return dragonflow.NewValidationError("manifest", "task id cannot be empty", nil)
		}
		if _, exists := taskIDs[t.ID]; exists {
			return dragonflow.NewValidationError("manifest", fmt.Sprintf("duplicate task ID found: %s", t.ID), nil)
		}
		taskIDs[t.ID] = struct{}{}

		if _, ok := workerIDs[t.Worker]; !ok {
			return dragonflow.NewValidationError("manifest", fmt.Sprintf("task '%s' uses unknown worker '%s'", t.ID, t.Worker), nil)
		}
		if t.MaxRetries != nil && *t.MaxRetries < 0 {
			return dragonflow.NewValidationError("manifest", fmt.Sprintf("task '%s' has negative max_retries", t.ID), nil)
		}
		if err := checkReferences(t); err != nil {
			return err
		}
	}

	_, err := m.Graph()
	return err
}

// checkReferences requires every $task.output reference to name a declared dependency.
func checkReferences(t TaskSpec) error {
	deps := make(map[string]struct{}, len(t.DependsOn))
	for _, d := range t.DependsOn {
		deps[d] = struct{}{}
	}
	for key, v := range t.Input {
		ref, ok := ParseReference(v)
		if !ok {
			continue
		}
		if _, declared := deps[ref.TaskID]; !declared {
			return dragonflow.NewValidationError("manifest",
				fmt.Sprintf("task '%s' input '%s' references '%s' which is not in depends_on", t.ID, key, ref.TaskID), nil)
		}
	}
	return nil
}

// Graph builds a dependency graph holding every task.
func (m *Manifest) Graph(opts ...graph.Option) (*graph.Graph, error) {
	specs := make([]graph.TaskSpec, 0, len(m.Tasks))
	for _, t := range m.Tasks {
		specs = append(specs, graph.TaskSpec{ID: t.ID, Dependencies: t.DependsOn})
	}
	g := graph.New(opts...)
	if err := g.AddTasks(specs); err != nil {
		return nil, err
	}
	return g, nil
}

// Descriptors returns the task descriptors in manifest order.
func (m *Manifest) Descriptors() []dragonflow.TaskDescriptor {
	out := make([]dragonflow.TaskDescriptor, 0, len(m.Tasks))
	for _, t := range m.Tasks {
		out = append(out, dragonflow.TaskDescriptor{
			ID:           t.ID,
			Type:         t.Type,
			Agent:        t.Agent,
			Input:        t.Input,
			Dependencies: t.DependsOn,
			Priority:     t.Priority,
			Timeout:      t.Timeout,
			MaxRetries:   t.MaxRetries,
		})
	}
	return out
}

// Assignments maps task id to worker id.
func (m *Manifest) Assignments() map[string]string {
	out := make(map[string]string, len(m.Tasks))
	for _, t := range m.Tasks {
		out[t.ID] = t.Worker
	}
	return out
}

// BuildWorkers creates a process worker for every worker spec.
func (m *Manifest) BuildWorkers(logger *slog.Logger) map[string]dragonflow.Worker {
	out := make(map[string]dragonflow.Worker, len(m.Workers))
	for _, w := range m.Workers {
		opts := []worker.ProcessOption{worker.WithArgs(w.Args...), worker.WithEnv(w.Env)}
		if w.Dir != "" {
			opts = append(opts, worker.WithDir(w.Dir))
		}
		if logger != nil {
			opts = append(opts, worker.WithLogger(logger))
		}
		out[w.ID] = worker.NewProcessWorker(w.ID, w.Command, opts...)
	}
	return out
}
