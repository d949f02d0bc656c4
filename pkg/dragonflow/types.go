package dragonflow

import (
	core "github.com/ZanzyTHEbar/dragonflow"
	"github.com/ZanzyTHEbar/dragonflow/internal/config"
	"github.com/ZanzyTHEbar/dragonflow/internal/eventbus"
	"github.com/ZanzyTHEbar/dragonflow/internal/executor"
	"github.com/ZanzyTHEbar/dragonflow/internal/manifest"
	"github.com/ZanzyTHEbar/dragonflow/internal/monitor"
	"github.com/ZanzyTHEbar/dragonflow/internal/scheduler"
	"github.com/ZanzyTHEbar/dragonflow/internal/worker"
)

// Re-exported types so embedders need only this package.
type (
	TaskDescriptor  = core.TaskDescriptor
	ExecutionResult = core.ExecutionResult
	Worker          = core.Worker
	Config          = config.Config
	Manifest        = manifest.Manifest
	Report          = scheduler.Report
	WorkerResolver  = scheduler.WorkerResolver
	ExecuteOption   = executor.ExecuteOption
	Sampler         = monitor.Sampler
	EventType       = eventbus.EventType
	Event           = eventbus.Event
	EventHandler    = eventbus.EventHandler
	ExecutionEvent  = eventbus.ExecutionEvent
	BreakerEvent    = eventbus.BreakerEvent
	FuncWorker      = worker.FuncWorker
	ProcessWorker   = worker.ProcessWorker
)

var (
	DefaultConfig    = config.DefaultConfig
	LoadConfig       = config.Load
	LoadManifest     = manifest.Load
	StaticWorkers    = scheduler.StaticWorkers
	WithTaskTimeout  = executor.WithTaskTimeout
	WithTaskRetries  = executor.WithTaskMaxRetries
	NewFuncWorker    = worker.NewFuncWorker
	NewProcessWorker = worker.NewProcessWorker
)
