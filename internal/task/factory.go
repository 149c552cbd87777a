package task

import (
	"context"
	"fmt"
	"sync"

	"github.com/tmavro/enginebridge/internal/engine"
	"github.com/tmavro/enginebridge/internal/handle"
	"github.com/tmavro/enginebridge/internal/logctx"
)

// Task is one scheduler-visible unit of work.
type Task interface {
	Run(ctx context.Context) Outcome
}

// Deps are the collaborators handed to every constructed task.
type Deps struct {
	Engine   engine.Engine
	Registry *handle.Registry
	Progress engine.ProgressSink
	Promoter Promoter
}

// Constructor builds a ready-to-run task from its input record.
type Constructor func(input Input, deps Deps) Task

// LoadError reports that no task instance could be produced for a type name.
// The caller must treat it as a fatal inability to run that task.
type LoadError struct {
	TypeName string
	Err      error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("failed to load task type %q: %v", e.TypeName, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// Factory maps task type names to constructors. The mapping is populated at
// process start, which keeps task wiring explicit and compile-checked while
// still letting task implementations live apart from the scheduler that runs
// them.
type Factory struct {
	mu    sync.RWMutex
	ctors map[string]Constructor
}

func NewFactory() *Factory {
	return &Factory{ctors: make(map[string]Constructor)}
}

// Register associates name with ctor, replacing any previous registration.
func (f *Factory) Register(name string, ctor Constructor) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.ctors[name] = ctor
}

// New constructs the task registered under name. An unknown name or a
// constructor failure yields a nil task and a LoadError; neither ever panics
// past this boundary.
func (f *Factory) New(ctx context.Context, name string, input Input, deps Deps) (t Task, err error) {
	logger := logctx.LoggerFromContext(ctx)

	f.mu.RLock()
	ctor, ok := f.ctors[name]
	f.mu.RUnlock()

	if !ok {
		err = &LoadError{TypeName: name, Err: fmt.Errorf("not registered")}
		logger.Error("no constructor for task type", "task_type", name)

		return nil, err
	}

	defer func() {
		if r := recover(); r != nil {
			logger.Error("task constructor panic", "task_type", name, "panic", r)

			t = nil
			err = &LoadError{TypeName: name, Err: fmt.Errorf("constructor panic: %v", r)}
		}
	}()

	t = ctor(input, deps)
	if t == nil {
		err = &LoadError{TypeName: name, Err: fmt.Errorf("constructor returned no instance")}
		logger.Error("task constructor produced no instance", "task_type", name)

		return nil, err
	}

	return t, nil
}
