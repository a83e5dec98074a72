package executor

import (
	"strings"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"k8s.io/utils/clock"

	"github.com/armadaproject/flowbench/internal/common/bencherrors"
	"github.com/armadaproject/flowbench/internal/flowbench/configuration"
	"github.com/armadaproject/flowbench/internal/store"
)

const (
	MockExecutorName  = "MockExecutor"
	LocalExecutorName = "LocalExecutor"
)

// Factory constructs an executor.
type Factory func(config configuration.ExecutorConfig, s store.Store, clock clock.Clock) (Executor, error)

// Registry maps executor names to factories.
type Registry struct {
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// DefaultRegistry returns a registry containing every built-in executor.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(MockExecutorName, func(config configuration.ExecutorConfig, s store.Store, _ clock.Clock) (Executor, error) {
		return NewMockExecutor(config.Parallelism, s), nil
	})
	r.Register(LocalExecutorName, func(config configuration.ExecutorConfig, s store.Store, clock clock.Clock) (Executor, error) {
		return NewLocalExecutor(config.Parallelism, s, clock), nil
	})
	return r
}

// Register adds, or replaces, the factory for name.
func (r *Registry) Register(name string, factory Factory) {
	r.factories[name] = factory
}

// Names returns the registered executor names, sorted.
func (r *Registry) Names() []string {
	names := maps.Keys(r.factories)
	slices.Sort(names)
	return names
}

// Validate returns an ErrInvalidArgument if no executor is registered under name.
func (r *Registry) Validate(name string) error {
	if _, ok := r.factories[name]; !ok {
		return &bencherrors.ErrInvalidArgument{
			Name:    "executorClass",
			Value:   name,
			Message: "unknown executor; expected one of " + strings.Join(r.Names(), ", "),
		}
	}
	return nil
}

// New constructs the executor registered under name.
func (r *Registry) New(name string, config configuration.ExecutorConfig, s store.Store, clock clock.Clock) (Executor, error) {
	if err := r.Validate(name); err != nil {
		return nil, err
	}
	return r.factories[name](config, s, clock)
}
