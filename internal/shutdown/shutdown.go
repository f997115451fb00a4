package shutdown

import (
	"cmp"
	"context"
	"os/signal"
	"slices"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// Release order for the resources of a run
const (
	PriorityInput   = 10 // Input file and decompressor
	PriorityStaging = 20 // Uncommitted staging file is removed
	PriorityMetrics = 30 // Final metrics export
	PriorityStorage = 40 // Storage backend clients
)

// Closer is a resource released when the run ends, successfully or not
type Closer interface {
	Close() error
}

// HookFunc runs before any Closer, bounded by the coordinator timeout
type HookFunc func(ctx context.Context) error

type task struct {
	name     string
	priority int // lower runs first
	hook     HookFunc
	closer   Closer
}

// Coordinator releases the resources of a conversion run exactly once,
// in priority order, on every exit path
type Coordinator struct {
	timeout time.Duration
	logger  zerolog.Logger

	mu    sync.Mutex
	tasks []task

	runOnce     sync.Once
	runErr      error
	triggerOnce sync.Once
	done        chan struct{}
}

func New(timeout time.Duration, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		timeout: timeout,
		logger:  logger.With().Str("component", "shutdown").Logger(),
		done:    make(chan struct{}),
	}
}

// Register adds a resource closed during shutdown, lowest priority first
func (c *Coordinator) Register(name string, component Closer, priority int) {
	c.add(task{name: name, priority: priority, closer: component})
}

// RegisterHook adds a function that runs before all registered closers
func (c *Coordinator) RegisterHook(name string, hook HookFunc, priority int) {
	c.add(task{name: name, priority: priority, hook: hook})
}

func (c *Coordinator) add(t task) {
	c.mu.Lock()
	c.tasks = append(c.tasks, t)
	c.mu.Unlock()

	c.logger.Debug().Str("name", t.name).Int("priority", t.priority).Bool("hook", t.hook != nil).Msg("Registered for shutdown")
}

// CancelOnSignal derives a context cancelled by SIGINT or SIGTERM. The
// handler is installed before returning and removed once shutdown starts.
func (c *Coordinator) CancelOnSignal(parent context.Context) context.Context {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		defer stop()
		select {
		case <-ctx.Done():
			if parent.Err() == nil {
				c.logger.Warn().Msg("Received signal, aborting conversion")
			}
		case <-c.done:
		}
	}()
	return ctx
}

// Shutdown runs the hooks, then closes every component, once. A hook timeout
// skips the remaining hooks but never the closers, so staged files are always
// removed. The first error is returned, also on later calls.
func (c *Coordinator) Shutdown() error {
	c.runOnce.Do(func() {
		c.TriggerShutdown()
		start := time.Now()

		c.mu.Lock()
		tasks := slices.Clone(c.tasks)
		c.mu.Unlock()
		slices.SortStableFunc(tasks, func(a, b task) int { return cmp.Compare(a.priority, b.priority) })

		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()

		for _, t := range tasks {
			if t.hook == nil {
				continue
			}
			if ctx.Err() != nil {
				c.logger.Warn().Str("hook", t.name).Msg("Shutdown timeout reached, skipping remaining hooks")
				c.record(ctx.Err())
				break
			}
			if err := t.hook(ctx); err != nil {
				c.logger.Error().Err(err).Str("hook", t.name).Msg("Shutdown hook failed")
				c.record(err)
			}
		}

		for _, t := range tasks {
			if t.closer == nil {
				continue
			}
			if err := t.closer.Close(); err != nil {
				c.logger.Error().Err(err).Str("name", t.name).Msg("Close failed")
				c.record(err)
				continue
			}
			c.logger.Debug().Str("name", t.name).Msg("Closed")
		}

		c.logger.Debug().Dur("duration", time.Since(start)).Int("tasks", len(tasks)).Msg("Shutdown complete")
	})
	return c.runErr
}

func (c *Coordinator) record(err error) {
	if c.runErr == nil {
		c.runErr = err
	}
}

// TriggerShutdown wakes signal watchers without running the shutdown itself.
// Safe for concurrent use.
func (c *Coordinator) TriggerShutdown() {
	c.triggerOnce.Do(func() { close(c.done) })
}

// Done is closed once shutdown has been triggered
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}
