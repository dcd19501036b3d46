package bpmn

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/procflow/procflow/pkg/storage"
)

// Dispatcher is the background worker that feeds the engine: it polls
// the store for due instances, claims them under its lock name and runs
// one execution pass per claim. Multiple dispatchers against the same
// store coordinate purely through the atomic claim; no other
// communication exists between workers.
type Dispatcher struct {
	engine   *Engine
	logger   hclog.Logger
	lockName string
	interval time.Duration
	wake     chan struct{}
	cancel   context.CancelFunc
	done     chan struct{}
}

type DispatcherOption = func(*Dispatcher)

// NewDispatcher creates a dispatcher for the given engine. The default
// lock name combines the hostname with a random suffix so that two
// workers never share an identity, while a restart of a configured
// worker keeps its name and can recover its own orphaned claims.
func NewDispatcher(engine *Engine, options ...DispatcherOption) *Dispatcher {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "procflow"
	}
	d := Dispatcher{
		engine:   engine,
		logger:   engine.logger.Named("dispatcher"),
		lockName: fmt.Sprintf("%s-%s", hostname, uuid.NewString()[:8]),
		interval: 5 * time.Second,
		wake:     make(chan struct{}, 1),
	}
	for _, option := range options {
		option(&d)
	}
	return &d
}

// DispatcherWithLockName fixes the worker identity. Use a stable name
// per deployment slot so that startup lock recovery finds the claims a
// crashed predecessor left behind.
func DispatcherWithLockName(lockName string) DispatcherOption {
	return func(d *Dispatcher) { d.lockName = lockName }
}

func DispatcherWithInterval(interval time.Duration) DispatcherOption {
	return func(d *Dispatcher) { d.interval = interval }
}

func DispatcherWithLogger(logger hclog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = logger }
}

// LockName returns the worker identity used for claims.
func (d *Dispatcher) LockName() string {
	return d.lockName
}

// Start recovers instances this worker left claimed in a previous life,
// then begins polling. It returns once the background loop is running.
func (d *Dispatcher) Start(ctx context.Context) error {
	reclaimed, err := d.engine.store.ResetInstanceLocks(ctx, d.lockName,
		storage.InstanceStatusExecuting, storage.InstanceStatusScheduled)
	if err != nil {
		return fmt.Errorf("failed to reset instance locks for %s: %w", d.lockName, err)
	}
	if reclaimed > 0 {
		d.logger.Warn("recovered orphaned instance claims", "lockName", d.lockName, "count", reclaimed)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.done = make(chan struct{})
	go d.loop(loopCtx)
	d.logger.Info("dispatcher started", "lockName", d.lockName, "interval", d.interval)
	return nil
}

// Stop halts the polling loop and waits for an in-flight pass to finish.
// The engine's persist-before-release ordering makes interruption at any
// other point safe.
func (d *Dispatcher) Stop() {
	if d.cancel == nil {
		return
	}
	d.cancel()
	<-d.done
	d.logger.Info("dispatcher stopped", "lockName", d.lockName)
}

// Wake nudges the dispatcher to poll immediately instead of waiting for
// the next tick. Safe to call from any goroutine; a pending nudge is
// never queued twice.
func (d *Dispatcher) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) loop(ctx context.Context) {
	defer close(d.done)
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.drainDue(ctx)
		case <-d.wake:
			d.drainDue(ctx)
		}
	}
}

// drainDue claims and executes due instances until the store runs dry.
// Store contention ends the drain; the next tick retries. An instance
// failure does not: other due instances still deserve their pass.
func (d *Dispatcher) drainDue(ctx context.Context) {
	for ctx.Err() == nil {
		instance, err := d.engine.store.ClaimNextDue(ctx, d.lockName, d.engine.clock())
		if err != nil {
			d.logger.Error("failed to claim next due instance", "error", err)
			return
		}
		if instance == nil {
			return
		}
		if err := d.runClaimed(ctx, instance); err != nil {
			if IsContention(err) {
				d.logger.Warn("store contention during execution pass", "instance", instance.Id, "error", err)
				return
			}
			// instance-level failure, already released as FAILED
			continue
		}
	}
}

// runClaimed executes one pass with panic isolation: a panicking node
// behavior fails its instance but never takes the worker down.
func (d *Dispatcher) runClaimed(ctx context.Context, instance *storage.ProcessInstance) (err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("panic during execution pass", "instance", instance.Id, "panic", r)
			err = d.engine.failInstance(ctx, instance, nil, fmt.Errorf("panic during execution: %v", r))
		}
	}()
	return d.engine.RunInstance(ctx, instance)
}
