// Package module implements the module host: the shared lifecycle
// framework every detector module is driven by. Detection algorithms
// themselves are out of scope — this package only provides the
// capability interface and the free-function lifecycle driver used in
// place of a deep abstract-base-class hierarchy.
package module

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flowsentinel/sentryflow/internal/channels"
	"github.com/flowsentinel/sentryflow/internal/module/sched"
	"github.com/flowsentinel/sentryflow/internal/slog"
)

// Module is the four-operation capability interface every detector
// implements. Polymorphism here is a dispatch table (sync vs async
// registration), not inheritance.
type Module interface {
	Name() string
	Channels() channels.Declaration
	Init(ctx context.Context) error
	PreMain() error
	Main(t *channels.Tracker) error
	ShutdownGracefully()
}

// AsyncModule is implemented by modules whose Main/ShutdownGracefully
// are coroutines. Rather than detect this via reflection at call time,
// modules register explicitly as sync or async.
type AsyncModule interface {
	Module
	MainAsync(ctx context.Context, t *channels.Tracker) error
	ShutdownGracefullyAsync(ctx context.Context)
}

// Termination is the single cross-worker cancellation signal the
// supervisor exclusively owns. Modules only ever read it.
type Termination interface {
	Done() <-chan struct{}
	Signaled() bool
}

// Driver runs the module lifecycle loop for one module. Whether it
// drives a sync or async module is fixed at construction time by
// RegisterSync/RegisterAsync, never discovered later by a type
// assertion on mod.
type Driver struct {
	mod      Module
	asyncMod AsyncModule
	isAsync  bool
	sched    *sched.Scheduler

	fabric *channels.Fabric
	term   Termination
	lg     *slog.Logger

	// GracePolls is the number of extra zero-message should_stop polls
	// taken before honoring termination, addressing the quiescence
	// window a channel briefly drained by contention can open. Default 1.
	GracePolls int
	PollPeriod time.Duration

	interrupts int32
	stopped    chan struct{}
}

func newDriver(mod Module, fabric *channels.Fabric, term Termination, lg *slog.Logger) *Driver {
	if lg == nil {
		lg = slog.NewDiscard()
	}
	return &Driver{
		mod:        mod,
		fabric:     fabric,
		term:       term,
		lg:         lg,
		GracePolls: 1,
		PollPeriod: 50 * time.Millisecond,
		stopped:    make(chan struct{}),
	}
}

// RegisterSync builds a Driver for a synchronous module: Main and
// ShutdownGracefully are called directly on the driver's own
// goroutine, and every iteration blocks until they return.
func RegisterSync(mod Module, fabric *channels.Fabric, term Termination, lg *slog.Logger) *Driver {
	return newDriver(mod, fabric, term, lg)
}

// RegisterAsync builds a Driver for an async module: MainAsync and
// ShutdownGracefullyAsync are driven to completion on a dedicated
// single-goroutine cooperative scheduler (internal/module/sched)
// instead of the driver's own goroutine. The sync/async split is
// tagged here, at registration, not inferred later via a type
// assertion in Run.
func RegisterAsync(mod AsyncModule, fabric *channels.Fabric, term Termination, lg *slog.Logger) *Driver {
	d := newDriver(mod, fabric, term, lg)
	d.asyncMod = mod
	d.isAsync = true
	d.sched = sched.New()
	return d
}

// Interrupt is called once per received interrupt signal. The first
// call lets should_stop() finish draining in-flight work; the second
// makes Run return at the start of its next loop pass, without running
// ShutdownGracefully. Only this module is affected.
func (d *Driver) Interrupt() (immediate bool) {
	n := atomic.AddInt32(&d.interrupts, 1)
	return n >= 2
}

// Stopped reports whether this module's Run has returned.
func (d *Driver) Stopped() <-chan struct{} { return d.stopped }

// Name returns the driven module's name, for worker bookkeeping.
func (d *Driver) Name() string { return d.mod.Name() }

// Run implements the module lifecycle loop:
//
//	pre_main()
//	if pre_main error or should_stop(): run_shutdown_gracefully(); exit
//	repeat:
//	  if interrupted twice: exit
//	  if should_stop(): run_shutdown_gracefully(); exit
//	  error = main()
//	  if error: run_shutdown_gracefully()
func (d *Driver) Run(ctx context.Context) {
	defer close(d.stopped)
	defer d.recoverPanic()
	if d.isAsync {
		defer d.sched.Close()
	}

	tracker, err := channels.NewTracker(ctx, d.fabric, d.mod.Name(), d.mod.Channels())
	if err != nil {
		d.lg.Error("module failed to subscribe", slog.KV("module", d.mod.Name()), slog.KVErr(err))
		return
	}
	defer tracker.Close()

	preErr := d.mod.PreMain()
	if preErr != nil {
		d.lg.Error("module pre_main failed", slog.KV("module", d.mod.Name()), slog.KVErr(preErr))
	}
	if preErr != nil || d.shouldStop(tracker) {
		d.runShutdown(ctx)
		return
	}

	for {
		if atomic.LoadInt32(&d.interrupts) >= 2 {
			return
		}
		if d.shouldStop(tracker) {
			d.runShutdown(ctx)
			return
		}

		tracker.ResetIteration()
		tracker.Poll()

		mainErr := d.runMain(ctx, tracker)
		if mainErr != nil {
			d.lg.Error("module main failed, shutting down", slog.KV("module", d.mod.Name()), slog.KVErr(mainErr))
			d.runShutdown(ctx)
			return
		}
	}
}

// runMain dispatches to the sync or async Main, per the tag fixed at
// registration. The async path is driven on the dedicated scheduler
// goroutine rather than this one. The handoff is submitted on a
// context that is never cancelled, so main still runs while channels
// drain after termination; MainAsync itself receives ctx.
func (d *Driver) runMain(ctx context.Context, t *channels.Tracker) error {
	if !d.isAsync {
		return d.mod.Main(t)
	}
	var mainErr error
	d.sched.Run(context.WithoutCancel(ctx), func(context.Context) {
		mainErr = d.asyncMod.MainAsync(ctx, t)
	})
	return mainErr
}

// shouldStop implements should_stop(): true iff no subscribed channel
// received a message in the last iteration AND the supervisor's
// termination is signaled. A small number of grace polls are taken
// first so a channel that briefly quiesces while messages are still
// in transit does not cause a premature shutdown.
func (d *Driver) shouldStop(t *channels.Tracker) bool {
	if !d.term.Signaled() {
		return false
	}
	if t.AnyArrived() {
		return false
	}
	for i := 0; i < d.GracePolls; i++ {
		time.Sleep(d.PollPeriod)
		t.ResetIteration()
		t.Poll()
		if t.AnyArrived() {
			return false
		}
	}
	return true
}

func (d *Driver) runShutdown(ctx context.Context) {
	defer d.recoverPanic()
	if !d.isAsync {
		d.mod.ShutdownGracefully()
		return
	}
	// Shutdown must run to completion even though ctx (the supervisor's
	// termination signal) is typically already cancelled by the time
	// should_stop triggers it — submit on a fresh context so the
	// scheduler handoff itself can't be skipped by Run's ctx.Done() race.
	d.sched.Run(context.Background(), func(ctx context.Context) {
		d.asyncMod.ShutdownGracefullyAsync(ctx)
	})
}

// recoverPanic isolates module failures: an unhandled panic in a
// module is captured, logged with its traceback, and exits only that
// module — other modules continue.
func (d *Driver) recoverPanic() {
	if r := recover(); r != nil {
		d.lg.Critical("module panicked",
			slog.KV("module", d.mod.Name()),
			slog.KV("panic", fmt.Sprintf("%v", r)),
			slog.KV("stack", string(debug.Stack())))
	}
}

// Registry is a convenience holder used by the supervisor to start and
// track every registered module's Driver.
type Registry struct {
	mtx     sync.Mutex
	drivers []*Driver
}

func NewRegistry() *Registry { return &Registry{} }

func (r *Registry) Add(d *Driver) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.drivers = append(r.drivers, d)
}

func (r *Registry) Drivers() []*Driver {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return append([]*Driver(nil), r.drivers...)
}
