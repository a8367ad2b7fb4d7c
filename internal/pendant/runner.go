// Package pendant runs the pendant's connection core on one goroutine and
// exposes it to the UI through a command queue.
//
// Each tick polls WiFi readiness, then runs transport selection, then
// services the active transport, so a swap takes effect before the new
// transport is serviced in the same tick.
package pendant

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/fluiddial/pendant/internal/netstore"
	"github.com/fluiddial/pendant/internal/selector"
	"github.com/fluiddial/pendant/internal/transport"
	"github.com/fluiddial/pendant/internal/wifi"
)

const (
	DefaultTick       = 10 * time.Millisecond
	maxConsolePerTick = 4096
)

var ErrStopped = errors.New("pendant: run loop stopped")

// Deps are the collaborators a Runner drives. The Runner becomes their
// single owner.
type Deps struct {
	WiFi     *wifi.Manager
	Selector *selector.Selector
	Config   *transport.Config
	Store    netstore.Store
	Prober   *transport.Prober
	Console  *ConsoleHub
	Log      *zap.Logger
}

type Runner struct {
	wifi    *wifi.Manager
	sel     *selector.Selector
	cfg     *transport.Config
	store   netstore.Store
	prober  *transport.Prober
	console *ConsoleHub
	log     *zap.Logger

	tick    time.Duration
	cmds    chan func()
	stopped chan struct{}
	rxBuf   []byte
}

func New(d Deps, tick time.Duration) *Runner {
	if tick <= 0 {
		tick = DefaultTick
	}
	if d.Console == nil {
		d.Console = NewConsoleHub()
	}
	if d.Prober == nil {
		d.Prober = &transport.Prober{Log: d.Log}
	}
	return &Runner{
		wifi:    d.WiFi,
		sel:     d.Selector,
		cfg:     d.Config,
		store:   d.Store,
		prober:  d.Prober,
		console: d.Console,
		log:     d.Log,
		tick:    tick,
		cmds:    make(chan func()),
		stopped: make(chan struct{}),
		rxBuf:   make([]byte, 0, maxConsolePerTick),
	}
}

// Console is the hub carrying controller output.
func (r *Runner) Console() *ConsoleHub { return r.console }

// Boot initialises WiFi, restores the persisted connection type, starts a
// join with stored credentials, selects the first transport and asks the
// controller for a status report. Call before Run, on the same goroutine.
func (r *Runner) Boot() {
	r.wifi.Init()

	rec, _, err := r.store.Load()
	if err != nil {
		r.log.Warn("pendant: settings unavailable, using defaults", zap.Error(err))
	}
	if c, err := selector.ParseChoice(rec.ConnectionType); err != nil {
		r.log.Warn("pendant: ignoring stored connection type", zap.Error(err))
	} else if c != selector.ChoiceAuto {
		r.sel.SetChoice(c)
		r.log.Info("pendant: restored connection type", zap.Stringer("choice", c))
	}
	if rec.HasCredentials() {
		r.wifi.Reconnect()
	}

	r.Tick()
	r.sel.SendRT(transport.StatusReport)
}

// Tick runs one iteration of the connection core.
func (r *Runner) Tick() {
	r.wifi.Ready()
	r.sel.Select()
	r.sel.LoopActive()
	r.pumpConsole()
}

// Run ticks until ctx ends, executing queued commands between ticks.
func (r *Runner) Run(ctx context.Context) error {
	defer close(r.stopped)
	t := time.NewTicker(r.tick)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info("pendant: run loop stopping")
			return nil
		case fn := <-r.cmds:
			fn()
		case <-t.C:
			r.Tick()
		}
	}
}

// Do runs fn on the loop goroutine and waits for it.
func (r *Runner) Do(ctx context.Context, fn func()) error {
	_, err := call(ctx, r, func() (struct{}, error) {
		fn()
		return struct{}{}, nil
	})
	return err
}

type result[T any] struct {
	v   T
	err error
}

// call runs fn on the loop goroutine and returns its results. If ctx ends
// first, fn may still be running; its results are then discarded and the
// caller gets the zero value.
func call[T any](ctx context.Context, r *Runner, fn func() (T, error)) (T, error) {
	var zero T
	res := make(chan result[T], 1)
	select {
	case r.cmds <- func() {
		v, err := fn()
		res <- result[T]{v, err}
	}:
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-r.stopped:
		return zero, ErrStopped
	}
	select {
	case out := <-res:
		return out.v, out.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Close releases every transport. Call after Run has returned.
func (r *Runner) Close() error {
	return r.sel.Close()
}

func (r *Runner) pumpConsole() {
	r.rxBuf = r.rxBuf[:0]
	for len(r.rxBuf) < maxConsolePerTick {
		c, ok := r.sel.GetChar()
		if !ok {
			break
		}
		r.rxBuf = append(r.rxBuf, c)
	}
	r.console.Publish(r.rxBuf)
}
