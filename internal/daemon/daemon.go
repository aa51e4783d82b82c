package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fiskalni/fiskalni/internal/clock"
	"github.com/fiskalni/fiskalni/internal/logging"
	syncengine "github.com/fiskalni/fiskalni/internal/sync"
)

// Reason says why a boot was requested.
type Reason string

const (
	TriggerStartup Reason = "startup"
	TriggerManual  Reason = "manual"
	TriggerOnline  Reason = "online"
	TriggerVisible Reason = "visible"
	TriggerConfig  Reason = "config"
	TriggerSession Reason = "session"
)

// ErrRunning is returned by Start on a daemon that is already running.
var ErrRunning = errors.New("daemon already running")

// Puller performs the bulk pull of a boot.
type Puller interface {
	SyncFromRemote(ctx context.Context) ([]syncengine.PullResult, error)
}

// Channels opens and closes the realtime subscriptions.
type Channels interface {
	SubscribeAll(ctx context.Context) error
	Unsubscribe(ctx context.Context) error
}

// DrainFunc pushes the outbound queue.
type DrainFunc func(ctx context.Context) error

// Source turns an outside event into triggers. Run blocks until ctx is
// done.
type Source interface {
	Name() string
	Run(ctx context.Context, emit func(Reason)) error
}

// Boot describes one finished boot.
type Boot struct {
	Seq      int
	Reasons  []Reason
	Started  time.Time
	Duration time.Duration
	Pulled   []syncengine.PullResult
	// Err is the pull failure that ended the boot, if any.
	Err error
}

// Options are the optional collaborators of a Daemon.
type Options struct {
	Clock  clock.Clock
	Logger *slog.Logger
	// OnBoot is called after every boot, from the boot goroutine.
	OnBoot func(Boot)
	// StopTimeout bounds the realtime teardown in Stop (default 5s).
	StopTimeout time.Duration
}

// Daemon owns the boot loop of one session.
type Daemon struct {
	puller   Puller
	channels Channels
	clock    clock.Clock
	logger   *slog.Logger
	onBoot   func(Boot)
	timeout  time.Duration

	wake  chan struct{}
	boots atomic.Int64

	mu      sync.Mutex
	running bool
	drain   DrainFunc
	reasons map[Reason]bool
	sources []Source
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a Daemon. Call Start or Run to begin.
func New(puller Puller, channels Channels, opts Options) *Daemon {
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	timeout := opts.StopTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Daemon{
		puller:   puller,
		channels: channels,
		clock:    clk,
		logger:   logging.OrDefault(opts.Logger, "daemon"),
		onBoot:   opts.OnBoot,
		timeout:  timeout,
		wake:     make(chan struct{}, 1),
		reasons:  make(map[Reason]bool),
	}
}

// AddSource registers a trigger source. Sources added after Start run from
// the next Start.
func (d *Daemon) AddSource(s Source) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sources = append(d.sources, s)
}

// Start launches the boot loop and the trigger sources, and requests the
// first boot. drain may be nil.
func (d *Daemon) Start(ctx context.Context, drain DrainFunc) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		return ErrRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	d.running = true
	d.drain = drain
	d.cancel = cancel

	d.wg.Add(1)
	go d.loop(ctx)

	for _, src := range d.sources {
		d.wg.Add(1)
		go d.runSource(ctx, src)
	}

	d.logger.Info("daemon started", "sources", len(d.sources))
	d.requestLocked(TriggerStartup)
	return nil
}

// Stop cancels the sources, waits for a running boot to return and closes
// the realtime channels. Stopping a stopped daemon is a no-op.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	d.cancel()
	d.mu.Unlock()

	d.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	if err := d.channels.Unsubscribe(ctx); err != nil {
		return fmt.Errorf("failed to close realtime channels: %w", err)
	}

	d.logger.Info("daemon stopped", "boots", d.BootCount())
	return nil
}

// Run starts the daemon and blocks until ctx is done, then stops it.
func (d *Daemon) Run(ctx context.Context, drain DrainFunc) error {
	if err := d.Start(ctx, drain); err != nil {
		return err
	}
	<-ctx.Done()
	return d.Stop()
}

// Trigger requests a boot. If a boot is running, the request is folded
// into one trailing boot. Triggers on a stopped daemon are dropped.
func (d *Daemon) Trigger(reason Reason) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.running {
		d.logger.Debug("dropping trigger, daemon not running", "reason", reason)
		return
	}
	d.requestLocked(reason)
}

func (d *Daemon) requestLocked(reason Reason) {
	d.reasons[reason] = true
	select {
	case d.wake <- struct{}{}:
	default:
		// A boot is already pending.
	}
}

// BootCount returns the number of boots started so far.
func (d *Daemon) BootCount() int {
	return int(d.boots.Load())
}

// Running reports whether the daemon has been started and not stopped.
func (d *Daemon) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

func (d *Daemon) loop(ctx context.Context) {
	defer d.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.wake:
			if ctx.Err() != nil {
				return
			}
			d.boot(ctx, d.takeReasons())
		}
	}
}

func (d *Daemon) takeReasons() []Reason {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]Reason, 0, len(d.reasons))
	for r := range d.reasons {
		out = append(out, r)
	}
	clear(d.reasons)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (d *Daemon) boot(ctx context.Context, reasons []Reason) {
	seq := int(d.boots.Add(1))
	b := Boot{Seq: seq, Reasons: reasons, Started: d.clock.Now()}
	logger := d.logger.With("boot", seq)
	logger.Info("boot started", "reasons", reasons)

	defer func() {
		b.Duration = d.clock.Now().Sub(b.Started)
		if d.onBoot != nil {
			d.onBoot(b)
		}
	}()

	results, err := d.puller.SyncFromRemote(ctx)
	b.Pulled = results
	if err != nil {
		b.Err = err
		logger.Error("bulk sync failed, boot aborted", "error", err)
		return
	}

	// Subscription failures schedule their own reconnects.
	if err := d.channels.SubscribeAll(ctx); err != nil {
		logger.Warn("realtime subscribe failed", "error", err)
	}

	d.mu.Lock()
	drain := d.drain
	d.mu.Unlock()
	if drain != nil {
		if err := drain(ctx); err != nil {
			logger.Warn("queue drain failed", "error", err)
		}
	}

	logger.Info("boot complete", "kinds", len(results))
}

func (d *Daemon) runSource(ctx context.Context, src Source) {
	defer d.wg.Done()

	err := src.Run(ctx, d.Trigger)
	if err != nil && ctx.Err() == nil {
		d.logger.Error("trigger source failed", "source", src.Name(), "error", err)
	}
}
