// Package realtime keeps one live change subscription per entity kind.
//
// Each kind has a channel that moves Disconnected → Connecting →
// Subscribed. A recoverable failure (CHANNEL_ERROR, CLOSED, TIMED_OUT)
// schedules a resubscribe after an exponential backoff, as long as the
// channel is still wanted; SUBSCRIBED resets the backoff. Any other status
// is logged and the channel stays down until the next Subscribe.
//
// Every (re)subscribe bumps the channel's generation. Callbacks carry the
// generation they were registered with, so a late status or change from a
// torn-down subscription is ignored.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/fiskalni/fiskalni/internal/clock"
	"github.com/fiskalni/fiskalni/internal/identity"
	"github.com/fiskalni/fiskalni/internal/logging"
	"github.com/fiskalni/fiskalni/internal/remote"
	"github.com/fiskalni/fiskalni/internal/schema"
)

// State is the connection state of one channel.
type State int

const (
	Disconnected State = iota
	Connecting
	Subscribed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Subscribed:
		return "subscribed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Applier receives the changes of a subscription.
type Applier interface {
	ApplyChange(ctx context.Context, kind schema.EntityType, ev remote.ChangeEvent) error
}

// StatusHook is told about every status a live channel reports.
type StatusHook func(kind schema.EntityType, status remote.ChannelStatus)

// Config holds the reconnect policy.
type Config struct {
	// BaseDelay is the delay before the first resubscribe.
	BaseDelay time.Duration
	// MaxDelay caps the delay.
	MaxDelay time.Duration
	// Kinds are the channels SubscribeAll opens.
	Kinds []schema.EntityType
}

// DefaultConfig returns the default reconnect policy: 1s doubling up to 30s.
func DefaultConfig() Config {
	return Config{
		BaseDelay: time.Second,
		MaxDelay:  30 * time.Second,
		Kinds:     schema.EntityTypes,
	}
}

// Backoff returns the delay before retry number attempt (1-based):
// min(BaseDelay × 2^(attempt−1), MaxDelay).
func (c Config) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := c.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= c.MaxDelay || d <= 0 {
			return c.MaxDelay
		}
	}
	if d > c.MaxDelay {
		return c.MaxDelay
	}
	return d
}

// Options are the optional collaborators of a Manager.
type Options struct {
	Clock    clock.Clock
	Logger   *slog.Logger
	OnStatus StatusHook
}

type channel struct {
	kind           schema.EntityType
	state          State
	attempt        int
	allowReconnect bool
	gen            uint64
	ctx            context.Context
	sub            remote.Subscription
	timer          clock.Timer
}

// Manager owns the realtime channels of one session.
type Manager struct {
	transport remote.Subscriber
	applier   Applier
	identity  identity.Provider
	cfg       Config
	clock     clock.Clock
	logger    *slog.Logger
	onStatus  StatusHook

	mu       sync.Mutex
	channels map[schema.EntityType]*channel
}

// NewManager creates a Manager with cfg. Zero delays in cfg take their
// defaults.
func NewManager(transport remote.Subscriber, applier Applier, ids identity.Provider, cfg Config, opts Options) *Manager {
	def := DefaultConfig()
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = max(def.MaxDelay, cfg.BaseDelay)
	}
	if len(cfg.Kinds) == 0 {
		cfg.Kinds = def.Kinds
	}

	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}

	return &Manager{
		transport: transport,
		applier:   applier,
		identity:  ids,
		cfg:       cfg,
		clock:     clk,
		logger:    logging.OrDefault(opts.Logger, "realtime"),
		onStatus:  opts.OnStatus,
		channels:  make(map[schema.EntityType]*channel),
	}
}

// Config returns the manager's reconnect policy.
func (m *Manager) Config() Config {
	return m.cfg
}

// channelLocked returns the channel of kind, creating it. m.mu must be held.
func (m *Manager) channelLocked(kind schema.EntityType) *channel {
	ch, ok := m.channels[kind]
	if !ok {
		ch = &channel{kind: kind}
		m.channels[kind] = ch
	}
	return ch
}

// SubscribeAll subscribes every configured kind.
func (m *Manager) SubscribeAll(ctx context.Context) error {
	var errs []error
	for _, kind := range m.cfg.Kinds {
		if err := m.Subscribe(ctx, kind); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Subscribe (re)opens the channel of kind and enables reconnects for it.
// An existing subscription is torn down first. ctx is also used by later
// reconnects, so it should live as long as the channel is wanted.
//
// With nobody signed in, Subscribe logs and does nothing.
func (m *Manager) Subscribe(ctx context.Context, kind schema.EntityType) error {
	if !kind.IsValid() {
		return fmt.Errorf("unknown entity type %q", kind)
	}

	m.mu.Lock()
	ch := m.channelLocked(kind)
	ch.allowReconnect = true
	ch.ctx = ctx
	m.mu.Unlock()

	return m.subscribe(ctx, kind)
}

// subscribe tears down the current subscription of kind and opens a new
// one. It keeps the attempt counter.
func (m *Manager) subscribe(ctx context.Context, kind schema.EntityType) error {
	userID := m.identity.CurrentUserID()
	if userID == "" {
		m.logger.Warn("no authenticated user, not subscribing", "entity", kind)
		return nil
	}

	m.mu.Lock()
	ch := m.channelLocked(kind)
	if !ch.allowReconnect {
		// Unsubscribe ran while the user id was being looked up.
		m.mu.Unlock()
		return nil
	}
	if ch.timer != nil {
		ch.timer.Stop()
		ch.timer = nil
	}
	old := ch.sub
	ch.sub = nil
	ch.gen++
	gen := ch.gen
	ch.state = Connecting
	m.mu.Unlock()

	if old != nil {
		if err := old.Close(ctx); err != nil {
			m.logger.Warn("failed to close previous subscription", "entity", kind, "error", err)
		}
	}

	m.logger.Debug("subscribing", "entity", kind, "generation", gen)
	sub, err := m.transport.Subscribe(ctx, kind, userID,
		func(ev remote.ChangeEvent) { m.handleChange(kind, gen, ev) },
		func(status remote.ChannelStatus, err error) { m.handleStatus(kind, gen, status, err) },
	)
	if err != nil {
		m.handleStatus(kind, gen, remote.StatusChannelError, err)
		return fmt.Errorf("failed to subscribe to %s changes: %w", kind, err)
	}

	m.mu.Lock()
	if ch.gen != gen {
		// Superseded while the transport was connecting.
		m.mu.Unlock()
		if err := sub.Close(ctx); err != nil {
			m.logger.Warn("failed to close superseded subscription", "entity", kind, "error", err)
		}
		return nil
	}
	ch.sub = sub
	m.mu.Unlock()
	return nil
}

func (m *Manager) handleChange(kind schema.EntityType, gen uint64, ev remote.ChangeEvent) {
	m.mu.Lock()
	ch := m.channelLocked(kind)
	if ch.gen != gen {
		m.mu.Unlock()
		m.logger.Debug("dropping change from stale subscription", "entity", kind, "generation", gen)
		return
	}
	ctx := ch.ctx
	m.mu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}
	if err := m.applier.ApplyChange(ctx, kind, ev); err != nil {
		m.logger.Error("failed to apply change", "entity", kind, "type", ev.Type, "error", err)
	}
}

func (m *Manager) handleStatus(kind schema.EntityType, gen uint64, status remote.ChannelStatus, cause error) {
	m.mu.Lock()
	ch := m.channelLocked(kind)
	if ch.gen != gen {
		m.mu.Unlock()
		m.logger.Debug("ignoring status from stale subscription", "entity", kind, "status", status)
		return
	}

	var delay time.Duration
	switch {
	case status == remote.StatusSubscribed:
		ch.state = Subscribed
		ch.attempt = 0
		if ch.timer != nil {
			ch.timer.Stop()
			ch.timer = nil
		}

	case status.Recoverable():
		ch.state = Disconnected
		if ch.allowReconnect && ch.timer == nil {
			ch.attempt++
			delay = m.cfg.Backoff(ch.attempt)
			ch.timer = m.clock.AfterFunc(delay, func() { m.reconnect(kind, gen) })
		}

	default:
		ch.state = Disconnected
	}
	attempt := ch.attempt
	m.mu.Unlock()

	switch {
	case status == remote.StatusSubscribed:
		m.logger.Info("subscribed", "entity", kind)
	case delay > 0:
		m.logger.Warn("channel down, reconnecting", "entity", kind, "status", status, "attempt", attempt, "delay", delay, "error", cause)
	case status.Recoverable():
		m.logger.Info("channel closed", "entity", kind, "status", status)
	default:
		m.logger.Error("channel failed", "entity", kind, "status", status, "error", cause)
	}

	if m.onStatus != nil {
		m.onStatus(kind, status)
	}
}

// reconnect runs when a backoff timer fires.
func (m *Manager) reconnect(kind schema.EntityType, gen uint64) {
	m.mu.Lock()
	ch := m.channelLocked(kind)
	if ch.gen != gen || !ch.allowReconnect {
		m.mu.Unlock()
		return
	}
	ch.timer = nil
	ctx := ch.ctx
	m.mu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}
	if ctx.Err() != nil {
		return
	}
	if err := m.subscribe(ctx, kind); err != nil {
		m.logger.Warn("reconnect failed", "entity", kind, "error", err)
	}
}

// Unsubscribe closes every channel and disables reconnects. Pending
// reconnect timers are cancelled and attempt counters reset. Subscriptions
// are closed concurrently; close failures are logged only.
func (m *Manager) Unsubscribe(ctx context.Context) error {
	m.mu.Lock()
	var subs []*channel
	for _, ch := range m.channels {
		ch.allowReconnect = false
		if ch.timer != nil {
			ch.timer.Stop()
			ch.timer = nil
		}
		ch.attempt = 0
		ch.gen++
		ch.state = Disconnected
		if ch.sub != nil {
			subs = append(subs, &channel{kind: ch.kind, sub: ch.sub})
			ch.sub = nil
		}
	}
	m.mu.Unlock()

	var wg conc.WaitGroup
	for _, ch := range subs {
		wg.Go(func() {
			if err := ch.sub.Close(ctx); err != nil {
				m.logger.Warn("failed to close subscription", "entity", ch.kind, "error", err)
			}
		})
	}
	wg.Wait()

	m.logger.Info("unsubscribed", "channels", len(subs))
	return nil
}

// State returns the state of the channel of kind.
func (m *Manager) State(kind schema.EntityType) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ch, ok := m.channels[kind]; ok {
		return ch.state
	}
	return Disconnected
}

// Attempt returns the number of consecutive failed attempts of kind.
func (m *Manager) Attempt(kind schema.EntityType) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ch, ok := m.channels[kind]; ok {
		return ch.attempt
	}
	return 0
}

// States returns the state of every channel that has been used.
func (m *Manager) States() map[schema.EntityType]State {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[schema.EntityType]State, len(m.channels))
	for kind, ch := range m.channels {
		out[kind] = ch.state
	}
	return out
}
