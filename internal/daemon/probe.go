package daemon

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/fiskalni/fiskalni/internal/logging"
)

// DialFunc opens a connection, like net.Dialer.DialContext.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// ConnectivityProbe polls a TCP address and emits TriggerOnline when it
// becomes reachable after having been unreachable.
type ConnectivityProbe struct {
	Addr     string
	Interval time.Duration
	Timeout  time.Duration
	Dial     DialFunc
	Logger   *slog.Logger

	mu     sync.Mutex
	online bool
	probed bool
}

// NewConnectivityProbe creates a probe of addr (host:port).
func NewConnectivityProbe(addr string, interval time.Duration) *ConnectivityProbe {
	return &ConnectivityProbe{Addr: addr, Interval: interval}
}

func (p *ConnectivityProbe) Name() string { return "connectivity" }

// Run probes once immediately and then every Interval.
func (p *ConnectivityProbe) Run(ctx context.Context, emit func(Reason)) error {
	interval := p.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	logger := logging.OrDefault(p.Logger, "connectivity")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if p.Probe(ctx) {
			logger.Info("server reachable again", "addr", p.Addr)
			emit(TriggerOnline)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Probe dials Addr once and reports whether this was an offline to online
// edge. The first probe never is.
func (p *ConnectivityProbe) Probe(ctx context.Context) bool {
	dial := p.Dial
	if dial == nil {
		dial = (&net.Dialer{}).DialContext
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	up := false
	if conn, err := dial(ctx, "tcp", p.Addr); err == nil {
		_ = conn.Close()
		up = true
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	edge := p.probed && up && !p.online
	p.online = up
	p.probed = true
	return edge
}

// Online reports the result of the last probe.
func (p *ConnectivityProbe) Online() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online
}
