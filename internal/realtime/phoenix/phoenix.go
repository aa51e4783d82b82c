// Package phoenix subscribes to Supabase Realtime postgres_changes over a
// Phoenix channels websocket.
//
// Every Subscribe opens its own socket and joins a single channel carrying
// one postgres_changes binding for the kind's table, filtered to the
// signed-in user. The join reply, server errors and socket failures are
// reported through the status handler:
//
//	join ok                     SUBSCRIBED
//	join error, phx_error       CHANNEL_ERROR
//	read or heartbeat failure   CHANNEL_ERROR
//	phx_close, normal close     CLOSED
//	no join reply in time       TIMED_OUT
//
// A failure status ends the subscription; reconnecting is left to the
// caller.
package phoenix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/segmentio/encoding/json"

	"github.com/fiskalni/fiskalni/internal/clock"
	"github.com/fiskalni/fiskalni/internal/identity"
	"github.com/fiskalni/fiskalni/internal/logging"
	"github.com/fiskalni/fiskalni/internal/remote"
	"github.com/fiskalni/fiskalni/internal/schema"
)

// Phoenix protocol events.
const (
	eventJoin      = "phx_join"
	eventLeave     = "phx_leave"
	eventReply     = "phx_reply"
	eventError     = "phx_error"
	eventClose     = "phx_close"
	eventHeartbeat = "heartbeat"
	eventChanges   = "postgres_changes"
	eventSystem    = "system"

	heartbeatTopic = "phoenix"
)

// Config configures a Transport.
type Config struct {
	// URL is the realtime websocket endpoint, e.g.
	// wss://<project>.supabase.co/realtime/v1/websocket.
	URL string
	// APIKey is the project's anon key. It is sent as the apikey query
	// parameter and used as the access token when nobody is signed in.
	APIKey string
	// Schema is the Postgres schema of the synced tables (default public).
	Schema string
	// HeartbeatInterval is the time between heartbeats (default 25s).
	HeartbeatInterval time.Duration
	// JoinTimeout bounds the wait for the join reply (default 10s).
	JoinTimeout time.Duration
	// HTTPClient is used for the websocket handshake.
	HTTPClient *http.Client
}

// Options are the optional collaborators of a Transport.
type Options struct {
	Clock  clock.Clock
	Logger *slog.Logger
}

// Transport implements remote.Subscriber.
type Transport struct {
	cfg      Config
	identity identity.Provider
	clock    clock.Clock
	logger   *slog.Logger
}

var _ remote.Subscriber = (*Transport)(nil)

// New creates a Transport.
func New(cfg Config, ids identity.Provider, opts Options) (*Transport, error) {
	if cfg.URL == "" {
		return nil, errors.New("realtime URL is required")
	}
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, fmt.Errorf("invalid realtime URL: %w", err)
	}
	if cfg.Schema == "" {
		cfg.Schema = "public"
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 25 * time.Second
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = 10 * time.Second
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Transport{
		cfg:      cfg,
		identity: ids,
		clock:    clk,
		logger:   logging.OrDefault(opts.Logger, "phoenix"),
	}, nil
}

// EndpointURL derives the realtime websocket endpoint from a Supabase
// project URL (https://<project>.supabase.co).
func EndpointURL(projectURL string) (string, error) {
	u, err := url.Parse(strings.TrimRight(projectURL, "/"))
	if err != nil {
		return "", fmt.Errorf("invalid project URL: %w", err)
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	case "http", "ws":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("invalid project URL %q: unsupported scheme", projectURL)
	}
	u.Path = strings.TrimSuffix(u.Path, "/realtime/v1/websocket") + "/realtime/v1/websocket"
	return u.String(), nil
}

// message is a Phoenix channel frame.
type message struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     *string         `json:"ref"`
	JoinRef *string         `json:"join_ref,omitempty"`
}

type changeBinding struct {
	Event  string `json:"event"`
	Schema string `json:"schema"`
	Table  string `json:"table"`
	Filter string `json:"filter,omitempty"`
}

type joinPayload struct {
	Config struct {
		PostgresChanges []changeBinding `json:"postgres_changes"`
	} `json:"config"`
	AccessToken string `json:"access_token,omitempty"`
}

type replyPayload struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

type changesPayload struct {
	Data struct {
		Type      remote.EventType `json:"type"`
		Table     string           `json:"table"`
		Record    json.RawMessage  `json:"record"`
		OldRecord json.RawMessage  `json:"old_record"`
	} `json:"data"`
}

type systemPayload struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// Subscribe dials the endpoint and joins the postgres_changes channel of
// kind for userID. It returns once the join has been sent; the join result
// arrives through onStatus.
func (t *Transport) Subscribe(ctx context.Context, kind schema.EntityType, userID string, onChange remote.ChangeHandler, onStatus remote.StatusHandler) (remote.Subscription, error) {
	table, err := remote.Table(kind)
	if err != nil {
		return nil, err
	}

	endpoint, err := t.endpoint()
	if err != nil {
		return nil, err
	}

	conn, _, err := websocket.Dial(ctx, endpoint, &websocket.DialOptions{HTTPClient: t.cfg.HTTPClient})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to realtime: %w", err)
	}
	conn.SetReadLimit(1 << 20)

	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &subscription{
		t:        t,
		kind:     kind,
		table:    table,
		topic:    "realtime:fiskalni:" + table,
		conn:     conn,
		ctx:      subCtx,
		cancel:   cancel,
		onChange: onChange,
		onStatus: onStatus,
		logger:   t.logger.With("entity", kind),
	}

	token := t.identity.AccessToken()
	if token == "" {
		token = t.cfg.APIKey
	}
	var join joinPayload
	join.AccessToken = token
	join.Config.PostgresChanges = []changeBinding{{
		Event:  "*",
		Schema: t.cfg.Schema,
		Table:  table,
		Filter: "user_id=eq." + userID,
	}}

	s.joinRef = s.nextRef()
	if err := s.send(ctx, s.topic, eventJoin, join, s.joinRef); err != nil {
		cancel()
		_ = conn.Close(websocket.StatusInternalError, "join failed")
		return nil, fmt.Errorf("failed to join %s: %w", s.topic, err)
	}

	s.mu.Lock()
	s.joinTimer = t.clock.AfterFunc(t.cfg.JoinTimeout, func() {
		s.finish(remote.StatusTimedOut, fmt.Errorf("no reply to join within %s", t.cfg.JoinTimeout))
	})
	s.mu.Unlock()

	s.wg.Add(2)
	go s.readLoop()
	go s.heartbeatLoop()

	return s, nil
}

func (t *Transport) endpoint() (string, error) {
	u, err := url.Parse(t.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("invalid realtime URL: %w", err)
	}
	q := u.Query()
	if t.cfg.APIKey != "" {
		q.Set("apikey", t.cfg.APIKey)
	}
	q.Set("vsn", "1.0.0")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type subscription struct {
	t        *Transport
	kind     schema.EntityType
	table    string
	topic    string
	conn     *websocket.Conn
	ctx      context.Context
	cancel   context.CancelFunc
	onChange remote.ChangeHandler
	onStatus remote.StatusHandler
	logger   *slog.Logger
	wg       sync.WaitGroup
	ref      atomic.Uint64
	joinRef  string

	mu        sync.Mutex
	joined    bool
	done      bool
	joinTimer clock.Timer
}

func (s *subscription) nextRef() string {
	return strconv.FormatUint(s.ref.Add(1), 10)
}

func (s *subscription) send(ctx context.Context, topic, event string, payload any, ref string) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s payload: %w", event, err)
	}
	msg := message{Topic: topic, Event: event, Payload: body, Ref: &ref}
	if topic == s.topic {
		msg.JoinRef = &s.joinRef
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", event, err)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.conn.Write(ctx, websocket.MessageText, data)
}

func (s *subscription) readLoop() {
	defer s.wg.Done()

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				s.finish(remote.StatusClosed, nil)
			} else {
				s.finish(remote.StatusChannelError, err)
			}
			return
		}

		var msg message
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Warn("skipping undecodable realtime frame", "error", err)
			continue
		}
		s.dispatch(msg)
	}
}

func (s *subscription) dispatch(msg message) {
	if msg.Topic == heartbeatTopic {
		return
	}
	if msg.Topic != s.topic {
		s.logger.Debug("ignoring frame for another topic", "topic", msg.Topic)
		return
	}

	switch msg.Event {
	case eventReply:
		if msg.Ref == nil || *msg.Ref != s.joinRef {
			return
		}
		var reply replyPayload
		if err := json.Unmarshal(msg.Payload, &reply); err != nil {
			s.finish(remote.StatusChannelError, fmt.Errorf("failed to decode join reply: %w", err))
			return
		}
		if reply.Status != "ok" {
			s.finish(remote.StatusChannelError, fmt.Errorf("join rejected: %s", reply.Response))
			return
		}
		s.joinedOK()

	case eventChanges:
		var p changesPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			s.logger.Warn("skipping undecodable change", "error", err)
			return
		}
		ev := remote.ChangeEvent{
			Type: p.Data.Type,
			Kind: s.kind,
			New:  nullable(p.Data.Record),
			Old:  nullable(p.Data.OldRecord),
		}
		if s.alive() && s.onChange != nil {
			s.onChange(ev)
		}

	case eventSystem:
		var p systemPayload
		if err := json.Unmarshal(msg.Payload, &p); err == nil && p.Status == "error" {
			s.finish(remote.StatusChannelError, fmt.Errorf("realtime: %s", p.Message))
		}

	case eventError:
		s.finish(remote.StatusChannelError, fmt.Errorf("channel error: %s", msg.Payload))

	case eventClose:
		s.finish(remote.StatusClosed, nil)
	}
}

func (s *subscription) heartbeatLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.t.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if err := s.send(s.ctx, heartbeatTopic, eventHeartbeat, struct{}{}, s.nextRef()); err != nil {
				if s.ctx.Err() == nil {
					s.finish(remote.StatusChannelError, fmt.Errorf("heartbeat failed: %w", err))
				}
				return
			}
		}
	}
}

func (s *subscription) joinedOK() {
	s.mu.Lock()
	if s.done || s.joined {
		s.mu.Unlock()
		return
	}
	s.joined = true
	if s.joinTimer != nil {
		s.joinTimer.Stop()
		s.joinTimer = nil
	}
	s.mu.Unlock()

	if s.onStatus != nil {
		s.onStatus(remote.StatusSubscribed, nil)
	}
}

func (s *subscription) alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.done
}

// finish reports a terminal status once and drops the socket.
func (s *subscription) finish(status remote.ChannelStatus, cause error) {
	if !s.markDone() {
		return
	}
	_ = s.conn.CloseNow()
	s.cancel()
	if s.onStatus != nil {
		s.onStatus(status, cause)
	}
}

// markDone stops status reporting. It returns false if the subscription
// was already done.
func (s *subscription) markDone() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return false
	}
	s.done = true
	if s.joinTimer != nil {
		s.joinTimer.Stop()
		s.joinTimer = nil
	}
	return true
}

// Close leaves the channel and closes the socket. No status is reported
// for a closed subscription.
func (s *subscription) Close(ctx context.Context) error {
	if !s.markDone() {
		s.wg.Wait()
		return nil
	}

	if err := s.send(ctx, s.topic, eventLeave, struct{}{}, s.nextRef()); err != nil {
		s.logger.Debug("failed to send leave", "error", err)
	}
	err := s.conn.Close(websocket.StatusNormalClosure, "")
	s.cancel()
	s.wg.Wait()
	if err != nil && !errors.Is(err, net.ErrClosed) && websocket.CloseStatus(err) == -1 {
		return fmt.Errorf("failed to close realtime socket: %w", err)
	}
	return nil
}

func nullable(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return raw
}
