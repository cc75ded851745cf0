// Package engine implements the control link to an external audio engine
// (a Lavalink v4 node). A link is one authenticated websocket session that
// delivers events, plus REST calls that carry player commands.
//
// Links never retry. When the socket drops the link emits a final
// ClosedEvent, its event channel is closed and every later call fails with
// LinkError{TransportClosed}. Reconnecting means dialing a new link.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/latoulicious/jockie/pkg/logging"
)

// Link is one session with the engine.
type Link interface {
	// ID identifies this link instance locally.
	ID() string
	// SessionID is the engine-assigned session, empty until the ready ack.
	SessionID() string
	Events() <-chan Event
	// Done is closed once the transport is gone.
	Done() <-chan struct{}
	Send(ctx context.Context, guildID snowflake.ID, cmd Command) error
	LoadTracks(ctx context.Context, identifier string) (*LoadResult, error)
	Ping(ctx context.Context) error
	Close() error
}

// Dialer opens new links.
type Dialer interface {
	Dial(ctx context.Context) (Link, error)
}

// Options configures a Connector.
type Options struct {
	Address           string        `env:"ADDRESS" envDefault:"localhost:2333"`
	Password          string        `env:"PASSWORD" envDefault:"youshallnotpass"`
	Secure            bool          `env:"SECURE" envDefault:"false"`
	ClientName        string        `env:"CLIENT_NAME" envDefault:"jockie/1.0"`
	HandshakeTimeout  time.Duration `env:"HANDSHAKE_TIMEOUT" envDefault:"10s"`
	RequestTimeout    time.Duration `env:"REQUEST_TIMEOUT" envDefault:"10s"`
	RequestsPerSecond float64       `env:"REQUESTS_PER_SECOND" envDefault:"20"`
	RequestBurst      int           `env:"REQUEST_BURST" envDefault:"10"`

	// UserID is the bot's own user id, known only after the chat gateway is up.
	UserID snowflake.ID
}

// DefaultOptions returns options for a local node.
func DefaultOptions() Options {
	return Options{
		Address:           "localhost:2333",
		Password:          "youshallnotpass",
		ClientName:        "jockie/1.0",
		HandshakeTimeout:  10 * time.Second,
		RequestTimeout:    10 * time.Second,
		RequestsPerSecond: 20,
		RequestBurst:      10,
	}
}

// Connector dials links to one engine node.
type Connector struct {
	opts    Options
	http    *http.Client
	limiter *rate.Limiter
	logger  logging.Logger
}

// NewConnector creates a Connector. The limiter is shared by all links it
// dials.
func NewConnector(opts Options, logger logging.Logger) *Connector {
	if logger == nil {
		logger = logging.NullLogger()
	}
	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	burst := opts.RequestBurst
	if burst <= 0 {
		burst = 1
	}
	return &Connector{
		opts:    opts,
		http:    &http.Client{},
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger.With(logging.String("component", "engine"), logging.String("address", opts.Address)),
	}
}

// SetUserID sets the user id presented to the engine on the next dial.
func (c *Connector) SetUserID(id snowflake.ID) {
	c.opts.UserID = id
}

func (c *Connector) wsURL() string {
	scheme := "ws"
	if c.opts.Secure {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s/v4/websocket", scheme, c.opts.Address)
}

func (c *Connector) httpURL() string {
	scheme := "http"
	if c.opts.Secure {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s", scheme, c.opts.Address)
}

// Dial opens the websocket and authenticates. It does not wait for the
// engine's ready acknowledgment; that arrives as a ReadyEvent.
func (c *Connector) Dial(ctx context.Context) (Link, error) {
	header := http.Header{}
	header.Set("Authorization", c.opts.Password)
	header.Set("User-Id", c.opts.UserID.String())
	header.Set("Client-Name", c.opts.ClientName)

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: c.opts.HandshakeTimeout,
	}

	conn, resp, err := dialer.DialContext(ctx, c.wsURL(), header)
	if err != nil {
		return nil, c.classifyDialError(ctx, resp, err)
	}

	l := &wsLink{
		id:   uuid.NewString(),
		conn: conn,
		rest: &restClient{
			baseURL:  c.httpURL(),
			password: c.opts.Password,
			http:     c.http,
			limiter:  c.limiter,
			timeout:  c.opts.RequestTimeout,
		},
		events:  make(chan Event, 64),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
	l.logger = c.logger.With(logging.String("link_id", l.id))

	go l.readLoop()

	l.logger.Debug("Engine transport open")
	return l, nil
}

func (c *Connector) classifyDialError(ctx context.Context, resp *http.Response, err error) error {
	cerr := &ConnectError{Kind: ConnectUnreachable, Address: c.opts.Address, Err: err}

	if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
		cerr.Kind = ConnectAuthRejected
		return cerr
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) ||
		(errors.As(err, &netErr) && netErr.Timeout()) {
		cerr.Kind = ConnectTimeout
	}
	return cerr
}

type wsLink struct {
	id     string
	conn   *websocket.Conn
	rest   *restClient
	logger logging.Logger

	mu        sync.RWMutex
	sessionID string

	events    chan Event
	closing   chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func (l *wsLink) ID() string            { return l.id }
func (l *wsLink) Events() <-chan Event  { return l.events }
func (l *wsLink) Done() <-chan struct{} { return l.done }

func (l *wsLink) SessionID() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.sessionID
}

func (l *wsLink) closed() bool {
	select {
	case <-l.done:
		return true
	case <-l.closing:
		return true
	default:
		return false
	}
}

func (l *wsLink) readySession(op string) (string, error) {
	if l.closed() {
		return "", &LinkError{Kind: LinkTransportClosed, Op: op}
	}
	sid := l.SessionID()
	if sid == "" {
		return "", &LinkError{Kind: LinkNotReady, Op: op}
	}
	return sid, nil
}

// Send dispatches a player command for one guild.
func (l *wsLink) Send(ctx context.Context, guildID snowflake.ID, cmd Command) error {
	sid, err := l.readySession(cmd.name())
	if err != nil {
		return err
	}

	if _, ok := cmd.(Destroy); ok {
		err = l.rest.destroyPlayer(ctx, sid, guildID.String())
	} else {
		var update playerUpdate
		cmd.apply(&update)
		err = l.rest.updatePlayer(ctx, sid, guildID.String(), &update)
	}
	if err != nil {
		l.logger.Debug("Engine command failed",
			logging.String("command", cmd.name()),
			logging.String("guild_id", guildID.String()),
			logging.Error(err),
		)
	}
	return err
}

// LoadTracks resolves an identifier or search query.
func (l *wsLink) LoadTracks(ctx context.Context, identifier string) (*LoadResult, error) {
	if _, err := l.readySession("loadtracks"); err != nil {
		return nil, err
	}
	return l.rest.loadTracks(ctx, identifier)
}

// Ping checks that the engine still answers on this link.
func (l *wsLink) Ping(ctx context.Context) error {
	if l.closed() {
		return &LinkError{Kind: LinkTransportClosed, Op: "ping"}
	}
	_, err := l.rest.version(ctx)
	return err
}

// Close tears down the transport. Safe to call more than once and on a link
// the engine already closed.
func (l *wsLink) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.closing)
		_ = l.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "closing"),
			time.Now().Add(time.Second))
		err = l.conn.Close()
	})
	<-l.done
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (l *wsLink) emit(ev Event) {
	select {
	case l.events <- ev:
	case <-l.closing:
	}
}

func (l *wsLink) readLoop() {
	defer close(l.done)
	defer close(l.events)

	for {
		msgType, data, err := l.conn.ReadMessage()
		if err != nil {
			closed := ClosedEvent{Code: websocket.CloseAbnormalClosure, Reason: err.Error()}
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				closed.Code = ce.Code
				closed.Reason = ce.Text
			}
			l.logger.Info("Engine link closed",
				logging.Int("code", closed.Code),
				logging.String("reason", closed.Reason),
			)
			// the transport is unusable past this point
			_ = l.conn.Close()
			l.emit(closed)
			return
		}
		if msgType != websocket.TextMessage {
			l.logger.Warn("Ignoring engine frame", logging.Error(ErrUnsupportedFrame))
			continue
		}

		ev, err := l.decode(data)
		if err != nil {
			l.logger.Warn("Failed to decode engine message", logging.Error(err))
			continue
		}
		if ev != nil {
			l.emit(ev)
		}
	}
}

type inboundMessage struct {
	Op string `json:"op"`

	SessionID string `json:"sessionId"`
	Resumed   bool   `json:"resumed"`

	Players        int   `json:"players"`
	PlayingPlayers int   `json:"playingPlayers"`
	Uptime         int64 `json:"uptime"`

	Type        string         `json:"type"`
	GuildID     string         `json:"guildId"`
	Track       *wireTrack     `json:"track"`
	Reason      string         `json:"reason"`
	Exception   *wireException `json:"exception"`
	ThresholdMs int64          `json:"thresholdMs"`
	Code        int            `json:"code"`
	ByRemote    bool           `json:"byRemote"`
}

func (l *wsLink) decode(data []byte) (Event, error) {
	var msg inboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}

	switch msg.Op {
	case "ready":
		l.mu.Lock()
		l.sessionID = msg.SessionID
		l.mu.Unlock()
		return ReadyEvent{SessionID: msg.SessionID, Resumed: msg.Resumed}, nil
	case "stats":
		return StatusEvent{
			Players:        msg.Players,
			PlayingPlayers: msg.PlayingPlayers,
			Uptime:         time.Duration(msg.Uptime) * time.Millisecond,
		}, nil
	case "playerUpdate":
		return nil, nil
	case "event":
		return decodePlayerEvent(msg)
	default:
		return nil, fmt.Errorf("unknown op %q", msg.Op)
	}
}

func decodePlayerEvent(msg inboundMessage) (Event, error) {
	guildID, err := snowflake.Parse(msg.GuildID)
	if err != nil {
		return nil, fmt.Errorf("event %s: bad guild id: %w", msg.Type, err)
	}

	var track Track
	var correlation string
	if msg.Track != nil {
		track = msg.Track.toTrack()
		correlation = msg.Track.correlation()
	}

	switch msg.Type {
	case "TrackStartEvent":
		return TrackStartEvent{GuildID: guildID, Track: track, Correlation: correlation}, nil
	case "TrackEndEvent":
		return TrackEndEvent{
			GuildID:     guildID,
			Track:       track,
			Correlation: correlation,
			Reason:      parseEndReason(msg.Reason),
		}, nil
	case "TrackExceptionEvent":
		ev := TrackExceptionEvent{GuildID: guildID, Track: track, Correlation: correlation}
		if msg.Exception != nil {
			ev.Message = msg.Exception.Message
			ev.Severity = msg.Exception.Severity
			ev.Cause = msg.Exception.Cause
		}
		return ev, nil
	case "TrackStuckEvent":
		return TrackExceptionEvent{
			GuildID:     guildID,
			Track:       track,
			Correlation: correlation,
			Message:     fmt.Sprintf("track stuck for %dms", msg.ThresholdMs),
			Severity:    "common",
		}, nil
	case "WebSocketClosedEvent":
		return VoiceClosedEvent{GuildID: guildID, Code: msg.Code, Reason: msg.Reason, ByRemote: msg.ByRemote}, nil
	default:
		return nil, fmt.Errorf("unknown event type %q", msg.Type)
	}
}
