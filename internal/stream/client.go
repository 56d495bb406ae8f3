package stream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/rodoHasArrived/marketpulse/errs"
	"github.com/rodoHasArrived/marketpulse/internal/observability"
	"github.com/rodoHasArrived/marketpulse/internal/schema"
)

// ClientState is the streaming session state.
type ClientState int32

const (
	// StateDisconnected is the initial state.
	StateDisconnected ClientState = iota
	// StateConnecting means a dial is in progress.
	StateConnecting
	// StateConnected means the socket is open, pre-auth.
	StateConnected
	// StateAuthenticated means auth succeeded.
	StateAuthenticated
	// StateReceiving means the receive loop is running.
	StateReceiving
	// StateReconnecting means a reconnect cycle is in progress.
	StateReconnecting
	// StateFailed is terminal: auth rejected or reconnect budget exhausted.
	StateFailed
	// StateDisposed is terminal: the client was closed.
	StateDisposed
)

var clientStateNames = [...]string{
	"disconnected", "connecting", "connected", "authenticated",
	"receiving", "reconnecting", "failed", "disposed",
}

func (s ClientState) String() string {
	if s < StateDisconnected || s > StateDisposed {
		return "unknown"
	}
	return clientStateNames[s]
}

// ClientConfig parameterizes the streaming session.
type ClientConfig struct {
	Provider string
	// Feed is one of stocks, options, forex, crypto.
	Feed    string
	Delayed bool
	APIKey  string

	DialTimeout          time.Duration
	KeepAlive            time.Duration
	ControlFrameInterval time.Duration

	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
}

// DefaultClientConfig targets the live stocks feed.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Provider:             "polygon",
		Feed:                 "stocks",
		DialTimeout:          10 * time.Second,
		KeepAlive:            30 * time.Second,
		ControlFrameInterval: 250 * time.Millisecond,
		MaxReconnectAttempts: 10,
		ReconnectBaseDelay:   2 * time.Second,
		ReconnectMaxDelay:    60 * time.Second,
	}
}

// Validate rejects configurations the connect sequence cannot use.
func (c ClientConfig) Validate() error {
	switch c.Feed {
	case "stocks", "options", "forex", "crypto":
	default:
		return errs.New(c.Provider, errs.CodeConfiguration,
			errs.WithMessage(fmt.Sprintf("unknown feed %q", c.Feed)))
	}
	if strings.TrimSpace(c.APIKey) == "" {
		return errs.New(c.Provider, errs.CodeConfiguration, errs.WithMessage("api key required"))
	}
	return nil
}

// Endpoint resolves the WebSocket URL for the configured feed.
func (c ClientConfig) Endpoint() string {
	host := "socket.polygon.io"
	if c.Delayed {
		host = "delayed.polygon.io"
	}
	return fmt.Sprintf("wss://%s/%s", host, c.Feed)
}

type outboundFrame struct {
	Action string `json:"action"`
	Params string `json:"params"`
}

// Client maintains one authenticated Polygon WebSocket session: it manages
// subscriptions through the SubscriptionManager, parses inbound frames, and
// reconnects with bounded exponential backoff on any receive failure.
type Client struct {
	cfg     ClientConfig
	subs    *SubscriptionManager
	parser  *Parser
	dialURL string

	state   atomic.Int32
	onState func(ClientState)

	connMu sync.RWMutex
	conn   *websocket.Conn

	// sendMu serializes all outbound frames so they never interleave.
	sendMu  sync.Mutex
	control *rate.Limiter

	// reconnectGate is a single-slot token: only one reconnect cycle at a
	// time, later triggers are dropped.
	reconnectGate chan struct{}

	ctx     context.Context
	cancel  context.CancelFunc
	loopsWG sync.WaitGroup
}

// ClientOption adjusts client construction.
type ClientOption func(*Client)

// WithStateListener observes every state transition.
func WithStateListener(fn func(ClientState)) ClientOption {
	return func(c *Client) { c.onState = fn }
}

// WithDialURL overrides the feed endpoint, primarily for tests.
func WithDialURL(url string) ClientOption {
	return func(c *Client) {
		if url != "" {
			c.dialURL = url
		}
	}
}

// NewClient constructs a client publishing into the sink. Subscription state
// lives in the supplied manager so it survives reconnects.
func NewClient(cfg ClientConfig, subs *SubscriptionManager, sink EventSink, opts ...ClientOption) (*Client, error) {
	def := DefaultClientConfig()
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = def.DialTimeout
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = def.KeepAlive
	}
	if cfg.ControlFrameInterval <= 0 {
		cfg.ControlFrameInterval = def.ControlFrameInterval
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = def.MaxReconnectAttempts
	}
	if cfg.ReconnectBaseDelay <= 0 {
		cfg.ReconnectBaseDelay = def.ReconnectBaseDelay
	}
	if cfg.ReconnectMaxDelay <= 0 {
		cfg.ReconnectMaxDelay = def.ReconnectMaxDelay
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:           cfg,
		subs:          subs,
		parser:        NewParser(cfg.Provider, subs, sink, nil),
		control:       rate.NewLimiter(rate.Every(cfg.ControlFrameInterval), 1),
		reconnectGate: make(chan struct{}, 1),
		ctx:           ctx,
		cancel:        cancel,
	}
	c.reconnectGate <- struct{}{}
	return c, nil
}

// State returns the current session state.
func (c *Client) State() ClientState {
	return ClientState(c.state.Load())
}

// ParserStats exposes the frame parser counters.
func (c *Client) ParserStats() ParserStats {
	return c.parser.Stats()
}

func (c *Client) setState(s ClientState) {
	c.state.Store(int32(s))
	observability.Log().Debug("stream state",
		observability.Field{Key: "provider", Value: c.cfg.Provider},
		observability.Field{Key: "state", Value: s.String()})
	if c.onState != nil {
		c.onState(s)
	}
}

// Connect runs the full connect sequence and starts the receive loop. Auth
// rejection is fatal: the client enters the failed state and never retries.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.connectOnce(ctx); err != nil {
		if errs.HasCode(err, errs.CodeAuth) {
			c.setState(StateFailed)
		}
		return err
	}
	return nil
}

func (c *Client) connectOnce(ctx context.Context) error {
	c.setState(StateConnecting)
	c.parser.ResetSession()

	endpoint := c.cfg.Endpoint()
	if c.dialURL != "" {
		endpoint = c.dialURL
	}
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	conn, _, err := websocket.Dial(dialCtx, endpoint, nil)
	cancel()
	if err != nil {
		return errs.New(c.cfg.Provider, errs.CodeConnection,
			errs.WithMessage(fmt.Sprintf("dial %s", endpoint)), errs.WithCause(err))
	}
	conn.SetReadLimit(1 << 22)

	if err := c.awaitStatus(ctx, conn, "connected"); err != nil {
		_ = conn.Close(websocket.StatusProtocolError, "no connected status")
		return err
	}
	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	c.setState(StateConnected)

	if err := c.sendFrame(ctx, outboundFrame{Action: "auth", Params: c.cfg.APIKey}); err != nil {
		c.dropConn()
		return err
	}
	status, err := c.awaitAnyStatus(ctx, conn, "auth_success", "auth_failed")
	if err != nil {
		c.dropConn()
		return err
	}
	if status == "auth_failed" {
		c.dropConn()
		return errs.New(c.cfg.Provider, errs.CodeAuth, errs.WithMessage("authentication rejected"))
	}
	c.setState(StateAuthenticated)

	if err := c.resubscribeAll(ctx); err != nil {
		c.dropConn()
		return err
	}

	c.loopsWG.Add(2)
	go c.receiveLoop(conn)
	go c.keepAlive(conn)
	c.setState(StateReceiving)
	return nil
}

// awaitStatus reads frames until one contains ev=status with the wanted
// status value. Other frames during the wait are ignored.
func (c *Client) awaitStatus(ctx context.Context, conn *websocket.Conn, want string) error {
	_, err := c.awaitAnyStatus(ctx, conn, want)
	return err
}

func (c *Client) awaitAnyStatus(ctx context.Context, conn *websocket.Conn, want ...string) (string, error) {
	waitCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()
	for {
		msgType, data, err := conn.Read(waitCtx)
		if err != nil {
			return "", errs.New(c.cfg.Provider, errs.CodeConnection,
				errs.WithMessage(fmt.Sprintf("waiting for status %v", want)), errs.WithCause(err))
		}
		if msgType != websocket.MessageText {
			continue
		}
		var elements []StatusMessage
		if err := json.Unmarshal(data, &elements); err != nil {
			continue
		}
		for _, el := range elements {
			if el.Ev != "status" {
				continue
			}
			for _, w := range want {
				if el.Status == w {
					return el.Status, nil
				}
			}
		}
	}
}

// sendFrame serializes one outbound frame behind the send lock, paced by the
// control-frame limiter.
func (c *Client) sendFrame(ctx context.Context, frame outboundFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return errs.New(c.cfg.Provider, errs.CodeInternal,
			errs.WithMessage("encode frame"), errs.WithCause(err))
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := c.control.Wait(ctx); err != nil {
		return errs.New(c.cfg.Provider, errs.CodeConnection,
			errs.WithMessage("pacing outbound frame"), errs.WithCause(err))
	}
	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()
	if conn == nil {
		return errs.New(c.cfg.Provider, errs.CodeConnection, errs.WithMessage("not connected"))
	}
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return errs.New(c.cfg.Provider, errs.CodeConnection,
			errs.WithMessage(fmt.Sprintf("write %s frame", frame.Action)), errs.WithCause(err))
	}
	return nil
}

// channelsFor renders the protocol channel list for one (symbol, kind).
func channelsFor(symbol string, kind schema.EventKind) string {
	switch kind {
	case schema.KindTrades:
		return "T." + symbol
	case schema.KindQuotes:
		return "Q." + symbol
	case schema.KindAggregates:
		return "A." + symbol + ",AM." + symbol
	default:
		return ""
	}
}

// Subscribe registers interest in a (symbol, kind). A protocol subscribe
// frame goes out only on the 0 to 1 refcount transition.
func (c *Client) Subscribe(ctx context.Context, symbol string, kind schema.EventKind) (int64, error) {
	symbol = schema.NormalizeSymbol(symbol)
	id, created := c.subs.Subscribe(symbol, kind)
	if !created {
		return id, nil
	}
	channels := channelsFor(symbol, kind)
	if channels == "" {
		return id, errs.New(c.cfg.Provider, errs.CodeValidation,
			errs.WithMessage(fmt.Sprintf("unknown event kind %q", kind)))
	}
	if err := c.sendFrame(ctx, outboundFrame{Action: "subscribe", Params: channels}); err != nil {
		return id, err
	}
	return id, nil
}

// Unsubscribe drops one reference to a subscription id. A protocol
// unsubscribe frame goes out only when the refcount reaches zero.
func (c *Client) Unsubscribe(ctx context.Context, id int64) error {
	symbol, kind, removed, ok := c.subs.Unsubscribe(id)
	if !ok {
		return errs.New(c.cfg.Provider, errs.CodeValidation,
			errs.WithMessage(fmt.Sprintf("unknown subscription id %d", id)))
	}
	if !removed {
		return nil
	}
	return c.sendFrame(ctx, outboundFrame{Action: "unsubscribe", Params: channelsFor(symbol, kind)})
}

// resubscribeAll restores the tracked subscription set after (re)connect,
// grouped into at most three subscribe frames: trades, quotes, aggregates.
func (c *Client) resubscribeAll(ctx context.Context) error {
	groups := []struct {
		kind   schema.EventKind
		render func(string) string
	}{
		{schema.KindTrades, func(s string) string { return "T." + s }},
		{schema.KindQuotes, func(s string) string { return "Q." + s }},
		{schema.KindAggregates, func(s string) string { return "A." + s + ",AM." + s }},
	}
	for _, g := range groups {
		symbols := c.subs.SymbolsByKind(g.kind)
		if len(symbols) == 0 {
			continue
		}
		channels := make([]string, 0, len(symbols))
		for _, s := range symbols {
			channels = append(channels, g.render(s))
		}
		if err := c.sendFrame(ctx, outboundFrame{Action: "subscribe", Params: strings.Join(channels, ",")}); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) receiveLoop(conn *websocket.Conn) {
	defer c.loopsWG.Done()
	for {
		msgType, data, err := conn.Read(c.ctx)
		if err != nil {
			if c.State() == StateDisposed || errors.Is(err, context.Canceled) {
				return
			}
			observability.Log().Warn("receive loop ended",
				observability.Field{Key: "provider", Value: c.cfg.Provider},
				observability.Field{Key: "error", Value: err.Error()})
			go c.reconnect()
			return
		}
		if msgType != websocket.MessageText {
			continue
		}
		for _, status := range c.parser.HandleFrame(data) {
			observability.Log().Info("stream status",
				observability.Field{Key: "status", Value: status.Status},
				observability.Field{Key: "message", Value: status.Message})
		}
	}
}

func (c *Client) keepAlive(conn *websocket.Conn) {
	defer c.loopsWG.Done()
	ticker := time.NewTicker(c.cfg.KeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(c.ctx, 5*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

// reconnect runs at most one cycle at a time: up to MaxReconnectAttempts full
// connect sequences with exponential backoff between them. Exhausting the
// budget is terminal.
func (c *Client) reconnect() {
	select {
	case <-c.reconnectGate:
	default:
		return
	}
	defer func() { c.reconnectGate <- struct{}{} }()

	if c.State() == StateDisposed || c.State() == StateFailed {
		return
	}
	c.dropConn()
	c.setState(StateReconnecting)

	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.InitialInterval = c.cfg.ReconnectBaseDelay
	backoffCfg.MaxInterval = c.cfg.ReconnectMaxDelay
	backoffCfg.Multiplier = 2
	backoffCfg.RandomizationFactor = 0.2

	for attempt := 1; attempt <= c.cfg.MaxReconnectAttempts; attempt++ {
		sleep := backoffCfg.NextBackOff()
		select {
		case <-c.ctx.Done():
			return
		case <-time.After(sleep):
		}

		observability.Log().Info("reconnecting",
			observability.Field{Key: "provider", Value: c.cfg.Provider},
			observability.Field{Key: "attempt", Value: attempt})
		err := c.connectOnce(c.ctx)
		if err == nil {
			return
		}
		if errs.HasCode(err, errs.CodeAuth) {
			c.setState(StateFailed)
			observability.Log().Error("authentication rejected during reconnect",
				observability.Field{Key: "provider", Value: c.cfg.Provider})
			return
		}
		observability.Log().Warn("reconnect attempt failed",
			observability.Field{Key: "attempt", Value: attempt},
			observability.Field{Key: "error", Value: err.Error()})
	}
	c.setState(StateFailed)
	observability.Log().Error("reconnect budget exhausted",
		observability.Field{Key: "provider", Value: c.cfg.Provider},
		observability.Field{Key: "attempts", Value: c.cfg.MaxReconnectAttempts})
}

func (c *Client) dropConn() {
	c.connMu.Lock()
	if c.conn != nil {
		_ = c.conn.Close(websocket.StatusNormalClosure, "")
		c.conn = nil
	}
	c.connMu.Unlock()
}

// Close disposes the client and waits up to deadline for the loops to drain.
// A zero deadline waits indefinitely.
func (c *Client) Close(deadline time.Duration) error {
	c.setState(StateDisposed)
	c.cancel()
	c.dropConn()

	done := make(chan struct{})
	go func() {
		c.loopsWG.Wait()
		close(done)
	}()
	if deadline <= 0 {
		<-done
		return nil
	}
	select {
	case <-done:
		return nil
	case <-time.After(deadline):
		return errs.New(c.cfg.Provider, errs.CodeInternal,
			errs.WithMessage("close timed out waiting for receive loop"))
	}
}
