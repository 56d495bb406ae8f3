package stream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/rodoHasArrived/marketpulse/errs"
	"github.com/rodoHasArrived/marketpulse/internal/schema"
)

func TestClientConfigValidate(t *testing.T) {
	cfg := DefaultClientConfig()
	cfg.APIKey = "key"
	require.NoError(t, cfg.Validate())

	noKey := cfg
	noKey.APIKey = "  "
	require.True(t, errs.HasCode(noKey.Validate(), errs.CodeConfiguration))

	badFeed := cfg
	badFeed.Feed = "futures"
	require.True(t, errs.HasCode(badFeed.Validate(), errs.CodeConfiguration))
}

func TestClientConfigEndpoint(t *testing.T) {
	cfg := DefaultClientConfig()
	require.Equal(t, "wss://socket.polygon.io/stocks", cfg.Endpoint())

	cfg.Delayed = true
	cfg.Feed = "crypto"
	require.Equal(t, "wss://delayed.polygon.io/crypto", cfg.Endpoint())
}

func TestChannelsFor(t *testing.T) {
	require.Equal(t, "T.AAPL", channelsFor("AAPL", schema.KindTrades))
	require.Equal(t, "Q.AAPL", channelsFor("AAPL", schema.KindQuotes))
	require.Equal(t, "A.AAPL,AM.AAPL", channelsFor("AAPL", schema.KindAggregates))
	require.Empty(t, channelsFor("AAPL", schema.EventKind("bogus")))
}

func TestClientStateStrings(t *testing.T) {
	require.Equal(t, "disconnected", StateDisconnected.String())
	require.Equal(t, "receiving", StateReceiving.String())
	require.Equal(t, "disposed", StateDisposed.String())
	require.Equal(t, "unknown", ClientState(99).String())
}

func TestNewClientRejectsInvalidConfig(t *testing.T) {
	_, err := NewClient(ClientConfig{Provider: "polygon", Feed: "stocks"}, NewSubscriptionManager(0), &captureSink{})
	require.True(t, errs.HasCode(err, errs.CodeConfiguration))
}

func TestClientSubscribeRefcountSkipsFrames(t *testing.T) {
	cfg := DefaultClientConfig()
	cfg.APIKey = "key"
	subs := NewSubscriptionManager(0)
	client, err := NewClient(cfg, subs, &captureSink{})
	require.NoError(t, err)
	defer func() { _ = client.Close(time.Second) }()

	// First reference needs a protocol frame, which fails while disconnected.
	id, err := client.Subscribe(context.Background(), "AAPL", schema.KindTrades)
	require.True(t, errs.HasCode(err, errs.CodeConnection))
	require.True(t, subs.HasSubscription("AAPL", schema.KindTrades))

	// Additional references are bookkeeping only.
	again, err := client.Subscribe(context.Background(), "aapl", schema.KindTrades)
	require.NoError(t, err)
	require.Equal(t, id, again)

	// Dropping back to one reference sends nothing either.
	require.NoError(t, client.Unsubscribe(context.Background(), id))

	require.True(t, errs.HasCode(client.Unsubscribe(context.Background(), 999), errs.CodeValidation))
}

func TestClientCloseBeforeConnect(t *testing.T) {
	cfg := DefaultClientConfig()
	cfg.APIKey = "key"
	client, err := NewClient(cfg, NewSubscriptionManager(0), &captureSink{})
	require.NoError(t, err)

	require.NoError(t, client.Close(time.Second))
	require.Equal(t, StateDisposed, client.State())
}

// chanSink delivers trades to a channel so tests can wait on dispatch.
type chanSink struct {
	trades chan schema.TradeEvent
}

func (s *chanSink) ProcessTrade(ev schema.TradeEvent)    { s.trades <- ev }
func (s *chanSink) ProcessQuote(schema.QuoteEvent)       {}
func (s *chanSink) ProcessAggregate(schema.AggregateBar) {}

// scriptedFeed speaks the server side of the feed protocol: handshake, then
// per-connection scripted behavior. The first connection is dropped after two
// subscribe frames; the second records the restored subscriptions and emits a
// trade.
type scriptedFeed struct {
	apiKey string

	mu         sync.Mutex
	conns      int
	subscribes map[int][]string

	resubscribed chan struct{}
	hold         chan struct{}
}

func (s *scriptedFeed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		return
	}
	ctx := r.Context()

	s.mu.Lock()
	s.conns++
	n := s.conns
	s.mu.Unlock()

	write := func(payload string) bool {
		return conn.Write(ctx, websocket.MessageText, []byte(payload)) == nil
	}
	readFrame := func() (outboundFrame, bool) {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return outboundFrame{}, false
		}
		var frame outboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			return outboundFrame{}, false
		}
		return frame, true
	}

	if !write(`[{"ev":"status","status":"connected"}]`) {
		return
	}
	auth, ok := readFrame()
	if !ok || auth.Action != "auth" || auth.Params != s.apiKey {
		_ = conn.Close(websocket.StatusPolicyViolation, "bad auth")
		return
	}
	if !write(`[{"ev":"status","status":"auth_success"}]`) {
		return
	}

	for i := 0; i < 2; i++ {
		frame, ok := readFrame()
		if !ok {
			return
		}
		s.mu.Lock()
		s.subscribes[n] = append(s.subscribes[n], frame.Params)
		s.mu.Unlock()
	}
	if n == 1 {
		_ = conn.Close(websocket.StatusInternalError, "dropping")
		return
	}

	close(s.resubscribed)
	write(`[{"ev":"T","sym":"AAPL","p":189.5,"s":200,"t":1772460000000,"i":"7","x":4,"c":[]}]`)
	<-s.hold
	_ = conn.Close(websocket.StatusNormalClosure, "")
}

func TestClientReconnectsAndResubscribes(t *testing.T) {
	feed := &scriptedFeed{
		apiKey:       "test-key",
		subscribes:   make(map[int][]string),
		resubscribed: make(chan struct{}),
		hold:         make(chan struct{}),
	}
	server := httptest.NewServer(feed)
	defer server.Close()
	defer close(feed.hold)

	cfg := DefaultClientConfig()
	cfg.APIKey = "test-key"
	cfg.ControlFrameInterval = time.Millisecond
	cfg.KeepAlive = time.Minute
	cfg.ReconnectBaseDelay = 10 * time.Millisecond
	cfg.ReconnectMaxDelay = 50 * time.Millisecond

	sink := &chanSink{trades: make(chan schema.TradeEvent, 4)}
	var stateMu sync.Mutex
	var states []ClientState
	client, err := NewClient(cfg, NewSubscriptionManager(0), sink,
		WithDialURL("ws"+strings.TrimPrefix(server.URL, "http")),
		WithStateListener(func(s ClientState) {
			stateMu.Lock()
			states = append(states, s)
			stateMu.Unlock()
		}))
	require.NoError(t, err)
	defer func() { _ = client.Close(2 * time.Second) }()

	require.NoError(t, client.Connect(context.Background()))
	_, err = client.Subscribe(context.Background(), "AAPL", schema.KindTrades)
	require.NoError(t, err)
	_, err = client.Subscribe(context.Background(), "MSFT", schema.KindQuotes)
	require.NoError(t, err)

	// The feed drops the first connection after the two subscribe frames;
	// the client reconnects and restores the full set unprompted.
	select {
	case <-feed.resubscribed:
	case <-time.After(5 * time.Second):
		t.Fatal("client never resubscribed after the dropped connection")
	}

	feed.mu.Lock()
	first := append([]string(nil), feed.subscribes[1]...)
	second := append([]string(nil), feed.subscribes[2]...)
	feed.mu.Unlock()
	require.Equal(t, []string{"T.AAPL", "Q.MSFT"}, first)
	require.Equal(t, []string{"T.AAPL", "Q.MSFT"}, second)

	// Events flow again on the new connection.
	select {
	case trade := <-sink.trades:
		require.Equal(t, "AAPL", trade.Symbol)
	case <-time.After(5 * time.Second):
		t.Fatal("no trade delivered after reconnect")
	}
	require.Equal(t, StateReceiving, client.State())

	stateMu.Lock()
	defer stateMu.Unlock()
	require.Contains(t, states, StateReconnecting)
}
