// ws.go implements the market-data WebSocket feed: ticker updates only, matching the read-only snapshot surface the strategy and filter
// layers need. There is no authenticated user channel — order and fill
// state is sourced from the REST adapter via the reconciler instead.
//
// The feed auto-reconnects with exponential backoff (1s -> 30s max) and
// re-subscribes to every tracked symbol on reconnect. A read deadline
// (90s) detects a silently dead connection within ~2 missed pings.
package exchange

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"executiond/pkg/types"
)

const (
	wsReadTimeout      = 90 * time.Second
	wsMaxReconnectWait = 30 * time.Second
	wsWriteTimeout      = 10 * time.Second
	snapshotBufferSize  = 256
)

// MarketFeed manages one WebSocket connection carrying ticker snapshots for
// a set of symbols.
type MarketFeed struct {
	url string
	log zerolog.Logger

	connMu sync.Mutex
	conn   *websocket.Conn

	subMu      sync.RWMutex
	subscribed map[string]bool

	snapshotCh chan types.MarketSnapshot
}

// NewMarketFeed creates a market-data feed bound to wsURL.
func NewMarketFeed(wsURL string, logger zerolog.Logger) *MarketFeed {
	return &MarketFeed{
		url:        wsURL,
		log:        logger.With().Str("component", "ws_market").Logger(),
		subscribed: make(map[string]bool),
		snapshotCh: make(chan types.MarketSnapshot, snapshotBufferSize),
	}
}

// Snapshots returns the channel of incoming ticker snapshots.
func (f *MarketFeed) Snapshots() <-chan types.MarketSnapshot {
	return f.snapshotCh
}

// Subscribe marks a symbol for streaming; re-sent automatically on reconnect.
func (f *MarketFeed) Subscribe(symbol string) {
	f.subMu.Lock()
	defer f.subMu.Unlock()
	f.subscribed[symbol] = true
	f.sendSubscribe(symbol)
}

func (f *MarketFeed) sendSubscribe(symbol string) {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return
	}
	msg := map[string]any{"op": "subscribe", "channel": "ticker", "symbol": symbol}
	f.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := f.conn.WriteJSON(msg); err != nil {
		f.log.Warn().Err(err).Str("symbol", symbol).Msg("subscribe failed")
	}
}

// Run drives the connect/read/reconnect loop until ctx is cancelled.
func (f *MarketFeed) Run(ctx context.Context) {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}
		if err := f.connectAndRead(ctx); err != nil {
			f.log.Warn().Err(err).Dur("backoff", backoff).Msg("market feed disconnected, reconnecting")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > wsMaxReconnectWait {
			backoff = wsMaxReconnectWait
		}
	}
}

func (f *MarketFeed) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return err
	}
	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()
	defer func() {
		f.connMu.Lock()
		f.conn = nil
		f.connMu.Unlock()
		conn.Close()
	}()

	f.subMu.RLock()
	symbols := make([]string, 0, len(f.subscribed))
	for s := range f.subscribed {
		symbols = append(symbols, s)
	}
	f.subMu.RUnlock()
	for _, s := range symbols {
		f.sendSubscribe(s)
	}

	for {
		conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var evt tickerEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			f.log.Debug().Err(err).Msg("unparseable ws message, skipping")
			continue
		}
		snap := evt.toSnapshot()
		select {
		case f.snapshotCh <- snap:
		default:
			f.log.Warn().Str("symbol", snap.Symbol).Msg("snapshot channel full, dropping update")
		}
	}
}

type tickerEvent struct {
	Symbol    string  `json:"symbol"`
	Bid       float64 `json:"bid,string"`
	Ask       float64 `json:"ask,string"`
	Last      float64 `json:"last,string"`
	LatencyMS int64   `json:"latencyMs"`
}

func (e tickerEvent) toSnapshot() types.MarketSnapshot {
	return types.MarketSnapshot{
		Symbol:    e.Symbol,
		Bid:       e.Bid,
		Ask:       e.Ask,
		Last:      e.Last,
		LatencyMS: e.LatencyMS,
		Timestamp: time.Now(),
	}
}
