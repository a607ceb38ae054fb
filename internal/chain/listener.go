package chain

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/tidwall/gjson"

	"github.com/stellarlinkco/proofpay-indexer/internal/bus"
	"github.com/stellarlinkco/proofpay-indexer/internal/config"
)

const newBlockQuery = "tm.event='NewBlock'"

const subscribeRequest = `{"jsonrpc":"2.0","method":"subscribe","id":1,"params":{"query":"` + newBlockQuery + `"}}`

// Status is the connection view surfaced by the admin endpoints.
type Status struct {
	Connected bool `json:"connected"`
	Attempts  int  `json:"attempts"`
}

// Listener owns the websocket subscription to the chain RPC node. It
// subscribes to new blocks, fetches each block's transaction results over
// the HTTP RPC endpoint, filters events down to the configured contract,
// and publishes the decoded variants onto the event bus.
//
// The subscription covers new blocks only. There is no height checkpoint
// and no backfill, so blocks produced while the listener is down are never
// replayed; /dev/mock-event plus the idempotency ledger exist for manual
// recovery.
type Listener struct {
	cfg   config.ChainConfig
	bus   *bus.EventBus
	httpc *http.Client

	mu        sync.Mutex
	conn      *websocket.Conn
	cancel    context.CancelFunc
	connected bool
	attempts  int
	closed    bool
}

func NewListener(cfg config.ChainConfig, b *bus.EventBus) *Listener {
	return &Listener{
		cfg:   cfg,
		bus:   b,
		httpc: &http.Client{Timeout: 15 * time.Second},
	}
}

// OnEvent registers a handler for decoded contract events.
func (l *Listener) OnEvent(h bus.Handler) {
	l.bus.Subscribe(h)
}

// Connect dials the websocket endpoint and subscribes to new blocks. On
// failure it schedules a reconnect attempt and returns false; the caller
// does not need to retry itself.
func (l *Listener) Connect(ctx context.Context) bool {
	l.mu.Lock()
	l.closed = false
	l.mu.Unlock()

	log.Printf("[listener] connecting to %s", l.cfg.RPCWebsocket)

	conn, _, err := websocket.Dial(ctx, l.cfg.RPCWebsocket, nil)
	if err != nil {
		log.Printf("[listener] dial failed: %v", err)
		l.scheduleReconnect(ctx)
		return false
	}
	// Block results can exceed the 32KiB default.
	conn.SetReadLimit(8 << 20)

	if err := conn.Write(ctx, websocket.MessageText, []byte(subscribeRequest)); err != nil {
		log.Printf("[listener] subscribe failed: %v", err)
		conn.CloseNow()
		l.scheduleReconnect(ctx)
		return false
	}

	readCtx, cancel := context.WithCancel(ctx)

	l.mu.Lock()
	l.conn = conn
	l.cancel = cancel
	l.connected = true
	l.attempts = 0
	l.mu.Unlock()

	go l.readLoop(readCtx, conn)

	log.Printf("[listener] subscribed to %s for contract %s", newBlockQuery, l.cfg.ContractAddress)
	return true
}

// Disconnect closes the subscription and stops the reconnect loop.
func (l *Listener) Disconnect() {
	l.mu.Lock()
	l.closed = true
	l.connected = false
	conn := l.conn
	cancel := l.cancel
	l.conn = nil
	l.cancel = nil
	l.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "shutdown")
	}
	log.Printf("[listener] disconnected")
}

func (l *Listener) IsConnected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected
}

func (l *Listener) ConnectionStatus() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Status{Connected: l.connected, Attempts: l.attempts}
}

func (l *Listener) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			l.mu.Lock()
			closed := l.closed
			l.connected = false
			l.mu.Unlock()
			if closed || ctx.Err() != nil {
				return
			}
			log.Printf("[listener] read error: %v", err)
			l.scheduleReconnect(ctx)
			return
		}
		l.handleMessage(ctx, data)
	}
}

func (l *Listener) handleMessage(ctx context.Context, data []byte) {
	height := gjson.GetBytes(data, "result.data.value.block.header.height")
	if !height.Exists() {
		return // subscription ack or unrelated message
	}
	if err := l.processBlock(ctx, height.Int()); err != nil {
		log.Printf("[listener] block %d: %v", height.Int(), err)
	}
}

// processBlock fetches per-transaction execution results for one block and
// walks its events in transaction order, then within-transaction event
// order. Failed transactions are skipped; foreign events are discarded.
func (l *Listener) processBlock(ctx context.Context, height int64) error {
	url := fmt.Sprintf("%s/block_results?height=%d", strings.TrimRight(l.cfg.RPCHTTP, "/"), height)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build block_results request: %w", err)
	}
	resp, err := l.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("fetch block_results: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read block_results: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("block_results status %d", resp.StatusCode)
	}

	for txIndex, tx := range gjson.GetBytes(body, "result.txs_results").Array() {
		if tx.Get("code").Int() != 0 {
			continue
		}
		txHash := fmt.Sprintf("%d-%d", height, txIndex)
		for eventIndex, ev := range tx.Get("events").Array() {
			raw := rawEventFromJSON(ev)
			if !MatchesContract(raw, l.cfg.ContractAddress) {
				continue
			}
			typed := Decode(raw, txHash, eventIndex, height)
			if typed == nil {
				continue
			}
			log.Printf("[listener] %s task=%s tx=%s idx=%d", typed.Kind(), typed.TaskID(), txHash, eventIndex)
			if err := l.bus.Publish(ctx, typed); err != nil {
				return fmt.Errorf("publish %s: %w", typed.Kind(), err)
			}
		}
	}
	return nil
}

func rawEventFromJSON(ev gjson.Result) RawEvent {
	raw := RawEvent{Type: ev.Get("type").String()}
	for _, a := range ev.Get("attributes").Array() {
		raw.Attributes = append(raw.Attributes, RawAttribute{
			Key:   a.Get("key").String(),
			Value: a.Get("value").String(),
		})
	}
	return raw
}

func (l *Listener) scheduleReconnect(ctx context.Context) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	if l.attempts >= l.cfg.MaxReconnects {
		l.mu.Unlock()
		log.Printf("[listener] max reconnect attempts (%d) reached, giving up", l.cfg.MaxReconnects)
		return
	}
	l.attempts++
	attempt := l.attempts
	l.mu.Unlock()

	delay := backoffDelay(l.cfg.ReconnectBaseMs, attempt)
	log.Printf("[listener] reconnect attempt %d/%d in %s", attempt, l.cfg.MaxReconnects, delay)

	time.AfterFunc(delay, func() {
		if ctx.Err() != nil {
			return
		}
		l.mu.Lock()
		closed := l.closed
		l.mu.Unlock()
		if closed {
			return
		}
		l.Connect(ctx)
	})
}

// backoffDelay doubles per attempt: base, base*2, base*4, ...
func backoffDelay(baseMs, attempt int) time.Duration {
	return time.Duration(baseMs) * time.Millisecond << (attempt - 1)
}
