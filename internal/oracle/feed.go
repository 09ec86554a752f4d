package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"perp-ledger/internal/metrics"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// Feed is a websocket client for a signed price stream. It reconnects with
// a fixed delay, resubscribes, verifies each update's signature, and applies
// accepted prices to the ledger.
type Feed struct {
	url            string
	reconnectDelay time.Duration
	pingInterval   time.Duration
	asset          string
	verify         *verifier
	metrics        *metrics.Metrics
	log            *zap.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

func NewFeed(url string, reconnectDelay, pingInterval time.Duration, asset string, applier PriceApplier, m *metrics.Metrics, log *zap.Logger) *Feed {
	if m == nil {
		m = metrics.NewNoop()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Feed{
		url:            url,
		reconnectDelay: reconnectDelay,
		pingInterval:   pingInterval,
		asset:          asset,
		verify:         newVerifier(asset, applier, m, log),
		metrics:        m,
		log:            log,
	}
}

func (f *Feed) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn != nil {
		return nil
	}
	conn, _, err := websocket.Dial(ctx, f.url, nil)
	if err != nil {
		return err
	}
	f.conn = conn
	return nil
}

func (f *Feed) Run(ctx context.Context) error {
	for {
		if err := f.ensureConnected(ctx); err != nil {
			return err
		}
		pingCtx, cancel := context.WithCancel(ctx)
		pingDone := make(chan struct{})
		go func() {
			defer close(pingDone)
			f.pingLoop(pingCtx)
		}()
		err := f.readLoop(ctx)
		cancel()
		<-pingDone
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			f.log.Warn("price feed read loop ended", zap.Error(err))
			f.resetConn()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(f.reconnectDelay):
			}
			continue
		}
	}
}

func (f *Feed) ensureConnected(ctx context.Context) error {
	if err := f.Connect(ctx); err != nil {
		return err
	}
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	sub := map[string]any{
		"method": "subscribe",
		"subscription": map[string]any{
			"type":  "price",
			"asset": f.asset,
		},
	}
	return writeJSON(ctx, conn, sub)
}

func (f *Feed) readLoop(ctx context.Context) error {
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	if conn == nil {
		return errors.New("feed not connected")
	}
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		f.HandleMessage(data)
	}
}

type feedMessage struct {
	Channel string     `json:"channel"`
	Data    feedUpdate `json:"data"`
}

type feedUpdate struct {
	Asset     string `json:"asset"`
	Price     string `json:"price"`
	Nonce     uint64 `json:"nonce"`
	Signature string `json:"signature"`
}

// HandleMessage verifies and applies one raw feed message. Exported so the
// gateway's signed-update endpoint shares the same verification path.
func (f *Feed) HandleMessage(data []byte) {
	var msg feedMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		f.log.Debug("feed decode failed", zap.Error(err))
		return
	}
	if msg.Channel != "price" {
		return
	}
	if err := f.verify.apply(msg.Data); err != nil {
		f.metrics.PriceRejected.Inc()
		f.log.Warn("price update rejected",
			zap.String("asset", msg.Data.Asset),
			zap.Uint64("nonce", msg.Data.Nonce),
			zap.Error(err),
		)
	}
}

func (f *Feed) pingLoop(ctx context.Context) {
	f.mu.Lock()
	conn := f.conn
	interval := f.pingInterval
	f.mu.Unlock()
	if conn == nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := writeJSON(ctx, conn, pingMessage); err != nil {
				return
			}
		}
	}
}

func (f *Feed) resetConn() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn != nil {
		_ = f.conn.Close(websocket.StatusNormalClosure, "reset")
		f.conn = nil
	}
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

var pingMessage = map[string]any{"method": "ping"}
