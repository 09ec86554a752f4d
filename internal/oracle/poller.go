package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"perp-ledger/internal/metrics"

	"go.uber.org/zap"
)

// Poller is a REST fallback for the websocket feed. It asks the provider
// for the latest signed update on a fixed interval and pushes it through
// the same verification path. Repeats of an already-applied nonce are
// skipped silently.
type Poller struct {
	url      string
	interval time.Duration
	http     *http.Client
	verify   *verifier
	metrics  *metrics.Metrics
	log      *zap.Logger
}

func NewPoller(url string, interval, timeout time.Duration, asset string, applier PriceApplier, m *metrics.Metrics, log *zap.Logger) *Poller {
	if m == nil {
		m = metrics.NewNoop()
	}
	if log == nil {
		log = zap.NewNop()
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Poller{
		url:      url,
		interval: interval,
		http:     &http.Client{Timeout: timeout},
		verify:   newVerifier(asset, applier, m, log),
		metrics:  m,
		log:      log,
	}
}

func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := p.Poll(ctx); err != nil {
				p.metrics.PriceRejected.Inc()
				p.log.Warn("price poll failed", zap.Error(err))
			}
		}
	}
}

// Poll fetches and applies one update. A stale nonce is not an error; the
// provider simply has nothing newer.
func (p *Poller) Poll(ctx context.Context) error {
	payload, err := json.Marshal(map[string]string{
		"type":  "price",
		"asset": p.verify.asset,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("http %d: %s", resp.StatusCode, string(body))
	}
	var update feedUpdate
	if err := json.NewDecoder(resp.Body).Decode(&update); err != nil {
		return err
	}
	if err := p.verify.apply(update); err != nil {
		if errors.Is(err, errStaleNonce) {
			return nil
		}
		return err
	}
	return nil
}
