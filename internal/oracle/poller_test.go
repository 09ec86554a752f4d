package oracle

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

func newPollProvider(t *testing.T, signer *Signer, price *big.Int, nonce *atomic.Uint64) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if req["type"] != "price" || req["asset"] != "pBTC" {
			http.Error(w, "unknown query", http.StatusBadRequest)
			return
		}
		n := nonce.Load()
		update := Update{Asset: "pBTC", Price: price, Nonce: n}
		sig, err := signer.SignUpdate(update)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"asset":     "pBTC",
			"price":     price.String(),
			"nonce":     n,
			"signature": hexutil.Encode(sig),
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestPollAppliesSignedUpdate(t *testing.T) {
	signer, err := NewSigner(testKey)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	var nonce atomic.Uint64
	nonce.Store(3)
	provider := newPollProvider(t, signer, big.NewInt(123_456), &nonce)

	applier := &fakeApplier{allowed: signer.Address()}
	poller := NewPoller(provider.URL, time.Second, time.Second, "pBTC", applier, nil, nil)

	if err := poller.Poll(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(applier.calls) != 1 {
		t.Fatalf("expected 1 applied update, got %d", len(applier.calls))
	}
	if applier.calls[0].price.Int64() != 123_456 {
		t.Fatalf("expected price 123456, got %s", applier.calls[0].price)
	}
}

func TestPollRepeatedNonceIsNotAnError(t *testing.T) {
	signer, err := NewSigner(testKey)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	var nonce atomic.Uint64
	nonce.Store(1)
	provider := newPollProvider(t, signer, big.NewInt(100), &nonce)

	applier := &fakeApplier{allowed: signer.Address()}
	poller := NewPoller(provider.URL, time.Second, time.Second, "pBTC", applier, nil, nil)

	for i := 0; i < 3; i++ {
		if err := poller.Poll(context.Background()); err != nil {
			t.Fatalf("poll %d: %v", i, err)
		}
	}
	if len(applier.calls) != 1 {
		t.Fatalf("expected one apply across repeats, got %d", len(applier.calls))
	}

	nonce.Store(2)
	if err := poller.Poll(context.Background()); err != nil {
		t.Fatalf("poll after advance: %v", err)
	}
	if len(applier.calls) != 2 {
		t.Fatalf("expected second apply after nonce advance, got %d", len(applier.calls))
	}
}

func TestPollSurfacesProviderFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "down for maintenance", http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	signer, err := NewSigner(testKey)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	applier := &fakeApplier{allowed: signer.Address()}
	poller := NewPoller(srv.URL, time.Second, time.Second, "pBTC", applier, nil, nil)

	if err := poller.Poll(context.Background()); err == nil {
		t.Fatal("expected error from failing provider")
	}
	if len(applier.calls) != 0 {
		t.Fatalf("expected no applies, got %d", len(applier.calls))
	}
}
