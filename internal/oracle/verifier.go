package oracle

import (
	"errors"
	"math/big"
	"sync"

	"perp-ledger/internal/metrics"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"go.uber.org/zap"
)

var errStaleNonce = errors.New("stale update nonce")

// PriceApplier consumes verified price updates. Implemented by the position
// ledger; the verifier maps signatures to source identities, the applier
// enforces the whitelist.
type PriceApplier interface {
	UpdatePrice(source common.Address, price *big.Int) error
}

// verifier checks one asset's signed updates and applies accepted prices.
// The nonce only advances after the applier accepts, so an unauthorized
// source cannot burn nonces for the legitimate one.
type verifier struct {
	asset   string
	applier PriceApplier
	metrics *metrics.Metrics
	log     *zap.Logger

	mu        sync.Mutex
	lastNonce uint64
}

func newVerifier(asset string, applier PriceApplier, m *metrics.Metrics, log *zap.Logger) *verifier {
	return &verifier{asset: asset, applier: applier, metrics: m, log: log}
}

func (v *verifier) apply(raw feedUpdate) error {
	if raw.Asset != v.asset {
		return errors.New("update for unknown asset")
	}
	price, ok := new(big.Int).SetString(raw.Price, 10)
	if !ok {
		return errors.New("malformed price")
	}
	sig, err := hexutil.Decode(raw.Signature)
	if err != nil {
		return err
	}
	update := Update{Asset: raw.Asset, Price: price, Nonce: raw.Nonce}
	source, err := RecoverSource(update, sig)
	if err != nil {
		return err
	}
	v.mu.Lock()
	last := v.lastNonce
	v.mu.Unlock()
	if raw.Nonce <= last {
		return errStaleNonce
	}
	if err := v.applier.UpdatePrice(source, price); err != nil {
		return err
	}
	v.mu.Lock()
	if raw.Nonce > v.lastNonce {
		v.lastNonce = raw.Nonce
	}
	v.mu.Unlock()
	v.metrics.PriceUpdates.Inc()
	v.log.Debug("price applied",
		zap.String("asset", raw.Asset),
		zap.String("price", price.String()),
		zap.String("source", source.Hex()),
	)
	return nil
}
