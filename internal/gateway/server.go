package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"perp-ledger/internal/ledger"
	"perp-ledger/internal/oracle"
	"perp-ledger/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"go.uber.org/zap"
)

// Ledger is the operation surface the gateway exposes. Implemented by the
// app service wrapping the position ledger.
type Ledger interface {
	OpenPosition(ctx context.Context, trader common.Address, collateral *big.Int, direction ledger.Direction) (*ledger.Position, error)
	ClosePosition(ctx context.Context, trader common.Address) (ledger.ClosedPosition, error)
	LiquidatePosition(ctx context.Context, liquidator, user common.Address) (ledger.ClosedPosition, error)
	Value(user common.Address) (*big.Int, error)
	UpdatePrice(source common.Address, price *big.Int) error
	MarketState() (ledger.Market, bool)
	OpenPositions() []*ledger.Position
}

// Server exposes the ledger operations as HTTP entry points. Amounts travel
// as decimal strings, identities as hex addresses.
type Server struct {
	ledger  Ledger
	history state.History
	asset   string
	log     *zap.Logger
}

func NewServer(l Ledger, history state.History, asset string, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{ledger: l, history: history, asset: asset, log: log}
}

// Register mounts every route on mux. The metrics handler is mounted by the
// app on the same mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/positions/open", s.handleOpen)
	mux.HandleFunc("POST /v1/positions/close", s.handleClose)
	mux.HandleFunc("POST /v1/positions/liquidate", s.handleLiquidate)
	mux.HandleFunc("GET /v1/positions", s.handlePositions)
	mux.HandleFunc("GET /v1/positions/{addr}/value", s.handleValue)
	mux.HandleFunc("GET /v1/market", s.handleMarket)
	mux.HandleFunc("GET /v1/history", s.handleHistory)
	mux.HandleFunc("POST /v1/price", s.handlePrice)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

type positionJSON struct {
	Owner      string `json:"owner"`
	Collateral string `json:"collateral"`
	Direction  string `json:"direction"`
	EntryPrice string `json:"entry_price"`
	Notional   string `json:"notional"`
	OpenedAt   string `json:"opened_at"`
}

type closedJSON struct {
	positionJSON
	ClosePrice   string `json:"close_price"`
	ClosedAt     string `json:"closed_at"`
	SettledValue string `json:"settled_value"`
	Closer       string `json:"closer"`
	Reason       string `json:"reason"`
}

func positionToJSON(p *ledger.Position) positionJSON {
	return positionJSON{
		Owner:      p.Owner.Hex(),
		Collateral: p.Collateral.String(),
		Direction:  p.Direction.String(),
		EntryPrice: p.EntryPrice.String(),
		Notional:   p.Notional.String(),
		OpenedAt:   p.OpenedAt.UTC().Format(time.RFC3339),
	}
}

func closedToJSON(r ledger.ClosedPosition) closedJSON {
	return closedJSON{
		positionJSON: positionJSON{
			Owner:      r.Owner.Hex(),
			Collateral: r.Collateral.String(),
			Direction:  r.Direction.String(),
			EntryPrice: r.EntryPrice.String(),
			Notional:   r.Notional.String(),
			OpenedAt:   r.OpenedAt.UTC().Format(time.RFC3339),
		},
		ClosePrice:   r.ClosePrice.String(),
		ClosedAt:     r.ClosedAt.UTC().Format(time.RFC3339),
		SettledValue: r.SettledValue.String(),
		Closer:       r.Closer.Hex(),
		Reason:       string(r.Reason),
	}
}

func (s *Server) handleOpen(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Trader     string `json:"trader"`
		Collateral string `json:"collateral"`
		Direction  string `json:"direction"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	trader, ok := parseAddress(req.Trader)
	if !ok {
		writeError(w, http.StatusBadRequest, "trader must be a hex address")
		return
	}
	collateral, ok := new(big.Int).SetString(req.Collateral, 10)
	if !ok {
		writeError(w, http.StatusBadRequest, "collateral must be a decimal integer")
		return
	}
	direction := ledger.Long
	switch req.Direction {
	case "long":
	case "short":
		direction = ledger.Short
	default:
		writeError(w, http.StatusBadRequest, "direction must be long or short")
		return
	}
	pos, err := s.ledger.OpenPosition(r.Context(), trader, collateral, direction)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, positionToJSON(pos))
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Trader string `json:"trader"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	trader, ok := parseAddress(req.Trader)
	if !ok {
		writeError(w, http.StatusBadRequest, "trader must be a hex address")
		return
	}
	record, err := s.ledger.ClosePosition(r.Context(), trader)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, closedToJSON(record))
}

func (s *Server) handleLiquidate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Liquidator string `json:"liquidator"`
		User       string `json:"user"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	liquidator, ok := parseAddress(req.Liquidator)
	if !ok {
		writeError(w, http.StatusBadRequest, "liquidator must be a hex address")
		return
	}
	user, ok := parseAddress(req.User)
	if !ok {
		writeError(w, http.StatusBadRequest, "user must be a hex address")
		return
	}
	record, err := s.ledger.LiquidatePosition(r.Context(), liquidator, user)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, closedToJSON(record))
}

func (s *Server) handlePositions(w http.ResponseWriter, _ *http.Request) {
	positions := s.ledger.OpenPositions()
	out := make([]positionJSON, 0, len(positions))
	for _, pos := range positions {
		out = append(out, positionToJSON(pos))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleValue(w http.ResponseWriter, r *http.Request) {
	user, ok := parseAddress(r.PathValue("addr"))
	if !ok {
		writeError(w, http.StatusBadRequest, "addr must be a hex address")
		return
	}
	value, err := s.ledger.Value(user)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"user":  user.Hex(),
		"value": value.String(),
	})
}

func (s *Server) handleMarket(w http.ResponseWriter, _ *http.Request) {
	market, initialized := s.ledger.MarketState()
	if !initialized {
		writeError(w, http.StatusServiceUnavailable, "ledger not initialized")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"asset":              market.Asset,
		"leverage":           market.Leverage,
		"margin_requirement": market.MarginRequirement,
		"price":              market.Price.String(),
		"collateral_asset":   market.CollateralAsset.Hex(),
		"long_exposure":      market.LongExposure.String(),
		"short_exposure":     market.ShortExposure.String(),
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeJSON(w, http.StatusOK, []closedJSON{})
		return
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = parsed
	}
	records, err := s.history.ListClosed(r.Context(), limit)
	if err != nil {
		s.log.Error("history read failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "history read failed")
		return
	}
	out := make([]closedJSON, 0, len(records))
	for _, record := range records {
		out = append(out, closedToJSON(record))
	}
	writeJSON(w, http.StatusOK, out)
}

// handlePrice accepts a signed oracle update over HTTP, the same payload
// the websocket feed carries. The recovered signer is the source identity
// checked against the ledger whitelist.
func (s *Server) handlePrice(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Asset     string `json:"asset"`
		Price     string `json:"price"`
		Nonce     uint64 `json:"nonce"`
		Signature string `json:"signature"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.Asset != s.asset {
		writeError(w, http.StatusBadRequest, "unknown asset")
		return
	}
	price, ok := new(big.Int).SetString(req.Price, 10)
	if !ok {
		writeError(w, http.StatusBadRequest, "price must be a decimal integer")
		return
	}
	sig, err := hexutil.Decode(req.Signature)
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed signature")
		return
	}
	source, err := oracle.RecoverSource(oracle.Update{Asset: req.Asset, Price: price, Nonce: req.Nonce}, sig)
	if err != nil {
		writeError(w, http.StatusBadRequest, "signature recovery failed")
		return
	}
	if err := s.ledger.UpdatePrice(source, price); err != nil {
		s.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"source": source.Hex(),
		"price":  price.String(),
	})
}

func (s *Server) writeLedgerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrPositionOpen):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ledger.ErrPositionNotOpen):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ledger.ErrAboveMargin):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ledger.ErrZeroValue), errors.Is(err, ledger.ErrInvalidPrice):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ledger.ErrUnauthorized):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, ledger.ErrAlreadyInitialized):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.log.Error("ledger operation failed", zap.Error(err))
		writeError(w, http.StatusBadGateway, err.Error())
	}
}

func parseAddress(raw string) (common.Address, bool) {
	if !common.IsHexAddress(raw) {
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
