package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/openclob/spotcore/pkg/exchange/engine"
	"github.com/openclob/spotcore/pkg/exchange/orderbook"
	"github.com/openclob/spotcore/pkg/exchange/pair"
	"github.com/openclob/spotcore/pkg/exchange/risk"
	"github.com/openclob/spotcore/pkg/ledger"
	"github.com/openclob/spotcore/pkg/storage"
)

const defaultDepthLevels = 20

// Server exposes the exchange over REST and WebSocket
type Server struct {
	log    *zap.SugaredLogger
	eng    *engine.Engine
	pairs  *pair.Registry
	ledger *ledger.Ledger
	store  *storage.Store
	router *mux.Router
	hub    *Hub
}

// NewServer creates an API server wired to the exchange core
func NewServer(log *zap.SugaredLogger, eng *engine.Engine, pairs *pair.Registry, ldg *ledger.Ledger, store *storage.Store) *Server {
	s := &Server{
		log:    log,
		eng:    eng,
		pairs:  pairs,
		ledger: ldg,
		store:  store,
		router: mux.NewRouter(),
		hub:    NewHub(log),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Market data
	api.HandleFunc("/pairs", s.handleListPairs).Methods("GET")
	api.HandleFunc("/pairs/{symbol}", s.handleGetPair).Methods("GET")
	api.HandleFunc("/pairs/{symbol}/depth", s.handleGetDepth).Methods("GET")
	api.HandleFunc("/pairs/{symbol}/trades", s.handleGetTrades).Methods("GET")

	// Accounts
	api.HandleFunc("/accounts/{userId}/balances/{currency}", s.handleGetBalance).Methods("GET")
	api.HandleFunc("/accounts/{userId}/orders", s.handleGetOpenOrders).Methods("GET")
	api.HandleFunc("/accounts/{userId}/transactions", s.handleGetTransactions).Methods("GET")
	api.HandleFunc("/deposits", s.handleDeposit).Methods("POST")
	api.HandleFunc("/withdrawals", s.handleWithdraw).Methods("POST")

	// Trading
	api.HandleFunc("/orders", s.handleSubmitOrder).Methods("POST")
	api.HandleFunc("/orders/cancel", s.handleCancelOrder).Methods("POST")
	api.HandleFunc("/orders/cancel_all", s.handleCancelAll).Methods("POST")
	api.HandleFunc("/orders/{id}", s.handleGetOrder).Methods("GET")

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Start runs the WebSocket hub and blocks serving HTTP
func (s *Server) Start(addr string) error {
	go s.hub.Run()

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"http://localhost:3000", "http://localhost:3001"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})

	s.log.Infow("api_listening", "addr", addr)
	return http.ListenAndServe(addr, c.Handler(s.router))
}

func (s *Server) handleListPairs(w http.ResponseWriter, r *http.Request) {
	pairs := s.pairs.List()
	out := make([]PairInfo, len(pairs))
	for i, p := range pairs {
		out[i] = pairInfo(p)
	}
	respondJSON(w, out)
}

func (s *Server) handleGetPair(w http.ResponseWriter, r *http.Request) {
	p, err := s.pairs.Get(mux.Vars(r)["symbol"])
	if err != nil {
		respondError(w, http.StatusNotFound, "pair not found", "", err.Error())
		return
	}
	respondJSON(w, pairInfo(p))
}

func (s *Server) handleGetDepth(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	levels := defaultDepthLevels
	if v := r.URL.Query().Get("levels"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			levels = n
		}
	}

	bids, asks, err := s.eng.Depth(symbol, levels)
	if err != nil {
		respondError(w, http.StatusNotFound, "unknown symbol", "", err.Error())
		return
	}
	respondJSON(w, DepthSnapshot{
		Symbol:    symbol,
		Bids:      priceLevels(bids),
		Asks:      priceLevels(asks),
		Timestamp: time.Now().UnixMilli(),
	})
}

func (s *Server) handleGetTrades(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}

	trades, err := s.store.LoadRecentTrades(symbol, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load trades", "", err.Error())
		return
	}
	out := make([]TradeInfo, len(trades))
	for i, t := range trades {
		out[i] = tradeInfo(t)
	}
	respondJSON(w, out)
}

func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	b := s.ledger.GetBalance(vars["userId"], vars["currency"])
	respondJSON(w, BalanceInfo{
		Currency:  vars["currency"],
		Available: b.Available,
		Frozen:    b.Frozen,
	})
}

func (s *Server) handleGetOpenOrders(w http.ResponseWriter, r *http.Request) {
	orders := s.eng.OpenOrders(mux.Vars(r)["userId"])
	out := make([]OrderInfo, len(orders))
	for i := range orders {
		out[i] = orderInfo(&orders[i])
	}
	respondJSON(w, out)
}

func (s *Server) handleGetTransactions(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}

	txs, err := s.store.LoadTransactions(mux.Vars(r)["userId"], limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load transactions", "", err.Error())
		return
	}
	out := make([]TransactionInfo, len(txs))
	for i, tx := range txs {
		out[i] = TransactionInfo{
			ID:        tx.ID,
			Currency:  tx.Currency,
			Kind:      string(tx.Kind),
			Amount:    tx.Amount,
			RefID:     tx.RefID,
			Timestamp: tx.Timestamp,
		}
	}
	respondJSON(w, out)
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	req, amount, ok := s.decodeTransfer(w, r)
	if !ok {
		return
	}
	if err := s.ledger.Deposit(req.UserID, req.Currency, amount); err != nil {
		respondError(w, http.StatusBadRequest, "deposit rejected", "", err.Error())
		return
	}
	b := s.ledger.GetBalance(req.UserID, req.Currency)
	respondJSON(w, BalanceInfo{Currency: req.Currency, Available: b.Available, Frozen: b.Frozen})
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	req, amount, ok := s.decodeTransfer(w, r)
	if !ok {
		return
	}
	if err := s.ledger.Withdraw(req.UserID, req.Currency, amount); err != nil {
		if errors.Is(err, ledger.ErrInsufficientBalance) {
			respondError(w, http.StatusUnprocessableEntity, "withdrawal rejected", risk.ReasonInsufficientBalance, err.Error())
			return
		}
		respondError(w, http.StatusBadRequest, "withdrawal rejected", "", err.Error())
		return
	}
	b := s.ledger.GetBalance(req.UserID, req.Currency)
	respondJSON(w, BalanceInfo{Currency: req.Currency, Available: b.Available, Frozen: b.Frozen})
}

func (s *Server) decodeTransfer(w http.ResponseWriter, r *http.Request) (TransferRequest, decimal.Decimal, bool) {
	var req TransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", "", err.Error())
		return req, decimal.Zero, false
	}
	if req.UserID == "" || req.Currency == "" {
		respondError(w, http.StatusBadRequest, "missing userId or currency", "", "")
		return req, decimal.Zero, false
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid amount", "", err.Error())
		return req, decimal.Zero, false
	}
	return req, amount, true
}

func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req SubmitOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", "", err.Error())
		return
	}
	if req.UserID == "" {
		respondError(w, http.StatusBadRequest, "missing userId", "", "")
		return
	}

	sub, err := buildSubmit(req)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid order", "", err.Error())
		return
	}

	result, err := s.eng.SubmitOrder(sub)
	if err != nil {
		s.respondOrderError(w, err)
		return
	}

	trades := make([]TradeInfo, len(result.Trades))
	for i, t := range result.Trades {
		trades[i] = tradeInfo(t)
	}
	respondJSON(w, SubmitOrderResponse{Order: orderInfo(&result.Order), Trades: trades})
}

// buildSubmit parses the wire request into an engine submission
func buildSubmit(req SubmitOrderRequest) (engine.SubmitRequest, error) {
	var sub engine.SubmitRequest
	var err error

	if sub.Side, err = orderbook.ParseSide(req.Side); err != nil {
		return sub, err
	}
	if sub.Type, err = orderbook.ParseOrderType(req.Type); err != nil {
		return sub, err
	}
	if sub.TIF, err = orderbook.ParseTimeInForce(req.TIF); err != nil {
		return sub, err
	}
	if sub.Amount, err = decimal.NewFromString(req.Amount); err != nil {
		return sub, err
	}
	if sub.Type != orderbook.Market {
		if sub.Price, err = decimal.NewFromString(req.Price); err != nil {
			return sub, err
		}
	}
	if sub.Type == orderbook.StopLimit {
		if sub.StopPrice, err = decimal.NewFromString(req.StopPrice); err != nil {
			return sub, err
		}
	}
	sub.UserID = req.UserID
	sub.Symbol = req.Symbol
	return sub, nil
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	var req CancelOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", "", err.Error())
		return
	}
	if req.UserID == "" || req.OrderID == "" {
		respondError(w, http.StatusBadRequest, "missing userId or orderId", "", "")
		return
	}

	o, err := s.eng.CancelOrder(req.UserID, req.OrderID)
	if err != nil {
		s.respondOrderError(w, err)
		return
	}
	respondJSON(w, orderInfo(o))
}

func (s *Server) handleCancelAll(w http.ResponseWriter, r *http.Request) {
	var req CancelAllRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", "", err.Error())
		return
	}
	if req.UserID == "" || req.Symbol == "" {
		respondError(w, http.StatusBadRequest, "missing userId or symbol", "", "")
		return
	}

	n := s.eng.CancelAll(req.UserID, req.Symbol)
	respondJSON(w, map[string]int{"cancelled": n})
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := s.eng.GetOrder(mux.Vars(r)["id"])
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load order", "", err.Error())
		return
	}
	if o == nil {
		respondError(w, http.StatusNotFound, "order not found", "", "")
		return
	}
	respondJSON(w, orderInfo(o))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

// respondOrderError maps the admission/cancel error taxonomy onto HTTP
// statuses: validation 400, policy 429 or 422, ownership 403, state 409.
func (s *Server) respondOrderError(w http.ResponseWriter, err error) {
	var ve *risk.ValidationError
	var pe *risk.PolicyError

	switch {
	case errors.As(err, &ve):
		respondError(w, http.StatusBadRequest, "validation failed", "", ve.Error())
	case errors.As(err, &pe):
		status := http.StatusUnprocessableEntity
		if pe.Reason == risk.ReasonRateLimited {
			status = http.StatusTooManyRequests
		}
		respondError(w, status, "order rejected", pe.Reason, pe.Error())
	case errors.Is(err, engine.ErrOrderNotFound):
		respondError(w, http.StatusNotFound, "order not found", "", err.Error())
	case errors.Is(err, engine.ErrForbidden):
		respondError(w, http.StatusForbidden, "forbidden", "", err.Error())
	case errors.Is(err, engine.ErrOrderNotCancellable):
		respondError(w, http.StatusConflict, "order not cancellable", "", err.Error())
	default:
		s.log.Errorw("order_request_failed", "err", err)
		respondError(w, http.StatusInternalServerError, "internal error", "", err.Error())
	}
}

// PublishTrade pushes a trade and the refreshed depth to subscribers.
// Wired to the engine's OnTrade hook.
func (s *Server) PublishTrade(t *orderbook.Trade) {
	s.hub.BroadcastToChannel("trades:"+t.Symbol, TradeUpdate{
		Type:      "trade",
		Symbol:    t.Symbol,
		Price:     t.Price,
		Amount:    t.Amount,
		TakerSide: t.TakerSide.String(),
		Sequence:  t.Sequence,
		Timestamp: t.Timestamp,
	})

	bids, asks, err := s.eng.Depth(t.Symbol, defaultDepthLevels)
	if err != nil {
		return
	}
	s.hub.BroadcastToChannel("depth:"+t.Symbol, DepthUpdate{
		Type:      "depth",
		Symbol:    t.Symbol,
		Bids:      priceLevels(bids),
		Asks:      priceLevels(asks),
		Timestamp: time.Now().UnixMilli(),
	})
}

func pairInfo(p *pair.Pair) PairInfo {
	return PairInfo{
		Symbol:          p.Symbol,
		BaseCurrency:    p.BaseCurrency,
		QuoteCurrency:   p.QuoteCurrency,
		Status:          p.Status.String(),
		PricePrecision:  p.PricePrecision,
		AmountPrecision: p.AmountPrecision,
		MinAmount:       p.MinAmount,
		MinNotional:     p.MinNotional,
		MakerFeeBps:     p.MakerFeeBps,
		TakerFeeBps:     p.TakerFeeBps,
	}
}

func priceLevels(levels []orderbook.PriceLevel) []PriceLevel {
	out := make([]PriceLevel, len(levels))
	for i, l := range levels {
		out[i] = PriceLevel{Price: l.Price, Amount: l.Amount}
	}
	return out
}

func tradeInfo(t *orderbook.Trade) TradeInfo {
	return TradeInfo{
		ID:        t.ID,
		Symbol:    t.Symbol,
		Price:     t.Price,
		Amount:    t.Amount,
		TakerSide: t.TakerSide.String(),
		Sequence:  t.Sequence,
		Timestamp: t.Timestamp,
	}
}

func orderInfo(o *orderbook.Order) OrderInfo {
	return OrderInfo{
		ID:        o.ID,
		Symbol:    o.Symbol,
		Side:      o.Side.String(),
		Type:      o.Type.String(),
		TIF:       o.TIF.String(),
		Price:     o.Price,
		StopPrice: o.StopPrice,
		Amount:    o.Amount,
		Filled:    o.Filled,
		Remaining: o.Remaining(),
		Status:    o.Status.String(),
		Sequence:  o.Sequence,
		CreatedAt: o.CreatedAt,
		UpdatedAt: o.UpdatedAt,
	}
}

func respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error, reason, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   error,
		Reason:  reason,
		Message: message,
	})
}
