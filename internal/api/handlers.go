package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"tradesim/internal/domain"
	"tradesim/internal/engine"
)

// accountFrom pulls the account ID from the "account" query parameter.
func accountFrom(r *http.Request) string {
	return strings.TrimSpace(r.URL.Query().Get("account"))
}

func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.Allow() {
		writeError(w, http.StatusTooManyRequests, "order submission rate exceeded")
		return
	}

	var req domain.Order
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid order JSON: "+err.Error())
		return
	}

	order, err := s.eng.SubmitOrder(r.Context(), req)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, order)
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	account := accountFrom(r)
	if account == "" {
		writeError(w, http.StatusBadRequest, "account query parameter required")
		return
	}
	orders, err := s.eng.Orders(r.Context(), account)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if orders == nil {
		orders = []domain.Order{}
	}

	// Optional status filter, e.g. ?status=working or ?status=working,partial.
	if filter := r.URL.Query().Get("status"); filter != "" {
		want := make(map[domain.OrderStatus]bool)
		for _, part := range strings.Split(filter, ",") {
			want[domain.OrderStatus(strings.TrimSpace(part))] = true
		}
		filtered := make([]domain.Order, 0, len(orders))
		for _, o := range orders {
			if want[o.Status] {
				filtered = append(filtered, o)
			}
		}
		orders = filtered
	}

	writeJSON(w, http.StatusOK, orders)
}

// updateOrderRequest is the PATCH body for repricing or resizing an order.
// Absent fields stay as they are.
type updateOrderRequest struct {
	LimitPrice *float64 `json:"limitPrice"`
	StopPrice  *float64 `json:"stopPrice"`
	Qty        *int64   `json:"qty"`
}

func (s *Server) handleUpdateOrder(w http.ResponseWriter, r *http.Request) {
	account := accountFrom(r)
	if account == "" {
		writeError(w, http.StatusBadRequest, "account query parameter required")
		return
	}

	var body updateOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid update JSON: "+err.Error())
		return
	}
	if body.LimitPrice == nil && body.StopPrice == nil && body.Qty == nil {
		writeError(w, http.StatusBadRequest, "update requires at least one of limitPrice, stopPrice, qty")
		return
	}

	order, err := s.eng.UpdateOrder(r.Context(), engine.UpdateRequest{
		OrderID:    r.PathValue("id"),
		AccountID:  account,
		LimitPrice: body.LimitPrice,
		StopPrice:  body.StopPrice,
		Qty:        body.Qty,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	account := accountFrom(r)
	if account == "" {
		writeError(w, http.StatusBadRequest, "account query parameter required")
		return
	}
	if err := s.eng.CancelOrder(r.Context(), account, r.PathValue("id")); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListPositions(w http.ResponseWriter, r *http.Request) {
	account := accountFrom(r)
	if account == "" {
		writeError(w, http.StatusBadRequest, "account query parameter required")
		return
	}
	positions, err := s.eng.Positions(r.Context(), account)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if positions == nil {
		positions = []domain.Position{}
	}
	writeJSON(w, http.StatusOK, positions)
}

func (s *Server) handleClosePosition(w http.ResponseWriter, r *http.Request) {
	account := accountFrom(r)
	if account == "" {
		writeError(w, http.StatusBadRequest, "account query parameter required")
		return
	}
	symbol := strings.ToUpper(r.PathValue("symbol"))
	res, err := s.eng.ClosePosition(r.Context(), account, symbol)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	snap, err := s.eng.AccountSnapshot(r.Context(), r.PathValue("id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleInstruments(w http.ResponseWriter, r *http.Request) {
	symbols := s.gen.Symbols()
	out := make([]domain.Instrument, 0, len(symbols))
	for _, sym := range symbols {
		if instr, ok := s.gen.Instrument(sym); ok {
			out = append(out, instr)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// handleCandles serves OHLCV history. Recent candles come from the in-memory
// history, optionally aggregated to a coarser interval; a start/end range
// reads the Parquet archive instead.
func (s *Server) handleCandles(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(r.PathValue("symbol"))
	q := r.URL.Query()

	if q.Get("start") != "" || q.Get("end") != "" {
		s.handleArchivedCandles(w, r, symbol)
		return
	}

	interval := s.cfg.Market.CandleInterval.Std()
	if v := q.Get("interval"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid interval: "+err.Error())
			return
		}
		interval = d
	}
	count := 100
	if v := q.Get("count"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "count must be a positive integer")
			return
		}
		count = n
	}

	candles, err := s.gen.History(symbol, interval, count)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if candles == nil {
		candles = []domain.Candle{}
	}
	writeJSON(w, http.StatusOK, candles)
}

func (s *Server) handleArchivedCandles(w http.ResponseWriter, r *http.Request, symbol string) {
	if s.candles == nil {
		writeError(w, http.StatusNotFound, "candle archive not configured")
		return
	}
	q := r.URL.Query()
	start, err := time.Parse(time.RFC3339, q.Get("start"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid start: "+err.Error())
		return
	}
	end, err := time.Parse(time.RFC3339, q.Get("end"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid end: "+err.Error())
		return
	}
	if end.Before(start) {
		writeError(w, http.StatusBadRequest, "end must not precede start")
		return
	}

	candles, err := s.candles.ReadCandles(r.Context(), symbol, start, end)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if candles == nil {
		candles = []domain.Candle{}
	}
	writeJSON(w, http.StatusOK, candles)
}
