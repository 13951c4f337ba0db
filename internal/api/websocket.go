package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"tradesim/internal/domain"
	"tradesim/internal/market"
)

// wsMessage is the envelope for WebSocket feed messages.
type wsMessage struct {
	Type string            `json:"type"`
	Tick *domain.PriceTick `json:"tick,omitempty"`
}

// wsClient is a single WebSocket connection. A nil symbol set means the
// client receives every instrument.
type wsClient struct {
	send    chan []byte
	symbols map[string]bool
}

func (c *wsClient) wants(symbol string) bool {
	return len(c.symbols) == 0 || c.symbols[symbol]
}

// Hub fans the market tick stream out to WebSocket clients. Slow clients
// drop messages rather than stalling the feed.
type Hub struct {
	gen *market.Generator
	log *slog.Logger

	mu      sync.Mutex
	clients map[*wsClient]bool

	runMu   sync.Mutex
	started bool
	stop    chan struct{}
	done    sync.WaitGroup
	unsub   func()
}

// NewHub creates a Hub over the given market generator.
func NewHub(gen *market.Generator, log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		gen:     gen,
		log:     log,
		clients: make(map[*wsClient]bool),
	}
}

// Start subscribes the hub to the tick stream and launches the broadcast
// loop. It is a no-op if already started.
func (h *Hub) Start(ctx context.Context) {
	h.runMu.Lock()
	defer h.runMu.Unlock()
	if h.started {
		return
	}
	h.started = true
	h.stop = make(chan struct{})

	ch, unsub := h.gen.Subscribe(1024)
	h.unsub = unsub

	h.done.Add(1)
	go h.run(ctx, ch)
}

// Stop detaches from the tick stream and ends the broadcast loop. Connected
// clients are closed by the HTTP server's shutdown.
func (h *Hub) Stop() {
	h.runMu.Lock()
	if !h.started {
		h.runMu.Unlock()
		return
	}
	h.started = false
	h.unsub()
	close(h.stop)
	h.runMu.Unlock()

	h.done.Wait()
}

func (h *Hub) run(ctx context.Context, ch <-chan domain.PriceTick) {
	defer h.done.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stop:
			return
		case tick, ok := <-ch:
			if !ok {
				return
			}
			h.broadcast(tick)
		}
	}
}

func (h *Hub) broadcast(tick domain.PriceTick) {
	msg, err := json.Marshal(wsMessage{Type: "tick", Tick: &tick})
	if err != nil {
		h.log.Error("encoding tick", "error", err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if !c.wants(tick.Symbol) {
			continue
		}
		select {
		case c.send <- msg:
		default:
			// Client is not keeping up; drop the tick.
		}
	}
}

func (h *Hub) add(c *wsClient) {
	h.mu.Lock()
	h.clients[c] = true
	n := len(h.clients)
	h.mu.Unlock()
	h.log.Info("websocket client connected", "clients", n)
}

func (h *Hub) remove(c *wsClient) {
	h.mu.Lock()
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()
	h.log.Info("websocket client disconnected", "clients", n)
}

// handleWebSocket upgrades the connection and streams ticks until the client
// disconnects. An optional "symbols" query parameter (comma-separated)
// filters the feed.
func (h *Hub) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.log.Warn("websocket accept failed", "error", err)
		return
	}
	defer conn.CloseNow()

	client := &wsClient{send: make(chan []byte, 256)}
	if raw := r.URL.Query().Get("symbols"); raw != "" {
		client.symbols = make(map[string]bool)
		for _, s := range strings.Split(raw, ",") {
			client.symbols[strings.ToUpper(strings.TrimSpace(s))] = true
		}
	}
	h.add(client)
	defer h.remove(client)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Drain the read side so pings are answered and closure is noticed.
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				cancel()
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case <-h.stop:
			conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		case msg := <-client.send:
			wctx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := conn.Write(wctx, websocket.MessageText, msg)
			cancelWrite()
			if err != nil {
				return
			}
		}
	}
}
