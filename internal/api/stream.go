package api

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Frame pacing for /ws observers. The stream is outbound-only; reads exist
// to service pong frames and notice disconnects.
const (
	sendTimeout  = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = 54 * time.Second
	readLimit    = 4096
	observerBuf  = 256
)

// Hub fans serialized events out to /ws observers. There is no central
// dispatch loop: BroadcastEvent marshals the event once and offers the frame
// to each observer's buffered queue. An observer that cannot keep up is
// evicted rather than allowed to back up the stream for everyone else.
type Hub struct {
	logger *slog.Logger

	mu        sync.Mutex
	observers map[*Observer]struct{}
}

// Observer is one /ws connection.
type Observer struct {
	hub  *Hub
	conn *websocket.Conn
	out  chan []byte
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger:    logger.With("component", "ws_hub"),
		observers: make(map[*Observer]struct{}),
	}
}

// Attach registers a connection and starts its read and write pumps.
func (h *Hub) Attach(conn *websocket.Conn) *Observer {
	o := &Observer{hub: h, conn: conn, out: make(chan []byte, observerBuf)}

	h.mu.Lock()
	h.observers[o] = struct{}{}
	count := len(h.observers)
	h.mu.Unlock()
	h.logger.Info("observer connected", "count", count)

	go o.writeLoop()
	go o.readLoop()
	return o
}

// detach removes the observer and closes its queue. Idempotent; both pumps
// and the eviction path may race to call it.
func (h *Hub) detach(o *Observer) {
	h.mu.Lock()
	_, present := h.observers[o]
	if present {
		delete(h.observers, o)
		close(o.out)
	}
	count := len(h.observers)
	h.mu.Unlock()

	if present {
		h.logger.Info("observer disconnected", "count", count)
	}
}

// BroadcastEvent serializes the event once and offers it to every observer.
// Observers with a full queue are evicted.
func (h *Hub) BroadcastEvent(evt StreamEvent) {
	frame, err := json.Marshal(evt)
	if err != nil {
		h.logger.Error("marshal stream event failed", "type", evt.Type, "error", err)
		return
	}

	var evicted []*Observer
	h.mu.Lock()
	for o := range h.observers {
		select {
		case o.out <- frame:
		default:
			evicted = append(evicted, o)
		}
	}
	h.mu.Unlock()

	for _, o := range evicted {
		h.logger.Warn("observer backed up, evicting", "type", evt.Type)
		h.detach(o)
	}
}

// Close detaches every observer. Called on server shutdown; the write pumps
// send close frames as their queues drain.
func (h *Hub) Close() {
	h.mu.Lock()
	observers := make([]*Observer, 0, len(h.observers))
	for o := range h.observers {
		observers = append(observers, o)
	}
	h.mu.Unlock()

	for _, o := range observers {
		h.detach(o)
	}
}

// Send offers one pre-serialized frame to this observer only. Returns false
// when the observer is detached or its queue is full.
func (o *Observer) Send(frame []byte) bool {
	o.hub.mu.Lock()
	defer o.hub.mu.Unlock()
	if _, present := o.hub.observers[o]; !present {
		return false
	}
	select {
	case o.out <- frame:
		return true
	default:
		return false
	}
}

func (o *Observer) writeLoop() {
	ping := time.NewTicker(pingInterval)
	defer func() {
		ping.Stop()
		o.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-o.out:
			o.conn.SetWriteDeadline(time.Now().Add(sendTimeout))
			if !ok {
				o.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := o.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ping.C:
			o.conn.SetWriteDeadline(time.Now().Add(sendTimeout))
			if err := o.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readLoop services control frames and notices disconnects. The stream is
// one-way; anything an observer sends is discarded.
func (o *Observer) readLoop() {
	defer func() {
		o.hub.detach(o)
		o.conn.Close()
	}()

	o.conn.SetReadLimit(readLimit)
	o.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	o.conn.SetPongHandler(func(string) error {
		return o.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	for {
		if _, _, err := o.conn.ReadMessage(); err != nil {
			return
		}
	}
}
