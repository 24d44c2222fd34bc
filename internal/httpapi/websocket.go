package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/repflow/orchestrator/internal/streaming"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true }, // secured via proxy in prod
}

// StreamHandler serves live workflow progress over WebSocket.
type StreamHandler struct {
	mgr    *streaming.Manager
	logger *zap.Logger
}

func NewStreamHandler(mgr *streaming.Manager, logger *zap.Logger) *StreamHandler {
	return &StreamHandler{mgr: mgr, logger: logger}
}

// RegisterRoutes installs the /stream/ws endpoint.
func (h *StreamHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/stream/ws", h.handleWS)
}

func (h *StreamHandler) handleWS(w http.ResponseWriter, r *http.Request) {
	runID := r.URL.Query().Get("run_id")
	if runID == "" {
		http.Error(w, "run_id required", http.StatusBadRequest)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	stageFilter := map[string]struct{}{}
	if s := r.URL.Query().Get("stages"); s != "" {
		for _, st := range strings.Split(s, ",") {
			if st = strings.TrimSpace(st); st != "" {
				stageFilter[st] = struct{}{}
			}
		}
	}
	var lastSeq uint64
	if q := r.URL.Query().Get("last_event_id"); q != "" {
		if n, err := strconv.ParseUint(q, 10, 64); err == nil {
			lastSeq = n
		}
	}

	ch := h.mgr.Subscribe(runID, 256)
	defer h.mgr.Unsubscribe(runID, ch)

	// replay backlog after reconnect
	if lastSeq > 0 {
		for _, ev := range h.mgr.ReplaySince(runID, lastSeq) {
			if !passes(stageFilter, ev) {
				continue
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}

	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()

	// reader pump, discards client messages
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-ch:
			if !passes(stageFilter, ev) {
				continue
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(10*time.Second)); err != nil {
				return
			}
		}
	}
}

func passes(filter map[string]struct{}, ev streaming.Event) bool {
	if len(filter) == 0 {
		return true
	}
	_, ok := filter[ev.Stage]
	return ok
}
