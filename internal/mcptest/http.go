package mcptest

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"

	"github.com/datalayer/mcp-compose/internal/jsonrpc"
)

// Delivery selects where StreamHandler writes responses.
type Delivery int

const (
	// Inline answers in the POST response body as NDJSON.
	Inline Delivery = iota
	// Stream pushes answers onto every open GET stream as NDJSON lines.
	Stream
	// Poll queues answers until the next GET, which returns them as an array.
	Poll
)

// StreamHandler serves the HTTP-stream dialects: HEAD probe, GET inbound
// stream, POST outbound messages.
type StreamHandler struct {
	Server   *Server
	Delivery Delivery
	// Auth, when set, is the exact Authorization header required.
	Auth string

	mu    sync.Mutex
	subs  map[chan []byte]struct{}
	queue []json.RawMessage
}

func NewStreamHandler(s *Server, d Delivery) *StreamHandler {
	return &StreamHandler{Server: s, Delivery: d, subs: make(map[chan []byte]struct{})}
}

func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.Auth != "" && r.Header.Get("Authorization") != h.Auth {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	switch r.Method {
	case http.MethodHead:
		w.WriteHeader(http.StatusOK)
	case http.MethodPost:
		h.post(w, r)
	case http.MethodGet:
		if h.Delivery == Poll {
			h.poll(w)
			return
		}
		h.stream(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *StreamHandler) post(w http.ResponseWriter, r *http.Request) {
	var msg jsonrpc.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	resp := h.Server.Handle(&msg)
	if resp == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	b, _ := json.Marshal(resp)
	switch h.Delivery {
	case Inline:
		w.Header().Set("Content-Type", "application/x-ndjson")
		_, _ = w.Write(append(b, '\n'))
	case Stream:
		h.mu.Lock()
		for ch := range h.subs {
			ch <- b
		}
		h.mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	case Poll:
		h.mu.Lock()
		h.queue = append(h.queue, b)
		h.mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}
}

func (h *StreamHandler) stream(w http.ResponseWriter, r *http.Request) {
	flusher, _ := w.(http.Flusher)
	ch := make(chan []byte, 16)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.subs, ch)
		h.mu.Unlock()
	}()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	if flusher != nil {
		flusher.Flush()
	}
	for {
		select {
		case <-r.Context().Done():
			return
		case b := <-ch:
			_, _ = w.Write(append(b, '\n'))
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}

func (h *StreamHandler) poll(w http.ResponseWriter) {
	h.mu.Lock()
	q := h.queue
	h.queue = nil
	h.mu.Unlock()
	if len(q) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(q)
}

// SSEHandler serves the legacy MCP SSE dialect: GET opens an event stream
// whose first "endpoint" event names the POST URL for that session.
type SSEHandler struct {
	Server      *Server
	MessagePath string

	mu       sync.Mutex
	sessions map[string]chan []byte
}

func NewSSEHandler(s *Server, messagePath string) *SSEHandler {
	return &SSEHandler{Server: s, MessagePath: messagePath, sessions: make(map[string]chan []byte)}
}

// Sessions returns the number of open event streams.
func (h *SSEHandler) Sessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

func (h *SSEHandler) HandleSSE(w http.ResponseWriter, r *http.Request) {
	sess, err := sse.Upgrade(w, r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	id := uuid.NewString()
	ch := make(chan []byte, 16)
	h.mu.Lock()
	h.sessions[id] = ch
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.sessions, id)
		h.mu.Unlock()
	}()

	ep := sse.Message{Type: sse.Type("endpoint")}
	ep.AppendData(h.MessagePath + "?session_id=" + id)
	if err := sess.Send(&ep); err != nil {
		return
	}
	if err := sess.Flush(); err != nil {
		return
	}
	for {
		select {
		case <-r.Context().Done():
			return
		case b := <-ch:
			m := sse.Message{Type: sse.Type("message")}
			m.AppendData(string(b))
			if err := sess.Send(&m); err != nil {
				return
			}
			if err := sess.Flush(); err != nil {
				return
			}
		}
	}
}

func (h *SSEHandler) HandleMessage(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	ch, ok := h.sessions[r.URL.Query().Get("session_id")]
	h.mu.Unlock()
	if !ok {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	var msg jsonrpc.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusAccepted)
	if resp := h.Server.Handle(&msg); resp != nil {
		b, _ := json.Marshal(resp)
		ch <- b
	}
}

// Mux mounts the SSE stream at /sse and messages at MessagePath.
func (h *SSEHandler) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/sse", h.HandleSSE)
	mux.HandleFunc(h.MessagePath, h.HandleMessage)
	return mux
}
