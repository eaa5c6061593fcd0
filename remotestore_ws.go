package habitkit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketRemoteStoreConfig configures the WebSocket document store
// client.
type WebSocketRemoteStoreConfig struct {
	// URL is the ws:// or wss:// endpoint of the document server.
	URL string

	// HandshakeTimeout bounds the initial dial. Default: 10s.
	HandshakeTimeout time.Duration

	// WriteTimeout bounds a single frame write. Default: 10s.
	WriteTimeout time.Duration

	// PingInterval is how often keepalive pings are sent. Default: 30s.
	PingInterval time.Duration
}

// DefaultWebSocketRemoteStoreConfig returns sensible defaults.
func DefaultWebSocketRemoteStoreConfig(url string) WebSocketRemoteStoreConfig {
	return WebSocketRemoteStoreConfig{
		URL:              url,
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
		PingInterval:     30 * time.Second,
	}
}

// wsRequest is one client frame: a request/response id, an action, and the
// action's arguments.
type wsRequest struct {
	ID         int64       `json:"id"`
	Action     string      `json:"action"`
	Collection string      `json:"collection,omitempty"`
	DocID      string      `json:"docId,omitempty"`
	Payload    Document    `json:"payload,omitempty"`
	Predicates []Predicate `json:"predicates,omitempty"`
	OrderBy    *OrderBy    `json:"orderBy,omitempty"`
	Limit      int         `json:"limit,omitempty"`
	Ops        []wsBatchOp `json:"ops,omitempty"`
}

type wsBatchOp struct {
	Kind       string   `json:"kind"` // "set" or "update"
	Collection string   `json:"collection"`
	DocID      string   `json:"docId"`
	Payload    Document `json:"payload"`
}

// wsResponse is one server frame: either a reply to a request id or a
// pushed subscription event (id 0).
type wsResponse struct {
	ID        int64      `json:"id"`
	Code      string     `json:"code,omitempty"` // "", "not_found", "rejected", "unavailable"
	Error     string     `json:"error,omitempty"`
	Document  Document   `json:"document,omitempty"`
	Documents []Document `json:"documents,omitempty"`
	Event     *wsEvent   `json:"event,omitempty"`
}

type wsEvent struct {
	Collection string   `json:"collection"`
	DocID      string   `json:"docId"`
	Document   Document `json:"document"`
}

// WebSocketRemoteStore implements RemoteStore over a persistent WebSocket
// connection speaking JSON frames. Connection loss fails in-flight calls
// with a retryable error, so the sync layer degrades to its local fallback
// and queues writes exactly as it does for any other transient failure.
type WebSocketRemoteStore struct {
	config WebSocketRemoteStoreConfig
	conn   *websocket.Conn

	// writeMu serializes frame writes; gorilla connections allow one
	// concurrent writer.
	writeMu sync.Mutex

	pending map[int64]chan wsResponse
	subs    map[string]map[int]func(Document)
	nextID  int64
	nextSub int
	mu      sync.Mutex

	done   chan struct{}
	closed bool
}

// DialWebSocketRemoteStore connects to a document server.
func DialWebSocketRemoteStore(ctx context.Context, config WebSocketRemoteStoreConfig) (*WebSocketRemoteStore, error) {
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = 10 * time.Second
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 10 * time.Second
	}
	if config.PingInterval <= 0 {
		config.PingInterval = 30 * time.Second
	}

	dialer := websocket.Dialer{HandshakeTimeout: config.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, config.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrRemoteUnavailable, config.URL, err)
	}

	ws := &WebSocketRemoteStore{
		config:  config,
		conn:    conn,
		pending: make(map[int64]chan wsResponse),
		subs:    make(map[string]map[int]func(Document)),
		done:    make(chan struct{}),
	}
	go ws.readLoop()
	go ws.pingLoop()
	return ws, nil
}

func (ws *WebSocketRemoteStore) readLoop() {
	for {
		var resp wsResponse
		if err := ws.conn.ReadJSON(&resp); err != nil {
			ws.failAll(err)
			return
		}

		if resp.Event != nil {
			ws.dispatchEvent(resp.Event)
			continue
		}

		ws.mu.Lock()
		ch, ok := ws.pending[resp.ID]
		if ok {
			delete(ws.pending, resp.ID)
		}
		ws.mu.Unlock()
		if ok {
			ch <- resp
		}
	}
}

func (ws *WebSocketRemoteStore) pingLoop() {
	ticker := time.NewTicker(ws.config.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ws.done:
			return
		case <-ticker.C:
			ws.writeMu.Lock()
			_ = ws.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(ws.config.WriteTimeout))
			ws.writeMu.Unlock()
		}
	}
}

// failAll terminates every in-flight call after a connection failure.
func (ws *WebSocketRemoteStore) failAll(cause error) {
	ws.mu.Lock()
	pending := ws.pending
	ws.pending = make(map[int64]chan wsResponse)
	alreadyClosed := ws.closed
	ws.mu.Unlock()

	msg := "connection lost"
	if cause != nil {
		msg = cause.Error()
	}
	for _, ch := range pending {
		ch <- wsResponse{Code: "unavailable", Error: msg}
	}
	if !alreadyClosed {
		select {
		case <-ws.done:
		default:
			close(ws.done)
		}
	}
}

func (ws *WebSocketRemoteStore) dispatchEvent(ev *wsEvent) {
	key := ev.Collection + "/" + ev.DocID
	ws.mu.Lock()
	fns := make([]func(Document), 0, len(ws.subs[key]))
	for _, fn := range ws.subs[key] {
		fns = append(fns, fn)
	}
	ws.mu.Unlock()

	for _, fn := range fns {
		fn(ev.Document.Clone())
	}
}

// call sends a request frame and waits for its reply.
func (ws *WebSocketRemoteStore) call(ctx context.Context, req wsRequest) (wsResponse, error) {
	ws.mu.Lock()
	if ws.closed {
		ws.mu.Unlock()
		return wsResponse{}, fmt.Errorf("%w: connection closed", ErrRemoteUnavailable)
	}
	ws.nextID++
	req.ID = ws.nextID
	ch := make(chan wsResponse, 1)
	ws.pending[req.ID] = ch
	ws.mu.Unlock()

	ws.writeMu.Lock()
	_ = ws.conn.SetWriteDeadline(time.Now().Add(ws.config.WriteTimeout))
	err := ws.conn.WriteJSON(req)
	ws.writeMu.Unlock()
	if err != nil {
		ws.mu.Lock()
		delete(ws.pending, req.ID)
		ws.mu.Unlock()
		return wsResponse{}, fmt.Errorf("%w: write: %v", ErrRemoteUnavailable, err)
	}

	select {
	case <-ctx.Done():
		ws.mu.Lock()
		delete(ws.pending, req.ID)
		ws.mu.Unlock()
		return wsResponse{}, ctx.Err()
	case <-ws.done:
		return wsResponse{}, fmt.Errorf("%w: connection closed", ErrRemoteUnavailable)
	case resp := <-ch:
		return resp, respError(resp)
	}
}

// respError maps a server error code to the client error taxonomy.
func respError(resp wsResponse) error {
	switch resp.Code {
	case "":
		return nil
	case "not_found":
		return ErrDocumentNotFound
	case "rejected":
		return fmt.Errorf("%w: %s", ErrRemoteRejected, resp.Error)
	default:
		return fmt.Errorf("%w: %s", ErrRemoteUnavailable, resp.Error)
	}
}

// encodeWirePayload rewrites sentinel values into their JSON wire form:
// Increment(n) becomes {"$inc": n} and ServerTimestamp becomes
// {"$serverTime": true}; the server resolves them at commit time.
func encodeWirePayload(payload Document) Document {
	if payload == nil {
		return nil
	}
	out := make(Document, len(payload))
	for k, v := range payload {
		switch vv := v.(type) {
		case Increment:
			out[k] = map[string]any{"$inc": int64(vv)}
		case ServerTimestamp:
			out[k] = map[string]any{"$serverTime": true}
		default:
			out[k] = v
		}
	}
	return out
}

func (ws *WebSocketRemoteStore) GetDocument(ctx context.Context, collection, id string) (Document, error) {
	resp, err := ws.call(ctx, wsRequest{Action: "get", Collection: collection, DocID: id})
	if err != nil {
		return nil, err
	}
	return resp.Document, nil
}

func (ws *WebSocketRemoteStore) SetDocument(ctx context.Context, collection, id string, payload Document) error {
	_, err := ws.call(ctx, wsRequest{
		Action:     "set",
		Collection: collection,
		DocID:      id,
		Payload:    encodeWirePayload(payload),
	})
	return err
}

func (ws *WebSocketRemoteStore) UpdateDocument(ctx context.Context, collection, id string, partial Document) error {
	_, err := ws.call(ctx, wsRequest{
		Action:     "update",
		Collection: collection,
		DocID:      id,
		Payload:    encodeWirePayload(partial),
	})
	return err
}

func (ws *WebSocketRemoteStore) QueryDocuments(ctx context.Context, collection string, predicates []Predicate, order *OrderBy, limit int) ([]Document, error) {
	resp, err := ws.call(ctx, wsRequest{
		Action:     "query",
		Collection: collection,
		Predicates: predicates,
		OrderBy:    order,
		Limit:      limit,
	})
	if err != nil {
		return nil, err
	}
	return resp.Documents, nil
}

func (ws *WebSocketRemoteStore) BatchCommit(ctx context.Context, ops []BatchOp) error {
	wireOps := make([]wsBatchOp, len(ops))
	for i, op := range ops {
		kind := "set"
		if op.Kind == BatchUpdate {
			kind = "update"
		}
		wireOps[i] = wsBatchOp{
			Kind:       kind,
			Collection: op.Collection,
			DocID:      op.ID,
			Payload:    encodeWirePayload(op.Payload),
		}
	}
	_, err := ws.call(ctx, wsRequest{Action: "batch", Ops: wireOps})
	return err
}

func (ws *WebSocketRemoteStore) Subscribe(collection, id string, onChange func(Document)) (func(), error) {
	ctx, cancel := context.WithTimeout(context.Background(), ws.config.WriteTimeout)
	defer cancel()

	key := collection + "/" + id

	ws.mu.Lock()
	firstForDoc := len(ws.subs[key]) == 0
	if ws.subs[key] == nil {
		ws.subs[key] = make(map[int]func(Document))
	}
	ws.nextSub++
	subID := ws.nextSub
	ws.subs[key][subID] = onChange
	ws.mu.Unlock()

	// The server tracks one subscription per document per connection.
	if firstForDoc {
		if _, err := ws.call(ctx, wsRequest{Action: "subscribe", Collection: collection, DocID: id}); err != nil {
			ws.mu.Lock()
			delete(ws.subs[key], subID)
			ws.mu.Unlock()
			return nil, err
		}
	}

	return func() {
		ws.mu.Lock()
		delete(ws.subs[key], subID)
		lastForDoc := len(ws.subs[key]) == 0
		ws.mu.Unlock()

		if lastForDoc {
			unsubCtx, cancel := context.WithTimeout(context.Background(), ws.config.WriteTimeout)
			defer cancel()
			_, _ = ws.call(unsubCtx, wsRequest{Action: "unsubscribe", Collection: collection, DocID: id})
		}
	}, nil
}

func (ws *WebSocketRemoteStore) Close() error {
	ws.mu.Lock()
	if ws.closed {
		ws.mu.Unlock()
		return nil
	}
	ws.closed = true
	ws.mu.Unlock()

	select {
	case <-ws.done:
	default:
		close(ws.done)
	}
	return ws.conn.Close()
}
