package store

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/cisco-open/pymultiworld/errors"
	"github.com/cisco-open/pymultiworld/transport"
)

// clientRPCRate bounds how often a single WSClient will hit the rendezvous
// server: InitProcessGroup's readiness poll and the watchdog's heartbeat
// publish both hit the store on a short ticker, and a slow or restarting
// store shouldn't be hit by an unbounded burst of requests from one client.
const (
	clientRPCRate  = 200 // requests/sec
	clientRPCBurst = 20
)

// wsRequest/wsResponse are the JSON frames exchanged between WSClient and
// WSStore. The protocol is deliberately tiny: one request, one response,
// strictly request-response — unlike sync/peer.go's symmetric reconciliation,
// a rendezvous store has a clear client and server.
type wsRequest struct {
	Op    string `json:"op"` // "get", "set", or "add"
	Key   string `json:"key"`
	Value []byte `json:"value,omitempty"`
	Delta int64  `json:"delta,omitempty"`
}

type wsResponse struct {
	Value []byte `json:"value,omitempty"`
	Count int64  `json:"count,omitempty"`
	Error string `json:"error,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WSStore is the server side of a networked RendezvousStore: one process
// (conventionally rank 0, or a dedicated rendezvous host) serves it over a
// plain HTTP server upgraded to a WebSocket per connecting client.
type WSStore struct {
	mu     sync.Mutex
	values map[string][]byte
	counts map[string]int64
}

// NewWSStore constructs an empty WSStore.
func NewWSStore() *WSStore {
	return &WSStore{
		values: make(map[string][]byte),
		counts: make(map[string]int64),
	}
}

// ServeHTTP upgrades the connection and services requests until the client
// disconnects. Mirrors the accept side of server/sync_handler.go's
// HandleSyncWebSocket.
func (s *WSStore) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	for {
		var req wsRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		resp := s.handle(req)
		if err := conn.WriteJSON(resp); err != nil {
			return
		}
	}
}

func (s *WSStore) handle(req wsRequest) wsResponse {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch req.Op {
	case "get":
		v, ok := s.values[req.Key]
		if !ok {
			return wsResponse{Error: "not found"}
		}
		return wsResponse{Value: append([]byte(nil), v...)}
	case "set":
		s.values[req.Key] = append([]byte(nil), req.Value...)
		return wsResponse{}
	case "add":
		s.counts[req.Key] += req.Delta
		return wsResponse{Count: s.counts[req.Key]}
	default:
		return wsResponse{Error: "unknown op " + req.Op}
	}
}

// WSClient is a networked RendezvousStore client, dialing a WSStore once and
// serializing requests over the single connection.
type WSClient struct {
	mu         sync.Mutex
	conn       *websocket.Conn
	rpcTimeout time.Duration
	limiter    *rate.Limiter
}

// DialWSClient connects to a WSStore at url (e.g. "ws://host:port/rendezvous").
func DialWSClient(ctx context.Context, url string, dialTimeout, rpcTimeout time.Duration) (*WSClient, error) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	dialer := websocket.Dialer{}
	conn, _, err := dialer.DialContext(dialCtx, url, nil)
	if err != nil {
		return nil, errors.StoreErrorf("", err, "failed to dial rendezvous store at %s", url)
	}
	return &WSClient{
		conn:       conn,
		rpcTimeout: rpcTimeout,
		limiter:    rate.NewLimiter(rate.Limit(clientRPCRate), clientRPCBurst),
	}, nil
}

func (c *WSClient) call(ctx context.Context, req wsRequest) (wsResponse, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return wsResponse{}, errors.StoreErrorf("", err, "rate limiter wait failed")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.rpcTimeout)
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return wsResponse{}, errors.StoreErrorf("", err, "failed to set write deadline")
	}
	if err := c.conn.WriteJSON(req); err != nil {
		return wsResponse{}, errors.StoreErrorf("", err, "rendezvous request failed")
	}
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return wsResponse{}, errors.StoreErrorf("", err, "failed to set read deadline")
	}
	var resp wsResponse
	if err := c.conn.ReadJSON(&resp); err != nil {
		return wsResponse{}, errors.StoreErrorf("", err, "rendezvous response failed")
	}
	return resp, nil
}

func (c *WSClient) Get(ctx context.Context, key string) ([]byte, error) {
	resp, err := c.call(ctx, wsRequest{Op: "get", Key: key})
	if err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, errors.NotFound(key)
	}
	return resp.Value, nil
}

func (c *WSClient) Set(ctx context.Context, key string, value []byte) error {
	resp, err := c.call(ctx, wsRequest{Op: "set", Key: key, Value: value})
	if err != nil {
		return err
	}
	if resp.Error != "" {
		return errors.StoreErrorf(key, nil, resp.Error)
	}
	return nil
}

func (c *WSClient) Add(ctx context.Context, key string, delta int64) (int64, error) {
	resp, err := c.call(ctx, wsRequest{Op: "add", Key: key, Delta: delta})
	if err != nil {
		return 0, err
	}
	return resp.Count, nil
}

func (c *WSClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Close()
}

var _ transport.RendezvousStore = (*WSClient)(nil)
