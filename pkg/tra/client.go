// Package tra implements the client side of the Traffic Routing Assistant:
// an external key-value oracle mapping opaque affinity tokens to upstream
// endpoint addresses. Requests are asynchronous; responses are delivered on
// the worker that issued the request. The transport is newline-delimited
// JSON over one persistent TCP connection.
package tra

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"mercator-hq/saturn/pkg/config"
	"mercator-hq/saturn/pkg/dispatch"
)

// ResponseType identifies which request kind a response answers.
type ResponseType int

// Response kinds, one per request kind plus the subscription stream.
const (
	CreateResp ResponseType = iota
	UpdateResp
	RetrieveResp
	DeleteResp
	SubscribeResp
)

// String returns the response kind name.
func (t ResponseType) String() string {
	switch t {
	case CreateResp:
		return "create"
	case UpdateResp:
		return "update"
	case RetrieveResp:
		return "retrieve"
	case DeleteResp:
		return "delete"
	case SubscribeResp:
		return "subscribe"
	}
	return "unknown"
}

// RequestCallbacks receives TRA responses on the worker that issued the
// request. A transport failure is delivered as a response with an empty
// value map: affinity falls through to load balancing and never fails the
// request by itself.
type RequestCallbacks interface {
	OnTRAComplete(respType ResponseType, values map[string]string)
}

// wireMessage is one request or response frame.
type wireMessage struct {
	ID     uint64            `json:"id"`
	Op     string            `json:"op"`
	Type   string            `json:"type,omitempty"`
	Key    string            `json:"key,omitempty"`
	Values map[string]string `json:"values,omitempty"`
}

var opResponse = map[string]ResponseType{
	"create":    CreateResp,
	"update":    UpdateResp,
	"retrieve":  RetrieveResp,
	"delete":    DeleteResp,
	"subscribe": SubscribeResp,
}

type pendingRequest struct {
	respType ResponseType
	worker   *dispatch.Worker
	cbs      RequestCallbacks
	timer    *time.Timer
}

type subscription struct {
	worker *dispatch.Worker
	cbs    RequestCallbacks
}

// Client is the TRA client. Safe for use from every worker; response
// delivery is serialized onto each request's issuing worker.
type Client struct {
	address string
	timeout time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	conn    net.Conn
	writer  *bufio.Writer
	nextID  uint64
	pending map[uint64]*pendingRequest
	subs    []*subscription
	closed  bool
}

// NewClient creates a client for the configured TRA service. No connection
// is made until the first request.
func NewClient(cfg config.TRAConfig) *Client {
	return &Client{
		address: cfg.Address,
		timeout: cfg.Timeout,
		logger:  slog.Default().With("component", "tra.client"),
		pending: map[uint64]*pendingRequest{},
	}
}

// Enabled reports whether a TRA endpoint is configured.
func (c *Client) Enabled() bool { return c.address != "" }

// Create stores key→value pairs.
func (c *Client) Create(keyType string, values map[string]string, worker *dispatch.Worker, cbs RequestCallbacks) {
	c.send(wireMessage{Op: "create", Type: keyType, Values: values}, worker, cbs)
}

// Update overwrites key→value pairs.
func (c *Client) Update(keyType string, values map[string]string, worker *dispatch.Worker, cbs RequestCallbacks) {
	c.send(wireMessage{Op: "update", Type: keyType, Values: values}, worker, cbs)
}

// Retrieve looks one key up. The response's value map carries key→host.
func (c *Client) Retrieve(keyType, key string, worker *dispatch.Worker, cbs RequestCallbacks) {
	c.send(wireMessage{Op: "retrieve", Type: keyType, Key: key}, worker, cbs)
}

// Delete removes a key.
func (c *Client) Delete(keyType, key string, worker *dispatch.Worker, cbs RequestCallbacks) {
	c.send(wireMessage{Op: "delete", Type: keyType, Key: key}, worker, cbs)
}

// Subscribe opens the update stream for a key type. Every pushed batch is
// delivered as a SubscribeResp on the subscriber's worker, in arrival
// order.
func (c *Client) Subscribe(keyType string, worker *dispatch.Worker, cbs RequestCallbacks) {
	c.mu.Lock()
	c.subs = append(c.subs, &subscription{worker: worker, cbs: cbs})
	c.mu.Unlock()
	c.send(wireMessage{Op: "subscribe", Type: keyType}, worker, nil)
}

// send assigns an id, registers the pending entry and writes the frame. Any
// failure is delivered as an empty response.
func (c *Client) send(msg wireMessage, worker *dispatch.Worker, cbs RequestCallbacks) {
	respType := opResponse[msg.Op]

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		deliver(worker, cbs, respType, nil)
		return
	}
	if err := c.ensureConnLocked(); err != nil {
		c.mu.Unlock()
		c.logger.Warn("tra unavailable", "error", err)
		deliver(worker, cbs, respType, nil)
		return
	}

	c.nextID++
	msg.ID = c.nextID

	var pr *pendingRequest
	if cbs != nil {
		pr = &pendingRequest{respType: respType, worker: worker, cbs: cbs}
		if c.timeout > 0 {
			id := msg.ID
			pr.timer = time.AfterFunc(c.timeout, func() { c.expire(id) })
		}
		c.pending[msg.ID] = pr
	}

	data, err := json.Marshal(msg)
	if err == nil {
		_, err = c.writer.Write(append(data, '\n'))
		if err == nil {
			err = c.writer.Flush()
		}
	}
	if err != nil {
		if pr != nil {
			delete(c.pending, msg.ID)
			if pr.timer != nil {
				pr.timer.Stop()
			}
		}
		c.dropConnLocked()
		c.mu.Unlock()
		c.logger.Warn("tra request failed", "op", msg.Op, "error", err)
		deliver(worker, cbs, respType, nil)
		return
	}
	c.mu.Unlock()
}

// ensureConnLocked dials and starts the reader if needed.
func (c *Client) ensureConnLocked() error {
	if c.conn != nil {
		return nil
	}
	if c.address == "" {
		return fmt.Errorf("no tra address configured")
	}
	conn, err := net.DialTimeout("tcp", c.address, c.timeout)
	if err != nil {
		return fmt.Errorf("failed to connect tra service %q: %w", c.address, err)
	}
	c.conn = conn
	c.writer = bufio.NewWriter(conn)
	go c.readLoop(conn)
	return nil
}

// readLoop delivers responses until the connection dies.
func (c *Client) readLoop(conn net.Conn) {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var msg wireMessage
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			c.logger.Warn("bad tra frame", "error", err)
			continue
		}
		c.dispatchResponse(&msg)
	}

	// Flush every pending request as an affinity miss.
	c.mu.Lock()
	if c.conn == conn {
		c.dropConnLocked()
	}
	orphans := c.pending
	c.pending = map[uint64]*pendingRequest{}
	c.mu.Unlock()
	for _, pr := range orphans {
		if pr.timer != nil {
			pr.timer.Stop()
		}
		deliver(pr.worker, pr.cbs, pr.respType, nil)
	}
}

func (c *Client) dispatchResponse(msg *wireMessage) {
	respType, ok := opResponse[msg.Op]
	if !ok {
		c.logger.Warn("unknown tra op", "op", msg.Op)
		return
	}

	if respType == SubscribeResp {
		c.mu.Lock()
		subs := make([]*subscription, len(c.subs))
		copy(subs, c.subs)
		c.mu.Unlock()
		for _, sub := range subs {
			deliver(sub.worker, sub.cbs, SubscribeResp, msg.Values)
		}
		return
	}

	c.mu.Lock()
	pr, ok := c.pending[msg.ID]
	if ok {
		delete(c.pending, msg.ID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	if pr.timer != nil {
		pr.timer.Stop()
	}
	deliver(pr.worker, pr.cbs, pr.respType, msg.Values)
}

// expire times one request out, delivering an empty response.
func (c *Client) expire(id uint64) {
	c.mu.Lock()
	pr, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	c.logger.Warn("tra request timed out", "id", id)
	deliver(pr.worker, pr.cbs, pr.respType, nil)
}

func (c *Client) dropConnLocked() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
		c.writer = nil
	}
}

// CloseStream closes the connection and the subscription stream.
// Idempotent; called from every ConnectionManager teardown.
func (c *Client) CloseStream() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.subs = nil
	c.dropConnLocked()
}

// deliver posts the completion to the issuing worker. Nil callbacks (e.g.
// fire-and-forget subscribe acks) are dropped.
func deliver(worker *dispatch.Worker, cbs RequestCallbacks, respType ResponseType, values map[string]string) {
	if cbs == nil {
		return
	}
	if values == nil {
		values = map[string]string{}
	}
	if worker == nil {
		cbs.OnTRAComplete(respType, values)
		return
	}
	worker.Post(func() { cbs.OnTRAComplete(respType, values) })
}
