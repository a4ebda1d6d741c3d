// Copyright 2022 Drone.IO Inc. All rights reserved.
// Use of this source code is governed by the Polyform License
// that can be found in the LICENSE file.

// Package wshub implements the WebSocket Hub (L10): one connection per
// client, an auth handshake gating every other message, a bounded
// outbound channel per client, and disconnect-driven cleanup of every
// stream/session the client owned. Streams and sessions are referenced
// by client id, never by pointer, so cleanup is index-driven rather
// than graph-driven.
package wshub

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/gofrs/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/scottyapp/scotty/api"
	"github.com/scottyapp/scotty/identity"
	"github.com/scottyapp/scotty/metrics"
)

// connState is the per-connection state machine: Opened ->
// AwaitingAuth -> Authenticated -> Closed.
type connState int

const (
	awaitingAuth connState = iota
	authenticated
	closed
)

const outboundBufferSize = 1000

// CleanupFunc is called with a client id when that client disconnects;
// each owning service (log streaming, shell) registers one to tear
// down everything it owns for that client.
type CleanupFunc func(clientID string)

// Client is one connected, possibly-authenticated WebSocket peer.
type Client struct {
	ID    string
	User  identity.User
	conn  *websocket.Conn
	out   chan api.Envelope
	state connState
	mu    sync.Mutex
}

func (c *Client) Send(msg api.Envelope) {
	select {
	case c.out <- msg:
	default:
		logrus.WithField("client", c.ID).Warnln("outbound channel full, dropping message")
	}
}

func (c *Client) setState(s connState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Client) getState() connState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Hub tracks every connected client and the cleanup callbacks invoked
// on disconnect.
type Hub struct {
	mu        sync.RWMutex
	clients   map[string]*Client
	validator identity.Validator
	cleanups  []CleanupFunc
	metrics   metrics.Sink

	dispatch func(client *Client, msg api.Envelope)
}

func New(validator identity.Validator, sink metrics.Sink) *Hub {
	if sink == nil {
		sink = metrics.NopSink{}
	}
	return &Hub{
		clients:   make(map[string]*Client),
		validator: validator,
		metrics:   sink,
	}
}

// OnDisconnect registers a cleanup callback invoked for every
// disconnecting client. Called once per owning service at startup.
func (h *Hub) OnDisconnect(fn CleanupFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cleanups = append(h.cleanups, fn)
}

// OnMessage sets the post-auth message router. Exactly one is
// expected; the server wires it once at startup to the handler that
// demuxes StartLogStream/StartTaskOutputStream/shell frames.
func (h *Hub) OnMessage(fn func(client *Client, msg api.Envelope)) {
	h.dispatch = fn
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Client looks up a connected, authenticated client by id, used by the
// REST endpoints that hang a log stream or shell session off an
// already-open WebSocket connection.
func (h *Hub) Client(id string) (*Client, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[id]
	if !ok || c.getState() != authenticated {
		return nil, false
	}
	return c, true
}

// Serve drives one connection end to end: accept, require auth,
// demux, cleanup. It blocks until the connection closes.
func (h *Hub) Serve(conn *websocket.Conn) {
	id := uuid.Must(uuid.NewV4()).String()
	client := &Client{
		ID:    id,
		conn:  conn,
		out:   make(chan api.Envelope, outboundBufferSize),
		state: awaitingAuth,
	}

	h.mu.Lock()
	h.clients[id] = client
	h.mu.Unlock()
	h.metrics.WSConnections(1)

	writerDone := make(chan struct{})
	go h.writeLoop(client, writerDone)

	h.readLoop(client)

	close(client.out)
	<-writerDone

	h.mu.Lock()
	delete(h.clients, id)
	h.mu.Unlock()
	h.metrics.WSConnections(-1)

	for _, fn := range h.cleanups {
		fn(id)
	}
}

func (h *Hub) writeLoop(c *Client, done chan struct{}) {
	defer close(done)
	for msg := range c.out {
		if err := c.conn.WriteJSON(msg); err != nil {
			logrus.WithField("client", c.ID).WithError(err).Debugln("write failed, closing")
			return
		}
	}
}

func (h *Hub) readLoop(c *Client) {
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var env api.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.Send(api.Envelope{Type: api.MsgError, Payload: "malformed frame"})
			return
		}

		if c.getState() != authenticated {
			if env.Type != api.MsgAuthenticate {
				c.Send(api.Envelope{Type: api.MsgError, Payload: "authentication required"})
				return
			}
			h.handleAuth(c, env)
			if c.getState() != authenticated {
				return
			}
			continue
		}

		if env.Type == api.MsgPing {
			c.Send(api.Envelope{Type: api.MsgPong})
			continue
		}

		if h.dispatch != nil {
			h.dispatch(c, env)
		}
	}
}

func (h *Hub) handleAuth(c *Client, env api.Envelope) {
	payload, _ := json.Marshal(env.Payload)
	var auth api.AuthenticatePayload
	_ = json.Unmarshal(payload, &auth)

	user, err := h.validator.Validate(context.Background(), auth.Token)
	if err != nil {
		c.Send(api.Envelope{Type: api.MsgAuthenticationFailed, Payload: api.AuthenticationFailedPayload{Reason: err.Error()}})
		c.setState(closed)
		return
	}

	c.User = user
	c.setState(authenticated)
	c.Send(api.Envelope{Type: api.MsgAuthenticationSuccess})
}
