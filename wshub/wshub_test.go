// Copyright 2022 Drone.IO Inc. All rights reserved.
// Use of this source code is governed by the Polyform License
// that can be found in the LICENSE file.

package wshub

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scottyapp/scotty/api"
	"github.com/scottyapp/scotty/identity"
)

var upgrader = websocket.Upgrader{}

func newTestServer(h *Hub) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		h.Serve(conn)
	}))
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn
}

func TestServeAuthenticatesThenDispatches(t *testing.T) {
	validator := identity.NewBearerValidator(map[string]identity.User{"good-token": {ID: "alice"}})
	hub := New(validator, nil)

	var received api.Envelope
	hub.OnMessage(func(c *Client, msg api.Envelope) { received = msg })

	srv := newTestServer(hub)
	defer srv.Close()

	conn := dial(t, srv)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(api.Envelope{Type: api.MsgAuthenticate, Payload: api.AuthenticatePayload{Token: "good-token"}}))

	var resp api.Envelope
	require.NoError(t, conn.ReadJSON(&resp))
	assert.Equal(t, api.MsgAuthenticationSuccess, resp.Type)

	require.NoError(t, conn.WriteJSON(api.Envelope{Type: api.MessageType("ping-test")}))
	waitFor(t, func() bool { return received.Type == api.MessageType("ping-test") })
}

func TestServeRejectsBadToken(t *testing.T) {
	validator := identity.NewBearerValidator(map[string]identity.User{"good-token": {ID: "alice"}})
	hub := New(validator, nil)

	srv := newTestServer(hub)
	defer srv.Close()

	conn := dial(t, srv)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(api.Envelope{Type: api.MsgAuthenticate, Payload: api.AuthenticatePayload{Token: "wrong"}}))

	var resp api.Envelope
	require.NoError(t, conn.ReadJSON(&resp))
	assert.Equal(t, api.MsgAuthenticationFailed, resp.Type)
}

func TestDisconnectInvokesEveryRegisteredCleanup(t *testing.T) {
	validator := identity.NewBearerValidator(map[string]identity.User{"good-token": {ID: "alice"}})
	hub := New(validator, nil)

	var mu sync.Mutex
	var firstCleanupID, secondCleanupID string
	hub.OnDisconnect(func(clientID string) {
		mu.Lock()
		firstCleanupID = clientID
		mu.Unlock()
	})
	hub.OnDisconnect(func(clientID string) {
		mu.Lock()
		secondCleanupID = clientID
		mu.Unlock()
	})

	srv := newTestServer(hub)
	defer srv.Close()

	conn := dial(t, srv)
	require.NoError(t, conn.WriteJSON(api.Envelope{Type: api.MsgAuthenticate, Payload: api.AuthenticatePayload{Token: "good-token"}}))
	var resp api.Envelope
	require.NoError(t, conn.ReadJSON(&resp))
	require.Equal(t, api.MsgAuthenticationSuccess, resp.Type)

	waitFor(t, func() bool { return hub.ClientCount() == 1 })

	conn.Close()

	waitFor(t, func() bool { return hub.ClientCount() == 0 })
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return firstCleanupID != "" && secondCleanupID != ""
	})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, firstCleanupID, secondCleanupID, "both cleanups must receive the same disconnecting client id")
}

func TestClientLookupOnlyReturnsAuthenticatedClients(t *testing.T) {
	validator := identity.NewBearerValidator(map[string]identity.User{"good-token": {ID: "alice"}})
	hub := New(validator, nil)

	srv := newTestServer(hub)
	defer srv.Close()

	conn := dial(t, srv)
	defer conn.Close()

	waitFor(t, func() bool { return hub.ClientCount() == 1 })

	var id string
	hub.mu.RLock()
	for cid := range hub.clients {
		id = cid
	}
	hub.mu.RUnlock()

	_, ok := hub.Client(id)
	assert.False(t, ok, "an unauthenticated client must not be returned")

	require.NoError(t, conn.WriteJSON(api.Envelope{Type: api.MsgAuthenticate, Payload: api.AuthenticatePayload{Token: "good-token"}}))
	var resp api.Envelope
	require.NoError(t, conn.ReadJSON(&resp))
	require.Equal(t, api.MsgAuthenticationSuccess, resp.Type)

	got, ok := hub.Client(id)
	assert.True(t, ok)
	assert.Equal(t, id, got.ID)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
