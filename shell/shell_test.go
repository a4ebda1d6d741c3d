// Copyright 2022 Drone.IO Inc. All rights reserved.
// Use of this source code is governed by the Polyform License
// that can be found in the LICENSE file.

package shell

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSessionIsExpired(t *testing.T) {
	sess := &Session{CreatedAt: time.Now().Add(-2 * time.Hour)}
	assert.True(t, sess.IsExpired(time.Hour))
	assert.False(t, sess.IsExpired(3*time.Hour))
}

func TestServiceTerminateUnknownSession(t *testing.T) {
	svc := New(nil, DefaultSettings())
	err := svc.TerminateSession("missing")
	assert.Error(t, err)
}

func TestServiceSendInputUnknownSession(t *testing.T) {
	svc := New(nil, DefaultSettings())
	err := svc.SendInput("missing", "ls\n")
	assert.Error(t, err)
}

func TestServiceActiveSessionsEmpty(t *testing.T) {
	svc := New(nil, DefaultSettings())
	assert.Empty(t, svc.ActiveSessions())
}
