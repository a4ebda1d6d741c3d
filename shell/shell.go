// Copyright 2022 Drone.IO Inc. All rights reserved.
// Use of this source code is governed by the Polyform License
// that can be found in the LICENSE file.

// Package shell implements the Shell Session Service (L12): an
// interactive Docker exec with an attached TTY, bridged over a
// WebSocket connection, bounded by a per-app and a global session
// quota and swept on a fixed TTL.
package shell

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/gofrs/uuid"
	"github.com/sirupsen/logrus"

	"github.com/scottyapp/scotty/api"
	"github.com/scottyapp/scotty/dockerclient"
	apperrors "github.com/scottyapp/scotty/errors"
	"github.com/scottyapp/scotty/wshub"
)

// Settings mirrors the knobs the original shell service exposes:
// default shell, session time-to-live, and the two quota ceilings.
type Settings struct {
	DefaultShell      string
	SessionTTL        time.Duration
	MaxSessionsPerApp int
	MaxSessionsGlobal int
}

func DefaultSettings() Settings {
	return Settings{
		DefaultShell:      "/bin/sh",
		SessionTTL:        time.Hour,
		MaxSessionsPerApp: 5,
		MaxSessionsGlobal: 100,
	}
}

// Session is one live exec attached to a container, bridged to one
// WebSocket client.
type Session struct {
	ID          string
	AppName     string
	ServiceName string
	ContainerID string
	ExecID      string
	ShellCmd    string
	CreatedAt   time.Time

	client *wshub.Client
	exec   *dockerclient.ExecSession
	cancel context.CancelFunc
}

func (s *Session) IsExpired(ttl time.Duration) bool {
	return time.Since(s.CreatedAt) > ttl
}

// Service owns every live session, enforcing the per-app and global
// quota at creation time and sweeping expired sessions periodically.
type Service struct {
	docker   *dockerclient.Client
	settings Settings

	mu       sync.Mutex
	sessions map[string]*Session
	byApp    map[string]int
	byClient map[string]map[string]bool
}

func New(docker *dockerclient.Client, settings Settings) *Service {
	return &Service{
		docker:   docker,
		settings: settings,
		sessions: make(map[string]*Session),
		byApp:    make(map[string]int),
		byClient: make(map[string]map[string]bool),
	}
}

// CreateSession starts an interactive exec in containerID and spawns
// the goroutine that bridges container output to the client; client
// input reaches the exec's stdin through SendInput. It enforces both
// quotas before creating anything Docker-side.
func (s *Service) CreateSession(ctx context.Context, client *wshub.Client, appName, serviceName, containerID, shellCmd string) (*Session, error) {
	if shellCmd == "" {
		shellCmd = s.settings.DefaultShell
	}

	s.mu.Lock()
	if s.settings.MaxSessionsGlobal > 0 && len(s.sessions) >= s.settings.MaxSessionsGlobal {
		s.mu.Unlock()
		return nil, apperrors.InvalidInput("maximum global shell sessions reached")
	}
	if s.settings.MaxSessionsPerApp > 0 && s.byApp[appName] >= s.settings.MaxSessionsPerApp {
		s.mu.Unlock()
		return nil, apperrors.InvalidInput("maximum shell sessions for app reached")
	}
	s.mu.Unlock()

	exec, err := s.docker.ExecWithTTY(ctx, containerID, shellCmd)
	if err != nil {
		return nil, err
	}

	sessCtx, cancel := context.WithCancel(context.Background())
	sess := &Session{
		ID:          uuid.Must(uuid.NewV4()).String(),
		AppName:     appName,
		ServiceName: serviceName,
		ContainerID: containerID,
		ExecID:      exec.ID,
		ShellCmd:    shellCmd,
		CreatedAt:   time.Now(),
		client:      client,
		exec:        exec,
		cancel:      cancel,
	}

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.byApp[appName]++
	if s.byClient[client.ID] == nil {
		s.byClient[client.ID] = make(map[string]bool)
	}
	s.byClient[client.ID][sess.ID] = true
	s.mu.Unlock()

	go s.bridgeOutput(sessCtx, sess)

	return sess, nil
}

func (s *Service) bridgeOutput(ctx context.Context, sess *Session) {
	buf := make([]byte, 4096)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		n, err := sess.exec.Conn.Reader.Read(buf)
		if n > 0 {
			sess.client.Send(api.Envelope{Type: api.MsgShellSessionData, Payload: api.ShellSessionDataPayload{
				SessionID: sess.ID,
				Kind:      "output",
				Output:    string(buf[:n]),
			}})
		}
		if err != nil {
			if err != io.EOF {
				logrus.WithField("session", sess.ID).WithError(err).Debugln("shell session output ended")
			}
			s.terminate(sess, "session ended")
			return
		}
	}
}

// SendInput writes client keystrokes into the exec's stdin.
func (s *Service) SendInput(sessionID, input string) error {
	sess, ok := s.get(sessionID)
	if !ok {
		return apperrors.NotFound("shell session not found: " + sessionID)
	}
	_, err := sess.exec.Conn.Conn.Write([]byte(input))
	if err != nil {
		return apperrors.Upstream("failed to write shell input", err)
	}
	return nil
}

// ResizeTTY propagates a client terminal resize to the Docker exec.
func (s *Service) ResizeTTY(ctx context.Context, sessionID string, height, width uint) error {
	sess, ok := s.get(sessionID)
	if !ok {
		return apperrors.NotFound("shell session not found: " + sessionID)
	}
	return s.docker.ResizeExecTTY(ctx, sess.ExecID, height, width)
}

// TerminateSession closes the underlying exec connection and removes
// bookkeeping; it is idempotent against repeated calls.
func (s *Service) TerminateSession(sessionID string) error {
	sess, ok := s.get(sessionID)
	if !ok {
		return apperrors.NotFound("shell session not found: " + sessionID)
	}
	s.terminate(sess, "terminated")
	return nil
}

func (s *Service) terminate(sess *Session, reason string) {
	s.mu.Lock()
	if _, ok := s.sessions[sess.ID]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.sessions, sess.ID)
	s.byApp[sess.AppName]--
	if s.byApp[sess.AppName] <= 0 {
		delete(s.byApp, sess.AppName)
	}
	if set := s.byClient[sess.client.ID]; set != nil {
		delete(set, sess.ID)
		if len(set) == 0 {
			delete(s.byClient, sess.client.ID)
		}
	}
	s.mu.Unlock()

	sess.cancel()
	sess.exec.Conn.Close()
	sess.client.Send(api.Envelope{Type: api.MsgShellSessionEnded, Payload: api.ShellSessionEndedPayload{SessionID: sess.ID, Reason: reason}})
}

func (s *Service) get(id string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// StopClientSessions terminates every session owned by clientID; the
// hub invokes this as a disconnect cleanup callback.
func (s *Service) StopClientSessions(clientID string) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.byClient[clientID]))
	for id := range s.byClient[clientID] {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		_ = s.TerminateSession(id)
	}
}

// SweepExpired terminates every session older than the configured
// TTL; callers run this on a fixed interval from a background
// goroutine.
func (s *Service) SweepExpired() {
	s.mu.Lock()
	expired := make([]*Session, 0)
	for _, sess := range s.sessions {
		if sess.IsExpired(s.settings.SessionTTL) {
			expired = append(expired, sess)
		}
	}
	s.mu.Unlock()

	for _, sess := range expired {
		s.terminate(sess, "session expired")
	}
}

// RunSweeper blocks, sweeping expired sessions every interval, until
// ctx is cancelled.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepExpired()
		}
	}
}

func (s *Service) ActiveSessions() []*Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}
