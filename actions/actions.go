// Copyright 2022 Drone.IO Inc. All rights reserved.
// Use of this source code is governed by the Polyform License
// that can be found in the LICENSE file.

// Package actions implements the custom action store (L8): per-app,
// operator-defined shell scripts with a pending/approved/rejected/
// revoked/expired approval lifecycle.
package actions

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/scottyapp/scotty/audit"
	apperrors "github.com/scottyapp/scotty/errors"
)

// Status is the closed set of lifecycle states a CustomAction can be
// in. Transitions: Pending -> {Approved, Rejected}; Approved ->
// {Revoked, Expired}. All other transitions are rejected.
type Status string

const (
	Pending  Status = "pending"
	Approved Status = "approved"
	Rejected Status = "rejected"
	Revoked  Status = "revoked"
	Expired  Status = "expired"
)

// Permission required to create/execute an action. Reuses the
// authorization engine's permission names so a single string compares
// cleanly across packages without an import cycle.
type Permission string

const (
	PermissionActionRead  Permission = "action_read"
	PermissionActionWrite Permission = "action_write"
)

// CustomAction is one operator-supplied per-app script set.
type CustomAction struct {
	Name         string              `json:"name"`
	Description  string              `json:"description"`
	Commands     map[string][]string `json:"commands"`
	Permission   Permission          `json:"permission"`
	CreatedBy    string              `json:"created_by"`
	CreatedAt    time.Time           `json:"created_at"`
	Status       Status              `json:"status"`
	ReviewedBy   string              `json:"reviewed_by,omitempty"`
	ReviewedAt   *time.Time          `json:"reviewed_at,omitempty"`
	ReviewComment string             `json:"review_comment,omitempty"`
	ExpiresAt    *time.Time          `json:"expires_at,omitempty"`
}

// New creates a pending action awaiting approval.
func New(name, description string, commands map[string][]string, perm Permission, createdBy string) *CustomAction {
	return &CustomAction{
		Name:        name,
		Description: description,
		Commands:    commands,
		Permission:  perm,
		CreatedBy:   createdBy,
		CreatedAt:   time.Now(),
		Status:      Pending,
	}
}

func (a *CustomAction) WithExpiration(at time.Time) *CustomAction {
	a.ExpiresAt = &at
	return a
}

// CanExecute is the point-of-execution re-check required by the
// orchestrator immediately before spawning: approval may have been
// revoked between the HTTP dispatch and the task actually running.
func (a *CustomAction) CanExecute() bool {
	if a.Status != Approved {
		return false
	}
	if a.ExpiresAt != nil && !time.Now().Before(*a.ExpiresAt) {
		return false
	}
	return true
}

func (a *CustomAction) CommandsFor(service string) []string {
	return a.Commands[service]
}

// Store is the per-app map of custom actions, keyed by name. auditLog
// is optional: a nil *audit.Store silently drops every Record call, so
// Store never branches on whether a durable audit trail is configured.
type Store struct {
	appName  string
	auditLog *audit.Store

	mu      sync.RWMutex
	actions map[string]*CustomAction
}

// NewStore creates an empty action store for appName. auditLog may be
// nil, which keeps the approval workflow in-memory only.
func NewStore(appName string, auditLog *audit.Store) *Store {
	return &Store{appName: appName, auditLog: auditLog, actions: make(map[string]*CustomAction)}
}

func (s *Store) Add(a *CustomAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.actions[a.Name]; ok {
		return apperrors.Conflict("custom action already exists: " + a.Name)
	}
	s.actions[a.Name] = a
	return nil
}

func (s *Store) Remove(name string) *CustomAction {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.actions[name]
	if !ok {
		return nil
	}
	delete(s.actions, name)
	return a
}

func (s *Store) Get(name string) (*CustomAction, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.actions[name]
	return a, ok
}

func (s *Store) List() []*CustomAction {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*CustomAction, 0, len(s.actions))
	for _, a := range s.actions {
		out = append(out, a)
	}
	return out
}

func (s *Store) review(ctx context.Context, name string, requiredStatus Status, newStatus Status, reviewer, comment string) (*CustomAction, error) {
	s.mu.Lock()
	a, ok := s.actions[name]
	if !ok {
		s.mu.Unlock()
		return nil, apperrors.NotFound("custom action not found: " + name)
	}
	if a.Status != requiredStatus {
		s.mu.Unlock()
		return nil, apperrors.Conflict("custom action " + name + " is not in state " + string(requiredStatus))
	}
	now := time.Now()
	a.Status = newStatus
	a.ReviewedBy = reviewer
	a.ReviewedAt = &now
	a.ReviewComment = comment
	s.mu.Unlock()

	if err := s.auditLog.Record(ctx, audit.Decision{
		AppName:    s.appName,
		ActionName: name,
		Decision:   string(newStatus),
		Reviewer:   reviewer,
		Comment:    comment,
		DecidedAt:  now,
	}); err != nil {
		logrus.WithField("app", s.appName).WithField("action", name).WithError(err).Warnln("failed to record action decision in audit trail")
	}
	return a, nil
}

func (s *Store) Approve(ctx context.Context, name, reviewer, comment string) (*CustomAction, error) {
	return s.review(ctx, name, Pending, Approved, reviewer, comment)
}

func (s *Store) Reject(ctx context.Context, name, reviewer, comment string) (*CustomAction, error) {
	return s.review(ctx, name, Pending, Rejected, reviewer, comment)
}

func (s *Store) Revoke(ctx context.Context, name, reviewer, comment string) (*CustomAction, error) {
	return s.review(ctx, name, Approved, Revoked, reviewer, comment)
}

// ExpireOverdue walks the store and marks any Approved action whose
// ExpiresAt has passed as Expired. Intended to be called from a
// periodic scheduler.
func (s *Store) ExpireOverdue() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for _, a := range s.actions {
		if a.Status == Approved && a.ExpiresAt != nil && !now.Before(*a.ExpiresAt) {
			a.Status = Expired
		}
	}
}
