// Copyright 2022 Drone.IO Inc. All rights reserved.
// Use of this source code is governed by the Polyform License
// that can be found in the LICENSE file.

package actions

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewActionStartsPending(t *testing.T) {
	a := New("deploy", "runs deploy", map[string][]string{"web": {"echo hi"}}, PermissionActionWrite, "alice")
	assert.Equal(t, Pending, a.Status)
	assert.False(t, a.CanExecute())
}

func TestCanExecuteRequiresApprovedStatus(t *testing.T) {
	a := New("deploy", "", nil, PermissionActionWrite, "alice")
	assert.False(t, a.CanExecute())

	a.Status = Approved
	assert.True(t, a.CanExecute())
}

func TestCanExecuteRejectsExpiredApproval(t *testing.T) {
	a := New("deploy", "", nil, PermissionActionWrite, "alice")
	a.Status = Approved
	past := time.Now().Add(-time.Minute)
	a.WithExpiration(past)

	assert.False(t, a.CanExecute())
}

func TestStoreApproveRequiresPending(t *testing.T) {
	store := NewStore("myapp", nil)
	a := New("deploy", "", nil, PermissionActionWrite, "alice")
	require.NoError(t, store.Add(a))

	_, err := store.Approve(context.Background(), "deploy", "bob", "lgtm")
	require.NoError(t, err)
	assert.Equal(t, Approved, a.Status)
	assert.Equal(t, "bob", a.ReviewedBy)

	_, err = store.Approve(context.Background(), "deploy", "bob", "lgtm again")
	assert.Error(t, err)
}

func TestStoreRejectRequiresPending(t *testing.T) {
	store := NewStore("myapp", nil)
	a := New("deploy", "", nil, PermissionActionWrite, "alice")
	require.NoError(t, store.Add(a))

	_, err := store.Reject(context.Background(), "deploy", "bob", "no")
	require.NoError(t, err)
	assert.Equal(t, Rejected, a.Status)

	_, err = store.Revoke(context.Background(), "deploy", "bob", "")
	assert.Error(t, err, "revoke must require Approved, not Rejected")
}

func TestStoreRevokeRequiresApproved(t *testing.T) {
	store := NewStore("myapp", nil)
	a := New("deploy", "", nil, PermissionActionWrite, "alice")
	require.NoError(t, store.Add(a))

	_, err := store.Revoke(context.Background(), "deploy", "bob", "too risky")
	assert.Error(t, err, "cannot revoke a still-pending action")

	_, err = store.Approve(context.Background(), "deploy", "bob", "lgtm")
	require.NoError(t, err)

	_, err = store.Revoke(context.Background(), "deploy", "bob", "too risky")
	require.NoError(t, err)
	assert.Equal(t, Revoked, a.Status)
}

// TestRevocationBetweenDispatchAndExecutionAbortsRun is the
// custom-action safety regression: an action approved at HTTP dispatch
// time but revoked before the task actually runs must fail the
// point-of-execution CanExecute re-check, exactly as if it had never
// been approved.
func TestRevocationBetweenDispatchAndExecutionAbortsRun(t *testing.T) {
	store := NewStore("myapp", nil)
	a := New("deploy", "", nil, PermissionActionWrite, "alice")
	require.NoError(t, store.Add(a))

	_, err := store.Approve(context.Background(), "deploy", "bob", "lgtm")
	require.NoError(t, err)
	require.True(t, a.CanExecute(), "dispatch-time check must see the action as executable")

	_, err = store.Revoke(context.Background(), "deploy", "bob", "revoked before it ran")
	require.NoError(t, err)

	assert.False(t, a.CanExecute(), "execution-time re-check must abort once the approval was revoked")
}

func TestExpireOverdueMarksPastDeadlineApprovals(t *testing.T) {
	store := NewStore("myapp", nil)
	expired := New("stale", "", nil, PermissionActionWrite, "alice")
	expired.Status = Approved
	expired.WithExpiration(time.Now().Add(-time.Minute))
	require.NoError(t, store.Add(expired))

	fresh := New("fresh", "", nil, PermissionActionWrite, "alice")
	fresh.Status = Approved
	fresh.WithExpiration(time.Now().Add(time.Hour))
	require.NoError(t, store.Add(fresh))

	store.ExpireOverdue()

	assert.Equal(t, Expired, expired.Status)
	assert.Equal(t, Approved, fresh.Status)
}

func TestStoreAddRejectsDuplicateName(t *testing.T) {
	store := NewStore("myapp", nil)
	require.NoError(t, store.Add(New("deploy", "", nil, PermissionActionWrite, "alice")))
	assert.Error(t, store.Add(New("deploy", "", nil, PermissionActionWrite, "alice")))
}

func TestStoreRemove(t *testing.T) {
	store := NewStore("myapp", nil)
	require.NoError(t, store.Add(New("deploy", "", nil, PermissionActionWrite, "alice")))

	removed := store.Remove("deploy")
	assert.NotNil(t, removed)
	_, ok := store.Get("deploy")
	assert.False(t, ok)

	assert.Nil(t, store.Remove("deploy"))
}
