// Copyright 2022 Drone.IO Inc. All rights reserved.
// Use of this source code is governed by the Polyform License
// that can be found in the LICENSE file.

package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scottyapp/scotty/actions"
	"github.com/scottyapp/scotty/authz"
)

func TestHandleCheckCanExecuteRejectsUnapprovedAction(t *testing.T) {
	o := &Orchestrator{Authz: authz.New()}
	action := actions.New("deploy", "", nil, actions.PermissionActionWrite, "alice")
	c := &opContext{userID: "alice", appName: "myapp", action: action}

	_, err := o.handleCheckCanExecute(stateRunActionCommands)(context.Background(), stateCheckCanExecute, c)
	assert.Error(t, err)
}

func TestHandleCheckCanExecuteRejectsWithoutRequiredPermission(t *testing.T) {
	az := authz.New()
	az.AddRole(authz.Role{Name: "viewer", Permissions: []authz.Permission{authz.PermissionView}})
	az.AddAssignment("alice", authz.RoleScopes{Role: "viewer", Scopes: []string{authz.Wildcard}})
	az.BindApp("myapp", []string{"default"})

	o := &Orchestrator{Authz: az}
	action := actions.New("deploy", "", nil, actions.PermissionActionWrite, "alice")
	action.Status = actions.Approved
	c := &opContext{userID: "alice", appName: "myapp", action: action}

	_, err := o.handleCheckCanExecute(stateRunActionCommands)(context.Background(), stateCheckCanExecute, c)
	assert.Error(t, err, "a viewer without action_write must not be allowed to execute the action")
}

func TestHandleCheckCanExecuteAllowsApprovedActionWithPermission(t *testing.T) {
	az := authz.New()
	az.AddRole(authz.Role{Name: "operator", Permissions: []authz.Permission{authz.PermissionActionWrite}})
	az.AddAssignment("alice", authz.RoleScopes{Role: "operator", Scopes: []string{authz.Wildcard}})
	az.BindApp("myapp", []string{"default"})

	o := &Orchestrator{Authz: az}
	action := actions.New("deploy", "", nil, actions.PermissionActionWrite, "alice")
	action.Status = actions.Approved
	c := &opContext{userID: "alice", appName: "myapp", action: action}

	next, err := o.handleCheckCanExecute(stateRunActionCommands)(context.Background(), stateCheckCanExecute, c)
	require.NoError(t, err)
	assert.Equal(t, stateRunActionCommands, next)
}

// TestHandleCheckCanExecuteRevokedBetweenDispatchAndExecutionAborts is
// the custom-action safety regression at the orchestrator layer: the
// permission re-check must not mask a revoked approval, and a revoked
// approval must still abort the run even when the caller retains the
// permission that originally let them dispatch it.
func TestHandleCheckCanExecuteRevokedBetweenDispatchAndExecutionAborts(t *testing.T) {
	az := authz.New()
	az.AddRole(authz.Role{Name: "operator", Permissions: []authz.Permission{authz.PermissionActionWrite}})
	az.AddAssignment("alice", authz.RoleScopes{Role: "operator", Scopes: []string{authz.Wildcard}})
	az.BindApp("myapp", []string{"default"})

	o := &Orchestrator{Authz: az}
	action := actions.New("deploy", "", nil, actions.PermissionActionWrite, "alice")
	action.Status = actions.Approved

	c := &opContext{userID: "alice", appName: "myapp", action: action}
	_, err := o.handleCheckCanExecute(stateRunActionCommands)(context.Background(), stateCheckCanExecute, c)
	require.NoError(t, err, "still-approved action must pass the dispatch-time check")

	action.Status = actions.Revoked

	_, err = o.handleCheckCanExecute(stateRunActionCommands)(context.Background(), stateCheckCanExecute, c)
	assert.Error(t, err, "a revoked approval must abort the run even though the caller's permission is unchanged")
}
