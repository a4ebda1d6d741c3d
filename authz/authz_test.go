// Copyright 2022 Drone.IO Inc. All rights reserved.
// Use of this source code is governed by the Polyform License
// that can be found in the LICENSE file.

package authz

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCheckGrantsOnMatchingScopeAndRole(t *testing.T) {
	tbl := New()
	tbl.AddRole(Role{Name: "operator", Permissions: []Permission{PermissionManage}})
	tbl.AddAssignment("alice", RoleScopes{Role: "operator", Scopes: []string{"team-a"}})
	tbl.BindApp("myapp", []string{"team-a"})

	assert.True(t, tbl.Check("alice", "myapp", PermissionManage))
}

func TestCheckDeniesWithoutScopeIntersection(t *testing.T) {
	tbl := New()
	tbl.AddRole(Role{Name: "operator", Permissions: []Permission{PermissionManage}})
	tbl.AddAssignment("alice", RoleScopes{Role: "operator", Scopes: []string{"team-a"}})
	tbl.BindApp("myapp", []string{"team-b"})

	assert.False(t, tbl.Check("alice", "myapp", PermissionManage))
}

func TestCheckDeniesWithoutRolePermission(t *testing.T) {
	tbl := New()
	tbl.AddRole(Role{Name: "viewer", Permissions: []Permission{PermissionView}})
	tbl.AddAssignment("alice", RoleScopes{Role: "viewer", Scopes: []string{"team-a"}})
	tbl.BindApp("myapp", []string{"team-a"})

	assert.False(t, tbl.Check("alice", "myapp", PermissionManage))
}

func TestCheckWildcardScopeGrantsAnyApp(t *testing.T) {
	tbl := New()
	tbl.AddRole(Role{Name: "admin", Permissions: []Permission{PermissionDestroy}})
	tbl.AddAssignment("alice", RoleScopes{Role: "admin", Scopes: []string{Wildcard}})
	tbl.BindApp("myapp", []string{"team-a"})

	assert.True(t, tbl.Check("alice", "myapp", PermissionDestroy))
}

func TestCheckWildcardPermissionGrantsAny(t *testing.T) {
	tbl := New()
	tbl.AddRole(Role{Name: "admin", Permissions: []Permission{Permission(Wildcard)}})
	tbl.AddAssignment("alice", RoleScopes{Role: "admin", Scopes: []string{"team-a"}})
	tbl.BindApp("myapp", []string{"team-a"})

	assert.True(t, tbl.Check("alice", "myapp", PermissionShell))
}

func TestCheckDeniesUnknownUser(t *testing.T) {
	tbl := New()
	tbl.BindApp("myapp", []string{"team-a"})
	assert.False(t, tbl.Check("ghost", "myapp", PermissionView))
}

func TestCheckGlobalIgnoresAppScope(t *testing.T) {
	tbl := New()
	tbl.AddRole(Role{Name: "admin", Permissions: []Permission{PermissionAdminWrite}})
	tbl.AddAssignment("alice", RoleScopes{Role: "admin", Scopes: []string{"team-a"}})

	assert.True(t, tbl.CheckGlobal("alice", PermissionAdminWrite))
	assert.False(t, tbl.CheckGlobal("alice", PermissionAdminRead))
}

func TestFallbackGrantsBootstrapTokenHolderEverything(t *testing.T) {
	tbl := NewFallback("secret-token")
	assert.True(t, tbl.CheckBootstrapToken("secret-token"))
	assert.False(t, tbl.CheckBootstrapToken("wrong-token"))
	assert.False(t, tbl.CheckBootstrapToken(""))
	assert.True(t, tbl.IsFallback())
}

func TestLoadClearsFallbackMode(t *testing.T) {
	tbl := NewFallback("secret-token")
	assert.True(t, tbl.IsFallback())

	tbl.Load(map[string]Scope{}, map[string]Role{}, map[string][]RoleScopes{})
	assert.False(t, tbl.IsFallback())
	assert.False(t, tbl.CheckBootstrapToken("secret-token"))
}

func TestAddScopeClearsFallbackMode(t *testing.T) {
	tbl := NewFallback("secret-token")
	tbl.AddScope(Scope{Name: "team-a"})
	assert.False(t, tbl.IsFallback())
}

func TestParsePermissionAcceptsCanonicalAndAlias(t *testing.T) {
	p, err := ParsePermission("admin_read")
	assert.NoError(t, err)
	assert.Equal(t, PermissionAdminRead, p)

	p, err = ParsePermission("adminread")
	assert.NoError(t, err)
	assert.Equal(t, PermissionAdminRead, p)
}

func TestParsePermissionRejectsUnknown(t *testing.T) {
	_, err := ParsePermission("not-a-real-permission")
	assert.Error(t, err)
}

func TestAllPermissionsIncludesEveryConst(t *testing.T) {
	all := AllPermissions()
	assert.Contains(t, all, PermissionView)
	assert.Contains(t, all, PermissionActionApprove)
	assert.Len(t, all, 12)
}

func TestAssignmentsFlattensEveryGrant(t *testing.T) {
	tbl := New()
	tbl.AddAssignment("alice", RoleScopes{Role: "operator", Scopes: []string{"team-a"}})
	tbl.AddAssignment("alice", RoleScopes{Role: "viewer", Scopes: []string{"team-b"}})

	got := tbl.Assignments()
	assert.Len(t, got, 2)
	for _, a := range got {
		assert.Equal(t, "alice", a.UserID)
	}
}

func TestUnbindAppRemovesScopeBinding(t *testing.T) {
	tbl := New()
	tbl.AddRole(Role{Name: "operator", Permissions: []Permission{PermissionManage}})
	tbl.AddAssignment("alice", RoleScopes{Role: "operator", Scopes: []string{"team-a"}})
	tbl.BindApp("myapp", []string{"team-a"})
	assert.True(t, tbl.Check("alice", "myapp", PermissionManage))

	tbl.UnbindApp("myapp")
	assert.False(t, tbl.Check("alice", "myapp", PermissionManage))
}
