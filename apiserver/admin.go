// Copyright 2022 Drone.IO Inc. All rights reserved.
// Use of this source code is governed by the Polyform License
// that can be found in the LICENSE file.

package apiserver

import (
	"net/http"
	"time"

	"github.com/scottyapp/scotty/api"
	"github.com/scottyapp/scotty/authz"
	apperrors "github.com/scottyapp/scotty/errors"
)

func (s *Server) handleListScopes(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, s.state.Authz.Scopes(), http.StatusOK)
}

func (s *Server) handleCreateScope(w http.ResponseWriter, r *http.Request) {
	var req api.CreateScopeRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteError(w, err)
		return
	}
	if req.Name == "" {
		WriteError(w, apperrors.InvalidInput("name is required"))
		return
	}
	scope := authz.Scope{Name: req.Name, Description: req.Description, CreatedAt: time.Now()}
	s.state.Authz.AddScope(scope)
	WriteJSON(w, scope, http.StatusCreated)
}

func (s *Server) handleListRoles(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, s.state.Authz.Roles(), http.StatusOK)
}

func (s *Server) handleCreateRole(w http.ResponseWriter, r *http.Request) {
	var req api.CreateRoleRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteError(w, err)
		return
	}
	if req.Name == "" {
		WriteError(w, apperrors.InvalidInput("name is required"))
		return
	}
	perms := make([]authz.Permission, 0, len(req.Permissions))
	for _, p := range req.Permissions {
		if p == authz.Wildcard {
			perms = append(perms, authz.Permission(authz.Wildcard))
			continue
		}
		perm, err := authz.ParsePermission(p)
		if err != nil {
			WriteError(w, err)
			return
		}
		perms = append(perms, perm)
	}
	role := authz.Role{Name: req.Name, Description: req.Description, Permissions: perms}
	s.state.Authz.AddRole(role)
	WriteJSON(w, role, http.StatusCreated)
}

func (s *Server) handleListAssignments(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, s.state.Authz.Assignments(), http.StatusOK)
}

func (s *Server) handleCreateAssignment(w http.ResponseWriter, r *http.Request) {
	var req api.CreateAssignmentRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteError(w, err)
		return
	}
	if req.UserID == "" || req.Role == "" {
		WriteError(w, apperrors.InvalidInput("user_id and role are required"))
		return
	}
	rs := authz.RoleScopes{Role: req.Role, Scopes: req.Scopes}
	s.state.Authz.AddAssignment(req.UserID, rs)
	WriteJSON(w, authz.Assignment{UserID: req.UserID, RoleScopes: rs}, http.StatusCreated)
}

func (s *Server) handleListPermissions(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, authz.AllPermissions(), http.StatusOK)
}
