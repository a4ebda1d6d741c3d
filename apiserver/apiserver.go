// Copyright 2022 Drone.IO Inc. All rights reserved.
// Use of this source code is governed by the Polyform License
// that can be found in the LICENSE file.

// Package apiserver exposes the control plane's REST and WebSocket
// surface (§6): one chi router mounted over a SharedAppState, with a
// bearer-auth middleware gating every route under /authenticated and
// a permission check per app-scoped route.
package apiserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/scottyapp/scotty/api"
	"github.com/scottyapp/scotty/appstate"
	"github.com/scottyapp/scotty/authz"
	"github.com/scottyapp/scotty/logger"
	"github.com/scottyapp/scotty/version"
)

// Server holds the shared state every handler closes over, mirroring
// the style of a receiver-bound handler set rather than free
// functions passed raw dependencies.
type Server struct {
	state    *appstate.SharedAppState
	upgrader websocket.Upgrader
}

// Handler builds the full router.
func Handler(state *appstate.SharedAppState) http.Handler {
	s := &Server{
		state: state,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	s.state.Hub.OnMessage(s.dispatchWS)

	r := chi.NewRouter()
	r.Use(logger.Middleware)
	r.Use(middleware.Recoverer)

	if s.state.Config.Metrics.Enabled {
		r.Handle(s.state.Config.Metrics.Path, metricsHandler(s.state))
	}

	r.Get("/api/v1/info", s.handleInfo)
	r.Get("/ws", s.handleWS)

	r.Route("/api/v1/authenticated", func(r chi.Router) {
		r.Use(func(next http.Handler) http.Handler {
			return s.authenticate(next.ServeHTTP)
		})

		r.Post("/apps/create", s.handleCreateApp)
		r.Get("/apps/run/{app}", s.requirePermission(authz.PermissionManage, "app", s.handleRun))
		r.Get("/apps/stop/{app}", s.requirePermission(authz.PermissionManage, "app", s.handleStop))
		r.Get("/apps/rebuild/{app}", s.requirePermission(authz.PermissionManage, "app", s.handleRebuild))
		r.Get("/apps/purge/{app}", s.requirePermission(authz.PermissionDestroy, "app", s.handlePurge))
		r.Get("/apps/destroy/{app}", s.requirePermission(authz.PermissionDestroy, "app", s.handleDestroy))
		r.Get("/apps/info/{app}", s.requirePermission(authz.PermissionView, "app", s.handleInfoApp))
		r.Post("/apps/adopt/{app}", s.requirePermission(authz.PermissionManage, "app", s.handleAdopt))

		r.Post("/apps/{app}/actions", s.requirePermission(authz.PermissionActionWrite, "app", s.handleRunCustomAction))
		r.Get("/apps/{app}/custom-actions", s.requirePermission(authz.PermissionActionRead, "app", s.handleListCustomActions))
		r.Post("/apps/{app}/custom-actions", s.requirePermission(authz.PermissionActionWrite, "app", s.handleCreateCustomAction))
		r.Delete("/apps/{app}/custom-actions/{name}", s.requirePermission(authz.PermissionActionWrite, "app", s.handleDeleteCustomAction))

		r.Post("/apps/{app}/services/{svc}/logs", s.requirePermission(authz.PermissionLogs, "app", s.handleStartLogStream))
		r.Post("/apps/{app}/services/{svc}/shell", s.requirePermission(authz.PermissionShell, "app", s.handleCreateShellSession))

		r.Get("/admin/scopes", s.requireGlobalPermission(authz.PermissionAdminRead, s.handleListScopes))
		r.Post("/admin/scopes", s.requireGlobalPermission(authz.PermissionAdminWrite, s.handleCreateScope))
		r.Get("/admin/roles", s.requireGlobalPermission(authz.PermissionAdminRead, s.handleListRoles))
		r.Post("/admin/roles", s.requireGlobalPermission(authz.PermissionAdminWrite, s.handleCreateRole))
		r.Get("/admin/assignments", s.requireGlobalPermission(authz.PermissionAdminRead, s.handleListAssignments))
		r.Post("/admin/assignments", s.requireGlobalPermission(authz.PermissionAdminWrite, s.handleCreateAssignment))
		r.Get("/admin/permissions", s.requireGlobalPermission(authz.PermissionAdminRead, s.handleListPermissions))
		r.Get("/admin/audit", s.requireGlobalPermission(authz.PermissionAdminRead, s.handleAuditTrail))

		r.Post("/admin/actions/{app}/{action}/approve", s.requireGlobalPermission(authz.PermissionActionApprove, s.handleReviewAction(reviewApprove)))
		r.Post("/admin/actions/{app}/{action}/reject", s.requireGlobalPermission(authz.PermissionActionApprove, s.handleReviewAction(reviewReject)))
		r.Post("/admin/actions/{app}/{action}/revoke", s.requireGlobalPermission(authz.PermissionActionApprove, s.handleReviewAction(reviewRevoke)))
	})

	return r
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	mode := "bearer"
	if s.state.Authz.IsFallback() {
		mode = "bootstrap"
	}
	WriteJSON(w, api.HealthResponse{Version: version.Version, AuthMode: mode}, http.StatusOK)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.state.Hub.Serve(conn)
}
