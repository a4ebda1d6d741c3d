// Copyright 2022 Drone.IO Inc. All rights reserved.
// Use of this source code is governed by the Polyform License
// that can be found in the LICENSE file.

package apiserver

import (
	"net/http"
	"path/filepath"

	"github.com/go-chi/chi/v5"

	"github.com/scottyapp/scotty/actions"
	"github.com/scottyapp/scotty/api"
	"github.com/scottyapp/scotty/appdata"
	"github.com/scottyapp/scotty/audit"
	apperrors "github.com/scottyapp/scotty/errors"
)

// actionStore hydrates an in-memory actions.Store from the app's
// persisted CustomActions map. The store is the source of truth for
// the approval state machine during the request; saveActionStore writes
// the resulting map back to .scotty.yml and the registry so the
// review survives past this one request.
func (s *Server) actionStore(app appdata.AppData) *actions.Store {
	store := actions.NewStore(app.Name, s.state.Audit)
	if app.Settings == nil {
		return store
	}
	for _, a := range app.Settings.CustomActions {
		_ = store.Add(a)
	}
	return store
}

func (s *Server) saveActionStore(app appdata.AppData, store *actions.Store) error {
	if app.Settings == nil {
		return apperrors.Conflict("app has not been adopted or created: " + app.Name)
	}
	actionsByName := make(map[string]*actions.CustomAction)
	for _, a := range store.List() {
		actionsByName[a.Name] = a
	}
	app.Settings.CustomActions = actionsByName

	settingsPath := filepath.Join(app.RootDirectory, ".scotty.yml")
	if err := appdata.SaveSettingsFile(settingsPath, app.Settings); err != nil {
		return apperrors.Internal("failed to persist custom actions", err)
	}
	return s.state.Apps.Update(app)
}

func (s *Server) handleListCustomActions(w http.ResponseWriter, r *http.Request) {
	appName := chi.URLParam(r, "app")
	app, ok := s.state.Apps.Get(appName)
	if !ok {
		WriteError(w, apperrors.NotFound("app not found: "+appName))
		return
	}
	store := s.actionStore(app)
	WriteJSON(w, store.List(), http.StatusOK)
}

func (s *Server) handleCreateCustomAction(w http.ResponseWriter, r *http.Request) {
	appName := chi.URLParam(r, "app")
	app, ok := s.state.Apps.Get(appName)
	if !ok {
		WriteError(w, apperrors.NotFound("app not found: "+appName))
		return
	}

	var req api.CreateCustomActionRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteError(w, err)
		return
	}
	if req.Name == "" {
		WriteError(w, apperrors.InvalidInput("name is required"))
		return
	}
	perm, err := parseActionPermission(req.Permission)
	if err != nil {
		WriteError(w, err)
		return
	}

	action := actions.New(req.Name, req.Description, req.Commands, perm, userID(r))
	if req.ExpiresAt != nil {
		action = action.WithExpiration(*req.ExpiresAt)
	}

	store := s.actionStore(app)
	if err := store.Add(action); err != nil {
		WriteError(w, err)
		return
	}
	if err := s.saveActionStore(app, store); err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, action, http.StatusCreated)
}

func (s *Server) handleDeleteCustomAction(w http.ResponseWriter, r *http.Request) {
	appName := chi.URLParam(r, "app")
	actionName := chi.URLParam(r, "name")
	app, ok := s.state.Apps.Get(appName)
	if !ok {
		WriteError(w, apperrors.NotFound("app not found: "+appName))
		return
	}

	store := s.actionStore(app)
	if store.Remove(actionName) == nil {
		WriteError(w, apperrors.NotFound("custom action not found: "+actionName))
		return
	}
	if err := s.saveActionStore(app, store); err != nil {
		WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRunCustomAction(w http.ResponseWriter, r *http.Request) {
	appName := chi.URLParam(r, "app")

	var req api.RunActionRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteError(w, err)
		return
	}
	if req.ActionName == "" {
		WriteError(w, apperrors.InvalidInput("action_name is required"))
		return
	}

	taskID, err := s.state.Orchestrator.RunCustomAction(r.Context(), userID(r), appName, req.ActionName)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, api.TaskResponse{TaskID: taskID}, http.StatusAccepted)
}

// reviewKind selects which of Approve/Reject/Revoke handleReviewAction
// applies, so the three admin review routes can share one handler.
type reviewKind int

const (
	reviewApprove reviewKind = iota
	reviewReject
	reviewRevoke
)

func (s *Server) handleReviewAction(kind reviewKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		appName := chi.URLParam(r, "app")
		actionName := chi.URLParam(r, "action")

		app, ok := s.state.Apps.Get(appName)
		if !ok {
			WriteError(w, apperrors.NotFound("app not found: "+appName))
			return
		}

		var req api.ReviewActionRequest
		if r.ContentLength != 0 {
			if err := decodeJSON(r, &req); err != nil {
				WriteError(w, err)
				return
			}
		}

		store := s.actionStore(app)
		var (
			action *actions.CustomAction
			err    error
		)
		switch kind {
		case reviewApprove:
			action, err = store.Approve(r.Context(), actionName, userID(r), req.Comment)
		case reviewReject:
			action, err = store.Reject(r.Context(), actionName, userID(r), req.Comment)
		case reviewRevoke:
			action, err = store.Revoke(r.Context(), actionName, userID(r), req.Comment)
		}
		if err != nil {
			WriteError(w, err)
			return
		}
		if err := s.saveActionStore(app, store); err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, action, http.StatusOK)
	}
}

const auditTrailLimit = 200

func (s *Server) handleAuditTrail(w http.ResponseWriter, r *http.Request) {
	appName := r.URL.Query().Get("app")

	var (
		decisions []audit.Decision
		err       error
	)
	if appName != "" {
		decisions, err = s.state.Audit.ForApp(r.Context(), appName, auditTrailLimit)
	} else {
		decisions, err = s.state.Audit.Recent(r.Context(), auditTrailLimit)
	}
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, decisions, http.StatusOK)
}

func parseActionPermission(s string) (actions.Permission, error) {
	switch actions.Permission(s) {
	case actions.PermissionActionRead:
		return actions.PermissionActionRead, nil
	case actions.PermissionActionWrite:
		return actions.PermissionActionWrite, nil
	default:
		return "", apperrors.InvalidInput("unknown permission: " + s)
	}
}
