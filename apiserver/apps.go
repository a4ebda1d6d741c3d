// Copyright 2022 Drone.IO Inc. All rights reserved.
// Use of this source code is governed by the Polyform License
// that can be found in the LICENSE file.

package apiserver

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/scottyapp/scotty/api"
	apperrors "github.com/scottyapp/scotty/errors"
	"github.com/scottyapp/scotty/orchestrator"
)

func (s *Server) handleCreateApp(w http.ResponseWriter, r *http.Request) {
	var req api.CreateAppRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteError(w, err)
		return
	}
	if req.AppName == "" {
		WriteError(w, apperrors.InvalidInput("app_name is required"))
		return
	}

	createReq := orchestrator.CreateRequest{
		AppName:        req.AppName,
		PublicServices: req.PublicServices,
		Domain:         req.Domain,
		TimeToLive:     req.TimeToLive,
		DestroyOnTTL:   req.DestroyOnTTL,
		BasicAuth:      req.BasicAuth,
		DisallowRobots: req.DisallowRobots,
		Environment:    req.Environment,
		Registry:       req.Registry,
		AppBlueprint:   req.AppBlueprint,
		Scopes:         req.Scopes,
		Middlewares:    req.Middlewares,
		ComposeContent: req.ComposeContent,
	}

	taskID, err := s.state.Orchestrator.Create(r.Context(), userID(r), createReq)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, api.TaskResponse{TaskID: taskID}, http.StatusAccepted)
}

func (s *Server) handleAdopt(w http.ResponseWriter, r *http.Request) {
	appName := chi.URLParam(r, "app")

	var req api.CreateAppRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteError(w, err)
		return
	}

	adoptReq := orchestrator.AdoptRequest{
		PublicServices: req.PublicServices,
		Domain:         req.Domain,
		TimeToLive:     req.TimeToLive,
		DestroyOnTTL:   req.DestroyOnTTL,
		BasicAuth:      req.BasicAuth,
		DisallowRobots: req.DisallowRobots,
		Environment:    req.Environment,
		Registry:       req.Registry,
		AppBlueprint:   req.AppBlueprint,
		Scopes:         req.Scopes,
		Middlewares:    req.Middlewares,
	}

	app, err := s.state.Orchestrator.Adopt(r.Context(), userID(r), appName, adoptReq)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, api.AppResponse{App: app}, http.StatusOK)
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	s.dispatchTask(w, r, s.state.Orchestrator.Run)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.dispatchTask(w, r, s.state.Orchestrator.Stop)
}

func (s *Server) handleRebuild(w http.ResponseWriter, r *http.Request) {
	s.dispatchTask(w, r, s.state.Orchestrator.Rebuild)
}

func (s *Server) handleDestroy(w http.ResponseWriter, r *http.Request) {
	s.dispatchTask(w, r, s.state.Orchestrator.Destroy)
}

func (s *Server) handlePurge(w http.ResponseWriter, r *http.Request) {
	s.dispatchTask(w, r, s.state.Orchestrator.Purge)
}

// dispatchTask resolves the {app} URL param and runs op, replying with
// the spawned task id. Every lifecycle operation that fits this shape
// (run/stop/rebuild/destroy/purge) shares this one handler body.
func (s *Server) dispatchTask(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, appName string) (string, error)) {
	appName := chi.URLParam(r, "app")
	taskID, err := op(r.Context(), appName)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, api.TaskResponse{TaskID: taskID}, http.StatusAccepted)
}

func (s *Server) handleInfoApp(w http.ResponseWriter, r *http.Request) {
	appName := chi.URLParam(r, "app")
	app, ok := s.state.Apps.Get(appName)
	if !ok {
		WriteError(w, apperrors.NotFound("app not found: "+appName))
		return
	}
	WriteJSON(w, api.AppResponse{App: app}, http.StatusOK)
}
