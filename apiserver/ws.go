// Copyright 2022 Drone.IO Inc. All rights reserved.
// Use of this source code is governed by the Polyform License
// that can be found in the LICENSE file.

package apiserver

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/scottyapp/scotty/api"
	apperrors "github.com/scottyapp/scotty/errors"
	"github.com/scottyapp/scotty/output"
	"github.com/scottyapp/scotty/wshub"
)

// resolveContainer looks up the running container id for appName's
// service, the one piece of state both the REST and the WS log/shell
// entry points need before talking to Docker.
func (s *Server) resolveContainer(appName, service string) (string, error) {
	app, ok := s.state.Apps.Get(appName)
	if !ok {
		return "", apperrors.NotFound("app not found: " + appName)
	}
	svc, ok := app.Service(service)
	if !ok || svc.ContainerID == "" {
		return "", apperrors.InvalidInput("service " + service + " has no running container")
	}
	return svc.ContainerID, nil
}

func (s *Server) handleStartLogStream(w http.ResponseWriter, r *http.Request) {
	appName := chi.URLParam(r, "app")
	service := chi.URLParam(r, "svc")

	var req api.StartLogStreamRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteError(w, err)
		return
	}
	client, ok := s.state.Hub.Client(req.ClientID)
	if !ok {
		WriteError(w, apperrors.InvalidInput("unknown or unauthenticated client_id"))
		return
	}
	containerID, err := s.resolveContainer(appName, service)
	if err != nil {
		WriteError(w, err)
		return
	}

	streamID := s.state.LogStreams.Start(client, appName, service, containerID, req.Follow, req.Lines, output.DefaultLimits())
	WriteJSON(w, api.StreamResponse{StreamID: streamID}, http.StatusAccepted)
}

func (s *Server) handleCreateShellSession(w http.ResponseWriter, r *http.Request) {
	appName := chi.URLParam(r, "app")
	service := chi.URLParam(r, "svc")

	var req api.CreateShellSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteError(w, err)
		return
	}
	client, ok := s.state.Hub.Client(req.ClientID)
	if !ok {
		WriteError(w, apperrors.InvalidInput("unknown or unauthenticated client_id"))
		return
	}
	containerID, err := s.resolveContainer(appName, service)
	if err != nil {
		WriteError(w, err)
		return
	}

	sess, err := s.state.Shells.CreateSession(r.Context(), client, appName, service, containerID, req.Shell)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, api.ShellSessionResponse{SessionID: sess.ID}, http.StatusAccepted)
}

// dispatchWS is the hub's post-auth message router: it demuxes every
// non-ping frame a client sends into the owning service.
func (s *Server) dispatchWS(client *wshub.Client, msg api.Envelope) {
	switch msg.Type {
	case api.MsgStartLogStream:
		s.wsStartLogStream(client, msg)
	case api.MsgStopLogStream:
		s.wsStopLogStream(msg)
	case api.MsgStartTaskOutputStream:
		s.wsStartTaskStream(client, msg)
	case api.MsgStopTaskOutputStream:
		s.wsStopTaskStream(msg)
	case api.MsgShellSessionData:
		s.wsShellInput(msg)
	default:
		client.Send(api.Envelope{Type: api.MsgError, Payload: "unrecognized message type"})
	}
}

func decodePayload(raw interface{}, v interface{}) error {
	b, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

func (s *Server) wsStartLogStream(client *wshub.Client, msg api.Envelope) {
	var payload api.StartLogStreamPayload
	if err := decodePayload(msg.Payload, &payload); err != nil {
		client.Send(api.Envelope{Type: api.MsgError, Payload: "malformed start_log_stream payload"})
		return
	}
	containerID, err := s.resolveContainer(payload.AppName, payload.Service)
	if err != nil {
		client.Send(api.Envelope{Type: api.MsgError, Payload: err.Error()})
		return
	}
	s.state.LogStreams.Start(client, payload.AppName, payload.Service, containerID, payload.Follow, payload.Lines, output.DefaultLimits())
}

func (s *Server) wsStopLogStream(msg api.Envelope) {
	var payload api.StopLogStreamPayload
	if err := decodePayload(msg.Payload, &payload); err != nil {
		return
	}
	s.state.LogStreams.Stop(payload.StreamID)
}

func (s *Server) wsStartTaskStream(client *wshub.Client, msg api.Envelope) {
	var payload api.StartTaskOutputStreamPayload
	if err := decodePayload(msg.Payload, &payload); err != nil {
		client.Send(api.Envelope{Type: api.MsgError, Payload: "malformed start_task_output_stream payload"})
		return
	}
	if _, err := s.state.TaskStreams.Start(client, payload.TaskID, payload.FromBeginning); err != nil {
		client.Send(api.Envelope{Type: api.MsgError, Payload: err.Error()})
	}
}

func (s *Server) wsStopTaskStream(msg api.Envelope) {
	var payload api.StopTaskOutputStreamPayload
	if err := decodePayload(msg.Payload, &payload); err != nil {
		return
	}
	s.state.TaskStreams.Stop(payload.TaskID)
}

func (s *Server) wsShellInput(msg api.Envelope) {
	var payload api.ShellSessionDataPayload
	if err := decodePayload(msg.Payload, &payload); err != nil {
		return
	}
	switch payload.Kind {
	case "input":
		if err := s.state.Shells.SendInput(payload.SessionID, payload.Input); err != nil {
			logrus.WithField("session", payload.SessionID).WithError(err).Debugln("shell input dropped")
		}
	case "resize":
		if err := s.state.Shells.ResizeTTY(context.Background(), payload.SessionID, uint(payload.Height), uint(payload.Width)); err != nil {
			logrus.WithField("session", payload.SessionID).WithError(err).Debugln("shell resize failed")
		}
	}
}
