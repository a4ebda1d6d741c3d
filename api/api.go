// Copyright 2022 Drone.IO Inc. All rights reserved.
// Use of this source code is governed by the Polyform License
// that can be found in the LICENSE file.

// Package api carries the shared request/response DTOs for both the
// REST surface and the WebSocket protocol. Keeping them in one
// package matches the teacher's convention of a single wire-type
// package consumed by every handler.
package api

import (
	"time"

	"github.com/scottyapp/scotty/appdata"
)

// HealthResponse backs GET /api/v1/info.
type HealthResponse struct {
	Version  string `json:"version"`
	AuthMode string `json:"auth_mode"`
}

// CreateAppRequest backs POST /api/v1/authenticated/apps/create.
type CreateAppRequest struct {
	AppName        string                       `json:"app_name"`
	PublicServices []appdata.ServicePortMapping `json:"public_services"`
	Domain         string                       `json:"domain"`
	TimeToLive     *appdata.TTL                 `json:"time_to_live,omitempty"`
	DestroyOnTTL   bool                         `json:"destroy_on_ttl"`
	BasicAuth      *appdata.BasicAuth           `json:"basic_auth,omitempty"`
	DisallowRobots bool                         `json:"disallow_robots"`
	Environment    map[string]string            `json:"environment,omitempty"`
	Registry       string                       `json:"registry,omitempty"`
	AppBlueprint   string                       `json:"app_blueprint,omitempty"`
	Scopes         []string                     `json:"scopes,omitempty"`
	Middlewares    []string                     `json:"middlewares,omitempty"`
	ComposeContent []byte                       `json:"compose_content,omitempty"`
}

// AppResponse wraps an AppData for every lifecycle endpoint's reply.
type AppResponse struct {
	App appdata.AppData `json:"app"`
}

// TaskResponse is returned by any endpoint that spawns a task.
type TaskResponse struct {
	TaskID string `json:"task_id"`
}

// CreateCustomActionRequest backs POST .../custom-actions.
type CreateCustomActionRequest struct {
	Name        string              `json:"name"`
	Description string              `json:"description"`
	Commands    map[string][]string `json:"commands"`
	Permission  string              `json:"permission"`
	ExpiresAt   *time.Time          `json:"expires_at,omitempty"`
}

// ReviewActionRequest backs the approve/reject/revoke admin endpoints.
type ReviewActionRequest struct {
	Comment string `json:"comment,omitempty"`
}

// RunActionRequest backs POST .../actions.
type RunActionRequest struct {
	ActionName string `json:"action_name"`
}

// ErrorResponse is the uniform JSON error body returned at the HTTP
// boundary for every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// CreateScopeRequest backs POST .../admin/scopes.
type CreateScopeRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// CreateRoleRequest backs POST .../admin/roles.
type CreateRoleRequest struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Permissions []string `json:"permissions"`
}

// CreateAssignmentRequest backs POST .../admin/assignments.
type CreateAssignmentRequest struct {
	UserID string   `json:"user_id"`
	Role   string   `json:"role"`
	Scopes []string `json:"scopes"`
}

// StartLogStreamRequest backs the REST form of starting a log stream;
// ClientID names the already-authenticated WebSocket connection the
// stream's frames are delivered over.
type StartLogStreamRequest struct {
	ClientID   string `json:"client_id"`
	Follow     bool   `json:"follow"`
	Lines      int    `json:"lines"`
	Timestamps bool   `json:"timestamps"`
}

// StreamResponse is returned by the REST form of starting a log
// stream; opening a shell session returns ShellSessionResponse.
type StreamResponse struct {
	StreamID string `json:"stream_id"`
}

// CreateShellSessionRequest backs the REST form of opening a shell
// session.
type CreateShellSessionRequest struct {
	ClientID string `json:"client_id"`
	Shell    string `json:"shell,omitempty"`
}

// ShellSessionResponse is returned by the REST form of opening a
// shell session.
type ShellSessionResponse struct {
	SessionID string `json:"session_id"`
}

//
// WebSocket protocol messages (§4.10-4.13). Every frame carries a
// discriminating "type" tag; Type below is set on send and used to
// select a target struct on receive.
//

type MessageType string

const (
	MsgAuthenticate            MessageType = "authenticate"
	MsgAuthenticationSuccess   MessageType = "authentication_success"
	MsgAuthenticationFailed    MessageType = "authentication_failed"
	MsgError                   MessageType = "error"
	MsgPing                    MessageType = "ping"
	MsgPong                    MessageType = "pong"
	MsgStartLogStream          MessageType = "start_log_stream"
	MsgStopLogStream           MessageType = "stop_log_stream"
	MsgLogsStreamStarted       MessageType = "logs_stream_started"
	MsgLogsStreamData          MessageType = "logs_stream_data"
	MsgLogsStreamEnded         MessageType = "logs_stream_ended"
	MsgShellSessionData        MessageType = "shell_session_data"
	MsgShellSessionEnded       MessageType = "shell_session_ended"
	MsgStartTaskOutputStream   MessageType = "start_task_output_stream"
	MsgStopTaskOutputStream    MessageType = "stop_task_output_stream"
	MsgTaskOutputStreamStarted MessageType = "task_output_stream_started"
	MsgTaskOutputStreamData    MessageType = "task_output_stream_data"
	MsgTaskOutputStreamEnded   MessageType = "task_output_stream_ended"
	MsgTaskInfoUpdated         MessageType = "task_info_updated"
)

// Envelope is the outer shape every WS frame is decoded/encoded
// through; Payload is re-marshaled into the concrete type selected by
// Type.
type Envelope struct {
	Type    MessageType `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

type AuthenticatePayload struct {
	Token string `json:"token"`
}

type AuthenticationFailedPayload struct {
	Reason string `json:"reason"`
}

type StartLogStreamPayload struct {
	AppName    string `json:"app_name"`
	Service    string `json:"service"`
	Follow     bool   `json:"follow"`
	Lines      int    `json:"lines"`
	Timestamps bool   `json:"timestamps"`
}

type StopLogStreamPayload struct {
	StreamID string `json:"stream_id"`
}

type LogsStreamStartedPayload struct {
	StreamID string `json:"stream_id"`
}

type LogsStreamDataPayload struct {
	StreamID  string    `json:"stream_id"`
	Stream    string    `json:"stream"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

type LogsStreamEndedPayload struct {
	StreamID string `json:"stream_id"`
	Reason   string `json:"reason"`
}

type ShellSessionDataPayload struct {
	SessionID string `json:"session_id"`
	Kind      string `json:"kind"` // "output" | "input" | "resize"
	Output    string `json:"output,omitempty"`
	Input     string `json:"input,omitempty"`
	Width     int    `json:"width,omitempty"`
	Height    int    `json:"height,omitempty"`
}

type ShellSessionEndedPayload struct {
	SessionID string `json:"session_id"`
	ExitCode  *int   `json:"exit_code,omitempty"`
	Reason    string `json:"reason"`
}

type StartTaskOutputStreamPayload struct {
	TaskID        string `json:"task_id"`
	FromBeginning bool   `json:"from_beginning"`
}

type StopTaskOutputStreamPayload struct {
	TaskID string `json:"task_id"`
}

type TaskOutputStreamStartedPayload struct {
	TaskID     string `json:"task_id"`
	TotalLines uint64 `json:"total_lines"`
}

type TaskOutputLine struct {
	Timestamp time.Time `json:"timestamp"`
	Stream    string    `json:"stream"`
	Content   string    `json:"content"`
	Sequence  uint64    `json:"sequence"`
}

type TaskOutputStreamDataPayload struct {
	TaskID       string           `json:"task_id"`
	Lines        []TaskOutputLine `json:"lines"`
	IsHistorical bool             `json:"is_historical"`
	HasMore      bool             `json:"has_more"`
}

type TaskOutputStreamEndedPayload struct {
	TaskID string `json:"task_id"`
	Reason string `json:"reason"`
}

type TaskInfoUpdatedPayload struct {
	TaskID string `json:"task_id"`
	State  string `json:"state"`
}
