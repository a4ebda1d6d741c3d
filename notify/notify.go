// Copyright 2022 Drone.IO Inc. All rights reserved.
// Use of this source code is governed by the Polyform License
// that can be found in the LICENSE file.

// Package notify implements the NotificationReceiver sum type and the
// dispatchers that deliver lifecycle messages to it. Log and Webhook
// receivers are real; Gitlab and Mattermost are accepted and recorded
// but dispatch as logged no-ops, since their wire details are outside
// the core's scope.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// Kind discriminates the receiver variants.
type Kind string

const (
	KindLog        Kind = "log"
	KindWebhook    Kind = "webhook"
	KindGitlab     Kind = "gitlab"
	KindMattermost Kind = "mattermost"
)

// Receiver is a tagged configuration for one notification target.
type Receiver struct {
	Kind       Kind   `yaml:"kind" json:"kind"`
	WebhookURL string `yaml:"webhook_url,omitempty" json:"webhook_url,omitempty"`
	GitlabContext
	MattermostContext
}

type GitlabContext struct {
	ProjectID   string `yaml:"project_id,omitempty" json:"project_id,omitempty"`
	PipelineURL string `yaml:"pipeline_url,omitempty" json:"pipeline_url,omitempty"`
}

type MattermostContext struct {
	ChannelID string `yaml:"channel_id,omitempty" json:"channel_id,omitempty"`
}

// MessageType enumerates the lifecycle events that produce a message.
type MessageType string

const (
	AppCreated   MessageType = "app_created"
	AppDestroyed MessageType = "app_destroyed"
	AppFailed    MessageType = "app_failed"
	AppRebuilt   MessageType = "app_rebuilt"
)

// Message is the formatted payload handed to a dispatcher.
type Message struct {
	Type      MessageType
	AppName   string
	Detail    string
	CreatedAt time.Time
}

func New(t MessageType, appName, detail string) Message {
	return Message{Type: t, AppName: appName, Detail: detail, CreatedAt: time.Now()}
}

func (m Message) text() string {
	return fmt.Sprintf("[%s] app %q: %s", m.Type, m.AppName, m.Detail)
}

// Dispatcher delivers a Message to one configured Receiver.
type Dispatcher struct {
	httpClient *http.Client
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{httpClient: &http.Client{Timeout: 10 * time.Second}}
}

// Dispatch delivers msg to every receiver, logging (not failing) on
// individual delivery errors -- notification delivery never blocks or
// fails a lifecycle operation.
func (d *Dispatcher) Dispatch(ctx context.Context, receivers []Receiver, msg Message) {
	for _, r := range receivers {
		if err := d.send(ctx, r, msg); err != nil {
			logrus.WithField("receiver", r.Kind).WithField("app", msg.AppName).
				WithError(err).Warnln("notification delivery failed")
		}
	}
}

func (d *Dispatcher) send(ctx context.Context, r Receiver, msg Message) error {
	switch r.Kind {
	case KindLog:
		logrus.WithField("app", msg.AppName).WithField("type", msg.Type).Infoln(msg.text())
		return nil
	case KindWebhook:
		return d.sendWebhook(ctx, r, msg)
	case KindGitlab, KindMattermost:
		logrus.WithField("receiver", r.Kind).WithField("app", msg.AppName).
			Infoln("notification receiver not wired to a live transport, logging only: " + msg.text())
		return nil
	default:
		return fmt.Errorf("unknown notification receiver kind %q", r.Kind)
	}
}

func (d *Dispatcher) sendWebhook(ctx context.Context, r Receiver, msg Message) error {
	if r.WebhookURL == "" {
		return fmt.Errorf("webhook receiver missing url")
	}
	body, err := json.Marshal(map[string]any{
		"type":       msg.Type,
		"app":        msg.AppName,
		"detail":     msg.Detail,
		"created_at": msg.CreatedAt,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook responded with status %d", resp.StatusCode)
	}
	return nil
}
