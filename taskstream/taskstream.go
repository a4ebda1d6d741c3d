// Copyright 2022 Drone.IO Inc. All rights reserved.
// Use of this source code is governed by the Polyform License
// that can be found in the LICENSE file.

// Package taskstream implements Task Output Streaming (L13): on
// subscribe, it replays the task's buffered history in pages and then
// keeps tailing new lines live until the task reaches a terminal
// state or the client unsubscribes.
package taskstream

import (
	"context"
	"sync"
	"time"

	"github.com/gofrs/uuid"

	"github.com/scottyapp/scotty/api"
	apperrors "github.com/scottyapp/scotty/errors"
	"github.com/scottyapp/scotty/output"
	"github.com/scottyapp/scotty/task"
	"github.com/scottyapp/scotty/wshub"
)

const (
	historyPageSize = 200
	pollInterval    = 200 * time.Millisecond
)

type subscription struct {
	id       string
	clientID string
	taskID   string
	client   *wshub.Client
	cancel   context.CancelFunc
}

// Service subscribes WebSocket clients to a task's unified output
// buffer, replaying history before switching to live tail.
type Service struct {
	tasks *task.Manager

	mu       sync.Mutex
	subs     map[string]*subscription
	byClient map[string]map[string]bool
}

func New(tasks *task.Manager) *Service {
	return &Service{
		tasks:    tasks,
		subs:     make(map[string]*subscription),
		byClient: make(map[string]map[string]bool),
	}
}

// Start begins streaming taskID's output to client: replay of
// buffered history in pages of historyPageSize lines, then a live
// tail that ends when the task finishes or the client stops it.
func (s *Service) Start(client *wshub.Client, taskID string, fromBeginning bool) (string, error) {
	t, ok := s.tasks.Get(taskID)
	if !ok {
		return "", apperrors.NotFound("task not found: " + taskID)
	}

	id := uuid.Must(uuid.NewV4()).String()
	ctx, cancel := context.WithCancel(context.Background())
	sub := &subscription{id: id, clientID: client.ID, taskID: taskID, client: client, cancel: cancel}

	s.mu.Lock()
	s.subs[id] = sub
	if s.byClient[client.ID] == nil {
		s.byClient[client.ID] = make(map[string]bool)
	}
	s.byClient[client.ID][id] = true
	s.mu.Unlock()

	client.Send(api.Envelope{Type: api.MsgTaskOutputStreamStarted, Payload: api.TaskOutputStreamStartedPayload{
		TaskID:     taskID,
		TotalLines: t.Output.TotalLinesProcessed(),
	}})

	go s.run(ctx, sub, t, fromBeginning)

	return id, nil
}

func (s *Service) run(ctx context.Context, sub *subscription, t *task.Task, fromBeginning bool) {
	var lastSeq uint64
	if fromBeginning {
		lastSeq = s.replayHistory(sub, t)
	} else {
		lastSeq = t.Output.TotalLinesProcessed()
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			lines := t.Output.Since(lastSeq)
			if len(lines) > 0 {
				lastSeq = lines[len(lines)-1].Sequence
				sub.client.Send(api.Envelope{Type: api.MsgTaskOutputStreamData, Payload: toPayload(sub.taskID, lines, false, false)})
			}
			if t.GetState() != task.Running && len(t.Output.Since(lastSeq)) == 0 {
				sub.client.Send(api.Envelope{Type: api.MsgTaskOutputStreamEnded, Payload: api.TaskOutputStreamEndedPayload{
					TaskID: sub.taskID,
					Reason: string(t.GetState()),
				}})
				s.Stop(sub.id)
				return
			}
		}
	}
}

// replayHistory sends the buffered backlog in fixed-size pages and
// returns the last sequence number sent.
func (s *Service) replayHistory(sub *subscription, t *task.Task) uint64 {
	all := t.Output.Recent(0)
	var lastSeq uint64
	for i := 0; i < len(all); i += historyPageSize {
		end := i + historyPageSize
		if end > len(all) {
			end = len(all)
		}
		page := all[i:end]
		hasMore := end < len(all)
		sub.client.Send(api.Envelope{Type: api.MsgTaskOutputStreamData, Payload: toPayload(sub.taskID, page, true, hasMore)})
		if len(page) > 0 {
			lastSeq = page[len(page)-1].Sequence
		}
	}
	return lastSeq
}

func toPayload(taskID string, lines []output.Line, historical, hasMore bool) api.TaskOutputStreamDataPayload {
	out := make([]api.TaskOutputLine, len(lines))
	for i, l := range lines {
		out[i] = api.TaskOutputLine{
			Timestamp: l.Timestamp,
			Stream:    l.Stream.String(),
			Content:   l.Content,
			Sequence:  l.Sequence,
		}
	}
	return api.TaskOutputStreamDataPayload{TaskID: taskID, Lines: out, IsHistorical: historical, HasMore: hasMore}
}

// Stop cancels a single subscription.
func (s *Service) Stop(id string) {
	s.mu.Lock()
	sub, ok := s.subs[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.subs, id)
	if set := s.byClient[sub.clientID]; set != nil {
		delete(set, id)
		if len(set) == 0 {
			delete(s.byClient, sub.clientID)
		}
	}
	s.mu.Unlock()
	sub.cancel()
}

// StopClientStreams cancels every subscription owned by clientID; the
// hub invokes this as a disconnect cleanup callback.
func (s *Service) StopClientStreams(clientID string) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.byClient[clientID]))
	for id := range s.byClient[clientID] {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.Stop(id)
	}
}
