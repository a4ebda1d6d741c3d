// Copyright 2022 Drone.IO Inc. All rights reserved.
// Use of this source code is governed by the Polyform License
// that can be found in the LICENSE file.

// Package logstream implements the Log Streaming Service (L11): it
// tails a container's combined stdout/stderr through the Docker
// Engine API and fans parsed, timestamped lines out to a WebSocket
// client in small batches, flushed by count or by time, whichever
// comes first.
package logstream

import (
	"bufio"
	"context"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/uuid"
	"github.com/sirupsen/logrus"

	"github.com/scottyapp/scotty/api"
	"github.com/scottyapp/scotty/dockerclient"
	"github.com/scottyapp/scotty/metrics"
	"github.com/scottyapp/scotty/output"
	"github.com/scottyapp/scotty/wshub"
)

const (
	flushBatchSize = 50
	flushInterval  = 250 * time.Millisecond
)

// stream is one active tail of a single container to a single client.
type stream struct {
	id       string
	clientID string
	appName  string
	service  string
	client   *wshub.Client
	cancel   context.CancelFunc
	buf      *output.Buffer
	batchMu  sync.Mutex
	batch    []api.TaskOutputLine
}

// Service owns every active stream, keyed by stream id, plus a
// secondary index by client id for O(owned streams) disconnect
// cleanup.
type Service struct {
	docker  *dockerclient.Client
	metrics metrics.Sink

	mu       sync.Mutex
	streams  map[string]*stream
	byClient map[string]map[string]bool
}

func New(docker *dockerclient.Client, sink metrics.Sink) *Service {
	if sink == nil {
		sink = metrics.NopSink{}
	}
	return &Service{
		docker:   docker,
		metrics:  sink,
		streams:  make(map[string]*stream),
		byClient: make(map[string]map[string]bool),
	}
}

// Start begins tailing containerID and streaming lines to client,
// returning the new stream id. The caller is expected to have already
// resolved appName/service/containerID via the registry and discovery
// packages and checked authorization.
func (s *Service) Start(client *wshub.Client, appName, service, containerID string, follow bool, tailLines int, limits output.Limits) string {
	id := uuid.Must(uuid.NewV4()).String()
	ctx, cancel := context.WithCancel(context.Background())

	st := &stream{
		id:       id,
		clientID: client.ID,
		appName:  appName,
		service:  service,
		client:   client,
		cancel:   cancel,
		buf:      output.New(limits),
	}

	s.mu.Lock()
	s.streams[id] = st
	if s.byClient[client.ID] == nil {
		s.byClient[client.ID] = make(map[string]bool)
	}
	s.byClient[client.ID][id] = true
	s.mu.Unlock()

	tail := "all"
	if tailLines > 0 {
		tail = strconv.Itoa(tailLines)
	}

	go s.run(ctx, st, containerID, follow, tail)

	client.Send(api.Envelope{Type: api.MsgLogsStreamStarted, Payload: api.LogsStreamStartedPayload{StreamID: id}})
	return id
}

func (s *Service) run(ctx context.Context, st *stream, containerID string, follow bool, tail string) {
	stdoutR, stdoutW := s.newLineWriter(st, "stdout")
	stderrR, stderrW := s.newLineWriter(st, "stderr")
	defer stdoutR.wait()
	defer stderrR.wait()

	flushDone := make(chan struct{})
	go s.flushLoop(ctx, st, flushDone)

	err := s.docker.TailLogs(ctx, containerID, follow, tail, stdoutW, stderrW)
	stdoutW.Close()
	stderrW.Close()
	<-flushDone

	reason := "ended"
	if err != nil {
		reason = err.Error()
		logrus.WithField("stream", st.id).WithError(err).Warnln("log stream ended with error")
	}
	s.flush(st)
	st.client.Send(api.Envelope{Type: api.MsgLogsStreamEnded, Payload: api.LogsStreamEndedPayload{StreamID: st.id, Reason: reason}})

	s.Stop(st.id)
}

func (s *Service) flushLoop(ctx context.Context, st *stream, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.flush(st)
		}
	}
}

func (s *Service) flush(st *stream) {
	st.batchMu.Lock()
	if len(st.batch) == 0 {
		st.batchMu.Unlock()
		return
	}
	lines := st.batch
	st.batch = nil
	st.batchMu.Unlock()

	s.metrics.LogLinesStreamed(st.appName, len(lines))
	st.client.Send(api.Envelope{Type: api.MsgLogsStreamData, Payload: api.LogsStreamDataPayload{
		StreamID:  st.id,
		Stream:    lines[len(lines)-1].Stream,
		Content:   joinLines(lines),
		Timestamp: lines[len(lines)-1].Timestamp,
	}})
}

func joinLines(lines []api.TaskOutputLine) string {
	var b strings.Builder
	for i, l := range lines {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(l.Content)
	}
	return b.String()
}

func (s *Service) appendLine(st *stream, streamName, content string) {
	_, rest := splitDockerTimestamp(content)
	line := st.buf.Append(output.ParseStreamType(streamName), rest)

	st.batchMu.Lock()
	st.batch = append(st.batch, api.TaskOutputLine{Timestamp: line.Timestamp, Stream: streamName, Content: rest, Sequence: line.Sequence})
	full := len(st.batch) >= flushBatchSize
	st.batchMu.Unlock()

	if full {
		s.flush(st)
	}
}

// splitDockerTimestamp parses the RFC3339Nano timestamp Docker
// prepends when Timestamps:true is requested, falling back to now if
// the line is unexpectedly bare.
func splitDockerTimestamp(line string) (time.Time, string) {
	idx := strings.IndexByte(line, ' ')
	if idx <= 0 {
		return time.Now().UTC(), line
	}
	ts, err := time.Parse(time.RFC3339Nano, line[:idx])
	if err != nil {
		return time.Now().UTC(), line
	}
	return ts, line[idx+1:]
}

// Stop cancels and removes a single stream.
func (s *Service) Stop(id string) {
	s.mu.Lock()
	st, ok := s.streams[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.streams, id)
	if set := s.byClient[st.clientID]; set != nil {
		delete(set, id)
		if len(set) == 0 {
			delete(s.byClient, st.clientID)
		}
	}
	s.mu.Unlock()
	st.cancel()
}

// StopClientStreams cancels every stream owned by clientID; it is
// registered with the hub as a disconnect cleanup callback.
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

// lineWriter is an io.Writer adapter that scans complete lines out of
// whatever TailLogs writes and forwards each to the service for
// parsing/batching.
type lineWriter struct {
	done chan struct{}
}

func (s *Service) newLineWriter(st *stream, streamName string) (*lineWriter, *io.PipeWriter) {
	pr, pw := io.Pipe()
	lw := &lineWriter{done: make(chan struct{})}
	go func() {
		defer close(lw.done)
		scanner := bufio.NewScanner(pr)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			s.appendLine(st, streamName, scanner.Text())
		}
	}()
	return lw, pw
}

func (lw *lineWriter) wait() { <-lw.done }
