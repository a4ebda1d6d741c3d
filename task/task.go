// Copyright 2022 Drone.IO Inc. All rights reserved.
// Use of this source code is governed by the Polyform License
// that can be found in the LICENSE file.

// Package task implements the Task Manager (L2): it launches
// subprocesses, redirects their stdout/stderr into a shared unified
// output buffer preserving arrival order, and exposes task lifecycle
// to callers (state machines, HTTP handlers, the output-streaming
// service).
package task

import (
	"bufio"
	"context"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/gofrs/uuid"
	"github.com/sirupsen/logrus"

	apperrors "github.com/scottyapp/scotty/errors"
	"github.com/scottyapp/scotty/output"
)

// State is the closed set of lifecycle states a Task can be in.
type State string

const (
	Running  State = "running"
	Finished State = "finished"
	Failed   State = "failed"
)

// Task is one execution of a shell subprocess under state-machine
// control, owning a unified output buffer.
type Task struct {
	ID                     string
	Command                string
	AppName                string
	State                  State
	StartTime              time.Time
	FinishTime             *time.Time
	LastExitCode           *int
	OutputCollectionActive bool

	Output *output.Buffer

	mu     sync.Mutex
	cancel context.CancelFunc
}

func (t *Task) setState(s State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.State = s
}

func (t *Task) GetState() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.State
}

// OnFinish is a callback type taking a task that has stopped running.
// Nothing in this package invokes it; orchestrator tasks observe
// completion through StartManaged's fn returning.
type OnFinish func(t *Task)

// Manager tracks every task by id under one lock. Concurrency
// bookkeeping mirrors the teacher's mutex-guarded map; unlike the
// teacher's polling-status design, tasks here drive their own
// completion callback instead of exposing a separate wait channel,
// since Scotty's state machines observe completion via the task
// object itself rather than polling a status map.
type Manager struct {
	mu    sync.RWMutex
	tasks map[string]*Task
}

func NewManager() *Manager {
	return &Manager{tasks: make(map[string]*Task)}
}

// Start spawns the process, captures its combined output, and returns
// the new task's id immediately; completion happens asynchronously.
func (m *Manager) Start(ctx context.Context, workingDir, name string, args, env []string, appName string, limits output.Limits) string {
	id := uuid.Must(uuid.NewV4()).String()

	taskCtx, cancel := context.WithCancel(ctx)
	t := &Task{
		ID:                     id,
		Command:                name,
		AppName:                appName,
		State:                  Running,
		StartTime:              time.Now(),
		OutputCollectionActive: true,
		Output:                 output.New(limits),
		cancel:                 cancel,
	}

	m.mu.Lock()
	m.tasks[id] = t
	m.mu.Unlock()

	go m.run(taskCtx, t, workingDir, name, args, env)

	return id
}

func (m *Manager) run(ctx context.Context, t *Task, workingDir, name string, args, env []string) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = workingDir
	cmd.Env = env

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		m.fail(t, err)
		return
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		m.fail(t, err)
		return
	}

	if err := cmd.Start(); err != nil {
		m.fail(t, err)
		return
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go m.pump(&wg, t, output.Stdout, stdout)
	go m.pump(&wg, t, output.Stderr, stderr)
	wg.Wait()

	err = cmd.Wait()
	now := time.Now()

	t.mu.Lock()
	t.FinishTime = &now
	t.OutputCollectionActive = false
	t.mu.Unlock()

	if err != nil {
		exitCode := -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
		t.mu.Lock()
		t.LastExitCode = &exitCode
		t.mu.Unlock()
		t.Output.AddStderr("process exited: " + err.Error())
		t.setState(Failed)
		return
	}

	zero := 0
	t.mu.Lock()
	t.LastExitCode = &zero
	t.mu.Unlock()
	t.setState(Finished)
}

// StartManaged creates a task whose lifecycle is driven by fn instead
// of a single subprocess; fn typically runs several subprocess steps
// in sequence via RunCommand, appending to the task's own output
// buffer, and returns the first failure. Used by the lifecycle
// orchestrators, whose state machines are themselves the "process".
func (m *Manager) StartManaged(ctx context.Context, appName string, limits output.Limits, fn func(ctx context.Context, t *Task) error) string {
	id := uuid.Must(uuid.NewV4()).String()

	taskCtx, cancel := context.WithCancel(ctx)
	t := &Task{
		ID:                     id,
		Command:                "orchestrator",
		AppName:                appName,
		State:                  Running,
		StartTime:              time.Now(),
		OutputCollectionActive: true,
		Output:                 output.New(limits),
		cancel:                 cancel,
	}

	m.mu.Lock()
	m.tasks[id] = t
	m.mu.Unlock()

	go func() {
		err := fn(taskCtx, t)
		now := time.Now()
		t.mu.Lock()
		t.FinishTime = &now
		t.OutputCollectionActive = false
		t.mu.Unlock()

		if err != nil {
			t.Output.AddStderr(err.Error())
			t.setState(Failed)
			return
		}
		zero := 0
		t.mu.Lock()
		t.LastExitCode = &zero
		t.mu.Unlock()
		t.setState(Finished)
	}()

	return id
}

// RunCommand runs one subprocess to completion, appending its
// interleaved stdout/stderr into t's output buffer, and returns an
// error if the process exits non-zero or fails to start.
func RunCommand(ctx context.Context, t *Task, workingDir, name string, args, env []string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = workingDir
	cmd.Env = env

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go pumpInto(&wg, t, output.Stdout, stdout)
	go pumpInto(&wg, t, output.Stderr, stderr)
	wg.Wait()

	if err := cmd.Wait(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return apperrors.Upstream(name+" exited with code "+itoa(exitErr.ExitCode()), err)
		}
		return apperrors.Upstream("failed to run "+name, err)
	}
	return nil
}

func pumpInto(wg *sync.WaitGroup, t *Task, stream output.StreamType, r io.Reader) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		t.Output.Append(stream, scanner.Text())
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var b [20]byte
	i := len(b)
	for n > 0 {
		i--
		b[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		b[i] = '-'
	}
	return string(b[i:])
}

func (m *Manager) fail(t *Task, err error) {
	now := time.Now()
	t.mu.Lock()
	t.FinishTime = &now
	t.OutputCollectionActive = false
	t.mu.Unlock()
	t.Output.AddStderr("failed to spawn process: " + err.Error())
	t.setState(Failed)
}

func (m *Manager) pump(wg *sync.WaitGroup, t *Task, stream output.StreamType, r io.Reader) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		t.Output.Append(stream, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		logrus.WithField("task", t.ID).WithError(err).Warnln("error scanning task output")
	}
}

// AddTaskStatus and AddTaskInfo push synthetic lines for user
// visibility without representing actual process output.
func (m *Manager) AddTaskStatus(id, message string) error {
	t, ok := m.Get(id)
	if !ok {
		return apperrors.NotFound("task not found: " + id)
	}
	t.Output.AddStderr(message)
	return nil
}

func (m *Manager) AddTaskInfo(id, message string) error {
	t, ok := m.Get(id)
	if !ok {
		return apperrors.NotFound("task not found: " + id)
	}
	t.Output.AddStdout(message)
	return nil
}

func (m *Manager) Get(id string) (*Task, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	return t, ok
}

// Cancel signals the task's subprocess and marks it Failed.
func (m *Manager) Cancel(id string) error {
	t, ok := m.Get(id)
	if !ok {
		return apperrors.NotFound("task not found: " + id)
	}
	t.mu.Lock()
	if t.cancel != nil {
		t.cancel()
	}
	t.mu.Unlock()
	t.setState(Failed)
	return nil
}

func (m *Manager) ListActive() []*Task {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Task, 0)
	for _, t := range m.tasks {
		if t.GetState() == Running {
			out = append(out, t)
		}
	}
	return out
}

// Cleanup removes finished/failed tasks whose FinishTime is older than
// ttlSinceFinish.
func (m *Manager) Cleanup(ttlSinceFinish time.Duration) {
	cutoff := time.Now().Add(-ttlSinceFinish)
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, t := range m.tasks {
		t.mu.Lock()
		finished := t.State != Running && t.FinishTime != nil && t.FinishTime.Before(cutoff)
		t.mu.Unlock()
		if finished {
			delete(m.tasks, id)
		}
	}
}
