// Copyright 2022 Drone.IO Inc. All rights reserved.
// Use of this source code is governed by the Polyform License
// that can be found in the LICENSE file.

// Package statemachine implements the generic typed-state DAG
// executor (L3) that the lifecycle orchestrators are built from: a
// registered (state -> handler) mapping, a distinguished terminal
// state and a distinguished error state that handler failures fall
// back to.
package statemachine

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
)

// Handler advances a machine from one state given the shared context.
// It returns the next state to transition to, or an error, in which
// case the engine switches to the machine's ErrorState instead.
type Handler[S comparable, C any] func(ctx context.Context, from S, data C) (S, error)

// Machine is a single logical state machine instance. A machine runs
// sequentially; callers may run many machines concurrently, each with
// its own Machine value. Context data C is not protected by the
// engine itself -- callers sharing C across goroutines must apply
// their own lock discipline.
type Machine[S comparable, C any] struct {
	handlers  map[S]Handler[S, C]
	terminal  S
	errState  S
	name      string
}

// New builds a machine. errState is the distinguished fallback state
// entered whenever a handler returns an error, and needs a handler
// registered via On before Run. The success terminal state is set with
// Terminal and never needs a handler (Run stops there).
func New[S comparable, C any](name string, errState S) *Machine[S, C] {
	return &Machine[S, C]{
		handlers: make(map[S]Handler[S, C]),
		errState: errState,
		name:     name,
	}
}

// On registers the handler invoked when the machine is in state s.
func (m *Machine[S, C]) On(s S, h Handler[S, C]) *Machine[S, C] {
	m.handlers[s] = h
	return m
}

// Terminal sets the success terminal state. Run stops as soon as the
// machine reaches it, without invoking a handler for it.
func (m *Machine[S, C]) Terminal(s S) *Machine[S, C] {
	m.terminal = s
	return m
}

// Run executes the machine starting from `start` until it reaches the
// terminal state or exhausts the error state's own handler chain.
// Every transition is logged. A handler error switches the current
// state to ErrorState; if no handler is registered for ErrorState (or
// the error handler itself errors and is not ErrorState-routable
// again), Run returns the error.
func (m *Machine[S, C]) Run(ctx context.Context, start S, data C) error {
	state := start
	for state != m.terminal {
		handler, ok := m.handlers[state]
		if !ok {
			return fmt.Errorf("statemachine %s: no handler registered for state %v", m.name, state)
		}

		next, err := handler(ctx, state, data)
		if err != nil {
			logrus.WithField("machine", m.name).
				WithField("from", fmt.Sprintf("%v", state)).
				WithError(err).
				Warnln("state handler failed, transitioning to error state")

			if state == m.errState {
				// the error handler itself failed: nowhere left to fall
				// back to, so the run is aborted.
				return err
			}
			state = m.errState
			continue
		}

		logrus.WithField("machine", m.name).
			WithField("from", fmt.Sprintf("%v", state)).
			WithField("to", fmt.Sprintf("%v", next)).
			Debugln("state transition")
		state = next
	}
	return nil
}
