// Copyright 2022 Drone.IO Inc. All rights reserved.
// Use of this source code is governed by the Polyform License
// that can be found in the LICENSE file.

// Package orchestrator implements the Lifecycle Orchestrators (L9):
// one linear statemachine.Machine per user-facing action (create,
// run, stop, rebuild, destroy, purge, custom action), each driving the
// task manager, the Docker compose subprocess, the load-balancer
// generator and the app registry to completion. Failure never rolls
// back partial side effects -- the core favors deterministic state
// over atomicity, leaving purge-and-retry to the operator.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/scottyapp/scotty/actions"
	"github.com/scottyapp/scotty/appdata"
	"github.com/scottyapp/scotty/authz"
	"github.com/scottyapp/scotty/blueprint"
	"github.com/scottyapp/scotty/discovery"
	"github.com/scottyapp/scotty/dockerclient"
	apperrors "github.com/scottyapp/scotty/errors"
	"github.com/scottyapp/scotty/loadbalancer"
	"github.com/scottyapp/scotty/metrics"
	"github.com/scottyapp/scotty/notify"
	"github.com/scottyapp/scotty/output"
	"github.com/scottyapp/scotty/registry"
	"github.com/scottyapp/scotty/statemachine"
	"github.com/scottyapp/scotty/task"
)

// state is the shared set of step names every orchestrator machine is
// built from; not every machine visits every state.
type state string

const (
	stateDockerLogin          state = "docker_login"
	stateValidateFiles        state = "validate_files"
	stateComputeSettings      state = "compute_settings"
	stateMaterialiseFiles     state = "materialise_files"
	stateWriteOverride        state = "write_override"
	statePersistSettings      state = "persist_settings"
	stateRecreateLBConfig     state = "recreate_lb_config"
	stateComposePull          state = "compose_pull"
	stateComposeBuild         state = "compose_build"
	stateComposeUp            state = "compose_up"
	stateComposeStop          state = "compose_stop"
	stateComposeDown          state = "compose_down"
	stateWaitForContainers    state = "wait_for_containers"
	statePostCreate           state = "post_create"
	statePostRun              state = "post_run"
	statePostRebuild          state = "post_rebuild"
	stateBindScopes           state = "bind_scopes"
	stateUnbindScopes         state = "unbind_scopes"
	stateRemoveFiles          state = "remove_files"
	stateRemoveFromRegistry   state = "remove_from_registry"
	stateValidateAdopt        state = "validate_adopt"
	stateComputeAdoptSettings state = "compute_adopt_settings"
	statePersistAdoptSettings state = "persist_adopt_settings"
	stateResolveAction        state = "resolve_action"
	stateCheckCanExecute      state = "check_can_execute"
	stateRunActionCommands    state = "run_action_commands"
	stateUpdateAppData        state = "update_app_data"
	stateSetFinished          state = "set_finished"
	stateSetFailed            state = "set_failed"
)

// opContext is the shared mutable context (§4.9 "Context = {app_state,
// task, app_data}") threaded through every handler of one machine run.
type opContext struct {
	o       *Orchestrator
	task    *task.Task
	appName string

	app    appdata.AppData
	scopes []string // requested scopes, set by compute-settings; consumed by bind-scopes

	// Create-only fields.
	createReq CreateRequest

	// Adopt-only fields.
	adoptReq AdoptRequest

	// CustomAction-only fields.
	actionName string
	action     *actions.CustomAction
	userID     string
}

// CreateRequest carries the operator intent for a new app, mirroring
// the REST CreateAppRequest but decoupled from the wire package.
type CreateRequest struct {
	AppName        string
	PublicServices []appdata.ServicePortMapping
	Domain         string
	TimeToLive     *appdata.TTL
	DestroyOnTTL   bool
	BasicAuth      *appdata.BasicAuth
	DisallowRobots bool
	Environment    map[string]string
	Registry       string
	AppBlueprint   string
	Scopes         []string
	Middlewares    []string
	ComposeContent []byte
}

// AdoptRequest carries the settings to attach to an app that discovery
// already found on disk but which has no .scotty.yml yet -- "adopted-
// capable" per the core data model. Unlike CreateRequest, adopt never
// writes a compose file or brings the project up: the compose file on
// disk is what made the app discoverable in the first place.
type AdoptRequest struct {
	PublicServices []appdata.ServicePortMapping
	Domain         string
	TimeToLive     *appdata.TTL
	DestroyOnTTL   bool
	BasicAuth      *appdata.BasicAuth
	DisallowRobots bool
	Environment    map[string]string
	Registry       string
	AppBlueprint   string
	Scopes         []string
	Middlewares    []string
}

// Orchestrator wires every collaborating service together. One
// instance is shared across all app operations; each Run/Stop/etc.
// call spawns its own task and its own Machine instance so
// concurrently running operations never share mutable state beyond
// what the registry and authz tables already guard with their own
// locks.
type Orchestrator struct {
	Apps       *registry.Registry
	Tasks      *task.Manager
	Docker     *dockerclient.Client
	Authz      *authz.Table
	Notifier   *notify.Dispatcher
	Blueprints *blueprint.Registry
	Discovery  *discovery.Service
	Metrics    metrics.Sink
	LBType     loadbalancer.Type
	AppsRoot   string

	ContainerWaitPoll time.Duration
}

func New(apps *registry.Registry, tasks *task.Manager, docker *dockerclient.Client, az *authz.Table, notifier *notify.Dispatcher, blueprints *blueprint.Registry, disc *discovery.Service, sink metrics.Sink, lbType loadbalancer.Type, appsRoot string) *Orchestrator {
	if sink == nil {
		sink = metrics.NopSink{}
	}
	return &Orchestrator{
		Apps:              apps,
		Tasks:             tasks,
		Docker:            docker,
		Authz:             az,
		Notifier:          notifier,
		Blueprints:        blueprints,
		Discovery:         disc,
		Metrics:           sink,
		LBType:            lbType,
		AppsRoot:          appsRoot,
		ContainerWaitPoll: 2 * time.Second,
	}
}

// runMachine wraps a state machine's Run call with start/finish metrics,
// shared by every public operation method below.
func (o *Orchestrator) runMachine(op, appName string, run func() error) error {
	o.Metrics.TaskStarted(appName, op)
	start := time.Now()
	err := run()
	o.Metrics.TaskFinished(appName, op, time.Since(start), err != nil)
	return err
}

func (o *Orchestrator) composeDir(appName string) (string, error) {
	app, ok := o.Apps.Get(appName)
	if !ok {
		return "", apperrors.NotFound("app not found: " + appName)
	}
	return app.RootDirectory, nil
}

// refreshAppData re-runs introspection for a single app's compose
// project and writes the result back into the registry; orchestrators
// call this at UpdateAppData instead of a targeted patch, matching the
// original's "re-derive from Docker" approach to state.
func (o *Orchestrator) refreshAppData(ctx context.Context, appName string) (appdata.AppData, error) {
	apps, err := o.Discovery.FindApps(ctx)
	if err != nil {
		logrus.WithError(err).Warnln("discovery pass during refresh reported errors")
	}
	for _, a := range apps {
		if a.Name == appName {
			_ = o.Apps.Update(a)
			return a, nil
		}
	}
	app, ok := o.Apps.Get(appName)
	if !ok {
		return appdata.AppData{}, apperrors.NotFound("app not found: " + appName)
	}
	return app, nil
}

// waitForAllContainers polls Docker inspect on each named service's
// container until none report Created or Restarting, or the deadline
// elapses.
func (o *Orchestrator) waitForAllContainers(ctx context.Context, appName string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		containers, err := o.Docker.ContainersForCompose(ctx, appName)
		if err != nil {
			return err
		}

		settled := true
		for _, c := range containers {
			info, err := o.Docker.Inspect(ctx, c.ID)
			if err != nil {
				continue
			}
			if info.State != nil && (info.State.Status == "created" || info.State.Restarting) {
				settled = false
			}
		}
		if settled {
			return nil
		}
		if time.Now().After(deadline) {
			return apperrors.Timeout(fmt.Sprintf("timed out waiting for containers of %s to settle", appName))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(o.ContainerWaitPoll):
		}
	}
}

func runCompose(ctx context.Context, t *task.Task, dir string, args ...string) error {
	return task.RunCommand(ctx, t, dir, "docker", append([]string{"compose"}, args...), os.Environ())
}

// ---- Run ----

// Run drives RunDockerLogin -> ComposeUp -> WaitForAllContainers ->
// PostRun -> UpdateAppData -> SetFinished, falling back to SetFailed
// on any step's error.
func (o *Orchestrator) Run(ctx context.Context, appName string) (string, error) {
	dir, err := o.composeDir(appName)
	if err != nil {
		return "", err
	}

	id := o.Tasks.StartManaged(ctx, appName, defaultLimits(), func(ctx context.Context, t *task.Task) error {
		opc := &opContext{o: o, task: t, appName: appName}
		m := statemachine.New[state, *opContext]("run", stateSetFailed).Terminal(stateSetFinished)
		m.On(stateDockerLogin, o.handleDockerLogin(dir, stateComposeUp))
		m.On(stateComposeUp, o.handleComposeUp(dir, stateWaitForContainers))
		m.On(stateWaitForContainers, o.handleWaitForContainers(60*time.Second, statePostRun))
		m.On(statePostRun, o.handlePostScripts("post_run", stateUpdateAppData))
		m.On(stateUpdateAppData, o.handleUpdateAppData(stateSetFinished))
		m.On(stateSetFailed, o.handleSetFailed(""))
		return o.runMachine("run", appName, func() error { return m.Run(ctx, stateDockerLogin, opc) })
	})
	return id, nil
}

// ---- Stop ----

func (o *Orchestrator) Stop(ctx context.Context, appName string) (string, error) {
	dir, err := o.composeDir(appName)
	if err != nil {
		return "", err
	}

	id := o.Tasks.StartManaged(ctx, appName, defaultLimits(), func(ctx context.Context, t *task.Task) error {
		opc := &opContext{o: o, task: t, appName: appName}
		m := statemachine.New[state, *opContext]("stop", stateSetFailed).Terminal(stateSetFinished)
		m.On(stateComposeStop, o.handleComposeStop(dir, stateUpdateAppData))
		m.On(stateUpdateAppData, o.handleUpdateAppData(stateSetFinished))
		m.On(stateSetFailed, o.handleSetFailed(""))
		return o.runMachine("stop", appName, func() error { return m.Run(ctx, stateComposeStop, opc) })
	})
	return id, nil
}

// ---- Rebuild ----

func (o *Orchestrator) Rebuild(ctx context.Context, appName string) (string, error) {
	dir, err := o.composeDir(appName)
	if err != nil {
		return "", err
	}

	id := o.Tasks.StartManaged(ctx, appName, defaultLimits(), func(ctx context.Context, t *task.Task) error {
		opc := &opContext{o: o, task: t, appName: appName}
		m := statemachine.New[state, *opContext]("rebuild", stateSetFailed).Terminal(stateSetFinished)
		m.On(stateRecreateLBConfig, o.handleRecreateLBConfig(stateDockerLogin))
		m.On(stateDockerLogin, o.handleDockerLogin(dir, stateComposePull))
		m.On(stateComposePull, o.handleComposePull(dir, stateComposeBuild))
		m.On(stateComposeBuild, o.handleComposeBuild(dir, stateComposeStop))
		m.On(stateComposeStop, o.handleComposeStop(dir, stateComposeUp))
		m.On(stateComposeUp, o.handleComposeUp(dir, stateWaitForContainers))
		m.On(stateWaitForContainers, o.handleWaitForContainers(300*time.Second, statePostRebuild))
		m.On(statePostRebuild, o.handlePostScripts("post_rebuild", stateUpdateAppData))
		m.On(stateUpdateAppData, o.handleUpdateAppData(stateSetFinished))
		m.On(stateSetFailed, o.handleSetFailed(""))
		return o.runMachine("rebuild", appName, func() error { return m.Run(ctx, stateRecreateLBConfig, opc) })
	})
	return id, nil
}

// ---- Create ----

func (o *Orchestrator) Create(ctx context.Context, userID string, req CreateRequest) (string, error) {
	if o.Apps.Has(req.AppName) {
		return "", apperrors.Conflict("app already exists: " + req.AppName)
	}

	id := o.Tasks.StartManaged(ctx, req.AppName, defaultLimits(), func(ctx context.Context, t *task.Task) error {
		opc := &opContext{o: o, task: t, appName: req.AppName, createReq: req, userID: userID}
		m := statemachine.New[state, *opContext]("create", stateSetFailed).Terminal(stateSetFinished)
		m.On(stateValidateFiles, o.handleValidateFiles(stateComputeSettings))
		m.On(stateComputeSettings, o.handleComputeSettings(stateMaterialiseFiles))
		m.On(stateMaterialiseFiles, o.handleMaterialiseFiles(stateWriteOverride))
		m.On(stateWriteOverride, o.handleWriteOverride(statePersistSettings))
		m.On(statePersistSettings, o.handlePersistSettings(stateDockerLogin))
		m.On(stateDockerLogin, o.handleDockerLogin(o.appDir(req.AppName), stateComposeUp))
		m.On(stateComposeUp, o.handleComposeUp(o.appDir(req.AppName), stateWaitForContainers))
		m.On(stateWaitForContainers, o.handleWaitForContainers(60*time.Second, statePostCreate))
		m.On(statePostCreate, o.handlePostScripts("post_create", stateBindScopes))
		m.On(stateBindScopes, o.handleBindScopes(stateUpdateAppData))
		m.On(stateUpdateAppData, o.handleUpdateAppData(stateSetFinished))
		m.On(stateSetFailed, o.handleSetFailed(notify.AppFailed))
		return o.runMachine("create", req.AppName, func() error {
			err := m.Run(ctx, stateValidateFiles, opc)
			if err == nil {
				o.Notifier.Dispatch(ctx, notifyReceivers(opc.app), notify.New(notify.AppCreated, req.AppName, "app created"))
			}
			return err
		})
	})
	return id, nil
}

func (o *Orchestrator) appDir(appName string) string {
	return filepath.Join(o.AppsRoot, appName)
}

// ---- Adopt ----

// Adopt attaches settings to an app discovery already found without a
// .scotty.yml, turning it from adopted-capable into a fully managed
// app. It runs synchronously -- no compose invocation is involved, so
// there is nothing worth tracking as a background task.
func (o *Orchestrator) Adopt(ctx context.Context, userID, appName string, req AdoptRequest) (appdata.AppData, error) {
	app, ok := o.Apps.Get(appName)
	if !ok {
		return appdata.AppData{}, apperrors.NotFound("app not found: " + appName)
	}
	if app.Settings != nil {
		return appdata.AppData{}, apperrors.Conflict("app already adopted: " + appName)
	}

	opc := &opContext{o: o, task: &task.Task{Output: output.New(defaultLimits())}, appName: appName, app: app, adoptReq: req, userID: userID}
	m := statemachine.New[state, *opContext]("adopt", stateSetFailed).Terminal(stateSetFinished)
	m.On(stateValidateAdopt, o.handleValidateAdopt(stateComputeAdoptSettings))
	m.On(stateComputeAdoptSettings, o.handleComputeAdoptSettings(stateWriteOverride))
	m.On(stateWriteOverride, o.handleWriteOverride(statePersistAdoptSettings))
	m.On(statePersistAdoptSettings, o.handlePersistAdoptSettings(stateBindScopes))
	m.On(stateBindScopes, o.handleBindScopes(stateUpdateAppData))
	m.On(stateUpdateAppData, o.handleUpdateAppData(stateSetFinished))
	m.On(stateSetFailed, o.handleSetFailed(""))

	if err := m.Run(ctx, stateValidateAdopt, opc); err != nil {
		return appdata.AppData{}, err
	}
	return opc.app, nil
}

// ---- Destroy ----

func (o *Orchestrator) Destroy(ctx context.Context, appName string) (string, error) {
	app, ok := o.Apps.Get(appName)
	if !ok {
		return "", apperrors.NotFound("app not found: " + appName)
	}
	dir := app.RootDirectory

	id := o.Tasks.StartManaged(ctx, appName, defaultLimits(), func(ctx context.Context, t *task.Task) error {
		opc := &opContext{o: o, task: t, appName: appName, app: app}
		m := statemachine.New[state, *opContext]("destroy", stateSetFailed).Terminal(stateSetFinished)
		m.On(stateComposeDown, o.handleComposeDownWithVolumes(dir, stateRemoveFiles))
		m.On(stateRemoveFiles, o.handleRemoveFiles(dir, stateUnbindScopes))
		m.On(stateUnbindScopes, o.handleUnbindScopes(stateRemoveFromRegistry))
		m.On(stateRemoveFromRegistry, o.handleRemoveFromRegistry(stateSetFinished))
		m.On(stateSetFailed, o.handleSetFailed(notify.AppFailed))
		return o.runMachine("destroy", appName, func() error {
			err := m.Run(ctx, stateComposeDown, opc)
			if err == nil {
				o.Notifier.Dispatch(ctx, notifyReceivers(opc.app), notify.New(notify.AppDestroyed, appName, "app destroyed"))
			}
			return err
		})
	})
	return id, nil
}

// ---- Purge ----

func (o *Orchestrator) Purge(ctx context.Context, appName string) (string, error) {
	dir, err := o.composeDir(appName)
	if err != nil {
		return "", err
	}

	id := o.Tasks.StartManaged(ctx, appName, defaultLimits(), func(ctx context.Context, t *task.Task) error {
		opc := &opContext{o: o, task: t, appName: appName}
		m := statemachine.New[state, *opContext]("purge", stateSetFailed).Terminal(stateSetFinished)
		m.On(stateComposeDown, o.handleComposeDown(dir, stateUpdateAppData))
		m.On(stateUpdateAppData, o.handleUpdateAppData(stateSetFinished))
		m.On(stateSetFailed, o.handleSetFailed(""))
		return o.runMachine("purge", appName, func() error { return m.Run(ctx, stateComposeDown, opc) })
	})
	return id, nil
}

// ---- Custom Action ----

// RunCustomAction resolves actionName per-app first and falls back to
// the app's blueprint, re-checks CanExecute and the caller's permission
// inside the task immediately before any command runs (closing the
// approval-revocation race), then runs each service's commands as
// `sh -c` through a Docker exec in that service's container.
func (o *Orchestrator) RunCustomAction(ctx context.Context, userID, appName, actionName string) (string, error) {
	if _, err := o.composeDir(appName); err != nil {
		return "", err
	}

	id := o.Tasks.StartManaged(ctx, appName, defaultLimits(), func(ctx context.Context, t *task.Task) error {
		opc := &opContext{o: o, task: t, appName: appName, actionName: actionName, userID: userID}
		m := statemachine.New[state, *opContext]("custom_action", stateSetFailed).Terminal(stateSetFinished)
		m.On(stateResolveAction, o.handleResolveAction(stateCheckCanExecute))
		m.On(stateCheckCanExecute, o.handleCheckCanExecute(stateRunActionCommands))
		m.On(stateRunActionCommands, o.handleRunActionCommands(stateUpdateAppData))
		m.On(stateUpdateAppData, o.handleUpdateAppData(stateSetFinished))
		m.On(stateSetFailed, o.handleSetFailed(""))
		return o.runMachine("custom_action", appName, func() error {
			err := m.Run(ctx, stateResolveAction, opc)
			o.Metrics.ActionExecuted(appName, actionName, err != nil)
			return err
		})
	})
	return id, nil
}

func notifyReceivers(app appdata.AppData) []notify.Receiver {
	if app.Settings == nil {
		return nil
	}
	return app.Settings.Notify
}

func defaultLimits() output.Limits { return output.DefaultLimits() }
