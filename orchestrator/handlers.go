// Copyright 2022 Drone.IO Inc. All rights reserved.
// Use of this source code is governed by the Polyform License
// that can be found in the LICENSE file.

package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/scottyapp/scotty/actions"
	"github.com/scottyapp/scotty/appdata"
	"github.com/scottyapp/scotty/authz"
	"github.com/scottyapp/scotty/blueprint"
	apperrors "github.com/scottyapp/scotty/errors"
	"github.com/scottyapp/scotty/loadbalancer"
	"github.com/scottyapp/scotty/notify"
	"github.com/scottyapp/scotty/statemachine"
	"github.com/scottyapp/scotty/task"
)

func (o *Orchestrator) handleDockerLogin(dir string, next state) statemachine.Handler[state, *opContext] {
	return func(ctx context.Context, from state, c *opContext) (state, error) {
		c.task.Output.AddStdout("docker login: using ambient credentials, no-op")
		return next, nil
	}
}

func (o *Orchestrator) handleComposeUp(dir string, next state) statemachine.Handler[state, *opContext] {
	return func(ctx context.Context, from state, c *opContext) (state, error) {
		if err := runCompose(ctx, c.task, dir, "up", "-d"); err != nil {
			return "", err
		}
		return next, nil
	}
}

func (o *Orchestrator) handleComposeStop(dir string, next state) statemachine.Handler[state, *opContext] {
	return func(ctx context.Context, from state, c *opContext) (state, error) {
		if err := runCompose(ctx, c.task, dir, "stop"); err != nil {
			return "", err
		}
		return next, nil
	}
}

func (o *Orchestrator) handleComposePull(dir string, next state) statemachine.Handler[state, *opContext] {
	return func(ctx context.Context, from state, c *opContext) (state, error) {
		if err := runCompose(ctx, c.task, dir, "pull"); err != nil {
			return "", err
		}
		return next, nil
	}
}

func (o *Orchestrator) handleComposeBuild(dir string, next state) statemachine.Handler[state, *opContext] {
	return func(ctx context.Context, from state, c *opContext) (state, error) {
		if err := runCompose(ctx, c.task, dir, "build"); err != nil {
			return "", err
		}
		return next, nil
	}
}

func (o *Orchestrator) handleComposeDown(dir string, next state) statemachine.Handler[state, *opContext] {
	return func(ctx context.Context, from state, c *opContext) (state, error) {
		if err := runCompose(ctx, c.task, dir, "down"); err != nil {
			return "", err
		}
		return next, nil
	}
}

func (o *Orchestrator) handleComposeDownWithVolumes(dir string, next state) statemachine.Handler[state, *opContext] {
	return func(ctx context.Context, from state, c *opContext) (state, error) {
		if err := runCompose(ctx, c.task, dir, "down", "--volumes"); err != nil {
			return "", err
		}
		return next, nil
	}
}

func (o *Orchestrator) handleWaitForContainers(timeout time.Duration, next state) statemachine.Handler[state, *opContext] {
	return func(ctx context.Context, from state, c *opContext) (state, error) {
		if err := o.waitForAllContainers(ctx, c.appName, timeout); err != nil {
			return "", err
		}
		return next, nil
	}
}

// handlePostScripts runs the lifecycle scripts declared by the app's
// resolved blueprint (if any) for the given hook, each as `sh -c` in
// the app directory.
func (o *Orchestrator) handlePostScripts(hook string, next state) statemachine.Handler[state, *opContext] {
	return func(ctx context.Context, from state, c *opContext) (state, error) {
		app, ok := o.Apps.Get(c.appName)
		if !ok || app.Settings == nil || app.Settings.AppBlueprint == "" || o.Blueprints == nil {
			return next, nil
		}
		bp, ok := o.Blueprints.Get(app.Settings.AppBlueprint)
		if !ok {
			return next, nil
		}

		var scripts []string
		switch hook {
		case "post_create":
			scripts = bp.PostCreate
		case "post_run":
			scripts = bp.PostRun
		case "post_rebuild":
			scripts = bp.PostRebuild
		}

		for _, script := range scripts {
			if err := task.RunCommand(ctx, c.task, app.RootDirectory, "sh", []string{"-c", script}, os.Environ()); err != nil {
				return "", apperrors.Wrap(apperrors.KindUpstreamFailure, "post-"+hook+" script failed", err)
			}
		}
		return next, nil
	}
}

func (o *Orchestrator) handleUpdateAppData(next state) statemachine.Handler[state, *opContext] {
	return func(ctx context.Context, from state, c *opContext) (state, error) {
		app, err := o.refreshAppData(ctx, c.appName)
		if err != nil {
			return "", err
		}
		c.app = app
		return next, nil
	}
}

// handleSetFailed is the distinguished error-state handler: it
// refreshes app state from Docker, optionally fires a notification,
// and returns an error so that the machine's Run (and with it the
// task) ends as failed.
func (o *Orchestrator) handleSetFailed(notifyType notify.MessageType) statemachine.Handler[state, *opContext] {
	return func(ctx context.Context, from state, c *opContext) (state, error) {
		if app, err := o.refreshAppData(ctx, c.appName); err == nil {
			c.app = app
			if notifyType != "" {
				o.Notifier.Dispatch(ctx, notifyReceivers(app), notify.New(notifyType, c.appName, "operation failed"))
			}
		}
		c.task.Output.AddStderr("operation failed for app " + c.appName)
		return stateSetFinished, fmt.Errorf("orchestrator run for %s ended in error state", c.appName)
	}
}

// ---- create-only handlers ----

func (o *Orchestrator) handleValidateFiles(next state) statemachine.Handler[state, *opContext] {
	return func(ctx context.Context, from state, c *opContext) (state, error) {
		if len(c.createReq.ComposeContent) == 0 {
			return "", apperrors.InvalidInput("compose_content is required to create an app")
		}
		if _, err := os.Stat(o.appDir(c.appName)); err == nil {
			return "", apperrors.Conflict("app directory already exists: " + o.appDir(c.appName))
		}
		return next, nil
	}
}

func (o *Orchestrator) handleComputeSettings(next state) statemachine.Handler[state, *opContext] {
	return func(ctx context.Context, from state, c *opContext) (state, error) {
		req := c.createReq

		if err := loadbalancer.ValidateMiddlewares(req.Middlewares); err != nil {
			return "", err
		}

		ttl := appdata.Days(7)
		if req.TimeToLive != nil {
			ttl = *req.TimeToLive
		}

		settings := &appdata.AppSettings{
			PublicServices: req.PublicServices,
			Domain:         req.Domain,
			TimeToLive:     ttl,
			DestroyOnTTL:   req.DestroyOnTTL,
			BasicAuth:      req.BasicAuth,
			DisallowRobots: req.DisallowRobots,
			Environment:    req.Environment,
			Registry:       req.Registry,
			AppBlueprint:   req.AppBlueprint,
			Scopes:         req.Scopes,
			Middlewares:    req.Middlewares,
		}

		if o.Blueprints != nil && req.AppBlueprint != "" {
			if bp, ok := o.Blueprints.Get(req.AppBlueprint); ok {
				bp.ApplyTo(settings)
			}
		}

		app := appdata.AppData{
			Name:              c.appName,
			RootDirectory:     o.appDir(c.appName),
			DockerComposePath: filepath.Join(o.appDir(c.appName), "docker-compose.yml"),
			Status:            appdata.StatusCreating,
			Settings:          settings,
			LastChecked:       time.Now(),
		}
		c.app = app
		c.scopes = req.Scopes
		return next, nil
	}
}

func (o *Orchestrator) handleMaterialiseFiles(next state) statemachine.Handler[state, *opContext] {
	return func(ctx context.Context, from state, c *opContext) (state, error) {
		if err := os.MkdirAll(c.app.RootDirectory, 0o755); err != nil {
			return "", apperrors.Internal("failed to create app directory", err)
		}
		if err := os.WriteFile(c.app.DockerComposePath, c.createReq.ComposeContent, 0o644); err != nil {
			return "", apperrors.Internal("failed to write docker-compose.yml", err)
		}
		return next, nil
	}
}

func (o *Orchestrator) handleWriteOverride(next state) statemachine.Handler[state, *opContext] {
	return func(ctx context.Context, from state, c *opContext) (state, error) {
		gen := loadbalancer.New(o.LBType)
		override, err := gen.Generate(c.appName, c.app.Settings)
		if err != nil {
			return "", err
		}
		raw, err := loadbalancer.Marshal(override)
		if err != nil {
			return "", apperrors.Internal("failed to render compose override", err)
		}
		overridePath := filepath.Join(c.app.RootDirectory, "docker-compose.override.yml")
		if err := os.WriteFile(overridePath, raw, 0o644); err != nil {
			return "", apperrors.Internal("failed to write compose override", err)
		}
		return next, nil
	}
}

func (o *Orchestrator) handlePersistSettings(next state) statemachine.Handler[state, *opContext] {
	return func(ctx context.Context, from state, c *opContext) (state, error) {
		settingsPath := filepath.Join(c.app.RootDirectory, ".scotty.yml")
		if err := appdata.SaveSettingsFile(settingsPath, c.app.Settings); err != nil {
			return "", apperrors.Internal("failed to persist .scotty.yml", err)
		}
		if err := o.Apps.Add(c.app); err != nil {
			return "", err
		}
		return next, nil
	}
}

// ---- adopt-only handlers ----

func (o *Orchestrator) handleValidateAdopt(next state) statemachine.Handler[state, *opContext] {
	return func(ctx context.Context, from state, c *opContext) (state, error) {
		if c.app.Settings != nil {
			return "", apperrors.Conflict("app already adopted: " + c.appName)
		}
		return next, nil
	}
}

func (o *Orchestrator) handleComputeAdoptSettings(next state) statemachine.Handler[state, *opContext] {
	return func(ctx context.Context, from state, c *opContext) (state, error) {
		req := c.adoptReq

		if err := loadbalancer.ValidateMiddlewares(req.Middlewares); err != nil {
			return "", err
		}

		ttl := appdata.Days(7)
		if req.TimeToLive != nil {
			ttl = *req.TimeToLive
		}

		settings := &appdata.AppSettings{
			PublicServices: req.PublicServices,
			Domain:         req.Domain,
			TimeToLive:     ttl,
			DestroyOnTTL:   req.DestroyOnTTL,
			BasicAuth:      req.BasicAuth,
			DisallowRobots: req.DisallowRobots,
			Environment:    req.Environment,
			Registry:       req.Registry,
			AppBlueprint:   req.AppBlueprint,
			Scopes:         req.Scopes,
			Middlewares:    req.Middlewares,
		}

		if o.Blueprints != nil && req.AppBlueprint != "" {
			if bp, ok := o.Blueprints.Get(req.AppBlueprint); ok {
				bp.ApplyTo(settings)
			}
		}

		c.app.Settings = settings
		c.scopes = req.Scopes
		return next, nil
	}
}

func (o *Orchestrator) handlePersistAdoptSettings(next state) statemachine.Handler[state, *opContext] {
	return func(ctx context.Context, from state, c *opContext) (state, error) {
		settingsPath := filepath.Join(c.app.RootDirectory, ".scotty.yml")
		if err := appdata.SaveSettingsFile(settingsPath, c.app.Settings); err != nil {
			return "", apperrors.Internal("failed to persist .scotty.yml", err)
		}
		if err := o.Apps.Update(c.app); err != nil {
			return "", err
		}
		return next, nil
	}
}

func (o *Orchestrator) handleBindScopes(next state) statemachine.Handler[state, *opContext] {
	return func(ctx context.Context, from state, c *opContext) (state, error) {
		scopes := c.scopes
		if len(scopes) > 0 && !o.Authz.CheckInScopes(c.userID, scopes, authz.PermissionCreate) {
			return "", apperrors.Forbidden("not authorized to place app into the requested scopes")
		}
		o.Authz.BindApp(c.appName, scopes)
		return next, nil
	}
}

func (o *Orchestrator) handleUnbindScopes(next state) statemachine.Handler[state, *opContext] {
	return func(ctx context.Context, from state, c *opContext) (state, error) {
		o.Authz.UnbindApp(c.appName)
		return next, nil
	}
}

func (o *Orchestrator) handleRemoveFiles(dir string, next state) statemachine.Handler[state, *opContext] {
	return func(ctx context.Context, from state, c *opContext) (state, error) {
		if err := os.RemoveAll(dir); err != nil {
			return "", apperrors.Internal("failed to remove app directory", err)
		}
		return next, nil
	}
}

func (o *Orchestrator) handleRemoveFromRegistry(next state) statemachine.Handler[state, *opContext] {
	return func(ctx context.Context, from state, c *opContext) (state, error) {
		o.Apps.Remove(c.appName)
		return next, nil
	}
}

func (o *Orchestrator) handleRecreateLBConfig(next state) statemachine.Handler[state, *opContext] {
	return func(ctx context.Context, from state, c *opContext) (state, error) {
		app, ok := o.Apps.Get(c.appName)
		if !ok || app.Settings == nil {
			return next, nil
		}
		gen := loadbalancer.New(o.LBType)
		override, err := gen.Generate(c.appName, app.Settings)
		if err != nil {
			return "", err
		}
		raw, err := loadbalancer.Marshal(override)
		if err != nil {
			return "", apperrors.Internal("failed to render compose override", err)
		}
		overridePath := filepath.Join(app.RootDirectory, "docker-compose.override.yml")
		if err := os.WriteFile(overridePath, raw, 0o644); err != nil {
			return "", apperrors.Internal("failed to write compose override", err)
		}
		return next, nil
	}
}

// ---- custom-action handlers ----

func (o *Orchestrator) handleResolveAction(next state) statemachine.Handler[state, *opContext] {
	return func(ctx context.Context, from state, c *opContext) (state, error) {
		app, ok := o.Apps.Get(c.appName)
		if !ok {
			return "", apperrors.NotFound("app not found: " + c.appName)
		}

		if app.Settings != nil {
			if a, ok := app.Settings.CustomActions[c.actionName]; ok {
				c.action = a
				c.app = app
				return next, nil
			}
		}

		if app.Settings != nil && app.Settings.AppBlueprint != "" && o.Blueprints != nil {
			if bp, ok := o.Blueprints.Get(app.Settings.AppBlueprint); ok {
				if spec, ok := bp.CustomActions[c.actionName]; ok {
					c.action = blueprintFallbackAction(c.actionName, spec)
					c.app = app
					return next, nil
				}
			}
		}

		return "", apperrors.NotFound("custom action not found: " + c.actionName)
	}
}

func (o *Orchestrator) handleCheckCanExecute(next state) statemachine.Handler[state, *opContext] {
	return func(ctx context.Context, from state, c *opContext) (state, error) {
		if !c.action.CanExecute() {
			return "", apperrors.Forbidden("custom action is not currently executable: " + c.actionName)
		}
		perm := authz.Permission(c.action.Permission)
		if !o.Authz.Check(c.userID, c.appName, perm) {
			return "", apperrors.Forbidden("not authorized to run custom action: " + c.actionName)
		}
		return next, nil
	}
}

func (o *Orchestrator) handleRunActionCommands(next state) statemachine.Handler[state, *opContext] {
	return func(ctx context.Context, from state, c *opContext) (state, error) {
		for svcName, cmds := range c.action.Commands {
			svcState, found := c.app.Service(svcName)
			if !found || svcState.ContainerID == "" {
				return "", apperrors.InvalidInput("service " + svcName + " has no running container")
			}
			env := actionEnv(c.app, svcName)
			for _, cmd := range cmds {
				out, exitCode, err := o.Docker.ExecNonInteractive(ctx, svcState.ContainerID, []string{"sh", "-c", cmd}, env)
				c.task.Output.AddStdout(out)
				if err != nil {
					return "", err
				}
				if exitCode != 0 {
					return "", apperrors.Upstream(fmt.Sprintf("command %q exited with code %d", cmd, exitCode), nil)
				}
			}
		}
		return next, nil
	}
}

// blueprintFallbackAction synthesises a CustomAction from a
// blueprint-declared spec. It is always considered pre-approved: the
// operator already vetted the blueprint's commands, so there is no
// per-app reviewer in the loop.
func blueprintFallbackAction(name string, spec blueprint.CustomActionSpec) *actions.CustomAction {
	perm := actions.PermissionActionWrite
	if spec.Permission == string(actions.PermissionActionRead) {
		perm = actions.PermissionActionRead
	}
	a := actions.New(name, spec.Description, spec.Commands, perm, "blueprint")
	a.Status = actions.Approved
	return a
}

func actionEnv(app appdata.AppData, currentService string) []string {
	env := make([]string, 0, len(app.Services))
	for _, svc := range app.Services {
		for _, d := range svc.Domains {
			env = append(env, appdata.SanitizeEnvKey(svc.ServiceName)+"_DOMAIN="+d)
		}
	}
	return env
}
