// Copyright 2022 Drone.IO Inc. All rights reserved.
// Use of this source code is governed by the Polyform License
// that can be found in the LICENSE file.

// Package appstate assembles every collaborating component into one
// SharedAppState record, constructed once at startup and threaded
// explicitly through every HTTP/WS handler and background scheduler.
// There are no package-level singletons here: two independent
// SharedAppState values never interfere with each other, which keeps
// tests free of global state to reset between cases.
package appstate

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/scottyapp/scotty/audit"
	"github.com/scottyapp/scotty/authz"
	"github.com/scottyapp/scotty/blueprint"
	"github.com/scottyapp/scotty/config"
	"github.com/scottyapp/scotty/discovery"
	"github.com/scottyapp/scotty/dockerclient"
	"github.com/scottyapp/scotty/identity"
	"github.com/scottyapp/scotty/internal/safego"
	"github.com/scottyapp/scotty/loadbalancer"
	"github.com/scottyapp/scotty/logstream"
	"github.com/scottyapp/scotty/metrics"
	"github.com/scottyapp/scotty/notify"
	"github.com/scottyapp/scotty/orchestrator"
	"github.com/scottyapp/scotty/registry"
	"github.com/scottyapp/scotty/shell"
	"github.com/scottyapp/scotty/task"
	"github.com/scottyapp/scotty/taskstream"
	"github.com/scottyapp/scotty/wshub"
)

// SharedAppState is the one long-lived record every request handler
// and scheduler closes over. Each embedded component owns its own
// lock discipline; SharedAppState itself holds no mutable state of
// its own beyond the struct fields set at construction.
type SharedAppState struct {
	Config *config.Config

	Apps       *registry.Registry
	Tasks      *task.Manager
	Docker     *dockerclient.Client
	Authz      *authz.Table
	Notifier   *notify.Dispatcher
	Blueprints *blueprint.Registry
	Discovery  *discovery.Service
	Identity   identity.Validator
	Metrics    metrics.Sink
	Audit      *audit.Store

	Orchestrator *orchestrator.Orchestrator
	Hub          *wshub.Hub
	LogStreams   *logstream.Service
	Shells       *shell.Service
	TaskStreams  *taskstream.Service
}

// New wires every component from cfg. docker and validator are
// supplied by the caller (the `server` command in cli/server) since both can fail to
// construct in ways the caller needs to report distinctly (bad
// DOCKER_HOST, bad identity provider config).
func New(cfg *config.Config, docker *dockerclient.Client, validator identity.Validator) (*SharedAppState, error) {
	sink := metrics.Sink(metrics.NopSink{})
	if cfg.Metrics.Enabled {
		sink = metrics.NewPrometheus()
	}

	var auditStore *audit.Store
	if cfg.Actions.AuditDBPath != "" {
		var err error
		auditStore, err = audit.Open(cfg.Actions.AuditDBPath)
		if err != nil {
			return nil, err
		}
	}

	blueprints, err := blueprint.LoadDir(cfg.Docker.BlueprintsDir)
	if err != nil {
		return nil, err
	}

	lbType := loadbalancer.Traefik
	if cfg.Docker.LoadBalancer == string(loadbalancer.HAProxy) {
		lbType = loadbalancer.HAProxy
	}

	apps := registry.New()
	tasks := task.NewManager()
	az := authz.New()
	if cfg.Auth.BootstrapToken != "" {
		az = authz.NewFallback(cfg.Auth.BootstrapToken)
	}
	notifier := notify.NewDispatcher()
	disc := discovery.New(discovery.Options{
		RootFolder: cfg.Docker.AppsRoot,
		LBType:     lbType,
	}, docker)

	orch := orchestrator.New(apps, tasks, docker, az, notifier, blueprints, disc, sink, lbType, cfg.Docker.AppsRoot)
	orch.ContainerWaitPoll = cfg.Docker.ContainerPoll

	hub := wshub.New(validator, sink)
	logStreams := logstream.New(docker, sink)
	shells := shell.New(docker, shell.Settings{
		DefaultShell:      cfg.Shell.DefaultShell,
		SessionTTL:        cfg.Shell.SessionTTL,
		MaxSessionsPerApp: cfg.Shell.MaxSessionsPerApp,
		MaxSessionsGlobal: cfg.Shell.MaxSessionsGlobal,
	})
	taskStreams := taskstream.New(tasks)

	hub.OnDisconnect(logStreams.StopClientStreams)
	hub.OnDisconnect(shells.StopClientSessions)
	hub.OnDisconnect(taskStreams.StopClientStreams)

	return &SharedAppState{
		Config:       cfg,
		Apps:         apps,
		Tasks:        tasks,
		Docker:       docker,
		Authz:        az,
		Notifier:     notifier,
		Blueprints:   blueprints,
		Discovery:    disc,
		Identity:     validator,
		Metrics:      sink,
		Audit:        auditStore,
		Orchestrator: orch,
		Hub:          hub,
		LogStreams:   logStreams,
		Shells:       shells,
		TaskStreams:  taskStreams,
	}, nil
}

// RunSchedulers starts every background loop (discovery sweep, TTL
// sweep, task/shell-session cleanup), each in its own goroutine, and
// returns at once; the loops run until ctx is cancelled, mirroring the teacher's own long-running goroutine
// convention of one ticker loop per concern instead of one monolithic
// scheduler.
func (s *SharedAppState) RunSchedulers(ctx context.Context) {
	safego.SafeGoWithContext("discovery-sweep", ctx, s.runDiscoverySweep)
	safego.SafeGoWithContext("ttl-sweep", ctx, s.runTTLSweep)
	safego.SafeGoWithContext("task-cleanup", ctx, s.runTaskCleanup)
	safego.SafeGoWithContext("shell-session-sweep", ctx, func(ctx context.Context) {
		s.Shells.RunSweeper(ctx, time.Minute)
	})
}

func (s *SharedAppState) runDiscoverySweep(ctx context.Context) {
	ticker := time.NewTicker(s.Config.Scheduler.DiscoveryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			apps, err := s.Discovery.FindApps(ctx)
			if err != nil {
				logrus.WithError(err).Warnln("discovery sweep reported errors")
			}
			s.Apps.ReplaceAll(apps)
		}
	}
}

func (s *SharedAppState) runTTLSweep(ctx context.Context) {
	ticker := time.NewTicker(s.Config.Scheduler.TTLSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, app := range s.Apps.List() {
				if app.Settings == nil || !app.Settings.DestroyOnTTL {
					continue
				}
				ttl := app.Settings.TimeToLive.Duration()
				if ttl <= 0 || time.Since(app.LastChecked) < ttl {
					continue
				}
				if _, err := s.Orchestrator.Destroy(ctx, app.Name); err != nil {
					logrus.WithField("app", app.Name).WithError(err).Warnln("TTL-triggered destroy failed to start")
				}
			}
		}
	}
}

func (s *SharedAppState) runTaskCleanup(ctx context.Context) {
	ticker := time.NewTicker(s.Config.Scheduler.TaskCleanupTTL / 4)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tasks.Cleanup(s.Config.Scheduler.TaskCleanupTTL)
		}
	}
}

// Close releases every resource that owns an OS handle.
func (s *SharedAppState) Close() error {
	return s.Audit.Close()
}
