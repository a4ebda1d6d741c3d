// Copyright 2022 Drone.IO Inc. All rights reserved.
// Use of this source code is governed by the Polyform License
// that can be found in the LICENSE file.

// Package discovery implements Docker Introspection (L6): it walks
// the apps root folder for Compose projects, inspects their running
// containers via dockerclient, and derives AppData including
// load-balancer info and the Unsupported-detection composite check.
package discovery

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/scottyapp/scotty/appdata"
	"github.com/scottyapp/scotty/composefile"
	"github.com/scottyapp/scotty/dockerclient"
	"github.com/scottyapp/scotty/loadbalancer"
)

// Options configures a discovery pass.
type Options struct {
	RootFolder string
	MaxDepth   int
	Registries []string
	LBType     loadbalancer.Type
}

// Service finds and inspects apps on disk.
type Service struct {
	opts   Options
	docker *dockerclient.Client
	lb     loadbalancer.Generator
}

func New(opts Options, docker *dockerclient.Client) *Service {
	return &Service{opts: opts, docker: docker, lb: loadbalancer.New(opts.LBType)}
}

// FindApps walks the root folder and inspects every discovered
// compose project concurrently, collecting whichever succeed.
// Individual failures are logged and skipped rather than aborting the
// whole pass, mirroring the original's join_all-over-best-effort
// semantics.
func (s *Service) FindApps(ctx context.Context) ([]appdata.AppData, error) {
	composeFiles, err := s.walk()
	if err != nil {
		return nil, err
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		apps    []appdata.AppData
		errs    *multierror.Error
	)

	for _, cf := range composeFiles {
		cf := cf
		wg.Add(1)
		go func() {
			defer wg.Done()
			app, err := s.inspectApp(ctx, cf)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = multierror.Append(errs, err)
				logrus.WithField("compose_file", cf).WithError(err).Warnln("failed to inspect app")
				return
			}
			apps = append(apps, app)
		}()
	}
	wg.Wait()

	return apps, errs.ErrorOrNil()
}

// walk collects every docker-compose.{yml,yaml} under the root folder
// whose parent directory is not the root itself.
func (s *Service) walk() ([]string, error) {
	var found []string
	root := s.opts.RootFolder

	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			rel, _ := filepath.Rel(root, path)
			if rel != "." && s.opts.MaxDepth > 0 && strings.Count(rel, string(filepath.Separator))+1 > s.opts.MaxDepth {
				return filepath.SkipDir
			}
			return nil
		}
		name := info.Name()
		if name != "docker-compose.yml" && name != "docker-compose.yaml" {
			return nil
		}
		if filepath.Dir(path) == root {
			// root-level compose files are rejected.
			return nil
		}
		found = append(found, path)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

// appName derives the app's slug from its compose file's directory,
// relative to the root folder, joining path separators with "--".
func (s *Service) appName(composePath string) string {
	rel, _ := filepath.Rel(s.opts.RootFolder, filepath.Dir(composePath))
	return strings.ReplaceAll(rel, string(filepath.Separator), "--")
}

func (s *Service) inspectApp(ctx context.Context, composePath string) (appdata.AppData, error) {
	name := s.appName(composePath)
	dir := filepath.Dir(composePath)

	project, err := composefile.Load(composePath)
	if err != nil {
		return appdata.AppData{}, err
	}

	settings, settingsErr := appdata.LoadSettingsFile(filepath.Join(dir, ".scotty.yml"))

	unsupported := s.isUnsupported(project, settings, settingsErr)

	app := appdata.AppData{
		Name:              name,
		RootDirectory:     dir,
		DockerComposePath: composePath,
		Settings:          settings,
		LastChecked:       time.Now(),
	}

	services, err := s.inspectServices(ctx, name, project.ServiceNames())
	if err != nil {
		logrus.WithField("app", name).WithError(err).Warnln("failed to inspect containers")
	}
	app.Services = services

	if unsupported {
		app.Status = appdata.StatusUnsupported
	} else {
		app.Status = deriveStatus(services)
	}

	return app, nil
}

// isUnsupported implements the composite check: declares host-port
// publishing, references an unresolved env var, or a public_services
// entry missing from the compose file. This definition is intentionally
// not broadened beyond these three checks.
func (s *Service) isUnsupported(project *composefile.Project, settings *appdata.AppSettings, settingsErr error) bool {
	if project.PublishesHostPorts() {
		return true
	}
	if project.HasUnresolvedEnv() {
		return true
	}
	if settings == nil {
		return settingsErr != nil && !os.IsNotExist(settingsErr)
	}
	declared := project.ServiceNameSet()
	for _, svc := range settings.PublicServices {
		if !declared[svc.Service] {
			return true
		}
	}
	return false
}

func deriveStatus(services []appdata.ContainerState) appdata.AppStatus {
	if len(services) == 0 {
		return appdata.StatusStopped
	}
	running := 0
	for _, s := range services {
		if s.IsRunning() {
			running++
		}
	}
	switch {
	case running == len(services):
		return appdata.StatusRunning
	case running == 0:
		return appdata.StatusStopped
	default:
		return appdata.StatusStarting
	}
}

// inspectServices maps declared compose service names against
// discovered running containers, filling in Empty placeholders for
// services that have no running container.
func (s *Service) inspectServices(ctx context.Context, appName string, declared []string) ([]appdata.ContainerState, error) {
	containers, err := s.docker.ContainersForCompose(ctx, appName)
	if err != nil {
		return placeholders(declared), err
	}

	byService := make(map[string]appdata.ContainerState, len(containers))
	for _, c := range containers {
		info, err := s.docker.Inspect(ctx, c.ID)
		if err != nil {
			continue
		}
		svc := dockerclient.ServiceLabel(info)
		if svc == "" {
			continue
		}
		byService[svc] = s.toContainerState(svc, c.ID, info)
	}

	out := make([]appdata.ContainerState, 0, len(declared))
	for _, svc := range declared {
		if cs, ok := byService[svc]; ok {
			out = append(out, cs)
			continue
		}
		out = append(out, appdata.ContainerState{ServiceName: svc, Status: appdata.ContainerEmpty})
	}
	return out, nil
}

func placeholders(declared []string) []appdata.ContainerState {
	out := make([]appdata.ContainerState, 0, len(declared))
	for _, svc := range declared {
		out = append(out, appdata.ContainerState{ServiceName: svc, Status: appdata.ContainerEmpty})
	}
	return out
}

func (s *Service) toContainerState(svc, containerID string, info types.ContainerJSON) appdata.ContainerState {
	cs := appdata.ContainerState{
		ServiceName: svc,
		ContainerID: containerID,
		Status:      mapContainerStatus(info.State),
	}

	if info.State != nil && info.State.StartedAt != "" {
		if t, err := time.Parse(time.RFC3339Nano, info.State.StartedAt); err == nil && !t.IsZero() {
			cs.StartedAt = &t
		}
	}

	if info.Config != nil {
		lbInfo := s.lb.ExtractInfo(info.Config.Labels, loadbalancer.ExtractInfoFromEnvLines(info.Config.Env))
		if lbInfo.Domain != "" {
			cs.Domains = []string{lbInfo.Domain}
		}
		cs.TLS = lbInfo.TLSEnabled
		cs.Port = lbInfo.Port
		cs.BasicAuthUser = lbInfo.HTTPAuthUser
		cs.BasicAuthPass = lbInfo.HTTPAuthPass

		if len(info.Image) > 0 {
			cs.Registry = dockerclient.MatchRegistry(info.Config.Image, s.opts.Registries)
		}
	}

	return cs
}

func mapContainerStatus(state *types.ContainerState) appdata.ContainerStatus {
	if state == nil {
		return appdata.ContainerEmpty
	}
	switch {
	case state.Running && state.Paused:
		return appdata.ContainerPaused
	case state.Running:
		return appdata.ContainerRunning
	case state.Restarting:
		return appdata.ContainerRestarting
	case state.Dead:
		return appdata.ContainerDead
	case state.Status == "removing":
		return appdata.ContainerRemoving
	case state.Status == "created":
		return appdata.ContainerCreated
	default:
		return appdata.ContainerExited
	}
}

// CollectEnvironment aggregates environment variables across a
// running app's containers, last-writer-wins across services, for use
// by the load-balancer env-var introspection path.
func CollectEnvironment(containerEnvs [][]string) map[string]string {
	out := make(map[string]string)
	for _, env := range containerEnvs {
		for k, v := range loadbalancer.ExtractInfoFromEnvLines(env) {
			out[k] = v
		}
	}
	return out
}
