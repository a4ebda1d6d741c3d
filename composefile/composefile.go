// Copyright 2022 Drone.IO Inc. All rights reserved.
// Use of this source code is governed by the Polyform License
// that can be found in the LICENSE file.

// Package composefile wraps compose-go's loader to parse a project's
// docker-compose.yml for the service list and the two checks that
// drive the Unsupported composite detection: host-port publishing and
// unresolved environment variable references.
package composefile

import (
	"context"
	"os"
	"path/filepath"
	"regexp"

	"github.com/compose-spec/compose-go/v2/loader"
	"github.com/compose-spec/compose-go/v2/types"

	apperrors "github.com/scottyapp/scotty/errors"
)

// Project is a parsed compose file.
type Project struct {
	raw *types.Project
}

// Load parses the compose file at path.
func Load(path string) (*Project, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.Upstream("failed to read compose file "+path, err)
	}

	details := types.ConfigDetails{
		WorkingDir: filepath.Dir(path),
		ConfigFiles: []types.ConfigFile{
			{Filename: path, Content: raw},
		},
		Environment: envMap(),
	}

	proj, err := loader.LoadWithContext(context.Background(), details, func(o *loader.Options) {
		o.SkipValidation = true
		o.SkipNormalization = true
		o.ResolvePaths = false
	})
	if err != nil {
		return nil, apperrors.InvalidInput("invalid compose file " + path + ": " + err.Error())
	}
	return &Project{raw: proj}, nil
}

func envMap() map[string]string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				env[kv[:i]] = kv[i+1:]
				break
			}
		}
	}
	return env
}

// ServiceNames returns the declared service names in file order.
func (p *Project) ServiceNames() []string {
	names := make([]string, 0, len(p.raw.Services))
	for _, svc := range p.raw.Services {
		names = append(names, svc.Name)
	}
	return names
}

func (p *Project) ServiceNameSet() map[string]bool {
	set := make(map[string]bool, len(p.raw.Services))
	for _, svc := range p.raw.Services {
		set[svc.Name] = true
	}
	return set
}

// PublishesHostPorts reports whether any service declares a `ports:`
// host-port publishing entry. Scotty routes all ingress through the
// load balancer, so a compose file that tries to publish host ports
// directly is rejected as Unsupported.
func (p *Project) PublishesHostPorts() bool {
	for _, svc := range p.raw.Services {
		if len(svc.Ports) > 0 {
			return true
		}
	}
	return false
}

var unresolvedVarRe = regexp.MustCompile(`\$\{[A-Za-z_][A-Za-z0-9_]*(:?-[^}]*)?\}|\$[A-Za-z_][A-Za-z0-9_]*`)

// HasUnresolvedEnv reports whether any service's environment block
// still contains an unsubstituted `${VAR}`/`$VAR` reference after
// compose-go's own interpolation pass -- meaning no value was
// available for it anywhere (shell env, .env file, or a default).
func (p *Project) HasUnresolvedEnv() bool {
	for _, svc := range p.raw.Services {
		for _, v := range svc.Environment {
			if v != nil && unresolvedVarRe.MatchString(*v) {
				return true
			}
		}
	}
	return false
}
