// Copyright 2022 Drone.IO Inc. All rights reserved.
// Use of this source code is governed by the Polyform License
// that can be found in the LICENSE file.

// Package blueprint loads reusable app presets: required services,
// default public services, and the lifecycle scripts an orchestrator
// runs at PostCreate/PostRun/PostRebuild, each authored as one YAML
// file under config/blueprints/.
package blueprint

import (
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/scottyapp/scotty/appdata"
	apperrors "github.com/scottyapp/scotty/errors"
)

// Blueprint is one reusable app preset.
type Blueprint struct {
	Name            string                       `yaml:"name"`
	RequiredServices []string                    `yaml:"required_services,omitempty"`
	DefaultPublicServices []appdata.ServicePortMapping `yaml:"default_public_services,omitempty"`
	PostCreate      []string                     `yaml:"post_create,omitempty"`
	PostRun         []string                     `yaml:"post_run,omitempty"`
	PostRebuild     []string                     `yaml:"post_rebuild,omitempty"`
	CustomActions   map[string]CustomActionSpec  `yaml:"custom_actions,omitempty"`
}

// CustomActionSpec is a blueprint-provided fallback custom action,
// used when an app has no per-app action of the same name.
type CustomActionSpec struct {
	Description string              `yaml:"description"`
	Commands    map[string][]string `yaml:"commands"`
	Permission  string              `yaml:"permission"`
}

// Registry holds every loaded blueprint by name.
type Registry struct {
	blueprints map[string]Blueprint
}

func NewRegistry() *Registry {
	return &Registry{blueprints: make(map[string]Blueprint)}
}

// LoadDir reads every *.yaml/*.yml file in dir as a Blueprint. Missing
// dir is not an error: blueprints are optional.
func LoadDir(dir string) (*Registry, error) {
	reg := NewRegistry()

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return reg, nil
		}
		return nil, apperrors.Upstream("failed to read blueprints directory", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, apperrors.Upstream("failed to read blueprint "+entry.Name(), err)
		}
		var bp Blueprint
		if err := yaml.Unmarshal(raw, &bp); err != nil {
			return nil, apperrors.InvalidInput("invalid blueprint " + entry.Name() + ": " + err.Error())
		}
		if bp.Name == "" {
			bp.Name = strings.TrimSuffix(entry.Name(), ext)
		}
		reg.blueprints[bp.Name] = bp
	}
	return reg, nil
}

func (r *Registry) Get(name string) (Blueprint, bool) {
	bp, ok := r.blueprints[name]
	return bp, ok
}

// ApplyTo fills in the blueprint's default public services when the
// app's own settings declare none, without overriding anything the
// operator set explicitly. No other setting is touched.
func (bp Blueprint) ApplyTo(settings *appdata.AppSettings) {
	if len(settings.PublicServices) == 0 {
		settings.PublicServices = append(settings.PublicServices, bp.DefaultPublicServices...)
	}
}
