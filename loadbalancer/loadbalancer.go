// Copyright 2022 Drone.IO Inc. All rights reserved.
// Use of this source code is governed by the Polyform License
// that can be found in the LICENSE file.

// Package loadbalancer implements the load-balancer override
// generator (L5): a pure function from app settings to a
// docker-compose.override.yml that exposes the app's public services
// through either Traefik labels or HAProxy-style env vars.
package loadbalancer

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"

	"github.com/scottyapp/scotty/appdata"
	apperrors "github.com/scottyapp/scotty/errors"
)

// Type selects the proxy convention in use.
type Type string

const (
	Traefik Type = "traefik"
	HAProxy Type = "haproxy"
)

// Info is the load-balancer-relevant detail recovered from a running
// container's labels or environment during introspection (L6).
type Info struct {
	Domain        string
	Port          int
	TLSEnabled    bool
	HTTPAuthUser  string
	HTTPAuthPass  string
}

func DefaultInfo() Info { return Info{Port: 80} }

// ServiceConfig is one service entry of the generated override file.
type ServiceConfig struct {
	Labels      map[string]string `yaml:"labels,omitempty"`
	Environment map[string]string `yaml:"environment,omitempty"`
}

// ComposeOverride is the top-level shape written to
// docker-compose.override.yml.
type ComposeOverride struct {
	Services map[string]ServiceConfig `yaml:"services"`
}

// Generator produces a ComposeOverride for one app. It is a pure
// function of its inputs: identical inputs always produce a
// byte-identical override, which Marshal guarantees via sorted map
// keys in yaml.v3's default encoder behavior for Go maps plus the
// deterministic ordering imposed here.
type Generator interface {
	Generate(appName string, settings *appdata.AppSettings) (*ComposeOverride, error)
	ExtractInfo(labels, env map[string]string) Info
}

var allowedMiddlewares = map[string]bool{
	"compress": true,
	"ratelimit": true,
	"retry": true,
}

// ValidateMiddlewares rejects any operator-declared middleware not on
// the allow-list.
func ValidateMiddlewares(names []string) error {
	for _, n := range names {
		if !allowedMiddlewares[n] {
			return apperrors.InvalidInput("middleware not allowed: " + n)
		}
	}
	return nil
}

func New(t Type) Generator {
	switch t {
	case HAProxy:
		return haproxyGenerator{}
	default:
		return traefikGenerator{}
	}
}

type traefikGenerator struct{}

func (traefikGenerator) Generate(appName string, settings *appdata.AppSettings) (*ComposeOverride, error) {
	override := &ComposeOverride{Services: make(map[string]ServiceConfig)}

	if err := ValidateMiddlewares(settings.Middlewares); err != nil {
		return nil, err
	}

	for _, svc := range settings.PublicServices {
		labels := make(map[string]string)
		env := make(map[string]string)

		routerName := fmt.Sprintf("%s--%s", appName, svc.Service)
		domains := svc.GetDomains(settings.Domain)

		rules := make([]string, 0, len(domains))
		for _, d := range domains {
			rules = append(rules, fmt.Sprintf("Host(`%s`)", d))
		}

		labels["traefik.enable"] = "true"
		labels[fmt.Sprintf("traefik.http.routers.%s.rule", routerName)] = strings.Join(rules, " || ")
		labels[fmt.Sprintf("traefik.http.services.%s.loadbalancer.server.port", routerName)] = strconv.Itoa(svc.Port)

		if settings.UseTLS {
			labels[fmt.Sprintf("traefik.http.routers.%s.tls", routerName)] = "true"
			labels[fmt.Sprintf("traefik.http.routers.%s.tls.certresolver", routerName)] = "default"
		}

		middlewares := make([]string, 0, len(settings.Middlewares)+2)
		middlewares = append(middlewares, settings.Middlewares...)

		if settings.BasicAuth != nil {
			mwName := fmt.Sprintf("%s--basic-auth", routerName)
			hashed, err := htpasswd(settings.BasicAuth.Password)
			if err != nil {
				return nil, apperrors.Internal("failed to hash basic auth password", err)
			}
			labels[fmt.Sprintf("traefik.http.middlewares.%s.basicauth.users", mwName)] =
				fmt.Sprintf("%s:%s", settings.BasicAuth.User, hashed)
			labels[fmt.Sprintf("traefik.http.middlewares.%s.basicauth.removeheader", mwName)] = "true"
			middlewares = append(middlewares, mwName)
		}

		if settings.DisallowRobots {
			mwName := fmt.Sprintf("%s--robots", routerName)
			labels[fmt.Sprintf("traefik.http.middlewares.%s.headers.customresponseheaders.X-Robots-Tag", mwName)] =
				"none, noarchive, nosnippet, notranslate, noimageindex"
			middlewares = append(middlewares, mwName)
		}

		labels[fmt.Sprintf("traefik.http.routers.%s.middlewares", routerName)] = strings.Join(middlewares, ",")

		if len(domains) > 0 {
			env[appdata.SanitizeEnvKey(svc.Service)+"_DOMAIN"] = domains[0]
		}

		override.Services[svc.Service] = ServiceConfig{Labels: labels, Environment: env}
	}

	return override, nil
}

var (
	traefikHostRe = regexp.MustCompile("traefik\\.http\\.routers\\.[a-z0-9-]*\\.rule=Host\\(`([^`]*)`\\)")
	traefikPortRe = regexp.MustCompile(`traefik\.http\.services\.[a-z0-9-]*\.loadbalancer\.server\.port=(\d+)`)
)

func (traefikGenerator) ExtractInfo(labels, env map[string]string) Info {
	info := DefaultInfo()
	for k, v := range labels {
		haystack := k + "=" + v
		if m := traefikHostRe.FindStringSubmatch(haystack); m != nil {
			info.Domain = m[1]
		}
		if m := traefikPortRe.FindStringSubmatch(haystack); m != nil {
			if p, err := strconv.Atoi(m[1]); err == nil {
				info.Port = p
			}
		}
		if strings.Contains(k, ".tls") && v == "true" {
			info.TLSEnabled = true
		}
	}
	return info
}

// htpasswd bcrypt-hashes a basic-auth password and doubles every `$`
// so the hash survives Docker Compose's own variable interpolation
// unescaped.
func htpasswd(password string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return strings.ReplaceAll(string(hashed), "$", "$$"), nil
}

type haproxyGenerator struct{}

func (haproxyGenerator) Generate(appName string, settings *appdata.AppSettings) (*ComposeOverride, error) {
	override := &ComposeOverride{Services: make(map[string]ServiceConfig)}

	for _, svc := range settings.PublicServices {
		env := make(map[string]string)
		domains := svc.GetDomains(settings.Domain)
		if len(domains) > 0 {
			env["VIRTUAL_HOST"] = domains[0]
		}
		env["VIRTUAL_PORT"] = strconv.Itoa(svc.Port)
		if settings.UseTLS {
			env["HTTPS_ONLY"] = "true"
		}
		if settings.BasicAuth != nil {
			env["HTTP_AUTH_USER"] = settings.BasicAuth.User
			hashed, err := htpasswd(settings.BasicAuth.Password)
			if err != nil {
				return nil, apperrors.Internal("failed to hash basic auth password", err)
			}
			env["HTTP_AUTH_PASS"] = hashed
		}
		override.Services[svc.Service] = ServiceConfig{Environment: env}
	}
	return override, nil
}

var envLineRe = regexp.MustCompile(`^\s*([\w.-]+)\s*=\s*(.*)\s*$`)

func (haproxyGenerator) ExtractInfo(labels, env map[string]string) Info {
	info := DefaultInfo()
	for key, value := range env {
		switch strings.ToUpper(key) {
		case "VHOST", "VIRTUAL_HOST":
			info.Domain = value
		case "VPORT", "VIRTUAL_PORT":
			if p, err := strconv.Atoi(value); err == nil {
				info.Port = p
			}
		case "HTTPS_ONLY":
			if strings.EqualFold(value, "true") || value == "1" {
				info.TLSEnabled = true
			}
		case "HTTP_AUTH_USER":
			info.HTTPAuthUser = value
		case "HTTP_AUTH_PASS":
			info.HTTPAuthPass = value
		}
	}
	return info
}

// ExtractInfoFromEnvLines parses raw "KEY=VALUE" container env
// entries (as returned by Docker inspect) the same way the HAProxy
// variant's Rust ancestor did, before handing them to ExtractInfo.
func ExtractInfoFromEnvLines(lines []string) map[string]string {
	out := make(map[string]string, len(lines))
	for _, line := range lines {
		if m := envLineRe.FindStringSubmatch(line); m != nil {
			out[m[1]] = m[2]
		}
	}
	return out
}

// Marshal renders the override with deterministic key ordering so
// that identical inputs yield byte-identical YAML.
func Marshal(o *ComposeOverride) ([]byte, error) {
	ordered := struct {
		Services yaml.Node `yaml:"services"`
	}{}

	names := make([]string, 0, len(o.Services))
	for name := range o.Services {
		names = append(names, name)
	}
	sort.Strings(names)

	servicesNode := yaml.Node{Kind: yaml.MappingNode}
	for _, name := range names {
		var valueNode yaml.Node
		if err := valueNode.Encode(o.Services[name]); err != nil {
			return nil, err
		}
		keyNode := yaml.Node{Kind: yaml.ScalarNode, Value: name}
		servicesNode.Content = append(servicesNode.Content, &keyNode, &valueNode)
	}
	ordered.Services = servicesNode

	return yaml.Marshal(ordered)
}
