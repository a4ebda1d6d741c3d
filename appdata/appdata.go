// Copyright 2022 Drone.IO Inc. All rights reserved.
// Use of this source code is governed by the Polyform License
// that can be found in the LICENSE file.

// Package appdata defines the data model managed by the App Registry
// (L4): AppData and its nested AppSettings/ContainerState, the closed
// status enums, and the sensitive-value masking applied on JSON
// egress.
package appdata

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/scottyapp/scotty/actions"
	"github.com/scottyapp/scotty/notify"
)

// AppStatus is the closed set of lifecycle states an app can report,
// derived from its aggregated container statuses.
type AppStatus string

const (
	StatusRunning     AppStatus = "running"
	StatusStopped     AppStatus = "stopped"
	StatusCreating    AppStatus = "creating"
	StatusStarting    AppStatus = "starting"
	StatusStopping    AppStatus = "stopping"
	StatusUnsupported AppStatus = "unsupported"
)

// ContainerStatus mirrors Docker's own container status values, plus
// Empty for a declared service with no running container.
type ContainerStatus string

const (
	ContainerCreated    ContainerStatus = "created"
	ContainerRunning    ContainerStatus = "running"
	ContainerPaused     ContainerStatus = "paused"
	ContainerRestarting ContainerStatus = "restarting"
	ContainerRemoving   ContainerStatus = "removing"
	ContainerExited     ContainerStatus = "exited"
	ContainerDead       ContainerStatus = "dead"
	ContainerEmpty      ContainerStatus = "empty"
)

// TTLKind discriminates the AppTtl sum type.
type TTLKind int

const (
	TTLHours TTLKind = iota
	TTLDays
	TTLForever
)

// TTL is a tagged Hours(n) | Days(n) | Forever value.
type TTL struct {
	Kind  TTLKind
	Value int
}

func Hours(n int) TTL   { return TTL{Kind: TTLHours, Value: n} }
func Days(n int) TTL    { return TTL{Kind: TTLDays, Value: n} }
func Forever() TTL      { return TTL{Kind: TTLForever} }

// Duration converts the TTL to a time.Duration; Forever maps to zero,
// which callers must treat as "never expires" rather than "expired".
func (t TTL) Duration() time.Duration {
	switch t.Kind {
	case TTLHours:
		return time.Duration(t.Value) * time.Hour
	case TTLDays:
		return time.Duration(t.Value) * 24 * time.Hour
	default:
		return 0
	}
}

func (t TTL) MarshalYAML() (interface{}, error) {
	switch t.Kind {
	case TTLHours:
		return map[string]int{"hours": t.Value}, nil
	case TTLDays:
		return map[string]int{"days": t.Value}, nil
	default:
		return "forever", nil
	}
}

func (t *TTL) UnmarshalYAML(node *yaml.Node) error {
	var asString string
	if err := node.Decode(&asString); err == nil {
		if strings.EqualFold(asString, "forever") {
			*t = Forever()
			return nil
		}
	}
	var asMap map[string]int
	if err := node.Decode(&asMap); err != nil {
		return fmt.Errorf("invalid time_to_live value: %w", err)
	}
	if v, ok := asMap["hours"]; ok {
		*t = Hours(v)
		return nil
	}
	if v, ok := asMap["days"]; ok {
		*t = Days(v)
		return nil
	}
	return fmt.Errorf("time_to_live must be one of hours, days, or \"forever\"")
}

// BasicAuth is a user/password pair for load-balancer basic auth.
type BasicAuth struct {
	User     string `yaml:"user" json:"user"`
	Password string `yaml:"password" json:"-"`
}

// ServicePortMapping declares a Compose service as publicly reachable
// on a port, with optional custom domains. YAML decoding accepts either
// a singular `domain` or plural `domains` key; JSON uses `domains` only.
type ServicePortMapping struct {
	Service string   `yaml:"service" json:"service"`
	Port    int      `yaml:"port" json:"port"`
	Domains []string `yaml:"domains,omitempty" json:"domains,omitempty"`
}

type servicePortMappingAlias struct {
	Service string   `yaml:"service" json:"service"`
	Port    int      `yaml:"port" json:"port"`
	Domain  string   `yaml:"domain,omitempty" json:"domain,omitempty"`
	Domains []string `yaml:"domains,omitempty" json:"domains,omitempty"`
}

func (m *ServicePortMapping) UnmarshalYAML(node *yaml.Node) error {
	var alias servicePortMappingAlias
	if err := node.Decode(&alias); err != nil {
		return err
	}
	m.Service = alias.Service
	m.Port = alias.Port
	m.Domains = alias.Domains
	if alias.Domain != "" {
		m.Domains = append(m.Domains, alias.Domain)
	}
	return nil
}

// GetDomains returns the configured custom domains, or a single
// auto-generated "{service}.{appDomain}" when none are configured.
func (m ServicePortMapping) GetDomains(appDomain string) []string {
	if len(m.Domains) > 0 {
		return m.Domains
	}
	if appDomain == "" {
		return nil
	}
	return []string{fmt.Sprintf("%s.%s", m.Service, appDomain)}
}

// ContainerState is one Compose service's observed runtime state.
type ContainerState struct {
	ServiceName   string          `json:"service_name"`
	ContainerID   string          `json:"container_id,omitempty"`
	Status        ContainerStatus `json:"status"`
	Domains       []string        `json:"domains,omitempty"`
	TLS           bool            `json:"tls"`
	Port          int             `json:"port,omitempty"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	Registry      string          `json:"registry,omitempty"`
	BasicAuthUser string          `json:"basic_auth_user,omitempty"`
	BasicAuthPass string          `json:"-"`
}

func (c ContainerState) IsRunning() bool { return c.Status == ContainerRunning }

func (c ContainerState) RunningSince() time.Duration {
	if c.StartedAt == nil || !c.IsRunning() {
		return 0
	}
	return time.Since(*c.StartedAt)
}

func (c ContainerState) GetURLs() []string {
	scheme := "http"
	if c.TLS {
		scheme = "https"
	}
	urls := make([]string, 0, len(c.Domains))
	for _, d := range c.Domains {
		urls = append(urls, scheme+"://"+d)
	}
	return urls
}

// AppSettings is the declarative, operator-authored intent for an
// app, persisted at <app_dir>/.scotty.yml.
type AppSettings struct {
	PublicServices  []ServicePortMapping `yaml:"public_services" json:"public_services"`
	Domain          string               `yaml:"domain" json:"domain"`
	TimeToLive      TTL                  `yaml:"time_to_live" json:"time_to_live"`
	DestroyOnTTL    bool                 `yaml:"destroy_on_ttl" json:"destroy_on_ttl"`
	BasicAuth       *BasicAuth           `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
	DisallowRobots  bool                 `yaml:"disallow_robots" json:"disallow_robots"`
	Environment     map[string]string    `yaml:"environment,omitempty" json:"environment,omitempty"`
	Registry        string               `yaml:"registry,omitempty" json:"registry,omitempty"`
	AppBlueprint    string               `yaml:"app_blueprint,omitempty" json:"app_blueprint,omitempty"`
	Notify          []notify.Receiver    `yaml:"notify,omitempty" json:"notify,omitempty"`
	Scopes          []string             `yaml:"scopes,omitempty" json:"scopes,omitempty"`
	Middlewares     []string             `yaml:"middlewares,omitempty" json:"middlewares,omitempty"`
	CustomActions   map[string]*actions.CustomAction `yaml:"custom_actions,omitempty" json:"custom_actions,omitempty"`
	UseTLS          bool                 `yaml:"use_tls" json:"use_tls"`
}

var sensitiveEnvMarkers = []string{"SECRET", "PASSWORD", "TOKEN", "KEY", "CREDENTIAL"}

func isSensitiveEnvKey(key string) bool {
	upper := strings.ToUpper(key)
	for _, marker := range sensitiveEnvMarkers {
		if strings.Contains(upper, marker) {
			return true
		}
	}
	return false
}

// MaskSensitiveEnvMap returns a copy of env with values of
// security-sensitive keys replaced by a fixed placeholder. Used only
// for API egress; the file on disk keeps the real values since
// Compose needs them verbatim.
func MaskSensitiveEnvMap(env map[string]string) map[string]string {
	masked := make(map[string]string, len(env))
	for k, v := range env {
		if isSensitiveEnvKey(k) {
			masked[k] = "***"
		} else {
			masked[k] = v
		}
	}
	return masked
}

// MarshalJSON masks sensitive environment values on egress. The YAML
// encoding used for the on-disk .scotty.yml file is unaffected since
// it goes through the struct's yaml tags directly, not this method.
func (s AppSettings) MarshalJSON() ([]byte, error) {
	type alias AppSettings
	copied := alias(s)
	copied.Environment = MaskSensitiveEnvMap(s.Environment)
	return json.Marshal(copied)
}

// MergeWithGlobalSettings fills in Domain, TimeToLive and Registry
// from the operator-wide defaults when they are left zero-valued; no
// other field is merged.
func (s *AppSettings) MergeWithGlobalSettings(global AppSettings) {
	if s.Domain == "" {
		s.Domain = global.Domain
	}
	if s.TimeToLive == (TTL{}) {
		s.TimeToLive = global.TimeToLive
	}
	if s.Registry == "" {
		s.Registry = global.Registry
	}
}

// AppData is the unit of management owned by the App Registry (L4).
type AppData struct {
	Name              string           `json:"name"`
	RootDirectory     string           `json:"root_directory"`
	DockerComposePath string           `json:"docker_compose_path"`
	Status            AppStatus        `json:"status"`
	Services          []ContainerState `json:"services"`
	Settings          *AppSettings     `json:"settings,omitempty"`
	LastChecked       time.Time        `json:"last_checked"`
}

// AdoptedCapable reports whether this app has no persisted settings
// yet and can therefore be adopted, but is not eligible for
// destructive operations until it is.
func (a AppData) AdoptedCapable() bool { return a.Settings == nil }

func (a AppData) Service(name string) (ContainerState, bool) {
	for _, s := range a.Services {
		if s.ServiceName == name {
			return s, true
		}
	}
	return ContainerState{}, false
}

// SanitizeEnvKey converts a service name into the upper-cased prefix,
// with every non-alphanumeric replaced by '_', used for the "{SVC}_DOMAIN" env
// variable convention (L5/L9).
func SanitizeEnvKey(name string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(name) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}

// ParsePort is a small helper used when reading port values back out
// of load-balancer env-var introspection, where they arrive as
// strings.
func ParsePort(s string) (int, error) {
	return strconv.Atoi(s)
}

// LoadSettingsFile reads a persisted .scotty.yml. The file's values
// are cleartext -- Compose needs the real secrets -- masking only
// happens on API egress via MarshalJSON.
func LoadSettingsFile(path string) (*AppSettings, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var settings AppSettings
	if err := yaml.Unmarshal(raw, &settings); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return &settings, nil
}

// SaveSettingsFile persists settings to the app's .scotty.yml.
func SaveSettingsFile(path string, settings *AppSettings) error {
	raw, err := yaml.Marshal(settings)
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o644)
}
