// Copyright 2022 Drone.IO Inc. All rights reserved.
// Use of this source code is governed by the Polyform License
// that can be found in the LICENSE file.

// Package config assembles the Config struct once at startup from a
// layered set of YAML files plus environment overrides, in the style
// of the teacher's envconfig-driven Config but extended to the
// layered file contract the control plane needs: config/default.yaml,
// config/<run_mode>.yaml, config/local.yaml and, separately,
// config/blueprints/*.yaml (loaded by the blueprint package itself).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the immutable, fully-resolved configuration handed to
// every component at startup.
type Config struct {
	RunMode string `yaml:"run_mode"`

	Server    ServerConfig    `yaml:"server"`
	Docker    DockerConfig    `yaml:"docker"`
	Auth      AuthConfig      `yaml:"auth"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Actions   ActionsConfig   `yaml:"actions"`
	Shell     ShellConfig     `yaml:"shell"`
}

type ServerConfig struct {
	Bind     string `yaml:"bind"`
	TLSCert  string `yaml:"tls_cert"`
	TLSKey   string `yaml:"tls_key"`
	Insecure bool   `yaml:"insecure"`
}

type DockerConfig struct {
	Host          string        `yaml:"host"`
	AppsRoot      string        `yaml:"apps_root"`
	BlueprintsDir string        `yaml:"blueprints_dir"`
	LoadBalancer  string        `yaml:"load_balancer"` // "traefik" or "haproxy"
	ContainerWait time.Duration `yaml:"container_wait_timeout"`
	ContainerPoll time.Duration `yaml:"container_wait_poll"`
}

type AuthConfig struct {
	// BootstrapToken grants the wildcard identity full access to every
	// app until a real scope/role/assignment policy has been created
	// through the admin API; empty disables the fallback entirely.
	BootstrapToken string `yaml:"bootstrap_token"`
	// BootstrapTokens maps additional bearer tokens directly to a
	// user's email for the built-in identity.BearerValidator, useful
	// for local development without a real identity provider.
	BootstrapTokens map[string]string `yaml:"bootstrap_tokens"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type SchedulerConfig struct {
	DiscoveryInterval time.Duration `yaml:"discovery_interval"`
	TTLSweepInterval  time.Duration `yaml:"ttl_sweep_interval"`
	TaskCleanupTTL    time.Duration `yaml:"task_cleanup_ttl"`
}

type ActionsConfig struct {
	AuditDBPath string `yaml:"audit_db_path"` // empty keeps the in-memory-only store
}

type ShellConfig struct {
	DefaultShell      string        `yaml:"default_shell"`
	SessionTTL        time.Duration `yaml:"session_ttl"`
	MaxSessionsPerApp int           `yaml:"max_sessions_per_app"`
	MaxSessionsGlobal int           `yaml:"max_sessions_global"`
}

// Default returns the built-in baseline every layer is merged onto.
func Default() *Config {
	return &Config{
		RunMode: "development",
		Server: ServerConfig{
			Bind: ":3000",
		},
		Docker: DockerConfig{
			AppsRoot:      "/var/lib/scotty/apps",
			BlueprintsDir: "config/blueprints",
			LoadBalancer:  "traefik",
			ContainerWait: 60 * time.Second,
			ContainerPoll: 2 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Path:    "/metrics",
		},
		Scheduler: SchedulerConfig{
			DiscoveryInterval: 30 * time.Second,
			TTLSweepInterval:  5 * time.Minute,
			TaskCleanupTTL:    time.Hour,
		},
		Shell: ShellConfig{
			DefaultShell:      "/bin/sh",
			SessionTTL:        30 * time.Minute,
			MaxSessionsPerApp: 10,
			MaxSessionsGlobal: 200,
		},
	}
}

// Load assembles the Config by reading default.yaml, then
// <run_mode>.yaml, then local.yaml (each optional) from dir, applying
// each as a partial overlay over the previous, then applying
// SCOTTY__SECTION__KEY environment overrides. .env and .env.local are
// loaded into the process environment first, with .env.local and the
// real environment taking precedence over .env, before any SCOTTY__
// lookups run.
func Load(dir string) (*Config, error) {
	loadDotEnv(dir)

	runMode := os.Getenv("SCOTTY_RUN_MODE")
	if runMode == "" {
		runMode = "development"
	}

	cfg := Default()
	cfg.RunMode = runMode

	layers := []string{
		filepath.Join(dir, "default.yaml"),
		filepath.Join(dir, runMode+".yaml"),
		filepath.Join(dir, "local.yaml"),
	}
	for _, path := range layers {
		if err := mergeFile(cfg, path); err != nil {
			return nil, err
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func loadDotEnv(dir string) {
	// Intentionally ignore errors: both files are optional, and a
	// missing .env must never block startup. godotenv.Load never
	// overrides a variable that is already set, so loading .env.local
	// before .env gives: real environment > .env.local > .env.
	_ = godotenv.Load(filepath.Join(dir, "..", ".env.local"))
	_ = godotenv.Load(filepath.Join(dir, "..", ".env"))
}

func mergeFile(cfg *Config, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config layer %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return fmt.Errorf("parsing config layer %s: %w", path, err)
	}
	return nil
}

// applyEnvOverrides walks every exported field reachable from Config
// and, for each, checks SCOTTY__SECTION__KEY (built from the yaml tag
// path, upper-cased) against the environment.
func applyEnvOverrides(cfg *Config) error {
	return walkFields(reflect.ValueOf(cfg).Elem(), []string{"SCOTTY"})
}

func walkFields(v reflect.Value, prefix []string) error {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		tag := field.Tag.Get("yaml")
		name := strings.Split(tag, ",")[0]
		if name == "" {
			name = strings.ToUpper(field.Name)
		}
		path := append(append([]string{}, prefix...), strings.ToUpper(name))

		fv := v.Field(i)
		if fv.Kind() == reflect.Struct && fv.Type() != reflect.TypeOf(time.Duration(0)) {
			if err := walkFields(fv, path); err != nil {
				return err
			}
			continue
		}
		if fv.Kind() == reflect.Map {
			continue
		}

		key := strings.Join(path, "__")
		raw, ok := os.LookupEnv(key)
		if !ok {
			continue
		}
		if err := setField(fv, raw); err != nil {
			return fmt.Errorf("env override %s: %w", key, err)
		}
	}
	return nil
}

func setField(fv reflect.Value, raw string) error {
	switch fv.Interface().(type) {
	case time.Duration:
		d, err := time.ParseDuration(raw)
		if err != nil {
			return err
		}
		fv.Set(reflect.ValueOf(d))
		return nil
	}

	switch fv.Kind() {
	case reflect.String:
		fv.SetString(raw)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		fv.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return err
		}
		fv.SetInt(n)
	default:
		return fmt.Errorf("unsupported config field kind %s", fv.Kind())
	}
	return nil
}
