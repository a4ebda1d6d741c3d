// Copyright 2022 Drone.IO Inc. All rights reserved.
// Use of this source code is governed by the Polyform License
// that can be found in the LICENSE file.

package loadbalancer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scottyapp/scotty/appdata"
)

func testSettings() *appdata.AppSettings {
	return &appdata.AppSettings{
		Domain: "example.com",
		PublicServices: []appdata.ServicePortMapping{
			{Service: "web", Port: 8080},
			{Service: "api", Port: 9090},
		},
	}
}

func TestTraefikGenerateIsDeterministic(t *testing.T) {
	gen := New(Traefik)
	settings := testSettings()

	first, err := gen.Generate("myapp", settings)
	require.NoError(t, err)
	second, err := gen.Generate("myapp", settings)
	require.NoError(t, err)

	firstYAML, err := Marshal(first)
	require.NoError(t, err)
	secondYAML, err := Marshal(second)
	require.NoError(t, err)

	assert.Equal(t, string(firstYAML), string(secondYAML))
}

func TestTraefikGenerateProducesExpectedLabels(t *testing.T) {
	gen := New(Traefik)
	override, err := gen.Generate("myapp", testSettings())
	require.NoError(t, err)

	web, ok := override.Services["web"]
	require.True(t, ok)
	assert.Equal(t, "true", web.Labels["traefik.enable"])
	assert.Equal(t, "Host(`web.example.com`)", web.Labels["traefik.http.routers.myapp--web.rule"])
	assert.Equal(t, "8080", web.Labels["traefik.http.services.myapp--web.loadbalancer.server.port"])
}

func TestTraefikGenerateRejectsDisallowedMiddleware(t *testing.T) {
	gen := New(Traefik)
	settings := testSettings()
	settings.Middlewares = []string{"not-on-the-allow-list"}

	_, err := gen.Generate("myapp", settings)
	assert.Error(t, err)
}

func TestTraefikExtractInfoRoundTripsDomainPortAndTLS(t *testing.T) {
	gen := New(Traefik)
	override, err := gen.Generate("myapp", testSettings())
	require.NoError(t, err)

	web := override.Services["web"]
	info := gen.ExtractInfo(web.Labels, nil)
	assert.Equal(t, "web.example.com", info.Domain)
	assert.Equal(t, 8080, info.Port)
	assert.False(t, info.TLSEnabled)
}

func TestHAProxyGenerateProducesExpectedEnv(t *testing.T) {
	gen := New(HAProxy)
	override, err := gen.Generate("myapp", testSettings())
	require.NoError(t, err)

	web := override.Services["web"]
	assert.Equal(t, "web.example.com", web.Environment["VIRTUAL_HOST"])
	assert.Equal(t, "8080", web.Environment["VIRTUAL_PORT"])
}

func TestHAProxyExtractInfoFromEnv(t *testing.T) {
	gen := New(HAProxy)
	info := gen.ExtractInfo(nil, map[string]string{
		"VIRTUAL_HOST": "web.example.com",
		"VIRTUAL_PORT": "8080",
		"HTTPS_ONLY":   "true",
	})
	assert.Equal(t, "web.example.com", info.Domain)
	assert.Equal(t, 8080, info.Port)
	assert.True(t, info.TLSEnabled)
}

func TestExtractInfoFromEnvLinesParsesKeyValuePairs(t *testing.T) {
	got := ExtractInfoFromEnvLines([]string{"VIRTUAL_HOST=web.example.com", "VIRTUAL_PORT=8080", "not-a-kv-line"})
	assert.Equal(t, "web.example.com", got["VIRTUAL_HOST"])
	assert.Equal(t, "8080", got["VIRTUAL_PORT"])
	assert.Len(t, got, 2)
}

func TestValidateMiddlewaresAllowsKnownNames(t *testing.T) {
	assert.NoError(t, ValidateMiddlewares([]string{"compress", "retry"}))
	assert.Error(t, ValidateMiddlewares([]string{"unknown-middleware"}))
}

func TestNewDefaultsToTraefikForUnknownType(t *testing.T) {
	gen := New(Type("bogus"))
	_, ok := gen.(traefikGenerator)
	assert.True(t, ok)
}
