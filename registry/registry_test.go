// Copyright 2022 Drone.IO Inc. All rights reserved.
// Use of this source code is governed by the Polyform License
// that can be found in the LICENSE file.

package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scottyapp/scotty/appdata"
)

func TestAddThenGet(t *testing.T) {
	r := New()
	require.NoError(t, r.Add(appdata.AppData{Name: "myapp"}))

	got, ok := r.Get("myapp")
	assert.True(t, ok)
	assert.Equal(t, "myapp", got.Name)
}

func TestAddRejectsDuplicateName(t *testing.T) {
	r := New()
	require.NoError(t, r.Add(appdata.AppData{Name: "myapp"}))
	assert.Error(t, r.Add(appdata.AppData{Name: "myapp"}))
}

func TestUpdateRequiresExistingApp(t *testing.T) {
	r := New()
	assert.Error(t, r.Update(appdata.AppData{Name: "ghost"}))

	require.NoError(t, r.Add(appdata.AppData{Name: "myapp", Status: appdata.AppStatus("")}))
	require.NoError(t, r.Update(appdata.AppData{Name: "myapp", RootDirectory: "/apps/myapp"}))

	got, _ := r.Get("myapp")
	assert.Equal(t, "/apps/myapp", got.RootDirectory)
}

func TestRemoveDeletesApp(t *testing.T) {
	r := New()
	require.NoError(t, r.Add(appdata.AppData{Name: "myapp"}))
	r.Remove("myapp")

	_, ok := r.Get("myapp")
	assert.False(t, ok)
}

func TestReplaceAllSwapsEntireSet(t *testing.T) {
	r := New()
	require.NoError(t, r.Add(appdata.AppData{Name: "old"}))

	r.ReplaceAll([]appdata.AppData{{Name: "new"}})

	assert.False(t, r.Has("old"))
	assert.True(t, r.Has("new"))
	assert.Equal(t, 1, r.Len())
}

func TestIsEmpty(t *testing.T) {
	r := New()
	assert.True(t, r.IsEmpty())
	require.NoError(t, r.Add(appdata.AppData{Name: "myapp"}))
	assert.False(t, r.IsEmpty())
}

func TestFindByDomainMatchesConfiguredPublicServiceDomainCaseInsensitively(t *testing.T) {
	r := New()
	require.NoError(t, r.Add(appdata.AppData{
		Name: "myapp",
		Settings: &appdata.AppSettings{
			Domain:         "example.com",
			PublicServices: []appdata.ServicePortMapping{{Service: "web", Port: 8080}},
		},
	}))

	got, ok := r.FindByDomain("WEB.EXAMPLE.COM")
	assert.True(t, ok)
	assert.Equal(t, "myapp", got.Name)
}

func TestFindByDomainMatchesObservedContainerDomainCaseInsensitively(t *testing.T) {
	r := New()
	require.NoError(t, r.Add(appdata.AppData{
		Name: "myapp",
		Services: []appdata.ContainerState{
			{ServiceName: "web", Domains: []string{"Web.Example.Com"}},
		},
	}))

	got, ok := r.FindByDomain("web.example.com")
	assert.True(t, ok)
	assert.Equal(t, "myapp", got.Name)
}

func TestFindByDomainNoMatch(t *testing.T) {
	r := New()
	require.NoError(t, r.Add(appdata.AppData{Name: "myapp"}))

	_, ok := r.FindByDomain("nowhere.example.com")
	assert.False(t, ok)
}
