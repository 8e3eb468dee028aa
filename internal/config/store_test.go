package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestStoreReturnsPrivateCopies(t *testing.T) {
	cfg := Defaults()
	cfg.Sites["home"] = SiteConfig{
		Prefix:   "!",
		Plugs:    PlugList("echo"),
		Settings: map[string]any{"greeting": "hi", "nested": map[string]any{"k": "v"}},
	}
	s := NewStore(cfg)

	site, ok := s.Site("home")
	require.True(t, ok)
	assert.Equal(t, "home", site.ID)

	site.Plugs.Names[0] = "mutated"
	site.Settings["greeting"] = "mutated"
	site.Settings["nested"].(map[string]any)["k"] = "mutated"

	again, _ := s.Site("home")
	assert.Equal(t, []string{"echo"}, again.Plugs.Names)
	assert.Equal(t, "hi", again.Settings["greeting"])
	assert.Equal(t, "v", again.Settings["nested"].(map[string]any)["k"])
}

func TestStorePut(t *testing.T) {
	s := NewStore(nil)
	require.Error(t, s.Put(SiteConfig{Prefix: "!"}))
	require.Error(t, s.Put(SiteConfig{ID: "x"}))
	require.NoError(t, s.Put(SiteConfig{ID: "b", Prefix: "!"}))
	require.NoError(t, s.Put(SiteConfig{ID: "a", Prefix: "?"}))
	assert.Equal(t, []string{"a", "b"}, s.Sites())

	_, ok := s.Site("missing")
	assert.False(t, ok)
}

func TestPlugsYAMLRoundTrip(t *testing.T) {
	for _, in := range []Plugs{AllPlugs(), NoPlugs(), PlugList("echo", "help")} {
		out, err := yaml.Marshal(struct {
			Plugs Plugs `yaml:"plugs"`
		}{in})
		require.NoError(t, err)

		var back struct {
			Plugs Plugs `yaml:"plugs"`
		}
		require.NoError(t, yaml.Unmarshal(out, &back))
		assert.Equal(t, in, back.Plugs)
	}
}

func TestPlugsAllows(t *testing.T) {
	assert.True(t, AllPlugs().Allows("anything"))
	assert.False(t, NoPlugs().Allows("echo"))
	assert.True(t, PlugList("echo").Allows("echo"))
	assert.False(t, PlugList("echo").Allows("help"))
	assert.False(t, Plugs{}.Allows("echo"))
}
