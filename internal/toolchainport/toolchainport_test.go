package toolchainport

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSystemDefaultsNoTier2(t *testing.T) {
	s := &System{}
	assert.False(t, s.SupportsTier2())
	assert.False(t, s.SupportsTier3())
	assert.Empty(t, s.DefineRequirements())
}

func TestSystemLocatesRootWhenConfigured(t *testing.T) {
	s := &System{RootLocator: func(projectSource string) DependenciesRoot {
		return DependenciesRoot{Root: ".", InWorkspace: true, Found: true}
	}}
	assert.True(t, s.SupportsTier2())
	root := s.LocateDependenciesRoot("apps/app")
	assert.True(t, root.Found)
	assert.True(t, root.InWorkspace)
}

func TestSystemCreateRunTargetCommand(t *testing.T) {
	s := &System{}
	cmd, err := s.CreateRunTargetCommand(context.Background(), CommandRequest{
		Command: "go",
		Args:    []string{"build", "./..."},
		Cwd:     "apps/app",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"go", "build", "./..."}, cmd.Argv)
	assert.Equal(t, "apps/app", cmd.Cwd)
}

func TestRegistryLookup(t *testing.T) {
	r := NewRegistry()
	r.Register(&System{})
	p, ok := r.Lookup("system")
	require.True(t, ok)
	assert.Equal(t, "system", p.ID())

	_, ok = r.Lookup("missing")
	assert.False(t, ok)
}
