package inherit

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookupOrder(t *testing.T) {
	keys := LookupOrder([]string{"node", "rust"}, "frontend", "library", []string{"js", "public"})
	assert.Equal(t, []string{
		"*",
		"frontend",
		"frontend-library",
		"rust",
		"node",
		"node-frontend",
		"rust-frontend",
		"node-library",
		"rust-library",
		"node-frontend-library",
		"rust-frontend-library",
		"tag-js",
		"tag-public",
	}, keys)
}

func TestLookupOrderWithoutStackOrLayer(t *testing.T) {
	keys := LookupOrder([]string{"node"}, "", "", nil)
	assert.Equal(t, []string{"*", "node"}, keys)
}

func TestReFilterIncludeNilInheritsEverything(t *testing.T) {
	f := ReFilter{}
	assert.Equal(t, []string{"build", "test"}, f.Apply([]string{"build", "test"}))
}

func TestReFilterIncludeEmptyInheritsNothing(t *testing.T) {
	empty := []string{}
	f := ReFilter{Include: &empty}
	assert.Empty(t, f.Apply([]string{"build", "test"}))
}

func TestReFilterExcludeIgnoredWhenEmpty(t *testing.T) {
	f := ReFilter{Exclude: nil}
	assert.Equal(t, []string{"build"}, f.Apply([]string{"build"}))
}

func TestReFilterExcludeRemovesNamedTasks(t *testing.T) {
	f := ReFilter{Exclude: []string{"lint"}}
	assert.Equal(t, []string{"build", "test"}, f.Apply([]string{"build", "lint", "test"}))
}

func TestReFilterRenameRewritesIDs(t *testing.T) {
	f := ReFilter{Rename: map[string]string{"build": "compile"}}
	assert.Equal(t, []string{"compile", "test"}, f.Apply([]string{"build", "test"}))
	assert.Equal(t, "compile", f.RenameTaskID("build"))
	assert.Equal(t, "test", f.RenameTaskID("test"))
}

type fakeSource struct {
	local  map[string]RawTask
	global map[string]RawTask
}

func (s fakeSource) LocalTask(id string) (RawTask, bool) {
	t, ok := s.local[id]
	return t, ok
}

func (s fakeSource) GlobalTask(id string) (RawTask, bool) {
	t, ok := s.global[id]
	return t, ok
}

func TestExtendsChainOrdersDeepestFirst(t *testing.T) {
	source := fakeSource{
		local: map[string]RawTask{
			"build": {ID: "build", Extends: "base"},
		},
		global: map[string]RawTask{
			"base": {ID: "base"},
		},
	}
	chain, err := ExtendsChain(source, "build")
	require.NoError(t, err)
	require.Len(t, chain, 2)
	assert.Equal(t, "base", chain[0].ID)
	assert.Equal(t, "build", chain[1].ID)
}

func TestExtendsChainNoExtendsIsSingleLink(t *testing.T) {
	source := fakeSource{local: map[string]RawTask{"build": {ID: "build"}}}
	chain, err := ExtendsChain(source, "build")
	require.NoError(t, err)
	require.Len(t, chain, 1)
	assert.Equal(t, "build", chain[0].ID)
}

func TestExtendsChainUnknownSourceFails(t *testing.T) {
	source := fakeSource{
		local: map[string]RawTask{"build": {ID: "build", Extends: "ghost"}},
	}
	_, err := ExtendsChain(source, "build")
	require.Error(t, err)
	var target *ErrUnknownExtendsSource
	assert.True(t, errors.As(err, &target))
}

func TestExtendsChainCycleFails(t *testing.T) {
	source := fakeSource{
		local: map[string]RawTask{
			"a": {ID: "a", Extends: "b"},
			"b": {ID: "b", Extends: "a"},
		},
	}
	_, err := ExtendsChain(source, "a")
	require.Error(t, err)
	var target *ErrExtendsCycle
	assert.True(t, errors.As(err, &target))
}

func TestStringOrListValues(t *testing.T) {
	var nilValue *StringOrList
	assert.Nil(t, nilValue.Values())

	single := &StringOrList{Single: "tsc"}
	assert.Equal(t, []string{"tsc"}, single.Values())

	list := &StringOrList{IsList: true, List: []string{"build", "--watch"}}
	assert.Equal(t, []string{"build", "--watch"}, list.Values())
}
