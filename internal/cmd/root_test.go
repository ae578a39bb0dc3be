package cmd

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/moonrun/moonrun/internal/cmdutil"
)

func TestResolveArgsAddsDefaultCmd(t *testing.T) {
	testCases := []struct {
		name         string
		args         []string
		defaultAdded bool
	}{
		{name: "normal run build", args: []string{"run", "build"}, defaultAdded: false},
		{name: "empty args", args: []string{}, defaultAdded: true},
		{name: "root help", args: []string{"--help"}, defaultAdded: false},
		{name: "run help", args: []string{"run", "--help"}, defaultAdded: false},
		{name: "version", args: []string{"--version"}, defaultAdded: false},
		{name: "heap", args: []string{"--heap", "my-heap-profile", "some-task", "--cpuprofile", "my-profile"}, defaultAdded: true},
	}
	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			helper := cmdutil.NewHelper("test-version")
			root := getCmd(helper)
			resolved := resolveArgs(root, tc.args)
			defaultAdded := !reflect.DeepEqual(tc.args, resolved)
			assert.Equal(t, tc.defaultAdded, defaultAdded)
		})
	}
}
