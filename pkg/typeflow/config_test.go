package typeflow

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/715d/typeflow/pkg/pointsto"
)

func TestConfig_Policy(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		want    pointsto.ContextPolicy
		wantErr bool
	}{
		{name: "default", cfg: Config{}, want: pointsto.Insensitive{}},
		{name: "callsite", cfg: Config{Context: "callsite", Depth: 2}, want: pointsto.CallString{K: 2}},
		{name: "callsite default depth", cfg: Config{Context: "callsite"}, want: pointsto.CallString{K: DefaultDepth}},
		{name: "receiver", cfg: Config{Context: "receiver", Depth: 3}, want: pointsto.ReceiverType{K: 3}},
		{name: "unknown policy", cfg: Config{Context: "heap"}, wantErr: true},
		{name: "negative depth", cfg: Config{Context: "callsite", Depth: -1}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.cfg.Policy()
			if tt.wantErr {
				require.ErrorIs(t, err, ErrBadConfig)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	require.NoError(t, (&Config{Workers: 4}).Validate())
	require.ErrorIs(t, (&Config{Workers: -1}).Validate(), ErrBadConfig)
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) string {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
		return path
	}

	t.Run("valid", func(t *testing.T) {
		path := write("valid.yaml", `
context: receiver
depth: 2
workers: 3
build_tags: [integration]
roots: [example.com/app.Handler]
funcs: [Serve]
`)
		cfg, err := LoadConfig(path)
		require.NoError(t, err)
		assert.Equal(t, &Config{
			Context:   "receiver",
			Depth:     2,
			Workers:   3,
			BuildTags: []string{"integration"},
			Roots:     []string{"example.com/app.Handler"},
			Funcs:     []string{"Serve"},
		}, cfg)
	})

	t.Run("unknown key", func(t *testing.T) {
		_, err := LoadConfig(write("unknown.yaml", "contexts: callsite\n"))
		require.Error(t, err)
	})

	t.Run("bad policy", func(t *testing.T) {
		_, err := LoadConfig(write("policy.yaml", "context: heap\n"))
		require.ErrorIs(t, err, ErrBadConfig)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadConfig(filepath.Join(dir, "missing.yaml"))
		require.ErrorIs(t, err, os.ErrNotExist)
	})
}
