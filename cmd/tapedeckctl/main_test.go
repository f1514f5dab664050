package main

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeProfile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), profileName)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadProfile(t *testing.T) {
	path := writeProfile(t, `
url: https://deck.example.test:8443
token: tok-from-file
api_key: key-from-file
client_id: bench-3
`)
	p, err := loadProfile(path)
	require.NoError(t, err)
	assert.Equal(t, Profile{
		URL:      "https://deck.example.test:8443",
		Token:    "tok-from-file",
		APIKey:   "key-from-file",
		ClientID: "bench-3",
	}, p)
}

func TestLoadProfileInvalidYAML(t *testing.T) {
	path := writeProfile(t, "url: [unterminated\n")
	_, err := loadProfile(path)
	assert.ErrorContains(t, err, "parse profile")
}

func TestResolveFlagsOverrideProfile(t *testing.T) {
	path := writeProfile(t, "url: http://file:1\ntoken: file-token\napi_key: file-key\n")

	opts := &globalOptions{profilePath: path, token: "flag-token"}
	p, err := opts.resolve()
	require.NoError(t, err)
	assert.Equal(t, "http://file:1", p.URL)
	assert.Equal(t, "flag-token", p.Token)
	assert.Equal(t, "file-key", p.APIKey)
	assert.Equal(t, defaultClientID, p.ClientID)
}

func TestResolveDefaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	p, err := (&globalOptions{}).resolve()
	require.NoError(t, err, "a missing default profile is not an error")
	assert.Equal(t, defaultURL, p.URL)
	assert.Equal(t, defaultClientID, p.ClientID)
	assert.Empty(t, p.Token)
}

func TestResolveMissingExplicitProfile(t *testing.T) {
	opts := &globalOptions{profilePath: filepath.Join(t.TempDir(), "nope.yaml")}
	_, err := opts.resolve()
	assert.Error(t, err)
}

func TestRootCommandTree(t *testing.T) {
	root := newRootCmd()
	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"record", "replay", "state", "skip", "platform", "sessions", "token"} {
		assert.True(t, names[want], "missing subcommand %s", want)
	}
	for _, flag := range []string{"profile", "url", "token", "api-key", "client-id", "timeout"} {
		assert.NotNil(t, root.PersistentFlags().Lookup(flag), "missing flag %s", flag)
	}
}

func TestReplayRequiresExactlyOneSource(t *testing.T) {
	root := newRootCmd()
	root.SetArgs([]string{"replay"})
	root.SetOut(io.Discard)
	root.SetErr(io.Discard)
	assert.ErrorContains(t, root.Execute(), "exactly one")

	root = newRootCmd()
	root.SetArgs([]string{"replay", "file.ndjson", "--session", "6f1c2d3e-4a5b-4c6d-8e7f-0a1b2c3d4e5f"})
	root.SetOut(io.Discard)
	root.SetErr(io.Discard)
	assert.ErrorContains(t, root.Execute(), "exactly one")
}
