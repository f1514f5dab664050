// Package main is the entry point for tapedeckctl, the controller CLI for a
// tapedeck daemon.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

const (
	defaultURL      = "http://localhost:33001"
	defaultClientID = "tapedeckctl"
	profileName     = ".tapedeckctl.yaml"
)

// version is set at build time via -ldflags.
var version = "dev"

// Profile holds connection settings read from the profile file. Flags
// override every field.
type Profile struct {
	URL      string `yaml:"url"`
	Token    string `yaml:"token"`
	APIKey   string `yaml:"api_key"`
	ClientID string `yaml:"client_id"`
}

// globalOptions are the persistent flags shared by every subcommand.
type globalOptions struct {
	profilePath string
	url         string
	token       string
	apiKey      string
	clientID    string
	timeout     time.Duration
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd creates the root command and its subcommand tree.
func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:   "tapedeckctl",
		Short: "Record and replay device sessions through a tapedeck daemon",
		Long: `tapedeckctl drives a tapedeck daemon as its controller.

Connection settings come from ~/.tapedeckctl.yaml (url, token, api_key,
client_id) and may be overridden by flags.

Examples:
  tapedeckctl record -o session.ndjson --duration 30s
  tapedeckctl replay session.ndjson --buffer 256
  tapedeckctl replay --session 6f1c2d3e-4a5b-4c6d-8e7f-0a1b2c3d4e5f
  tapedeckctl sessions list`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&opts.profilePath, "profile", "", "Path to the profile file (default ~/"+profileName+")")
	pf.StringVar(&opts.url, "url", "", "Daemon base URL (default "+defaultURL+")")
	pf.StringVar(&opts.token, "token", "", "Bearer token")
	pf.StringVar(&opts.apiKey, "api-key", "", "Controller API key, exchanged for a token")
	pf.StringVar(&opts.clientID, "client-id", "", "Client ID presented when exchanging the API key")
	pf.DurationVar(&opts.timeout, "timeout", 30*time.Second, "Timeout for HTTP requests")

	rootCmd.AddCommand(
		newRecordCmd(opts),
		newReplayCmd(opts),
		newStateCmd(opts),
		newSkipCmd(opts),
		newPlatformCmd(opts),
		newSessionsCmd(opts),
		newTokenCmd(opts),
	)
	return rootCmd
}

// client resolves the effective profile and builds an API client.
func (o *globalOptions) client() (*apiClient, error) {
	p, err := o.resolve()
	if err != nil {
		return nil, err
	}
	return newAPIClient(p, o.timeout), nil
}

// resolve merges the profile file with flag overrides and defaults.
func (o *globalOptions) resolve() (Profile, error) {
	path := o.profilePath
	explicit := path != ""
	if !explicit {
		home, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(home, profileName)
		}
	}

	var p Profile
	if path != "" {
		loaded, err := loadProfile(path)
		switch {
		case err == nil:
			p = loaded
		case errors.Is(err, fs.ErrNotExist) && !explicit:
		default:
			return Profile{}, err
		}
	}
	return mergeProfile(p, o), nil
}

// loadProfile reads a YAML profile file.
func loadProfile(path string) (Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, fmt.Errorf("read profile: %w", err)
	}
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Profile{}, fmt.Errorf("parse profile %s: %w", path, err)
	}
	return p, nil
}

func mergeProfile(p Profile, o *globalOptions) Profile {
	if o.url != "" {
		p.URL = o.url
	}
	if o.token != "" {
		p.Token = o.token
	}
	if o.apiKey != "" {
		p.APIKey = o.apiKey
	}
	if o.clientID != "" {
		p.ClientID = o.clientID
	}
	if p.URL == "" {
		p.URL = defaultURL
	}
	if p.ClientID == "" {
		p.ClientID = defaultClientID
	}
	return p
}
