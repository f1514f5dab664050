package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ashita-ai/tapedeck/internal/model"
	"github.com/ashita-ai/tapedeck/internal/service"
)

func newStateCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "state",
		Short: "Show the daemon's current state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			var st model.ServiceState
			if err := c.do(cmd.Context(), http.MethodGet, "/v1/state", nil, &st); err != nil {
				return err
			}
			printState(cmd.OutOrStdout(), st)
			return nil
		},
	}
}

func newSkipCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "skip",
		Short: "End the current replay wait early",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			var st model.ServiceState
			err = c.do(cmd.Context(), http.MethodPost, "/v1/commands",
				model.Command{Type: model.CmdSkipWaitingInReplay}, &st)
			if err != nil {
				return err
			}
			printState(cmd.OutOrStdout(), st)
			return nil
		},
	}
}

func newPlatformCmd(opts *globalOptions) *cobra.Command {
	var n service.PlatformNotification
	cmd := &cobra.Command{
		Use:       "platform EVENT",
		Short:     "Inject a platform callback",
		Long:      "Inject a platform callback. EVENT is one of: " + strings.Join(service.NotificationNames, ", ") + ".",
		Args:      cobra.ExactArgs(1),
		ValidArgs: service.NotificationNames,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			event := args[0]
			if err := c.do(cmd.Context(), http.MethodPost, "/v1/platform/"+url.PathEscape(event), n, nil); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s accepted\n", event)
			return nil
		},
	}
	cmd.Flags().Int64Var(&n.StartMS, "start-ms", 0, "Start time in ms (view_input)")
	cmd.Flags().StringVar(&n.URL, "page-url", "", "Page URL (web_page_load_start, web_page_load_end)")
	cmd.Flags().Int64Var(&n.ResponseTimeUS, "response-time-us", 0, "Launch response time in µs (activity_launch)")
	cmd.Flags().StringVar(&n.ComponentName, "component", "", "Component name (activity_launch)")
	return cmd
}

func newSessionsCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and export stored recording sessions",
	}

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List recent sessions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			var sessions []model.Session
			path := "/v1/sessions?limit=" + strconv.Itoa(limit)
			if err := c.do(cmd.Context(), http.MethodGet, path, nil, &sessions); err != nil {
				return err
			}
			return printSessions(cmd.OutOrStdout(), sessions)
		},
	}
	list.Flags().IntVar(&limit, "limit", 20, "Maximum sessions to list")

	get := &cobra.Command{
		Use:   "get ID",
		Short: "Show one session as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := uuid.Parse(args[0]); err != nil {
				return fmt.Errorf("invalid session id %q", args[0])
			}
			c, err := opts.client()
			if err != nil {
				return err
			}
			var sess model.Session
			if err := c.do(cmd.Context(), http.MethodGet, "/v1/sessions/"+args[0], nil, &sess); err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(sess)
		},
	}

	var output string
	export := &cobra.Command{
		Use:   "export ID",
		Short: "Export a session as a replayable NDJSON recording",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			events, err := fetchSession(cmd.Context(), c, args[0])
			if err != nil {
				return err
			}
			return writeOutput(cmd, output, events)
		},
	}
	export.Flags().StringVarP(&output, "output", "o", "-", "Output file, - for stdout")

	cmd.AddCommand(list, get, export)
	return cmd
}

func newTokenCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "token",
		Short: "Exchange the API key for a bearer token and print it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			if c.apiKey == "" {
				return errors.New("an api key is required (--api-key or api_key in the profile)")
			}
			tok, err := c.issueToken(cmd.Context())
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), tok.Token)
			_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", tok.ExpiresAt.Format(time.RFC3339))
			return nil
		},
	}
}

func printState(w io.Writer, st model.ServiceState) {
	_, _ = fmt.Fprintf(w, "state:   %s (%s)\n", st.Type, st.Label)
	if st.SessionID != "" {
		_, _ = fmt.Fprintf(w, "session: %s\n", st.SessionID)
	}
	if r := st.Replay; r != nil {
		_, _ = fmt.Fprintf(w, "replay:  required_sn=%d running_sn=%d buffer=%d/%d\n",
			r.RequiredSN, r.RunningSN, r.BufferIndex, r.BufferSize)
	}
}

func printSessions(w io.Writer, sessions []model.Session) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tSTARTED\tENDED\tEVENTS")
	for _, s := range sessions {
		ended := "-"
		if s.EndedAt != nil {
			ended = s.EndedAt.Format(time.RFC3339)
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%d\n", s.ID, s.StartedAt.Format(time.RFC3339), ended, s.EventCount)
	}
	return tw.Flush()
}
