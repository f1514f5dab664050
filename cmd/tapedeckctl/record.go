package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ashita-ai/tapedeck/internal/model"
	"github.com/ashita-ai/tapedeck/internal/recording"
)

// idleTimeout bounds the wait for the daemon to report Idle after
// RECORDING_OFF or the end of a replay stream.
const idleTimeout = 30 * time.Second

func newRecordCmd(opts *globalOptions) *cobra.Command {
	var (
		output   string
		duration time.Duration
	)
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record platform events and kernel input to an NDJSON file",
		Long: `Record starts a recording session and collects every event the daemon
streams until --duration passes or the command is interrupted. The result is
written in replay order, ready for "tapedeckctl replay".`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			events, sessionID, err := record(cmd.Context(), c, duration, cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			if err := writeOutput(cmd, output, events); err != nil {
				return err
			}
			if sessionID != "" {
				_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "recorded %d events (session %s)\n", len(events), sessionID)
			} else {
				_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "recorded %d events\n", len(events))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "-", "Output file, - for stdout")
	cmd.Flags().DurationVar(&duration, "duration", 0, "Stop after this long (default: until interrupted)")
	return cmd
}

// record runs one recording session over the controller channel. It stops
// on duration (when positive) or ctx cancellation, then waits for the
// events drained by RECORDING_OFF and the return to Idle.
func record(ctx context.Context, c *apiClient, duration time.Duration, status io.Writer) ([]model.SequencedEvent, string, error) {
	ctrl, st, err := c.dialController(ctx)
	if err != nil {
		return nil, "", err
	}
	defer func() { _ = ctrl.Close() }()

	if st.Type != model.StateIdle {
		return nil, "", fmt.Errorf("daemon is busy: %s", st.Label)
	}
	if err := ctrl.command(model.Command{Type: model.CmdRecordingOn}); err != nil {
		return nil, "", err
	}

	var stop <-chan time.Time
	if duration > 0 {
		timer := time.NewTimer(duration)
		defer timer.Stop()
		stop = timer.C
	}

	// Messages are read on a context detached from ctx so an interrupt
	// ends the window without abandoning the session.
	readCtx := context.WithoutCancel(ctx)
	rec := &collector{}
	stopping := false
	stopRecording := func() error {
		stopping = true
		return ctrl.command(model.Command{Type: model.CmdRecordingOff})
	}

	for {
		var m model.Message
		if stopping {
			waitCtx, cancel := context.WithTimeout(readCtx, idleTimeout)
			m, err = ctrl.next(waitCtx)
			cancel()
		} else {
			m, err = nextOrStop(ctx, ctrl, stop)
			if errors.Is(err, errStopWindow) {
				_, _ = fmt.Fprintln(status, "stopping recording...")
				if err := stopRecording(); err != nil {
					return nil, "", err
				}
				continue
			}
		}
		if err != nil {
			return nil, "", err
		}

		if m.Type == model.MsgState && m.State != nil {
			switch m.State.Type {
			case model.StateRecording:
				rec.sessionID = m.State.SessionID
				_, _ = fmt.Fprintln(status, m.State.Label)
			case model.StateIdle:
				if stopping {
					return rec.export(), rec.sessionID, nil
				}
				return nil, "", errors.New("recording ended by the daemon")
			}
			continue
		}
		rec.add(m)
	}
}

var errStopWindow = errors.New("recording window closed")

// nextOrStop waits for a message, the stop timer, or ctx cancellation. The
// latter two yield errStopWindow.
func nextOrStop(ctx context.Context, ctrl *controller, stop <-chan time.Time) (model.Message, error) {
	select {
	case <-ctx.Done():
		return model.Message{}, errStopWindow
	case <-stop:
		return model.Message{}, errStopWindow
	case m, ok := <-ctrl.msgs:
		return ctrl.received(m, ok)
	}
}

// collector accumulates streamed events in arrival order.
type collector struct {
	sessionID string
	events    []model.RecordedEvent
}

func (c *collector) add(m model.Message) {
	switch m.Type {
	case model.MsgEvent:
		if m.Event != nil {
			c.append(model.FromPlatform(0, *m.Event))
		}
	case model.MsgInputChunk:
		for _, s := range m.Inputs {
			c.append(model.FromInput(0, s))
		}
	}
}

func (c *collector) append(ev model.SequencedEvent) {
	c.events = append(c.events, model.RecordedEvent{
		SequenceNum: int64(len(c.events)),
		Event:       ev,
	})
}

// export orders the collected events the same way a stored session export
// does.
func (c *collector) export() []model.SequencedEvent {
	return recording.Export(c.events)
}

// writeOutput writes events to path, or to stdout for "" and "-".
func writeOutput(cmd *cobra.Command, path string, events []model.SequencedEvent) error {
	if path == "" || path == "-" {
		return writeEvents(cmd.OutOrStdout(), events)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}
	if err := writeEvents(f, events); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// writeEvents writes events as NDJSON.
func writeEvents(w io.Writer, events []model.SequencedEvent) error {
	enc := json.NewEncoder(w)
	for _, ev := range events {
		if err := enc.Encode(ev); err != nil {
			return fmt.Errorf("write events: %w", err)
		}
	}
	return nil
}
