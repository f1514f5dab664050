package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ashita-ai/tapedeck/internal/model"
)

// pollInterval is how often replay progress is requested while the
// buffer is full.
const pollInterval = 50 * time.Millisecond

// maxLineBytes bounds one NDJSON line.
const maxLineBytes = 1 << 20

func newReplayCmd(opts *globalOptions) *cobra.Command {
	var (
		sessionID string
		bufSize   int
		maxSleep  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "replay [FILE]",
		Short: "Replay a recorded NDJSON file or a stored session",
		Long: `Replay streams a recording to the daemon in buffer-sized chunks and waits
until every event has been replayed. The recording is read from FILE (- for
stdin) or fetched from the daemon's store with --session.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if (len(args) == 1) == (sessionID != "") {
				return errors.New("give exactly one of FILE or --session")
			}
			if bufSize <= 0 {
				return errors.New("--buffer must be positive")
			}
			c, err := opts.client()
			if err != nil {
				return err
			}

			var events []model.SequencedEvent
			if sessionID != "" {
				events, err = fetchSession(cmd.Context(), c, sessionID)
			} else {
				events, err = readEventsFile(args[0], cmd.InOrStdin())
			}
			if err != nil {
				return err
			}

			status := cmd.ErrOrStderr()
			_, _ = fmt.Fprintf(status, "replaying %d events\n", len(events))
			if err := replay(cmd.Context(), c, events, bufSize, maxSleep, status); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(status, "replay finished")
			return nil
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "Replay a stored session by ID")
	cmd.Flags().IntVar(&bufSize, "buffer", 256, "Replay buffer size in events")
	cmd.Flags().DurationVar(&maxSleep, "max-sleep", 0, "Cap on any single wait between events (0 = uncapped)")
	return cmd
}

// replay runs one replay over the controller channel: REPLAYING_ON, then
// FILL_REPLAY_BUFFER chunks sized to the daemon's free buffer space until
// the final chunk, then the wait for Idle.
func replay(ctx context.Context, c *apiClient, events []model.SequencedEvent, bufSize int, maxSleep time.Duration, status io.Writer) error {
	ctrl, st, err := c.dialController(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = ctrl.Close() }()

	if st.Type != model.StateIdle {
		return fmt.Errorf("daemon is busy: %s", st.Label)
	}
	if err := ctrl.command(model.Command{
		Type:       model.CmdReplayingOn,
		BufferSize: bufSize,
		MaxSleepMS: maxSleep.Milliseconds(),
	}); err != nil {
		return err
	}

	f := newFeeder(events, bufSize)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if chunk := f.nextChunk(); len(chunk) > 0 {
			if err := ctrl.client.Send(chunk...); err != nil {
				return fmt.Errorf("send chunk: %w", err)
			}
		}

		select {
		case <-ctx.Done():
			// Leave the daemon idle rather than mid-replay.
			_ = ctrl.command(model.Command{Type: model.CmdReplayingOff})
			return ctx.Err()
		case <-ticker.C:
			if !f.done() {
				if err := ctrl.command(model.Command{Type: model.CmdRequestState}); err != nil {
					return err
				}
			}
		case m, ok := <-ctrl.msgs:
			m, err := ctrl.received(m, ok)
			if err != nil {
				return err
			}
			if m.Type != model.MsgState || m.State == nil {
				continue
			}
			switch m.State.Type {
			case model.StateReplaying:
				if f.observe(*m.State) {
					_, _ = fmt.Fprintf(status, "\r%d/%d", f.consumed, len(events))
				}
			case model.StatePreparingToReplay:
				f.observe(*m.State)
			case model.StateIdle:
				if !f.done() {
					return errors.New("replay stopped by the daemon")
				}
				_, _ = fmt.Fprintf(status, "\r%d/%d\n", len(events), len(events))
				return nil
			}
		}
	}
}

// feeder tracks how much of a recording has been handed to the daemon and
// how much of it the daemon has consumed. Occupancy is estimated from the
// controller's side: every sent event not yet replayed counts against the
// buffer. Stale reports can only overstate it.
type feeder struct {
	events   []model.SequencedEvent
	bufSize  int
	sent     int64
	consumed int64
	final    bool
}

func newFeeder(events []model.SequencedEvent, bufSize int) *feeder {
	return &feeder{events: events, bufSize: bufSize}
}

// observe folds a reported state into the consumed count. It reports
// whether progress advanced.
func (f *feeder) observe(st model.ServiceState) bool {
	if st.Replay == nil {
		return false
	}
	if n := st.Replay.RunningSN + 1; n > f.consumed {
		f.consumed = min(n, f.sent)
		return true
	}
	return false
}

// nextChunk returns the next FILL_REPLAY_BUFFER command and its events, or
// nil when the buffer has no room or the final chunk has been sent.
func (f *feeder) nextChunk() []model.Message {
	if f.final {
		return nil
	}
	free := f.bufSize - int(f.sent-f.consumed)
	remaining := len(f.events) - int(f.sent)
	if free <= 0 && remaining > 0 {
		return nil
	}
	n := min(free, remaining)
	more := remaining > n

	msgs := make([]model.Message, 0, n+1)
	msgs = append(msgs, model.CommandMessage(model.Command{
		Type:         model.CmdFillReplayBuffer,
		IsNextExists: more,
		NumEvents:    n,
		SN:           f.sent,
	}))
	for _, ev := range f.events[f.sent : f.sent+int64(n)] {
		msgs = append(msgs, model.ReplayMessage(ev))
	}
	f.sent += int64(n)
	f.final = !more
	return msgs
}

// done reports whether the final chunk has gone out.
func (f *feeder) done() bool {
	return f.final
}

// fetchSession downloads a stored session's export.
func fetchSession(ctx context.Context, c *apiClient, id string) ([]model.SequencedEvent, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("invalid session id %q", id)
	}
	body, err := c.stream(ctx, "/v1/sessions/"+id+"/events")
	if err != nil {
		return nil, err
	}
	defer func() { _ = body.Close() }()
	return readEvents(body)
}

func readEventsFile(path string, stdin io.Reader) ([]model.SequencedEvent, error) {
	if path == "-" {
		return readEvents(stdin)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open recording: %w", err)
	}
	defer func() { _ = f.Close() }()
	return readEvents(f)
}

// readEvents parses an NDJSON recording. SNs must run contiguously from 0
// and every payload must match its source.
func readEvents(r io.Reader) ([]model.SequencedEvent, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	var events []model.SequencedEvent
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var ev model.SequencedEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if want := int64(len(events)); ev.SN != want {
			return nil, fmt.Errorf("line %d: sn %d, want %d", line, ev.SN, want)
		}
		if !ev.Valid() {
			return nil, fmt.Errorf("line %d: sn %d has no valid %s payload", line, ev.SN, ev.Source)
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read recording: %w", err)
	}
	return events, nil
}
