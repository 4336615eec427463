package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/p-blackswan/sentinel/internal/bridge"
	"github.com/p-blackswan/sentinel/internal/event"
	"github.com/p-blackswan/sentinel/internal/models"
	"github.com/p-blackswan/sentinel/internal/retry"
)

func init() {
	rootCmd.AddCommand(consoleCmd)
	consoleCmd.Flags().StringVar(&consoleProject, "project", "", "Project id (overrides SENTINEL_PROJECT_ID)")
}

var consoleProject string

var consoleCmd = &cobra.Command{
	Use:   "console",
	Short: "Follow a project's live events and send stop, continue and reset commands",
	RunE: func(cmd *cobra.Command, args []string) error {
		if consoleProject != "" {
			cfg.ProjectID = consoleProject
		}
		if cfg.ProjectID == "" {
			return fmt.Errorf("a project id is required (--project or SENTINEL_PROJECT_ID)")
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runConsole(ctx, os.Stdin, os.Stdout)
	},
}

var consoleCommands = map[string]string{
	"stop":     event.TypeCommandStop,
	"continue": event.TypeCommandContinue,
	"reset":    event.TypeCommandReset,
}

func runConsole(ctx context.Context, in io.Reader, out io.Writer) error {
	quiet := logger.Level(zerolog.WarnLevel)

	br := bridge.New(bridge.Config{
		URL:               cfg.ServerURL,
		ClientType:        models.ClientDashboard,
		ClientID:          cfg.ClientID,
		ProjectID:         cfg.ProjectID,
		AuthToken:         cfg.AuthToken,
		HeartbeatInterval: cfg.HeartbeatInterval,
		QueueCapacity:     cfg.QueueCapacity,
		Backoff:           retry.Backoff{Base: cfg.BackoffBase, Max: cfg.BackoffMax, Jitter: true},
		OnState: func(s bridge.State) {
			fmt.Fprintln(out, color.HiBlackString("-- %s", s))
		},
	}, func(env event.Envelope) {
		if line, ok := formatEnvelope(env); ok {
			fmt.Fprintln(out, line)
		}
	}, quiet)

	if err := br.Start(ctx); err != nil {
		return err
	}
	defer br.Disconnect()

	fmt.Fprintln(out, color.CyanString("sentinel console: project %s", cfg.ProjectID))
	fmt.Fprintln(out, color.HiBlackString("commands: stop [reason] | continue [reason] | reset [reason] | quit"))

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			env, quit, err := parseConsoleLine(line, cfg.ProjectID)
			if quit {
				return nil
			}
			if err != nil {
				fmt.Fprintln(out, color.RedString("%v", err))
				continue
			}
			if env == nil {
				continue
			}
			if err := br.Send(*env); err != nil {
				fmt.Fprintln(out, color.RedString("send failed: %v", err))
			}
		}
	}
}

// parseConsoleLine turns "stop tests are failing" into a COMMAND_STOP envelope.
// Blank lines yield a nil envelope.
func parseConsoleLine(line, projectID string) (*event.Envelope, bool, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil, false, nil
	}
	verb := strings.ToLower(fields[0])
	if verb == "quit" || verb == "exit" {
		return nil, true, nil
	}
	typ, ok := consoleCommands[verb]
	if !ok {
		return nil, false, fmt.Errorf("unknown command %q", fields[0])
	}
	env, err := event.New(typ, "", event.CommandPayload{
		ProjectID:   projectID,
		Reason:      strings.Join(fields[1:], " "),
		TriggeredBy: "console",
	})
	if err != nil {
		return nil, false, err
	}
	return &env, false, nil
}

// formatEnvelope renders a server message as one console line. Protocol
// housekeeping such as acks and heartbeats is not shown.
func formatEnvelope(env event.Envelope) (string, bool) {
	ts := color.HiBlackString(env.Timestamp.Local().Format(time.TimeOnly))
	switch env.Type {
	case event.TypeEventBroadcast:
		var p event.FileEventPayload
		if env.Decode(&p) != nil {
			return "", false
		}
		line := fmt.Sprintf("%s %-17s %s", ts, p.Event.Action, p.Event.RelPath)
		if p.Event.OldPath != "" {
			line += " (from " + p.Event.OldPath + ")"
		}
		switch {
		case p.Remediated:
			line += " " + color.RedString("[reverted: %s]", p.Result.Reason)
		case p.Result.Blocked:
			line += " " + color.RedString("[blocked: %s]", p.Result.Reason)
		case p.Result.MatchedZone != nil:
			line += " " + color.YellowString("[%s %s]", p.Result.Level, p.Result.MatchedZone.PathPattern)
		}
		return line, true
	case event.TypeStateChange:
		var p event.StateChangePayload
		if env.Decode(&p) != nil {
			return "", false
		}
		line := fmt.Sprintf("%s state %s -> %s by %s", ts, p.Transition.FromState, stateColor(p.Transition.ToState), p.Transition.TriggeredBy)
		if p.Transition.Reason != "" {
			line += ": " + p.Transition.Reason
		}
		return line, true
	case event.TypeRateWarning:
		var p event.RateWarningPayload
		if env.Decode(&p) != nil {
			return "", false
		}
		return fmt.Sprintf("%s %s", ts, color.YellowString("rate warning: %d events in %s (limit %d)", p.Count, p.Window, p.Limit)), true
	case event.TypeAgentPaused:
		return fmt.Sprintf("%s %s", ts, color.RedString("agent paused")), true
	case event.TypeAgentResumed:
		return fmt.Sprintf("%s %s", ts, color.GreenString("agent resumed")), true
	case event.TypeZoneUpdate:
		var p event.ZoneUpdatePayload
		if env.Decode(&p) != nil {
			return "", false
		}
		return fmt.Sprintf("%s zones updated (%d)", ts, len(p.Zones)), true
	case event.TypeRegistered:
		var p event.RegisteredPayload
		if env.Decode(&p) != nil {
			return "", false
		}
		return fmt.Sprintf("%s registered, state %s", ts, stateColor(p.ExecutionState)), true
	case event.TypeError:
		var p event.ErrorPayload
		if env.Decode(&p) != nil {
			return "", false
		}
		return fmt.Sprintf("%s %s", ts, color.RedString("error %s: %s", p.Code, p.Message)), true
	}
	return "", false
}

func stateColor(s models.ExecutionState) string {
	switch s {
	case models.StateRunning:
		return color.GreenString(string(s))
	case models.StateStopped, models.StateError:
		return color.RedString(string(s))
	case models.StateResuming:
		return color.YellowString(string(s))
	}
	return string(s)
}
