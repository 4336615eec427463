package pipeline

import (
	"context"
	"fmt"
	"os"
	"syscall"

	"github.com/rs/zerolog"
)

// AgentController pauses and resumes the supervised agent process.
type AgentController interface {
	Pause(ctx context.Context, reason string) error
	Resume(ctx context.Context) error
}

// SignalController suspends the agent with SIGSTOP and resumes it with SIGCONT.
// With no PID configured it only logs the requested action.
type SignalController struct {
	PID    int
	logger zerolog.Logger
}

// NewSignalController creates a controller for pid. pid 0 logs only.
func NewSignalController(pid int, logger zerolog.Logger) *SignalController {
	return &SignalController{
		PID:    pid,
		logger: logger.With().Str("component", "agent").Int("pid", pid).Logger(),
	}
}

func (s *SignalController) Pause(_ context.Context, reason string) error {
	s.logger.Warn().Str("reason", reason).Msg("pausing agent")
	return s.signal(syscall.SIGSTOP)
}

func (s *SignalController) Resume(_ context.Context) error {
	s.logger.Info().Msg("resuming agent")
	return s.signal(syscall.SIGCONT)
}

func (s *SignalController) signal(sig syscall.Signal) error {
	if s.PID <= 0 {
		return nil
	}
	p, err := os.FindProcess(s.PID)
	if err != nil {
		return fmt.Errorf("finding agent process %d: %w", s.PID, err)
	}
	if err := p.Signal(sig); err != nil {
		return fmt.Errorf("signaling agent process %d: %w", s.PID, err)
	}
	return nil
}
