package errors

import (
	"fmt"
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTransitionError_UnwrapsToSentinel(t *testing.T) {
	err := fmt.Errorf("apply: %w", &TransitionError{From: "IDLE", Command: "RESUME_COMPLETE"})

	assert.True(t, Is(err, ErrInvalidTransition))
	assert.Contains(t, err.Error(), "RESUME_COMPLETE not allowed from IDLE")

	var te *TransitionError
	assert.True(t, As(err, &te))
	assert.Equal(t, "IDLE", te.From)
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"not connected", fmt.Errorf("send: %w", ErrNotConnected), true},
		{"queue full", ErrQueueFull, true},
		{"missing file", fmt.Errorf("hash: %w", fs.ErrNotExist), true},
		{"permission", fs.ErrPermission, true},
		{"commit step", &CommitError{Step: "rev-parse", Err: New("boom")}, true},
		{"config", ErrInvalidConfig, false},
		{"system zone", ErrSystemZone, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}
