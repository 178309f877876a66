package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsTerminal(t *testing.T) {
	assert.True(t, IsTerminal(StatusCompleted))
	assert.True(t, IsTerminal(StatusFailed))
	assert.True(t, IsTerminal(StatusCanceled))
	assert.False(t, IsTerminal(StatusPending))
	assert.False(t, IsTerminal(StatusQueued))
	assert.False(t, IsTerminal(StatusRunning))
	assert.False(t, IsTerminal(StatusWaitingForInput))
}

func TestValidateTaskTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    Status
		to      Status
		wantErr bool
	}{
		{"claim", StatusPending, StatusRunning, false},
		{"defer to busy host", StatusPending, StatusQueued, false},
		{"promotion", StatusQueued, StatusPending, false},
		{"queued cancel", StatusQueued, StatusCanceled, false},
		{"blocked", StatusRunning, StatusWaitingForInput, false},
		{"approve", StatusRunning, StatusCompleted, false},
		{"exhaustion", StatusRunning, StatusFailed, false},
		{"stale reclaim", StatusRunning, StatusFailed, false},
		{"resume", StatusWaitingForInput, StatusPending, false},
		{"missed relay jump", StatusPending, StatusCompleted, false},
		{"queued jump to running", StatusQueued, StatusRunning, true},
		{"waiting jump to completed", StatusWaitingForInput, StatusCompleted, true},
		{"reopen completed", StatusCompleted, StatusPending, true},
		{"reopen failed", StatusFailed, StatusRunning, true},
		{"unknown status", Status("bogus"), StatusRunning, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTaskTransition(tt.from, tt.to)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidStatus(t *testing.T) {
	for _, s := range []Status{
		StatusPending, StatusQueued, StatusRunning, StatusWaitingForInput,
		StatusCompleted, StatusFailed, StatusCanceled,
	} {
		assert.True(t, ValidStatus(s), "status %s", s)
	}
	assert.False(t, ValidStatus(Status("done")))
}
