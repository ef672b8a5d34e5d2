package model

import "testing"

func TestJobStateIsTerminal(t *testing.T) {
	tests := []struct {
		state JobState
		want  bool
	}{
		{JobQueued, false},
		{JobStarting, false},
		{JobRunning, false},
		{JobSucceeded, true},
		{JobFailed, true},
		{JobSkipped, true},
		{JobCancelled, true},
	}
	for _, tt := range tests {
		if got := tt.state.IsTerminal(); got != tt.want {
			t.Errorf("%s.IsTerminal() = %v, want %v", tt.state, got, tt.want)
		}
	}
}
