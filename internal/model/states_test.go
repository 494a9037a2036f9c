package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/argonne-lcf/balsam/internal/common/balsamerrors"
)

func TestAcquiredState(t *testing.T) {
	tests := map[string]struct {
		from     JobState
		expected JobState
	}{
		"preprocessed runs":     {from: Preprocessed, expected: Running},
		"restart ready runs":    {from: RestartReady, expected: Running},
		"staged in locked only": {from: StagedIn, expected: StagedIn},
		"run done locked only":  {from: RunDone, expected: RunDone},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.expected, tc.from.AcquiredState())
		})
	}
}

func TestCanTransition(t *testing.T) {
	tests := map[string]struct {
		from    JobState
		to      JobState
		allowed bool
	}{
		"running to done":            {from: Running, to: RunDone, allowed: true},
		"running to error":           {from: Running, to: RunError, allowed: true},
		"running to timeout":         {from: Running, to: RunTimeout, allowed: true},
		"staged to preprocessed":     {from: StagedIn, to: Preprocessed, allowed: true},
		"postprocessed to finished":  {from: Postprocessed, to: JobFinished, allowed: true},
		"any non terminal to failed": {from: Preprocessed, to: Failed, allowed: true},
		"finished to failed":         {from: JobFinished, to: Failed, allowed: false},
		"same state":                 {from: Running, to: Running, allowed: false},
		"skip ahead":                 {from: StagedIn, to: JobFinished, allowed: false},
		"backwards":                  {from: RunDone, to: Preprocessed, allowed: false},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.allowed, CanTransition(tc.from, tc.to))
		})
	}
}

func TestParseJobState(t *testing.T) {
	state, err := ParseJobState("RESTART_READY")
	require.NoError(t, err)
	assert.Equal(t, RestartReady, state)

	_, err = ParseJobState("SLEEPING")
	var invalid *balsamerrors.ErrInvalidArgument
	assert.ErrorAs(t, err, &invalid)
}

func TestTerminalStates(t *testing.T) {
	for _, s := range AllStates {
		assert.Equal(t, s == JobFinished || s == Failed, s.IsTerminal(), string(s))
	}
}
