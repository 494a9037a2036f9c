package model

import (
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"

	"github.com/argonne-lcf/balsam/internal/common/balsamerrors"
)

// JobState is the lifecycle state of a Job.
type JobState string

const (
	Created         JobState = "CREATED"
	AwaitingParents JobState = "AWAITING_PARENTS"
	Ready           JobState = "READY"
	StagedIn        JobState = "STAGED_IN"
	Preprocessed    JobState = "PREPROCESSED"
	Running         JobState = "RUNNING"
	RunDone         JobState = "RUN_DONE"
	RunError        JobState = "RUN_ERROR"
	RunTimeout      JobState = "RUN_TIMEOUT"
	Postprocessed   JobState = "POSTPROCESSED"
	JobFinished     JobState = "JOB_FINISHED"
	RestartReady    JobState = "RESTART_READY"
	Failed          JobState = "FAILED"
)

// AllStates lists every state in lifecycle order.
var AllStates = []JobState{
	Created,
	AwaitingParents,
	Ready,
	StagedIn,
	Preprocessed,
	Running,
	RunDone,
	RunError,
	RunTimeout,
	Postprocessed,
	JobFinished,
	RestartReady,
	Failed,
}

// RunnableStates are the states a launcher may acquire a job from in order to execute it.
var RunnableStates = []JobState{Preprocessed, RestartReady}

// ProcessingStates are the states that processing agents acquire in addition to the runnable ones.
var ProcessingStates = []JobState{StagedIn, RunDone, RunError, RunTimeout, Postprocessed}

var terminalStates = []JobState{JobFinished, Failed}

// Only these edges are legal for a lease holder reporting progress. FAILED is reachable from any
// non-terminal state and is handled separately.
var allowedTransitions = map[JobState][]JobState{
	Created:         {AwaitingParents, Ready, StagedIn},
	AwaitingParents: {Ready},
	Ready:           {StagedIn},
	StagedIn:        {Preprocessed},
	Preprocessed:    {Running},
	Running:         {RunDone, RunError, RunTimeout, RestartReady},
	RunDone:         {Postprocessed, RestartReady},
	RunError:        {RestartReady, Postprocessed},
	RunTimeout:      {RestartReady, Postprocessed},
	Postprocessed:   {JobFinished},
	RestartReady:    {Running},
}

func (s JobState) IsValid() bool {
	return slices.Contains(AllStates, s)
}

func (s JobState) IsRunnable() bool {
	return slices.Contains(RunnableStates, s)
}

func (s JobState) IsTerminal() bool {
	return slices.Contains(terminalStates, s)
}

// AcquiredState returns the state a job moves to when it is acquired from state s.
// Runnable jobs move to RUNNING, all other jobs are only locked and keep their state.
func (s JobState) AcquiredState() JobState {
	if s.IsRunnable() {
		return Running
	}
	return s
}

// CanTransition reports whether a lease holder may move a job from one state to another.
func CanTransition(from, to JobState) bool {
	if from == to {
		return false
	}
	if to == Failed {
		return !from.IsTerminal()
	}
	return slices.Contains(allowedTransitions[from], to)
}

// ParseJobState converts s into a JobState, returning an error if it is not a known state.
func ParseJobState(s string) (JobState, error) {
	state := JobState(s)
	if !state.IsValid() {
		return "", errors.WithStack(&balsamerrors.ErrInvalidArgument{
			Name:    "State",
			Value:   s,
			Message: "unknown job state",
		})
	}
	return state, nil
}
