package model

import (
	"strconv"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/exp/maps"

	"github.com/argonne-lcf/balsam/internal/common/balsamerrors"
)

// Keys used in Event.Data.
const (
	EventLeaseKey  = "lease"
	EventReasonKey = "reason"

	ReasonAcquired  = "acquired"
	ReasonReaped    = "lease expired"
	ReasonReleased  = "lease released"
	ReasonParents   = "parents resolved"
	ReasonParentErr = "parent failed"
	ReasonCreated   = "created"
)

func newEvent(job *Job, to JobState, now time.Time, data map[string]string) *Event {
	return &Event{
		JobID:     job.ID,
		From:      job.State,
		To:        to,
		Timestamp: now,
		Data:      data,
	}
}

// AssignToLease returns a copy of job assigned to lease, moved along the acquisition edge, along with the
// event recording the transition. The event is nil if the job only gets locked.
func AssignToLease(job *Job, lease *Lease, now time.Time) (*Job, *Event) {
	updated := job.DeepCopy()
	updated.LeaseID = lease.ID
	if lease.BatchJobID != nil {
		id := *lease.BatchJobID
		updated.BatchJobID = &id
	}
	updated.LastUpdate = now
	var event *Event
	if to := job.State.AcquiredState(); to != job.State {
		event = newEvent(job, to, now, map[string]string{EventLeaseKey: lease.ID, EventReasonKey: ReasonAcquired})
		updated.State = to
	}
	return updated, event
}

// CheckHolder returns an error if job is not currently held by leaseID.
func CheckHolder(job *Job, leaseID string) error {
	if job.LeaseID != leaseID {
		return errors.WithStack(&balsamerrors.ErrConflict{
			Type:    "job",
			Value:   strconv.FormatInt(job.ID, 10),
			Message: "job is not held by lease " + leaseID,
		})
	}
	return nil
}

// ApplyUpdate validates a state update reported through leaseID and returns the updated job and event.
// Ownership is checked separately with CheckHolder, so that a batch may walk one job through several states.
// Any update that moves the job out of RUNNING hands it back by clearing the lease.
func ApplyUpdate(job *Job, leaseID string, update StateUpdate, now time.Time) (*Job, *Event, error) {
	if !update.State.IsValid() {
		return nil, nil, errors.WithStack(&balsamerrors.ErrInvalidArgument{
			Name:    "State",
			Value:   update.State,
			Message: "unknown job state",
		})
	}
	if !CanTransition(job.State, update.State) {
		return nil, nil, errors.WithStack(&balsamerrors.ErrConflict{
			Type:    "job",
			Value:   strconv.FormatInt(job.ID, 10),
			Message: "illegal transition from " + string(job.State) + " to " + string(update.State),
		})
	}
	data := maps.Clone(update.Data)
	if data == nil {
		data = map[string]string{}
	}
	data[EventLeaseKey] = leaseID
	event := newEvent(job, update.State, now, data)

	updated := job.DeepCopy()
	updated.State = update.State
	updated.LastUpdate = now
	if update.ReturnCode != nil {
		rc := *update.ReturnCode
		updated.ReturnCode = &rc
	}
	if update.State != Running {
		updated.LeaseID = ""
	}
	return updated, event, nil
}

// RevertExpired returns a copy of job detached from its dead lease. Running jobs become RESTART_READY
// so that another launcher picks them up.
func RevertExpired(job *Job, now time.Time) (*Job, *Event) {
	return detach(job, RestartReady, ReasonReaped, now)
}

// ReleaseOnShutdown returns a copy of job detached from a lease that is being closed gracefully.
// Running jobs become RUN_TIMEOUT.
func ReleaseOnShutdown(job *Job, now time.Time) (*Job, *Event) {
	return detach(job, RunTimeout, ReasonReleased, now)
}

func detach(job *Job, runningTo JobState, reason string, now time.Time) (*Job, *Event) {
	updated := job.DeepCopy()
	updated.LeaseID = ""
	updated.LastUpdate = now
	var event *Event
	if job.State == Running {
		event = newEvent(job, runningTo, now, map[string]string{EventLeaseKey: job.LeaseID, EventReasonKey: reason})
		updated.State = runningTo
	}
	return updated, event
}

// ResolveParents decides the state of a job waiting on parents. It returns the new state and true if the
// job should leave AWAITING_PARENTS, or false if it must keep waiting.
func ResolveParents(job *Job, parents []*Job) (JobState, bool) {
	finished := 0
	for _, p := range parents {
		switch p.State {
		case Failed:
			return Failed, true
		case JobFinished:
			finished++
		}
	}
	if finished == len(job.ParentIDs) {
		return Ready, true
	}
	return job.State, false
}

// ResolveDependency returns a copy of the awaiting job moved to state to, along with the event.
func ResolveDependency(job *Job, to JobState, now time.Time) (*Job, *Event) {
	reason := ReasonParents
	if to == Failed {
		reason = ReasonParentErr
	}
	updated := job.DeepCopy()
	updated.State = to
	updated.LastUpdate = now
	return updated, newEvent(job, to, now, map[string]string{EventReasonKey: reason})
}

// InitialState returns the state a freshly created job should enter given its parents.
func InitialState(job *Job, target JobState, parents []*Job) JobState {
	if target == "" {
		target = StagedIn
	}
	if len(job.ParentIDs) == 0 {
		return target
	}
	state, resolved := ResolveParents(job, parents)
	if !resolved {
		return AwaitingParents
	}
	if state == Failed {
		return Failed
	}
	return target
}

// CreationEvent records the initial state of a newly created job.
func CreationEvent(job *Job, now time.Time) *Event {
	return &Event{
		JobID:     job.ID,
		From:      Created,
		To:        job.State,
		Timestamp: now,
		Data:      map[string]string{EventReasonKey: ReasonCreated},
	}
}
