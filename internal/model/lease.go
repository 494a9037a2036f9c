package model

import "time"

// Lease is a time-bounded claim held by a launcher on the jobs assigned to it.
type Lease struct {
	ID         string
	SiteID     int64
	BatchJobID *int64
	Heartbeat  time.Time
	Created    time.Time
}

// IsAlive returns true if the lease has heartbeated within the expiration period.
func (l *Lease) IsAlive(now time.Time, expiration time.Duration) bool {
	return now.Sub(l.Heartbeat) < expiration
}

func (l *Lease) DeepCopy() *Lease {
	if l == nil {
		return nil
	}
	c := *l
	if l.BatchJobID != nil {
		id := *l.BatchJobID
		c.BatchJobID = &id
	}
	return &c
}

// App is an application registered at a site. Jobs reference apps and a lease only acquires jobs
// whose app belongs to the lease's site.
type App struct {
	ID      int64
	SiteID  int64
	Name    string
	Command string
}

// Event records a single job state transition.
type Event struct {
	ID        int64
	JobID     int64
	From      JobState
	To        JobState
	Timestamp time.Time
	Data      map[string]string
}
