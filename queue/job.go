package queue

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a Job.
type Status uint8

const (
	Pending Status = iota
	InProgress
	Completed
	Failed
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case InProgress:
		return "in_progress"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool { return s == Completed || s == Failed }

// Job is one background sync request for a target key.
type Job struct {
	Key        string    `msgpack:"k"`
	Priority   int       `msgpack:"p"` // lower runs sooner
	QueuedAt   time.Time `msgpack:"q"`
	Status     Status    `msgpack:"s"`
	RetryCount int       `msgpack:"r"`
	LastError  string    `msgpack:"e,omitempty"`
	NotBefore  time.Time `msgpack:"n"` // zero => claimable immediately
}

// before orders jobs by priority, then queue time, then key.
func (j Job) before(o Job) bool {
	if j.Priority != o.Priority {
		return j.Priority < o.Priority
	}
	if !j.QueuedAt.Equal(o.QueuedAt) {
		return j.QueuedAt.Before(o.QueuedAt)
	}
	return j.Key < o.Key
}
