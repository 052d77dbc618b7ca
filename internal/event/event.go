// Package event keeps a bounded in-memory record of replication lifecycle
// events for operator inspection. The ring is observability only; durable
// truth lives in the state database.
package event

import (
	"sync"
	"time"
)

// Type identifies the kind of event.
type Type int

const (
	JobAdmitted Type = iota + 1
	SourceHashed
	TargetStaged
	TargetPublished
	TargetVerified
	TargetFailed
	JobVerified
	JobPartiallyFailed
	JobFailed
	SourceCleaned
	JobQuarantined
	OrphanRemoved
	JobsArchived
)

var typeNames = [...]string{
	JobAdmitted:        "JobAdmitted",
	SourceHashed:       "SourceHashed",
	TargetStaged:       "TargetStaged",
	TargetPublished:    "TargetPublished",
	TargetVerified:     "TargetVerified",
	TargetFailed:       "TargetFailed",
	JobVerified:        "JobVerified",
	JobPartiallyFailed: "JobPartiallyFailed",
	JobFailed:          "JobFailed",
	SourceCleaned:      "SourceCleaned",
	JobQuarantined:     "JobQuarantined",
	OrphanRemoved:      "OrphanRemoved",
	JobsArchived:       "JobsArchived",
}

func (t Type) String() string {
	if t > 0 && int(t) < len(typeNames) {
		return typeNames[t]
	}
	return "Unknown"
}

// MarshalText renders the type by name in JSON responses.
func (t Type) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// Event is a single lifecycle occurrence.
type Event struct {
	Type   Type      `json:"type"`
	Time   time.Time `json:"time"`
	JobID  string    `json:"job_id,omitempty"`
	Target string    `json:"target,omitempty"`
	Path   string    `json:"path,omitempty"`
	Size   int64     `json:"size,omitempty"`
	Error  string    `json:"error,omitempty"`
}

// Ring is a fixed-capacity event buffer. Recording never blocks and never
// grows; old events fall off the end.
type Ring struct {
	mu   sync.Mutex
	buf  []Event
	next int
	full bool
}

// NewRing returns a ring holding up to capacity events.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 256
	}
	return &Ring{buf: make([]Event, capacity)}
}

// Record appends an event, stamping the time if unset.
func (r *Ring) Record(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	r.mu.Lock()
	r.buf[r.next] = e
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
	r.mu.Unlock()
}

// Len reports how many events the ring currently holds.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.full {
		return len(r.buf)
	}
	return r.next
}

// Recent returns up to n events, newest first. n <= 0 means all held.
func (r *Ring) Recent(n int) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	size := r.next
	if r.full {
		size = len(r.buf)
	}
	if n <= 0 || n > size {
		n = size
	}
	out := make([]Event, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, r.buf[(r.next-i+len(r.buf))%len(r.buf)])
	}
	return out
}
