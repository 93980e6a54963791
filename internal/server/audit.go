package server

import "sync"

const defaultAuditCapacity = 256

// AuditEntry is one recorded mutating request.
type AuditEntry struct {
	TimeSeconds int64  `json:"time_s"`
	Endpoint    string `json:"endpoint"`
	CallerID    string `json:"caller_id"`
	Outcome     string `json:"outcome"`
	Status      int    `json:"status"`
}

// AuditLog is a bounded ring of recent mutating requests. The capacity is
// fixed at construction; old entries are overwritten, never grown past.
type AuditLog struct {
	mu      sync.Mutex
	entries []AuditEntry
	next    int
	full    bool
}

// NewAuditLog allocates a ring holding at most capacity entries.
func NewAuditLog(capacity int) *AuditLog {
	if capacity <= 0 {
		capacity = defaultAuditCapacity
	}
	return &AuditLog{entries: make([]AuditEntry, capacity)}
}

// Record appends one entry, evicting the oldest when the ring is full.
func (l *AuditLog) Record(entry AuditEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[l.next] = entry
	l.next++
	if l.next == len(l.entries) {
		l.next = 0
		l.full = true
	}
}

// Entries returns a snapshot ordered oldest first.
func (l *AuditLog) Entries() []AuditEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.full {
		out := make([]AuditEntry, l.next)
		copy(out, l.entries[:l.next])
		return out
	}
	out := make([]AuditEntry, 0, len(l.entries))
	out = append(out, l.entries[l.next:]...)
	out = append(out, l.entries[:l.next]...)
	return out
}
