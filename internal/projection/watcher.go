package projection

import (
	"sync"

	"ivalet/internal/models"
)

// StatusChange is one observed edge of a ticket's lifecycle.
type StatusChange struct {
	From string
	To   string
}

// Notifiable reports whether the change is one the guest is told about.
func (c StatusChange) Notifiable() bool {
	return c.To == models.StatusAssigned || c.To == models.StatusCompleted
}

// TicketWatcher follows a single ticket and reports each status transition
// exactly once. Observations carry a sequence number so a delayed older
// read cannot rewind the watcher.
type TicketWatcher struct {
	mu     sync.Mutex
	seq    uint64
	last   string
	primed bool
}

func NewTicketWatcher() *TicketWatcher {
	return &TicketWatcher{}
}

// Observe feeds the watcher a fresh read of the ticket. The first
// observation sets the baseline without emitting a change.
func (w *TicketWatcher) Observe(seq uint64, ticket models.Ticket) (StatusChange, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.primed && seq <= w.seq {
		return StatusChange{}, false
	}
	w.seq = seq

	if !w.primed {
		w.primed = true
		w.last = ticket.Status
		return StatusChange{}, false
	}

	if ticket.Status == w.last {
		return StatusChange{}, false
	}

	change := StatusChange{From: w.last, To: ticket.Status}
	w.last = ticket.Status
	return change, true
}

// Last returns the last observed status, empty before the first observation.
func (w *TicketWatcher) Last() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last
}
