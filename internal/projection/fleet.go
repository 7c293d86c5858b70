package projection

import (
	"sort"
	"sync"
	"time"

	"ivalet/internal/models"
)

// RequestedDecay is how long a fresh retrieval request keeps its ticket
// pinned to the top of the fleet view.
const RequestedDecay = 10 * time.Second

// UnreadWindow bounds how far back voice messages count as needing
// attention.
const UnreadWindow = 5 * time.Minute

// SortFleet orders tickets for the dispatch board. Freshly requested cars
// first, then tickets with unread voice traffic, then anything still in the
// requested status, newest tickets last among equals. The comparator is a
// total order so repeated sorts of the same input give the same result.
func SortFleet(tickets []models.Ticket, unread map[string]bool, recentlyRequested map[string]bool) []models.Ticket {
	sorted := make([]models.Ticket, len(tickets))
	copy(sorted, tickets)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]

		aFresh, bFresh := recentlyRequested[a.TicketID], recentlyRequested[b.TicketID]
		if aFresh != bFresh {
			return aFresh
		}

		aUnread, bUnread := unread[a.TicketID], unread[b.TicketID]
		if aUnread != bUnread {
			return aUnread
		}

		aRequested := a.Status == models.StatusRequested
		bRequested := b.Status == models.StatusRequested
		if aRequested != bRequested {
			return aRequested
		}

		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.TicketNumber > b.TicketNumber
	})
	return sorted
}

// FleetView is the realtime service's in-memory projection of the whole lot.
// Events can arrive out of order from the poller; a sequence number makes the
// latest full refresh win.
type FleetView struct {
	mu         sync.Mutex
	seq        uint64
	tickets    []models.Ticket
	lastStatus map[string]string
	requested  map[string]time.Time
	unread     map[string]bool
}

func NewFleetView() *FleetView {
	return &FleetView{
		lastStatus: make(map[string]string),
		requested:  make(map[string]time.Time),
		unread:     make(map[string]bool),
	}
}

// Replace installs a full fleet refresh. Stale refreshes (older sequence
// numbers) are dropped. Tickets whose status changed to requested since the
// last refresh get pinned for RequestedDecay.
func (v *FleetView) Replace(seq uint64, tickets []models.Ticket, now time.Time) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.seq != 0 && seq <= v.seq {
		return false
	}
	v.seq = seq

	seen := make(map[string]struct{}, len(tickets))
	for _, ticket := range tickets {
		seen[ticket.TicketID] = struct{}{}
		previous, known := v.lastStatus[ticket.TicketID]
		if ticket.Status == models.StatusRequested && (!known || previous != models.StatusRequested) {
			v.requested[ticket.TicketID] = now
		}
		v.lastStatus[ticket.TicketID] = ticket.Status
	}
	for id := range v.lastStatus {
		if _, ok := seen[id]; !ok {
			delete(v.lastStatus, id)
			delete(v.requested, id)
			delete(v.unread, id)
		}
	}

	v.tickets = tickets
	return true
}

func (v *FleetView) SetUnread(ticketID string, unread bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if unread {
		v.unread[ticketID] = true
	} else {
		delete(v.unread, ticketID)
	}
}

// Snapshot returns the sorted board as of now. Requested pins older than
// RequestedDecay have lapsed.
func (v *FleetView) Snapshot(now time.Time) []models.Ticket {
	v.mu.Lock()
	defer v.mu.Unlock()

	fresh := make(map[string]bool, len(v.requested))
	for id, at := range v.requested {
		if now.Sub(at) <= RequestedDecay {
			fresh[id] = true
		} else {
			delete(v.requested, id)
		}
	}

	unread := make(map[string]bool, len(v.unread))
	for id := range v.unread {
		unread[id] = true
	}

	return SortFleet(v.tickets, unread, fresh)
}
