// Package seatstore implements the SeatStore: the
// inventory of seats on ready delegate workloads, with a mutex-guarded,
// linearizable claim/release protocol and a fair (FIFO) tie-break across
// free seats.
package seatstore

import (
	"sync"

	"github.com/basket/seatshare/internal/bus"
	"github.com/basket/seatshare/internal/model"
)

// Store is a SeatStore: an in-memory, mutex-guarded inventory of seats
// keyed by id, with a FIFO ordering over free seats so no seat starves
// under steady load. Mutating operations are short-critical-section
// locked rather than wait-free, which satisfies "wait-free or
// short-critical-section locked" requirement without the complexity of
// a lock-free structure the pack never reaches for.
type Store struct {
	bus *bus.Bus

	mu sync.Mutex
	seats map[string]*model.Seat
	freeByID []string // insertion order of currently-free seat ids
}

// New creates an empty SeatStore. The event bus is used to publish
// SeatAvailableEvent on release.
func New(eventBus *bus.Bus) *Store {
	return &Store{
		bus: eventBus,
		seats: make(map[string]*model.Seat),
	}
}

// RegisterSeat adds a new, initially-free seat to the inventory. Used
// when a delegate workload becomes ready and offers up its seats; not
// part of the spec's core interface but required to populate it.
func (s *Store) RegisterSeat(seatID, specID, delegateProxyID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.seats[seatID]; exists {
		return
	}
	s.seats[seatID] = &model.Seat{ID: seatID, SpecID: specID, DelegateProxyID: delegateProxyID}
	s.freeByID = append(s.freeByID, seatID)
}

// DeregisterSeat removes a seat entirely, e.g. when its delegate
// workload is retired. No-op if the seat does not exist or is claimed;
// callers must release before deregistering a claimed seat.
func (s *Store) DeregisterSeat(seatID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seat, ok := s.seats[seatID]
	if !ok || seat.Claimed {
		return
	}
	delete(s.seats, seatID)
	s.removeFromFreeList(seatID)
}

// ClaimSeat atomically selects any free seat, in FIFO insertion order,
// marks it claimed by claimantProxyID, and returns a copy. Returns
// false if no seat is free.
func (s *Store) ClaimSeat(claimantProxyID string) (model.Seat, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.freeByID) == 0 {
		return model.Seat{}, false
	}
	seatID := s.freeByID[0]
	s.freeByID = s.freeByID[1:]

	seat := s.seats[seatID]
	seat.Claimed = true
	seat.ClaimantProxyID = claimantProxyID
	return *seat, true
}

// ReleaseSeat marks a seat unclaimed and publishes SeatAvailableEvent
// for wake-up. Idempotent: releasing an already-free or unknown seat is
// a no-op.
func (s *Store) ReleaseSeat(seatID string) {
	s.mu.Lock()
	seat, ok := s.seats[seatID]
	if !ok || !seat.Claimed {
		s.mu.Unlock()
		return
	}
	seat.Claimed = false
	seat.ClaimantProxyID = ""
	s.freeByID = append(s.freeByID, seatID)
	specID := seat.SpecID
	s.mu.Unlock()

	if s.bus != nil {
		s.bus.Publish(bus.TopicSeatAvailable, bus.SeatAvailableEvent{
			SpecID: specID,
		})
	}
}

// GetSeat returns a copy of the seat, if it exists.
func (s *Store) GetSeat(seatID string) (model.Seat, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seat, ok := s.seats[seatID]
	if !ok {
		return model.Seat{}, false
	}
	return *seat, true
}

// GetNumUnclaimedSeats returns the count of currently-free seats.
func (s *Store) GetNumUnclaimedSeats() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.freeByID)
}

// GetNumClaimedSeats returns the count of currently-claimed seats.
func (s *Store) GetNumClaimedSeats() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seats) - len(s.freeByID)
}

// ListClaimed returns a snapshot of every currently-claimed seat, for
// use by the orphan-seat reaper sweep.
func (s *Store) ListClaimed() []model.Seat {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Seat, 0, len(s.seats)-len(s.freeByID))
	for _, seat := range s.seats {
		if seat.Claimed {
			out = append(out, *seat)
		}
	}
	return out
}

func (s *Store) removeFromFreeList(seatID string) {
	for i, id := range s.freeByID {
		if id == seatID {
			s.freeByID = append(s.freeByID[:i], s.freeByID[i+1:]...)
			return
		}
	}
}
