package exchange

import (
	"time"

	"github.com/xtrntr/marketsim/internal/models"
)

// DefaultWindow is the width of one settlement ticket
const DefaultWindow = 3 * time.Second

// TicketFor maps an arrival time to its settlement bucket. Tickets count
// window-wide buckets from local midnight, starting at 1; the request settles
// at the end of its bucket.
func TicketFor(arrival time.Time, window time.Duration) (ticket int64, scheduledAt time.Time) {
	w := int64(window / time.Second)
	if w <= 0 {
		w = int64(DefaultWindow / time.Second)
	}
	y, m, d := arrival.Date()
	secs := int64(arrival.Hour()*3600 + arrival.Minute()*60 + arrival.Second())

	ticket = secs/w + 1
	// built on the wall clock so both values agree on daylight-saving days
	scheduledAt = time.Date(y, m, d, 0, 0, int(ticket*w), 0, arrival.Location())
	return ticket, scheduledAt
}

// Scheduler assigns arrival priority and tickets, and releases each buy
// request exactly once when its ticket has elapsed.
type Scheduler struct {
	window   time.Duration
	next     int64
	pending  []models.BuyRequest // ascending priority
	released map[int64]struct{}
}

func NewScheduler(window time.Duration) *Scheduler {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Scheduler{
		window:   window,
		released: make(map[int64]struct{}),
	}
}

// Prepare stamps priority, ticket and scheduled time without queueing, so the
// request can be persisted before Enqueue commits it.
func (s *Scheduler) Prepare(in BuyRequestInput, now time.Time, moment int64) models.BuyRequest {
	ticket, at := TicketFor(now, s.window)
	return models.BuyRequest{
		Priority:    s.next + 1,
		Instrument:  in.Instrument,
		Quantity:    in.Quantity,
		Price:       in.Price,
		Buyer:       in.Buyer,
		Moment:      moment,
		ArrivedAt:   now,
		Ticket:      ticket,
		ScheduledAt: at,
	}
}

// Enqueue queues a prepared request and returns its ticket.
func (s *Scheduler) Enqueue(req models.BuyRequest) int64 {
	if req.Priority > s.next {
		s.next = req.Priority
	}
	if _, done := s.released[req.Priority]; done {
		return req.Ticket
	}
	// recovery may hand requests back out of order
	i := len(s.pending)
	for i > 0 && s.pending[i-1].Priority > req.Priority {
		i--
	}
	if i > 0 && s.pending[i-1].Priority == req.Priority {
		return req.Ticket
	}
	s.pending = append(s.pending, models.BuyRequest{})
	copy(s.pending[i+1:], s.pending[i:])
	s.pending[i] = req
	return req.Ticket
}

// PollReady returns, ascending by priority, every pending request whose
// scheduled time is not after now. A request is returned at most once.
func (s *Scheduler) PollReady(now time.Time) []models.BuyRequest {
	var ready []models.BuyRequest
	kept := s.pending[:0]
	for _, req := range s.pending {
		if _, done := s.released[req.Priority]; done {
			continue
		}
		if now.Before(req.ScheduledAt) {
			kept = append(kept, req)
			continue
		}
		s.released[req.Priority] = struct{}{}
		ready = append(ready, req)
	}
	// clear the tail so released requests are not retained
	for i := len(kept); i < len(s.pending); i++ {
		s.pending[i] = models.BuyRequest{}
	}
	s.pending = kept
	return ready
}

// MarkReleased records a request as already released without queueing it.
func (s *Scheduler) MarkReleased(priority int64) {
	s.released[priority] = struct{}{}
	if priority > s.next {
		s.next = priority
	}
}

// Pending returns the queued requests, ascending by priority
func (s *Scheduler) Pending() []models.BuyRequest {
	out := make([]models.BuyRequest, len(s.pending))
	copy(out, s.pending)
	return out
}

// LastPriority is the highest priority handed out so far
func (s *Scheduler) LastPriority() int64 {
	return s.next
}
