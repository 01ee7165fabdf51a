package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/bookingsync/go/internal/booking/deadline"
	"github.com/rs/zerolog/log"
)

// DefaultTickInterval is the sweep period that catches deadlines missed while suspended.
const DefaultTickInterval = time.Second

// Scheduler owns at most one countdown per booking id and fires each one at most once.
//
// Every armed deadline gets a one-shot timer for precision, and a fixed ticker sweeps all
// slots so deadlines that elapsed while the process was suspended fire on resume.
// Slots are removed under lock before their callback runs, and callbacks run while
// fireMu is held; Arm and Disarm take fireMu too, so once Disarm returns the disarmed
// callback can no longer run. Callbacks must not call back into the Scheduler.
type Scheduler struct {
	clock clockwork.Clock
	tick  time.Duration

	fireMu sync.Mutex
	mu     sync.Mutex
	slots  map[string]*slot

	sweepCh chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}
}

type slot struct {
	bookingID string
	expiresAt time.Time
	onFire    func()
	timer     clockwork.Timer
	stopCh    chan struct{}
	stopOnce  sync.Once
}

// New creates a Scheduler. A zero tick uses DefaultTickInterval.
func New(clock clockwork.Clock, tick time.Duration) *Scheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if tick <= 0 {
		tick = DefaultTickInterval
	}
	return &Scheduler{
		clock:   clock,
		tick:    tick,
		slots:   make(map[string]*slot),
		sweepCh: make(chan struct{}, 1),
	}
}

// Start launches the sweep loop. The ticker is created before Start returns.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	ticker := s.clock.NewTicker(s.tick)

	go func() {
		defer close(s.done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				s.sweep()
			case <-s.sweepCh:
				s.sweep()
			}
		}
	}()
}

// Stop ends the sweep loop and drops every armed deadline without firing it.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}

	s.fireMu.Lock()
	defer s.fireMu.Unlock()
	s.mu.Lock()
	for id, sl := range s.slots {
		sl.stop()
		delete(s.slots, id)
	}
	s.mu.Unlock()
}

// Arm replaces any deadline for bookingID with a new one. Replacement is atomic with
// respect to firing: the previous callback either already ran or never will.
func (s *Scheduler) Arm(bookingID string, expiresAt time.Time, onFire func()) {
	s.fireMu.Lock()
	defer s.fireMu.Unlock()

	sl := &slot{
		bookingID: bookingID,
		expiresAt: expiresAt,
		onFire:    onFire,
		stopCh:    make(chan struct{}),
	}

	s.mu.Lock()
	if existing, ok := s.slots[bookingID]; ok {
		existing.stop()
		log.Debug().Str("booking_id", bookingID).Msg("replaced existing deadline")
	}
	s.slots[bookingID] = sl
	s.mu.Unlock()

	remaining := deadline.Remaining(s.clock.Now(), expiresAt)
	if remaining <= 0 {
		s.requestSweep()
	} else {
		sl.timer = s.clock.NewTimer(remaining)
		go func(t clockwork.Timer, stop <-chan struct{}) {
			select {
			case <-t.Chan():
				s.requestSweep()
			case <-stop:
			}
		}(sl.timer, sl.stopCh)
	}

	log.Debug().
		Str("booking_id", bookingID).
		Time("expires_at", expiresAt).
		Dur("remaining", remaining).
		Msg("armed deadline")
}

// Disarm cancels the deadline for bookingID without firing it. It reports whether a
// deadline was armed.
func (s *Scheduler) Disarm(bookingID string) bool {
	s.fireMu.Lock()
	defer s.fireMu.Unlock()

	s.mu.Lock()
	sl, ok := s.slots[bookingID]
	if ok {
		delete(s.slots, bookingID)
	}
	s.mu.Unlock()

	if ok {
		sl.stop()
		log.Debug().Str("booking_id", bookingID).Msg("disarmed deadline")
	}
	return ok
}

// Armed returns the pending deadline for bookingID, if any.
func (s *Scheduler) Armed(bookingID string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sl, ok := s.slots[bookingID]; ok {
		return sl.expiresAt, true
	}
	return time.Time{}, false
}

// Len returns the number of armed deadlines.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.slots)
}

func (s *Scheduler) requestSweep() {
	select {
	case s.sweepCh <- struct{}{}:
	default:
	}
}

// sweep fires every elapsed deadline, earliest first.
func (s *Scheduler) sweep() {
	s.fireMu.Lock()
	defer s.fireMu.Unlock()

	now := s.clock.Now()
	var due []*slot

	s.mu.Lock()
	for id, sl := range s.slots {
		if deadline.Elapsed(now, sl.expiresAt) {
			due = append(due, sl)
			delete(s.slots, id)
		}
	}
	s.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].expiresAt.Before(due[j].expiresAt) })

	for _, sl := range due {
		sl.stop()
		log.Debug().
			Str("booking_id", sl.bookingID).
			Time("expires_at", sl.expiresAt).
			Dur("late_by", now.Sub(sl.expiresAt)).
			Msg("deadline fired")
		s.fire(sl)
	}
}

func (s *Scheduler) fire(sl *slot) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("booking_id", sl.bookingID).Interface("panic", r).Msg("deadline callback panicked")
		}
	}()
	sl.onFire()
}

func (sl *slot) stop() {
	sl.stopOnce.Do(func() {
		close(sl.stopCh)
		if sl.timer != nil {
			stopAndDrainTimer(sl.timer)
		}
	})
}

// stopAndDrainTimer stops a timer and drains its channel if it already fired.
func stopAndDrainTimer(timer clockwork.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.Chan():
		default:
		}
	}
}
