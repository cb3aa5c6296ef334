package eventloop

import (
	"encoding/binary"
	"fmt"
	"sort"
	"time"
)

// Poll record layout, WASI poll_oneoff compatible. Subscriptions are 48
// bytes, events 32, little-endian. The loop rebuilds the subscription set
// from scratch each cycle; there is no edge-trigger state to retain.

// EventType tags a subscription or event record.
type EventType uint8

const (
	EventClock  EventType = 0
	EventFdRead EventType = 1
)

// ClockRealtime is the clock id used for absolute timer subscriptions.
const ClockRealtime uint32 = 0

// SubClockAbstime marks a clock subscription's timeout as absolute.
const SubClockAbstime uint16 = 1 << 0

// EventFdHangup is set on an fd-read event when the peer closed.
const EventFdHangup uint16 = 1 << 0

const (
	subscriptionSize = 48
	eventSize        = 32
)

// Subscription is one entry in the set handed to the poller: either a clock
// (absolute deadline, userdata = timer id) or an fd-read (userdata = fd).
type Subscription struct {
	Userdata uint64
	Tag      EventType

	// clock variant
	ClockID   uint32
	Timeout   uint64 // absolute, nanoseconds
	Precision uint64
	Flags     uint16

	// fd-read/fd-write variant
	Fd uint32
}

// MarshalBinary encodes the subscription in the 48-byte host layout.
func (s *Subscription) MarshalBinary() ([]byte, error) {
	buf := make([]byte, subscriptionSize)
	binary.LittleEndian.PutUint64(buf[0:], s.Userdata)
	buf[8] = byte(s.Tag)
	switch s.Tag {
	case EventClock:
		binary.LittleEndian.PutUint32(buf[16:], s.ClockID)
		binary.LittleEndian.PutUint64(buf[24:], s.Timeout)
		binary.LittleEndian.PutUint64(buf[32:], s.Precision)
		binary.LittleEndian.PutUint16(buf[40:], s.Flags)
	case EventFdRead:
		binary.LittleEndian.PutUint32(buf[16:], s.Fd)
	default:
		return nil, fmt.Errorf("unknown subscription tag %d", s.Tag)
	}
	return buf, nil
}

// UnmarshalBinary decodes a 48-byte subscription record.
func (s *Subscription) UnmarshalBinary(buf []byte) error {
	if len(buf) != subscriptionSize {
		return fmt.Errorf("subscription record is %d bytes, want %d", len(buf), subscriptionSize)
	}
	s.Userdata = binary.LittleEndian.Uint64(buf[0:])
	s.Tag = EventType(buf[8])
	switch s.Tag {
	case EventClock:
		s.ClockID = binary.LittleEndian.Uint32(buf[16:])
		s.Timeout = binary.LittleEndian.Uint64(buf[24:])
		s.Precision = binary.LittleEndian.Uint64(buf[32:])
		s.Flags = binary.LittleEndian.Uint16(buf[40:])
	case EventFdRead:
		s.Fd = binary.LittleEndian.Uint32(buf[16:])
	default:
		return fmt.Errorf("unknown subscription tag %d", s.Tag)
	}
	return nil
}

// Event is one poll result record.
type Event struct {
	Userdata uint64
	Errno    uint16
	Tag      EventType
	NBytes   uint64
	Flags    uint16
}

// MarshalBinary encodes the event in the 32-byte host layout.
func (e *Event) MarshalBinary() ([]byte, error) {
	buf := make([]byte, eventSize)
	binary.LittleEndian.PutUint64(buf[0:], e.Userdata)
	binary.LittleEndian.PutUint16(buf[8:], e.Errno)
	buf[10] = byte(e.Tag)
	binary.LittleEndian.PutUint64(buf[16:], e.NBytes)
	binary.LittleEndian.PutUint16(buf[24:], e.Flags)
	return buf, nil
}

// UnmarshalBinary decodes a 32-byte event record.
func (e *Event) UnmarshalBinary(buf []byte) error {
	if len(buf) != eventSize {
		return fmt.Errorf("event record is %d bytes, want %d", len(buf), eventSize)
	}
	e.Userdata = binary.LittleEndian.Uint64(buf[0:])
	e.Errno = binary.LittleEndian.Uint16(buf[8:])
	e.Tag = EventType(buf[10])
	e.NBytes = binary.LittleEndian.Uint64(buf[16:])
	e.Flags = binary.LittleEndian.Uint16(buf[24:])
	return nil
}

// Poller blocks once until at least one subscription is ready or the
// earliest clock fires. For fd-read events, completions[i] carries the full
// completion behind events[i]; clock events have a zero completion.
type Poller interface {
	PollOneoff(subs []Subscription) (events []Event, completions []Completion, err error)
}

// runtimePoller implements poll_oneoff semantics over the completion queue:
// it blocks on the queue's wake channel bounded by the earliest clock
// deadline, then reports every elapsed clock and every queued completion as
// one batch.
type runtimePoller struct {
	queue *completionQueue
	now   func() time.Time
}

func newRuntimePoller(q *completionQueue) *runtimePoller {
	return &runtimePoller{queue: q, now: time.Now}
}

func (p *runtimePoller) PollOneoff(subs []Subscription) ([]Event, []Completion, error) {
	if len(subs) == 0 {
		return nil, nil, nil
	}

	var clocks []Subscription
	hasFd := false
	for _, s := range subs {
		switch s.Tag {
		case EventClock:
			clocks = append(clocks, s)
		case EventFdRead:
			hasFd = true
		}
	}
	// Smallest absolute deadline first; ties by userdata (slot index).
	sort.Slice(clocks, func(i, j int) bool {
		if clocks[i].Timeout != clocks[j].Timeout {
			return clocks[i].Timeout < clocks[j].Timeout
		}
		return clocks[i].Userdata < clocks[j].Userdata
	})

	pending := p.queue.drain()
	if len(pending) == 0 {
		pending = p.wait(clocks, hasFd)
	}

	var events []Event
	var completions []Completion

	nowNs := uint64(p.now().UnixNano())
	for _, c := range clocks {
		if c.Timeout <= nowNs {
			events = append(events, Event{Userdata: c.Userdata, Tag: EventClock})
			completions = append(completions, Completion{})
		}
	}
	for _, c := range pending {
		ev := Event{
			Userdata: uint64(uint32(c.Fd)),
			Errno:    uint16(c.Code),
			Tag:      EventFdRead,
			NBytes:   uint64(c.N),
		}
		if c.Hangup || c.EOF {
			ev.Flags |= EventFdHangup
		}
		events = append(events, ev)
		completions = append(completions, c)
	}
	return events, completions, nil
}

// wait blocks until a completion arrives or the earliest clock deadline
// elapses. With neither fd activity possible nor clocks armed it returns
// immediately (the caller owns liveness accounting).
func (p *runtimePoller) wait(clocks []Subscription, hasFd bool) []Completion {
	var deadlineCh <-chan time.Time
	if len(clocks) > 0 {
		earliest := time.Unix(0, int64(clocks[0].Timeout))
		d := earliest.Sub(p.now())
		if d <= 0 {
			return p.queue.drain()
		}
		t := time.NewTimer(d)
		defer t.Stop()
		deadlineCh = t.C
	} else if !hasFd {
		return nil
	}

	select {
	case <-p.queue.wakeChan():
		return p.queue.drain()
	case <-deadlineCh:
		return p.queue.drain()
	}
}
