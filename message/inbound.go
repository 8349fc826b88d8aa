package message

import (
	"errors"
	"sort"
)

// Errors returned by In.Insert. These are discard-and-count conditions
// (spec §7), never fatal.
var (
	// ErrSegmentOutOfRange is returned when offset+len(data) exceeds the
	// message's declared total length.
	ErrSegmentOutOfRange = errors.New("message: segment extends past message end")
)

// segment records one received byte range, kept in offset order.
type segment struct {
	offset int
	length int
}

// In tracks the receiver-side state of one RPC's message: which byte
// ranges have arrived, how many bytes the sender has been authorized to
// send without a further grant, and how many bytes remain before the
// message is complete.
//
// Invariant: BytesRemaining == Length - sum(received segment lengths)
// (spec §8 invariant 2).
type In struct {
	Length          int
	Incoming        int
	BytesRemaining  int
	Scheduled       bool
	InGrantableSet  bool
	segments        []segment
}

// NewIn creates an inbound message of the given total length.
// unscheduledWindow is config.UnscheduledWindow(); a message whose length
// exceeds it is "scheduled" and will eventually need grants (spec §3).
func NewIn(length, unscheduledWindow int) *In {
	return &In{
		Length:         length,
		BytesRemaining: length,
		Scheduled:      length > unscheduledWindow,
	}
}

// Insert records a received DATA segment. It returns (complete, accepted,
// err). complete is true the moment BytesRemaining reaches zero. accepted
// is false for a silently-dropped exact duplicate, which is not an error
// (spec §8: "delivering the same DATA frame N>=1 times is equivalent to
// delivering it once").
func (m *In) Insert(offset, length int) (complete bool, accepted bool, err error) {
	if offset < 0 || offset+length > m.Length {
		return false, false, ErrSegmentOutOfRange
	}
	idx := sort.Search(len(m.segments), func(i int) bool { return m.segments[i].offset >= offset })
	if idx < len(m.segments) && m.segments[idx].offset == offset {
		// Exact duplicate by offset: drop silently.
		return m.BytesRemaining == 0, false, nil
	}
	m.segments = append(m.segments, segment{})
	copy(m.segments[idx+1:], m.segments[idx:])
	m.segments[idx] = segment{offset: offset, length: length}
	m.BytesRemaining -= length
	return m.BytesRemaining == 0, true, nil
}

// UpdateIncoming advances the incoming watermark to at least
// packetIncoming, matching spec §4.5 ("incoming <- max(incoming,
// packet.incoming)"); incoming is monotonically non-decreasing.
func (m *In) UpdateIncoming(packetIncoming int) {
	if packetIncoming > m.Incoming {
		m.Incoming = packetIncoming
	}
	if m.Incoming > m.Length {
		m.Incoming = m.Length
	}
}

// Complete reports whether every byte of the message has arrived.
func (m *In) Complete() bool {
	return m.BytesRemaining == 0
}

// ContiguousEnd returns the end of the contiguous run of received bytes
// starting at offset 0.
func (m *In) ContiguousEnd() int {
	end := 0
	for _, s := range m.segments {
		if s.offset > end {
			break
		}
		if s.offset+s.length > end {
			end = s.offset + s.length
		}
	}
	return end
}

// ResendRange implements spec §4.5's get_resend_range: it returns the
// first missing byte range below Incoming. A gap that starts below
// Incoming is returned, clipped to Incoming; if there is no gap but
// Incoming exceeds the contiguous prefix, the range from the contiguous
// end to Incoming is returned. ok is false if nothing is missing below
// Incoming, including when the first gap lies entirely at or beyond it.
func (m *In) ResendRange() (offset, length int, ok bool) {
	cursor := 0
	for _, s := range m.segments {
		if s.offset > cursor {
			gapEnd := s.offset
			if gapEnd > m.Incoming {
				gapEnd = m.Incoming
			}
			if gapEnd > cursor {
				return cursor, gapEnd - cursor, true
			}
			// The gap lies entirely beyond Incoming; nothing to resend yet.
			return 0, 0, false
		}
		if s.offset+s.length > cursor {
			cursor = s.offset + s.length
		}
	}
	if cursor < m.Incoming {
		return cursor, m.Incoming - cursor, true
	}
	return 0, 0, false
}
