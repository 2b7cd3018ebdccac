package media

// SequenceFilter tracks telephony frame sequence numbers with rollover
// handling. Ordering is required per direction but not guaranteed by the
// transport, so the filter tolerates slightly late frames and rejects
// frames staler than a small window. Sequence numbers are 16-bit and wrap
// at 65535.
type SequenceFilter struct {
	initialized bool
	lastSeq     uint16
	staleWindow uint16
	received    uint64
	dropped     uint64
}

// NewSequenceFilter creates a filter with the given stale window, measured
// in sequence numbers behind the newest frame seen.
func NewSequenceFilter(staleWindow int) *SequenceFilter {
	if staleWindow < 1 {
		staleWindow = 1
	}
	return &SequenceFilter{staleWindow: uint16(staleWindow)}
}

// Accept reports whether the frame with this sequence number should be
// forwarded. Frames at most staleWindow behind the newest are forwarded
// out of order; anything older is dropped.
func (s *SequenceFilter) Accept(seq uint16) bool {
	s.received++

	if !s.initialized {
		s.initialized = true
		s.lastSeq = seq
		return true
	}

	// Forward distance handling wrap-around per RFC 3550: uint16
	// subtraction first, then interpret as signed for direction.
	diff := int16(seq - s.lastSeq)
	if diff > 0 {
		s.lastSeq = seq
		return true
	}
	if uint16(-diff) > s.staleWindow {
		s.dropped++
		return false
	}
	return true
}

// Stats returns cumulative counts of frames seen and frames dropped as stale.
func (s *SequenceFilter) Stats() (received, dropped uint64) {
	return s.received, s.dropped
}

// Reset clears all tracking state.
func (s *SequenceFilter) Reset() {
	s.initialized = false
	s.lastSeq = 0
	s.received = 0
	s.dropped = 0
}
