package rtpengine

import "sync"

// Stats is a read-only snapshot of a running Engine's counters, per
// spec §4.3 ("Exposed read-only via a snapshot copy").
type Stats struct {
	TotalPackets uint64
	TotalBytes   uint64
	LostPackets  uint64
	LastSequence uint16
}

type statTracker struct {
	mu           sync.Mutex
	totalPackets uint64
	totalBytes   uint64
	lostPackets  uint64
	lastSequence uint16
	haveSequence bool
}

// observe updates packet/byte counters and the loss estimate for an
// incoming packet's sequence number. Loss is a sequence-gap count that
// handles 16-bit wraparound via the "shorter arc" rule: a gap is only
// counted forward if that is the shorter distance around the ring. It
// returns the number of newly-counted lost packets from this call, for
// the caller to forward to a monotonic Prometheus counter.
func (s *statTracker) observe(seq uint16, payloadLen int) (newlyLost uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.totalPackets++
	s.totalBytes += uint64(payloadLen)

	if s.haveSequence {
		gap := int(seq) - int(s.lastSequence)
		// Normalize to the shorter arc in [-32768, 32767].
		if gap >= 32768 {
			gap -= 65536
		} else if gap < -32768 {
			gap += 65536
		}
		if gap > 1 {
			newlyLost = uint64(gap - 1)
			s.lostPackets += newlyLost
		}
	}
	s.lastSequence = seq
	s.haveSequence = true
	return newlyLost
}

func (s *statTracker) snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		TotalPackets: s.totalPackets,
		TotalBytes:   s.totalBytes,
		LostPackets:  s.lostPackets,
		LastSequence: s.lastSequence,
	}
}
