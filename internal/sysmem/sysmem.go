// Package sysmem reads the process's own resident set size so the DFA
// cache (lazydfa) can enforce the memory ceiling spec §5 describes in
// terms of actual process memory rather than an approximate per-entry
// accounting scheme. The partial-match store (statestore) does not use it.
//
// The unix.Getrusage call style is grounded on the pack's other syscall
// wrapper usage (golang.org/x/sys/unix's Rlimit/ClockGettime calls in the
// tracker example) — a direct unix.* syscall call, no wrapper layer.
package sysmem

import "golang.org/x/sys/unix"

// RSSBytes returns the calling process's peak resident set size in bytes
// (getrusage's ru_maxrss, which Linux reports in kilobytes).
func RSSBytes() (uint64, error) {
	var ru unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &ru); err != nil {
		return 0, err
	}
	//nolint:unconvert // Maxrss is int64 on linux/amd64 but int32 on some other unix targets
	return uint64(ru.Maxrss) * 1024, nil
}

// Sampler keeps the last successful RSS reading. Every Sample call reads
// RSS again; there is no minimum interval between readings, so the
// cadence is set by the caller (lazydfa.Cache samples only inside Insert,
// which spec §4.6's tick-driven hot-spot sweep calls, not per event).
type Sampler struct {
	last uint64
}

// Sample refreshes and returns the cached RSS reading. Errors leave the
// previous reading in place and are returned for the caller to log.
func (s *Sampler) Sample() (uint64, error) {
	rss, err := RSSBytes()
	if err != nil {
		return s.last, err
	}
	s.last = rss
	return rss, nil
}

// Last returns the most recent successful reading without sampling again.
func (s *Sampler) Last() uint64 { return s.last }
