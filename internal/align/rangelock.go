package align

import "sync"

// RangeLock serialises read-modify-write windows that share an aligned
// block. Acquire never blocks: a conflicting caller is parked and its grant
// function runs later on the goroutine that releases the conflicting range.
type RangeLock struct {
	mu      sync.Mutex
	held    []span
	waiters []waiter
}

type span struct {
	start, end int64
}

func (s span) overlaps(o span) bool {
	return s.start < o.end && o.start < s.end
}

type waiter struct {
	span  span
	grant func()
}

// Acquire takes [start, end). grant runs exactly once, when the range is
// held by the caller: immediately on the calling goroutine if it is free,
// otherwise from a later Release.
func (l *RangeLock) Acquire(start, end int64, grant func()) {
	s := span{start, end}

	l.mu.Lock()
	if l.conflicts(s, len(l.waiters)) {
		l.waiters = append(l.waiters, waiter{span: s, grant: grant})
		l.mu.Unlock()
		return
	}
	l.held = append(l.held, s)
	l.mu.Unlock()

	grant()
}

// Release drops [start, end), which must have been granted earlier, and
// runs the grants of every waiter that can now proceed.
func (l *RangeLock) Release(start, end int64) {
	s := span{start, end}

	l.mu.Lock()
	for i, h := range l.held {
		if h == s {
			l.held = append(l.held[:i], l.held[i+1:]...)
			break
		}
	}

	var ready []func()
	kept := l.waiters[:0]
	for _, w := range l.waiters {
		// A waiter may not overtake an earlier waiter it overlaps.
		if l.conflicts(w.span, 0) || overlapsAny(w.span, kept) {
			kept = append(kept, w)
			continue
		}
		l.held = append(l.held, w.span)
		ready = append(ready, w.grant)
	}
	for i := len(kept); i < len(l.waiters); i++ {
		l.waiters[i] = waiter{}
	}
	l.waiters = kept
	l.mu.Unlock()

	for _, grant := range ready {
		grant()
	}
}

// Held returns the number of granted ranges.
func (l *RangeLock) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.held)
}

// Waiting returns the number of parked acquirers.
func (l *RangeLock) Waiting() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.waiters)
}

// conflicts reports whether s overlaps a held range or one of the first n waiters.
func (l *RangeLock) conflicts(s span, n int) bool {
	for _, h := range l.held {
		if h.overlaps(s) {
			return true
		}
	}
	return overlapsAny(s, l.waiters[:n])
}

func overlapsAny(s span, ws []waiter) bool {
	for _, w := range ws {
		if w.span.overlaps(s) {
			return true
		}
	}
	return false
}
