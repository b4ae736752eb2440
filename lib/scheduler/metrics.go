package scheduler

import "sync"

type passMetrics struct {
	mu sync.Mutex

	totalSelected int
	updated       int
	unchanged     int
	errored       int
	matched       int
	notified      int
}

func (m *passMetrics) Add(r *PollReport) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case r.Err != nil:
		m.errored += 1
	case r.Increased > 0:
		m.updated += 1
	default:
		m.unchanged += 1
	}
	m.matched += r.Matched
	m.notified += r.Notified
}

func (m *passMetrics) logArgs() []any {
	m.mu.Lock()
	defer m.mu.Unlock()

	args := make([]any, 0)
	for _, kv := range []struct {
		key string
		val int
	}{
		{"errored", m.errored},
		{"updated", m.updated},
		{"unchanged", m.unchanged},
		{"matched", m.matched},
		{"notified", m.notified},
	} {
		if kv.val != 0 {
			args = append(args, kv.key, kv.val)
		}
	}
	return args
}
