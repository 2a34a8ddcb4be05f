package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is the single-replica fallback used when no redis URL is
// configured. It implements the queue, registry and due index interfaces with
// the same semantics under one mutex, which is sufficient on a single process,
// and holds the dedupe state behind NewMemoryCallbackDeduper. Leadership in
// this mode comes from MemoryLeaderLock.
type MemoryStore struct {
	mu sync.Mutex

	maxDepth int
	leaseTTL time.Duration

	agents   map[string]*Agent
	schedule map[string]int64 // queueKey -> nextRunAt score
	leases   map[string]time.Time

	ready      []string
	processing []string
	inflight   map[string]int64 // id -> lease deadline ms
	payloads   map[string]Task
	owners     map[string]string
	execLeases map[string]time.Time

	dedupeDone  map[string]time.Time
	dedupeLease map[string]memLease

	now func() time.Time
}

type memLease struct {
	token   string
	expires time.Time
}

// NewMemoryStore creates the in-memory fallback store.
func NewMemoryStore(maxDepth int, leaseTTL time.Duration) *MemoryStore {
	return &MemoryStore{
		maxDepth:    maxDepth,
		leaseTTL:    leaseTTL,
		agents:      map[string]*Agent{},
		schedule:    map[string]int64{},
		leases:      map[string]time.Time{},
		inflight:    map[string]int64{},
		payloads:    map[string]Task{},
		owners:      map[string]string{},
		execLeases:  map[string]time.Time{},
		dedupeDone:  map[string]time.Time{},
		dedupeLease: map[string]memLease{},
		now:         time.Now,
	}
}

// --- Queue ---

func (m *MemoryStore) Enqueue(ctx context.Context, task Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.ready)+len(m.inflight) >= m.maxDepth {
		return ErrQueueFull
	}
	m.payloads[task.ID] = task
	m.owners[task.ID] = task.QueueKey
	m.ready = append(m.ready, task.ID)
	return nil
}

func (m *MemoryStore) Claim(ctx context.Context) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.ready) == 0 {
		return nil, nil
	}
	id := m.ready[0]
	m.ready = m.ready[1:]

	task, ok := m.payloads[id]
	if !ok {
		return nil, nil
	}
	m.processing = append(m.processing, id)
	m.inflight[id] = m.now().Add(m.leaseTTL).UnixMilli()
	m.execLeases[id] = m.now().Add(m.leaseTTL)
	return &task, nil
}

func (m *MemoryStore) Ack(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.processing = removeString(m.processing, id)
	delete(m.inflight, id)
	delete(m.payloads, id)
	delete(m.owners, id)
	delete(m.execLeases, id)
	return nil
}

func (m *MemoryStore) RequeueExpired(ctx context.Context, limit int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	nowMs := m.now().UnixMilli()
	requeued := 0
	for id, deadline := range m.inflight {
		if requeued >= limit && limit > 0 {
			break
		}
		if deadline > nowMs {
			continue
		}
		if exp, ok := m.execLeases[id]; ok && m.now().Before(exp) {
			continue
		}
		delete(m.inflight, id)
		delete(m.execLeases, id)
		m.processing = removeString(m.processing, id)
		if _, ok := m.payloads[id]; ok {
			m.ready = append(m.ready, id)
			requeued++
		}
	}
	return requeued, nil
}

func (m *MemoryStore) RecoverBoot(ctx context.Context) (int, int, error) {
	// Memory state never survives a restart; nothing to rebuild.
	return 0, 0, nil
}

func (m *MemoryStore) RemoveAgentTasks(ctx context.Context, queueKey string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, owner := range m.owners {
		if owner != queueKey {
			continue
		}
		if exp, ok := m.execLeases[id]; ok && m.now().Before(exp) {
			continue // leased tasks finish naturally
		}
		m.ready = removeString(m.ready, id)
		m.processing = removeString(m.processing, id)
		delete(m.inflight, id)
		delete(m.payloads, id)
		delete(m.owners, id)
		delete(m.execLeases, id)
		removed++
	}
	return removed, nil
}

func (m *MemoryStore) Depths(ctx context.Context) (int64, int64, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.ready)), int64(len(m.processing)), int64(len(m.inflight)), nil
}

// --- Registry ---

func (m *MemoryStore) Upsert(ctx context.Context, agent *Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *agent
	m.agents[agent.QueueKey] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, queueKey string) (*Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[queueKey]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) List(ctx context.Context) ([]*Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Agent, 0, len(m.agents))
	for _, a := range m.agents {
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QueueKey < out[j].QueueKey })
	return out, nil
}

func (m *MemoryStore) Remove(ctx context.Context, queueKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.agents, queueKey)
	delete(m.schedule, queueKey)
	return nil
}

func (m *MemoryStore) Count(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.agents), nil
}

// --- Due index ---

func (m *MemoryStore) ScheduleUpsert(ctx context.Context, queueKey string, nextRunAt int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.schedule[queueKey] = nextRunAt
	return nil
}

func (m *MemoryStore) ScheduleRemove(ctx context.Context, queueKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.schedule, queueKey)
	return nil
}

func (m *MemoryStore) Due(ctx context.Context, now int64, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	type entry struct {
		key   string
		score int64
	}
	var due []entry
	for k, score := range m.schedule {
		if score <= now {
			due = append(due, entry{k, score})
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].score < due[j].score })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	out := make([]string, len(due))
	for i, e := range due {
		out[i] = e.key
	}
	return out, nil
}

func (m *MemoryStore) ClaimDue(ctx context.Context, queueKey string, fence int64, leaseTTL time.Duration, newScore int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if exp, ok := m.leases[queueKey]; ok && m.now().Before(exp) {
		return false, nil
	}
	m.leases[queueKey] = m.now().Add(leaseTTL)
	if _, ok := m.schedule[queueKey]; ok {
		m.schedule[queueKey] = newScore
	}
	return true, nil
}

// --- Callback dedupe ---

func (m *MemoryStore) DedupeBegin(ctx context.Context, key, token string, leaseTTL time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if exp, ok := m.dedupeDone[key]; ok && m.now().Before(exp) {
		return false, nil
	}
	if l, ok := m.dedupeLease[key]; ok && m.now().Before(l.expires) {
		return false, nil
	}
	m.dedupeLease[key] = memLease{token: token, expires: m.now().Add(leaseTTL)}
	return true, nil
}

func (m *MemoryStore) DedupeComplete(ctx context.Context, key, token string, doneTTL time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if l, ok := m.dedupeLease[key]; ok && l.token == token {
		m.dedupeDone[key] = m.now().Add(doneTTL)
		delete(m.dedupeLease, key)
	}
	return nil
}

func (m *MemoryStore) DedupeRelease(ctx context.Context, key, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if l, ok := m.dedupeLease[key]; ok && l.token == token {
		delete(m.dedupeLease, key)
	}
	return nil
}

func removeString(s []string, v string) []string {
	for i, x := range s {
		if x == v {
			return append(s[:i:i], s[i+1:]...)
		}
	}
	return s
}
