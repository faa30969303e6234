package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mohitkumar/nurture/model"
	"github.com/mohitkumar/nurture/persistence"
	"github.com/mohitkumar/nurture/util"
)

var (
	_ persistence.FlowStorage       = new(Storage)
	_ persistence.EnrollmentStorage = new(Storage)
	_ persistence.WaiterIndex       = new(Storage)
	_ persistence.LeaseManager      = new(Storage)
	_ persistence.ExecutionLog      = new(Storage)
	_ persistence.Counter           = new(Storage)
	_ persistence.WorkQueue         = new(Storage)
)

type lease struct {
	token   string
	expires time.Time
}

type queued struct {
	item model.WorkItem
	due  time.Time
}

// Storage keeps everything in process memory. Stored values are encoded so
// callers never share maps with the store.
type Storage struct {
	mu          sync.Mutex
	now         func() time.Time
	flows       map[string]map[int][]byte
	latest      map[string]int
	enrollments map[string][]byte
	versions    map[string]int64
	waiters     map[string]map[string]struct{}
	leases      map[string]lease
	logs        map[string][]model.ExecutionLogEntry
	counters    map[string]int64
	queues      map[string]map[string]*queued
	flowEnc     util.EncoderDecoder[model.FlowDefinition]
	enrEnc      util.EncoderDecoder[model.Enrollment]
}

func NewStorage() *Storage {
	return &Storage{
		now:         time.Now,
		flows:       make(map[string]map[int][]byte),
		latest:      make(map[string]int),
		enrollments: make(map[string][]byte),
		versions:    make(map[string]int64),
		waiters:     make(map[string]map[string]struct{}),
		leases:      make(map[string]lease),
		logs:        make(map[string][]model.ExecutionLogEntry),
		counters:    make(map[string]int64),
		queues:      make(map[string]map[string]*queued),
		flowEnc:     util.NewJsonEncoderDecoder[model.FlowDefinition](),
		enrEnc:      util.NewJsonEncoderDecoder[model.Enrollment](),
	}
}

// WithClock replaces the clock used for lease expiry.
func (s *Storage) WithClock(now func() time.Time) *Storage {
	s.now = now
	return s
}

func (s *Storage) SaveFlow(_ context.Context, def *model.FlowDefinition) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	def.Version = s.latest[def.Id] + 1
	def.PublishedAt = s.now().UTC()
	data, err := s.flowEnc.Encode(*def)
	if err != nil {
		return 0, err
	}
	if s.flows[def.Id] == nil {
		s.flows[def.Id] = make(map[int][]byte)
	}
	s.flows[def.Id][def.Version] = data
	s.latest[def.Id] = def.Version
	return def.Version, nil
}

func (s *Storage) GetFlow(_ context.Context, id string, version int) (*model.FlowDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.flows[id][version]
	if !ok {
		return nil, persistence.ErrNotFound
	}
	return s.flowEnc.Decode(data)
}

func (s *Storage) GetLatestFlow(ctx context.Context, id string) (*model.FlowDefinition, error) {
	s.mu.Lock()
	v, ok := s.latest[id]
	s.mu.Unlock()
	if !ok {
		return nil, persistence.ErrNotFound
	}
	return s.GetFlow(ctx, id, v)
}

func (s *Storage) ListFlows(ctx context.Context) ([]*model.FlowDefinition, error) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.latest))
	for id := range s.latest {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	sort.Strings(ids)
	out := make([]*model.FlowDefinition, 0, len(ids))
	for _, id := range ids {
		def, err := s.GetLatestFlow(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, def)
	}
	return out, nil
}

func (s *Storage) CreateEnrollment(_ context.Context, e *model.Enrollment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.enrollments[e.Id]; ok {
		return persistence.StorageLayerError{Message: "enrollment " + e.Id + " already exists"}
	}
	return s.put(e, 1)
}

func (s *Storage) SaveEnrollment(_ context.Context, e *model.Enrollment, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.versions[e.Id]
	if !ok || current != expectedVersion {
		return persistence.ErrVersionConflict
	}
	return s.put(e, expectedVersion+1)
}

func (s *Storage) put(e *model.Enrollment, version int64) error {
	next := *e
	next.Version = version
	data, err := s.enrEnc.Encode(next)
	if err != nil {
		return err
	}
	s.enrollments[e.Id] = data
	s.versions[e.Id] = version
	e.Version = version
	return nil
}

func (s *Storage) GetEnrollment(_ context.Context, id string) (*model.Enrollment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.enrollments[id]
	if !ok {
		return nil, persistence.ErrNotFound
	}
	return s.enrEnc.Decode(data)
}

// scan decodes every enrollment. Callers hold the lock.
func (s *Storage) scan(fn func(e *model.Enrollment)) {
	for _, data := range s.enrollments {
		if e, err := s.enrEnc.Decode(data); err == nil {
			fn(e)
		}
	}
}

func (s *Storage) FindLive(_ context.Context, flowId string, contactId string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	s.scan(func(e *model.Enrollment) {
		if e.FlowId == flowId && e.ContactId == contactId && !e.Status.IsTerminal() {
			ids = append(ids, e.Id)
		}
	})
	sort.Strings(ids)
	return ids, nil
}

func (s *Storage) ListTerminalBefore(_ context.Context, before time.Time, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var found []*model.Enrollment
	s.scan(func(e *model.Enrollment) {
		if e.Status.IsTerminal() && !e.Archived && e.UpdatedAt.Before(before) {
			found = append(found, e)
		}
	})
	sort.Slice(found, func(i, j int) bool { return found[i].UpdatedAt.Before(found[j].UpdatedAt) })
	ids := make([]string, 0, len(found))
	for _, e := range found {
		if limit > 0 && len(ids) == limit {
			break
		}
		ids = append(ids, e.Id)
	}
	return ids, nil
}

func waiterKey(eventType, contactId string) string {
	return eventType + ":" + contactId
}

func (s *Storage) AddWaiter(_ context.Context, eventType string, contactId string, enrollmentId string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := waiterKey(eventType, contactId)
	if s.waiters[k] == nil {
		s.waiters[k] = make(map[string]struct{})
	}
	s.waiters[k][enrollmentId] = struct{}{}
	return nil
}

func (s *Storage) RemoveWaiter(_ context.Context, eventType string, contactId string, enrollmentId string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.waiters[waiterKey(eventType, contactId)], enrollmentId)
	return nil
}

func (s *Storage) FindWaiters(_ context.Context, eventType string, contactId string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.waiters[waiterKey(eventType, contactId)]))
	for id := range s.waiters[waiterKey(eventType, contactId)] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Storage) Acquire(_ context.Context, enrollmentId string, ttl time.Duration) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if l, ok := s.leases[enrollmentId]; ok && now.Before(l.expires) {
		return "", persistence.ErrLeaseHeld
	}
	token := uuid.NewString()
	s.leases[enrollmentId] = lease{token: token, expires: now.Add(ttl)}
	return token, nil
}

func (s *Storage) Release(_ context.Context, enrollmentId string, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.leases[enrollmentId]; ok && l.token == token {
		delete(s.leases, enrollmentId)
	}
	return nil
}

func (s *Storage) Append(_ context.Context, entries ...model.ExecutionLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, entry := range entries {
		s.logs[entry.EnrollmentId] = append(s.logs[entry.EnrollmentId], entry)
	}
	return nil
}

func (s *Storage) List(_ context.Context, enrollmentId string) ([]model.ExecutionLogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.ExecutionLogEntry, len(s.logs[enrollmentId]))
	copy(out, s.logs[enrollmentId])
	return out, nil
}

func (s *Storage) Next(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[key]++
	return s.counters[key], nil
}
