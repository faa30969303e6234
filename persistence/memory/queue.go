package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/mohitkumar/nurture/model"
)

func queueKey(lane string, partition int) string {
	return fmt.Sprintf("%s:%d", lane, partition)
}

func (s *Storage) Push(_ context.Context, partition int, item model.WorkItem, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if item.Token == "" {
		item.Token = uuid.NewString()
	}
	qk := queueKey(item.Kind.Lane(), partition)
	if s.queues[qk] == nil {
		s.queues[qk] = make(map[string]*queued)
	}
	s.queues[qk][item.Key()] = &queued{item: item, due: at}
	return nil
}

func (s *Storage) Remove(_ context.Context, partition int, item model.WorkItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.queues[queueKey(item.Kind.Lane(), partition)], item.Key())
	return nil
}

func (s *Storage) Claim(_ context.Context, partition int, lane string, now time.Time, limit int, visibility time.Duration) ([]model.WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*queued
	for _, q := range s.queues[queueKey(lane, partition)] {
		if !q.due.After(now) {
			due = append(due, q)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].due.Equal(due[j].due) {
			return due[i].item.Key() < due[j].item.Key()
		}
		return due[i].due.Before(due[j].due)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	items := make([]model.WorkItem, 0, len(due))
	for _, q := range due {
		q.due = now.Add(visibility)
		items = append(items, q.item)
	}
	return items, nil
}

func (s *Storage) Ack(_ context.Context, partition int, item model.WorkItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queues[queueKey(item.Kind.Lane(), partition)]
	if current, ok := q[item.Key()]; ok && current.item.Token == item.Token {
		delete(q, item.Key())
	}
	return nil
}

// Pending returns every registration sorted by key, for tests and
// diagnostics.
func (s *Storage) Pending() []model.WorkItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.WorkItem
	for _, q := range s.queues {
		for _, item := range q {
			out = append(out, item.item)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}
