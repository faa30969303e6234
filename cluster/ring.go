package cluster

import (
	"sort"
	"sync"

	"github.com/buraksezer/consistent"
	"github.com/mohitkumar/nurture/logger"
	"github.com/spaolacci/murmur3"
	"go.uber.org/zap"
)

type hasher struct{}

func (h hasher) Sum64(data []byte) uint64 {
	return murmur3.Sum64(data)
}

type RingConfig struct {
	PartitionCount int
	LocalName      string
	LocalAddr      string
}

type Member struct {
	Name string
	Addr string
}

func (m Member) String() string {
	return m.Name
}

// Ring assigns scheduler partitions to cluster members. Every process polls
// only the partitions it owns.
type Ring struct {
	RingConfig
	hring   *consistent.Consistent
	members map[string]Member
	mu      sync.RWMutex
}

func NewRing(c RingConfig) *Ring {
	if c.PartitionCount <= 0 {
		c.PartitionCount = 1
	}
	cfg := consistent.Config{
		PartitionCount:    c.PartitionCount,
		ReplicationFactor: 20,
		Load:              1.25,
		Hasher:            hasher{},
	}
	r := &Ring{
		RingConfig: c,
		hring:      consistent.New(nil, cfg),
		members:    make(map[string]Member),
	}
	r.Join(c.LocalName, c.LocalAddr)
	return r
}

func (r *Ring) Join(name, addr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.members[name]; ok {
		return nil
	}
	logger.Info("adding member to cluster", zap.String("node", name), zap.String("address", addr))
	m := Member{Name: name, Addr: addr}
	r.members[name] = m
	r.hring.Add(m)
	return nil
}

func (r *Ring) Leave(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if name == r.LocalName {
		return nil
	}
	logger.Info("removing member from cluster", zap.String("node", name))
	delete(r.members, name)
	r.hring.Remove(name)
	return nil
}

// Partition maps an enrollment id to its scheduler partition.
func (r *Ring) Partition(key string) int {
	return r.hring.FindPartitionID([]byte(key))
}

func (r *Ring) LocalPartitions() []int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	partitions := make([]int, 0, r.PartitionCount)
	for i := 0; i < r.PartitionCount; i++ {
		owner := r.hring.GetPartitionOwner(i)
		if owner != nil && owner.String() == r.LocalName {
			partitions = append(partitions, i)
		}
	}
	return partitions
}

func (r *Ring) Members() []Member {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Member, 0, len(r.members))
	for _, m := range r.members {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
