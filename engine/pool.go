package engine

import (
	"fmt"
	"sync"

	"github.com/mohitkumar/nurture/logger"
	"github.com/mohitkumar/nurture/model"
	"github.com/mohitkumar/nurture/util"
	"github.com/spaolacci/murmur3"
	"go.uber.org/zap"
)

// Dispatcher hands work items to whatever runs them.
type Dispatcher interface {
	Dispatch(item model.WorkItem)
}

// Pool runs work items on a fixed set of workers. Items of one enrollment
// always land on the same worker.
type Pool struct {
	workers []*util.Worker
}

var _ Dispatcher = new(Pool)

func NewPool(count int, capacity int, wg *sync.WaitGroup, handler func(model.WorkItem) error) *Pool {
	if count <= 0 {
		count = 1
	}
	p := &Pool{workers: make([]*util.Worker, count)}
	fn := func(a util.Action) error {
		item, ok := a.(model.WorkItem)
		if !ok {
			return fmt.Errorf("unexpected action %T", a)
		}
		return handler(item)
	}
	for i := range p.workers {
		p.workers[i] = util.NewWorker(fmt.Sprintf("step-worker-%d", i), wg, fn, capacity)
	}
	return p
}

func (p *Pool) Start() {
	for _, w := range p.workers {
		w.Start()
	}
}

func (p *Pool) Stop() {
	for _, w := range p.workers {
		w.Stop()
	}
}

// Dispatch never blocks. When the worker is full the item stays registered
// with the scheduler and is picked up once its visibility timeout lapses.
func (p *Pool) Dispatch(item model.WorkItem) {
	w := p.workers[murmur3.Sum32([]byte(item.EnrollmentId))%uint32(len(p.workers))]
	select {
	case w.Sender() <- item:
	default:
		logger.Warn("worker queue full, leaving item to the scheduler", zap.String("enrollment", item.EnrollmentId), zap.String("kind", string(item.Kind)))
	}
}
