package executor

import (
	"context"
	"sync"
	"time"

	"github.com/mohitkumar/nurture/engine"
	"github.com/mohitkumar/nurture/logger"
	"github.com/mohitkumar/nurture/model"
	"github.com/mohitkumar/nurture/scheduler"
	"github.com/mohitkumar/nurture/util"
	"go.uber.org/zap"
)

var _ Executor = new(LaneExecutor)

// LaneExecutor polls one scheduler lane on every partition owned by this
// process and hands due items to the engine.
type LaneExecutor struct {
	lane       string
	scheduler  *scheduler.Scheduler
	dispatcher engine.Dispatcher
	interval   time.Duration
	batchSize  int
	now        func() time.Time
	wg         *sync.WaitGroup
	stop       chan struct{}
	tw         *util.TickWorker
}

func NewLaneExecutor(lane string, sched *scheduler.Scheduler, dispatcher engine.Dispatcher, interval time.Duration, batchSize int, wg *sync.WaitGroup) *LaneExecutor {
	if batchSize <= 0 {
		batchSize = 100
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &LaneExecutor{
		lane:       lane,
		scheduler:  sched,
		dispatcher: dispatcher,
		interval:   interval,
		batchSize:  batchSize,
		now:        time.Now,
		wg:         wg,
		stop:       make(chan struct{}),
	}
}

func NewDelayExecutor(sched *scheduler.Scheduler, dispatcher engine.Dispatcher, interval time.Duration, batchSize int, wg *sync.WaitGroup) *LaneExecutor {
	return NewLaneExecutor(model.LANE_DELAY, sched, dispatcher, interval, batchSize, wg)
}

func NewTimeoutExecutor(sched *scheduler.Scheduler, dispatcher engine.Dispatcher, interval time.Duration, batchSize int, wg *sync.WaitGroup) *LaneExecutor {
	return NewLaneExecutor(model.LANE_TIMEOUT, sched, dispatcher, interval, batchSize, wg)
}

func NewRetryExecutor(sched *scheduler.Scheduler, dispatcher engine.Dispatcher, interval time.Duration, batchSize int, wg *sync.WaitGroup) *LaneExecutor {
	return NewLaneExecutor(model.LANE_RETRY, sched, dispatcher, interval, batchSize, wg)
}

func (ex *LaneExecutor) Name() string {
	return ex.lane + "-executor"
}

// Poll claims every due item of the lane and dispatches it. A partition is
// drained in batches until a claim comes back short.
func (ex *LaneExecutor) Poll(ctx context.Context) int {
	now := ex.now()
	total := 0
	for _, p := range ex.scheduler.LocalPartitions() {
		for {
			items, err := ex.scheduler.Claim(ctx, ex.lane, p, now, ex.batchSize)
			if err != nil {
				logger.Error("error while polling lane", zap.String("lane", ex.lane), zap.Int("partition", p), zap.Error(err))
				break
			}
			for _, item := range items {
				ex.dispatcher.Dispatch(item)
			}
			total += len(items)
			if len(items) < ex.batchSize {
				break
			}
		}
	}
	return total
}

func (ex *LaneExecutor) Start() error {
	fn := func() {
		ex.Poll(context.Background())
	}
	ex.tw = util.NewTickWorker(ex.Name(), ex.interval, ex.stop, fn, ex.wg)
	ex.tw.Start()
	logger.Info("lane executor started", zap.String("lane", ex.lane))
	return nil
}

func (ex *LaneExecutor) Stop() error {
	if ex.tw != nil && ex.tw.IsRunning() {
		ex.tw.Stop()
	}
	return nil
}
