package util

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/mohitkumar/nurture/logger"
	"go.uber.org/zap"
)

type TickWorker struct {
	stop         chan struct{}
	tickInterval time.Duration
	wg           *sync.WaitGroup
	name         string
	fn           func()
	running      atomic.Bool
}

func NewTickWorker(name string, interval time.Duration, stop chan struct{}, fn func(), wg *sync.WaitGroup) *TickWorker {
	return &TickWorker{
		stop:         stop,
		tickInterval: interval,
		wg:           wg,
		fn:           fn,
		name:         name,
	}
}

func (tw *TickWorker) Start() {
	ticker := time.NewTicker(tw.tickInterval)
	tw.running.Store(true)
	tw.wg.Add(1)
	go func() {
		defer tw.wg.Done()
		for {
			select {
			case <-ticker.C:
				tw.fn()
			case <-tw.stop:
				logger.Info("stopping tick worker", zap.String("worker", tw.name))
				ticker.Stop()
				tw.running.Store(false)
				return
			}
		}
	}()
	logger.Info("tick worker started", zap.String("worker", tw.name), zap.Duration("interval", tw.tickInterval))
}

func (tw *TickWorker) Stop() {
	close(tw.stop)
}

func (tw *TickWorker) IsRunning() bool {
	return tw.running.Load()
}
