package util

import (
	"sync"

	"github.com/mohitkumar/nurture/logger"
	"go.uber.org/zap"
)

type Action any

// Worker drains a buffered channel on a single goroutine. Items sent to the
// same worker are handled in send order.
type Worker struct {
	name       string
	stop       chan struct{}
	wg         *sync.WaitGroup
	handler    func(Action) error
	actionChan chan Action
}

func NewWorker(name string, wg *sync.WaitGroup, handler func(Action) error, capacity int) *Worker {
	return &Worker{
		actionChan: make(chan Action, capacity),
		name:       name,
		wg:         wg,
		stop:       make(chan struct{}),
		handler:    handler,
	}
}

func (w *Worker) Start() {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for {
			select {
			case action := <-w.actionChan:
				if err := w.handler(action); err != nil {
					logger.Error("error in executing action in worker", zap.String("worker", w.name), zap.Any("action", action), zap.Error(err))
				}
			case <-w.stop:
				logger.Info("stopping worker", zap.String("worker", w.name))
				return
			}
		}
	}()
}

func (w *Worker) Sender() chan<- Action {
	return w.actionChan
}

func (w *Worker) Stop() {
	close(w.stop)
}
