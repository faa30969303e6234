package retention

import (
	"context"
	"errors"
	"time"

	"github.com/mohitkumar/nurture/logger"
	"github.com/mohitkumar/nurture/persistence"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const batchSize = 100

// Sweeper soft-archives terminal enrollments once they are older than the
// retention window. Execution logs are left untouched.
type Sweeper struct {
	enrollments persistence.EnrollmentStorage
	leases      persistence.LeaseManager
	window      time.Duration
	schedule    string
	leaseTTL    time.Duration
	now         func() time.Time
	cron        *cron.Cron
}

func NewSweeper(enrollments persistence.EnrollmentStorage, leases persistence.LeaseManager, days int, schedule string, leaseTTL time.Duration) *Sweeper {
	return &Sweeper{
		enrollments: enrollments,
		leases:      leases,
		window:      time.Duration(days) * 24 * time.Hour,
		schedule:    schedule,
		leaseTTL:    leaseTTL,
		now:         time.Now,
	}
}

func (s *Sweeper) Name() string {
	return "retention-sweeper"
}

func (s *Sweeper) Start() error {
	if _, err := cron.ParseStandard(s.schedule); err != nil {
		return err
	}
	s.cron = cron.New(cron.WithLocation(time.UTC))
	if _, err := s.cron.AddFunc(s.schedule, s.run); err != nil {
		return err
	}
	s.cron.Start()
	logger.Info("retention sweeper started", zap.String("schedule", s.schedule), zap.Duration("window", s.window))
	return nil
}

func (s *Sweeper) Stop() error {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	return nil
}

func (s *Sweeper) run() {
	n, err := s.Sweep(context.Background())
	if err != nil {
		logger.Error("error sweeping enrollments", zap.Error(err))
	}
	logger.Info("retention sweep finished", zap.Int("archived", n))
}

// Sweep archives every eligible enrollment and returns how many it archived.
// Enrollments that are busy are left for the next run.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.window)
	archived := 0
	for {
		ids, err := s.enrollments.ListTerminalBefore(ctx, cutoff, batchSize)
		if err != nil {
			return archived, err
		}
		done := 0
		for _, id := range ids {
			ok, err := s.archive(ctx, id)
			if err != nil {
				return archived, err
			}
			if ok {
				done++
			}
		}
		archived += done
		if len(ids) < batchSize || done == 0 {
			return archived, nil
		}
	}
}

func (s *Sweeper) archive(ctx context.Context, id string) (bool, error) {
	token, err := s.leases.Acquire(ctx, id, s.leaseTTL)
	if errors.Is(err, persistence.ErrLeaseHeld) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer func() {
		if err := s.leases.Release(ctx, id, token); err != nil {
			logger.Warn("error releasing lease", zap.String("enrollment", id), zap.Error(err))
		}
	}()
	e, err := s.enrollments.GetEnrollment(ctx, id)
	if errors.Is(err, persistence.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !e.Status.IsTerminal() || e.Archived {
		return false, nil
	}
	e.Archived = true
	if err := s.enrollments.SaveEnrollment(ctx, e, e.Version); err != nil {
		if errors.Is(err, persistence.ErrVersionConflict) {
			return false, nil
		}
		return false, err
	}
	logger.Debug("enrollment archived", zap.String("enrollment", id))
	return true, nil
}
