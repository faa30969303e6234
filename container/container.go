package container

import (
	"context"
	"fmt"

	"github.com/mohitkumar/nurture/analytics"
	"github.com/mohitkumar/nurture/config"
	"github.com/mohitkumar/nurture/logger"
	"github.com/mohitkumar/nurture/persistence"
	"github.com/mohitkumar/nurture/persistence/memory"
	"github.com/mohitkumar/nurture/persistence/postgres"
	rd "github.com/mohitkumar/nurture/persistence/redis"
	"go.uber.org/zap"
)

// DIContainer owns the storage layer chosen by configuration.
type DIContainer struct {
	initialized       bool
	flowStorage       persistence.FlowStorage
	enrollmentStorage persistence.EnrollmentStorage
	waiterIndex       persistence.WaiterIndex
	leaseManager      persistence.LeaseManager
	executionLog      persistence.ExecutionLog
	counter           persistence.Counter
	workQueue         persistence.WorkQueue
	closers           []func() error
}

func NewDiContainer() *DIContainer {
	return &DIContainer{}
}

func (d *DIContainer) setInitialized() {
	d.initialized = true
}

func (d *DIContainer) Init(ctx context.Context, conf config.Config) error {
	switch conf.StorageType {
	case config.STORAGE_TYPE_REDIS:
		rc := conf.RedisConfig
		s := rd.NewStorage(rd.Config{
			Addrs:      rc.Addrs,
			MasterName: rc.MasterName,
			Namespace:  rc.Namespace,
			Password:   rc.Password,
			DB:         rc.DB,
			PoolSize:   rc.PoolSize,
		})
		if err := s.Ping(ctx); err != nil {
			return persistence.StorageLayerError{Message: err.Error()}
		}
		d.flowStorage = s.Flows
		d.enrollmentStorage = s.Enrollments
		d.waiterIndex = s.Enrollments
		d.leaseManager = s.Leases
		d.executionLog = s.Log
		d.counter = s.Counter
		d.workQueue = s.Queue
		d.closers = append(d.closers, s.Close)
	case config.STORAGE_TYPE_INMEM, "":
		d.InitMemory(memory.NewStorage())
	default:
		return fmt.Errorf("unknown storage type %q", conf.StorageType)
	}

	if conf.LogSinkConfig.Type == config.LOG_SINK_POSTGRES {
		pg, err := postgres.New(ctx, conf.LogSinkConfig.PostgresURL)
		if err != nil {
			return err
		}
		d.executionLog = pg
		d.closers = append(d.closers, func() error {
			pg.Close()
			return nil
		})
	}
	if conf.AnalyticsConfig.AuditFile != "" {
		collector, err := analytics.NewLogFileDataCollector(conf.AnalyticsConfig.AuditFile)
		if err != nil {
			return err
		}
		d.executionLog = analytics.NewAuditLog(d.executionLog, collector)
		d.closers = append(d.closers, collector.Close)
	}
	d.setInitialized()
	logger.Info("storage initialized", zap.String("type", string(conf.StorageType)), zap.String("logSink", string(conf.LogSinkConfig.Type)))
	return nil
}

// InitMemory backs every store with s.
func (d *DIContainer) InitMemory(s *memory.Storage) *DIContainer {
	defer d.setInitialized()
	d.flowStorage = s
	d.enrollmentStorage = s
	d.waiterIndex = s
	d.leaseManager = s
	d.executionLog = s
	d.counter = s
	d.workQueue = s
	return d
}

func (d *DIContainer) check() {
	if !d.initialized {
		panic("persistence not initialized")
	}
}

func (d *DIContainer) GetFlowStorage() persistence.FlowStorage {
	d.check()
	return d.flowStorage
}

func (d *DIContainer) GetEnrollmentStorage() persistence.EnrollmentStorage {
	d.check()
	return d.enrollmentStorage
}

func (d *DIContainer) GetWaiterIndex() persistence.WaiterIndex {
	d.check()
	return d.waiterIndex
}

func (d *DIContainer) GetLeaseManager() persistence.LeaseManager {
	d.check()
	return d.leaseManager
}

func (d *DIContainer) GetExecutionLog() persistence.ExecutionLog {
	d.check()
	return d.executionLog
}

func (d *DIContainer) GetCounter() persistence.Counter {
	d.check()
	return d.counter
}

func (d *DIContainer) GetWorkQueue() persistence.WorkQueue {
	d.check()
	return d.workQueue
}

func (d *DIContainer) Close() error {
	for _, fn := range d.closers {
		if err := fn(); err != nil {
			return err
		}
	}
	return nil
}
