package redis

import (
	"github.com/mohitkumar/nurture/model"
	"github.com/mohitkumar/nurture/persistence"
	"github.com/mohitkumar/nurture/util"
)

// Storage groups every Redis backed store on one client.
type Storage struct {
	*baseDao
	Flows       *redisFlowDao
	Enrollments *redisEnrollmentDao
	Leases      *redisLeaseManager
	Log         *redisExecutionLog
	Counter     *redisCounter
	Queue       *redisWorkQueue
}

var (
	_ persistence.FlowStorage       = new(redisFlowDao)
	_ persistence.EnrollmentStorage = new(redisEnrollmentDao)
	_ persistence.WaiterIndex       = new(redisEnrollmentDao)
	_ persistence.LeaseManager      = new(redisLeaseManager)
	_ persistence.ExecutionLog      = new(redisExecutionLog)
	_ persistence.Counter           = new(redisCounter)
	_ persistence.WorkQueue         = new(redisWorkQueue)
)

func NewStorage(conf Config) *Storage {
	base := newBaseDao(conf)
	return &Storage{
		baseDao:     base,
		Flows:       &redisFlowDao{baseDao: base, encoderDecoder: util.NewJsonEncoderDecoder[model.FlowDefinition]()},
		Enrollments: &redisEnrollmentDao{baseDao: base, encoderDecoder: util.NewJsonEncoderDecoder[model.Enrollment]()},
		Leases:      &redisLeaseManager{baseDao: base},
		Log:         &redisExecutionLog{baseDao: base, encoderDecoder: util.NewJsonEncoderDecoder[model.ExecutionLogEntry]()},
		Counter:     &redisCounter{baseDao: base},
		Queue:       &redisWorkQueue{baseDao: base, encoderDecoder: util.NewJsonEncoderDecoder[model.WorkItem]()},
	}
}
