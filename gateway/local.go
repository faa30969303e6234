package gateway

import (
	"context"

	"github.com/mohitkumar/nurture/logger"
	"go.uber.org/zap"
)

// LocalGateway logs actions instead of delivering them. It backs
// development setups with no delivery service attached.
type LocalGateway struct{}

func NewLocalGateway() *LocalGateway {
	return &LocalGateway{}
}

func (g *LocalGateway) Execute(_ context.Context, req Request) (Result, error) {
	logger.Info("executing action",
		zap.String("action", req.ActionType),
		zap.String("enrollment", req.EnrollmentId),
		zap.String("contact", req.ContactId),
		zap.String("idempotencyKey", req.IdempotencyKey),
		zap.Any("config", req.Config))
	return Result{Status: STATUS_SUCCESS}, nil
}
