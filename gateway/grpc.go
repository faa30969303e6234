package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	grpc_middleware "github.com/grpc-ecosystem/go-grpc-middleware"
	grpc_zap "github.com/grpc-ecosystem/go-grpc-middleware/logging/zap"
	"github.com/mohitkumar/nurture/logger"
	"github.com/mohitkumar/nurture/util"
	"go.opencensus.io/plugin/ocgrpc"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// ExecuteMethod is the unary method remote gateways serve. Request and
// response are google.protobuf.Struct documents shaped like Request and
// Result.
const ExecuteMethod = "/nurture.gateway.v1.ActionGateway/Execute"

type GrpcGateway struct {
	conn    *grpc.ClientConn
	timeout time.Duration
}

func NewGrpcGateway(addr string, timeout time.Duration, extra ...grpc.DialOption) (*GrpcGateway, error) {
	log := logger.Named("gateway")
	zapOpts := []grpc_zap.Option{
		grpc_zap.WithDurationField(
			func(duration time.Duration) zapcore.Field {
				return zap.Int64("grpc.time_ns", duration.Nanoseconds())
			},
		),
	}
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUnaryInterceptor(grpc_middleware.ChainUnaryClient(
			grpc_zap.UnaryClientInterceptor(log, zapOpts...),
		)),
		grpc.WithStatsHandler(&ocgrpc.ClientHandler{}),
	}
	conn, err := grpc.NewClient(addr, append(opts, extra...)...)
	if err != nil {
		return nil, err
	}
	return &GrpcGateway{conn: conn, timeout: timeout}, nil
}

func (g *GrpcGateway) Execute(ctx context.Context, req Request) (Result, error) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}
	in, err := toStruct(req)
	if err != nil {
		return Result{}, &PermanentError{Err: err}
	}
	out := new(structpb.Struct)
	if err := g.conn.Invoke(ctx, ExecuteMethod, in, out); err != nil {
		return Result{}, Classify(err)
	}
	var res Result
	raw, err := json.Marshal(util.ConvertFromStruct(out))
	if err != nil {
		return Result{}, &PermanentError{Err: err}
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return Result{}, &PermanentError{Err: fmt.Errorf("malformed gateway response: %w", err)}
	}
	switch res.Status {
	case STATUS_SUCCESS, STATUS_PENDING, STATUS_FAILED:
	default:
		return Result{}, &PermanentError{Err: fmt.Errorf("gateway returned unknown status %q", res.Status)}
	}
	return res, nil
}

func (g *GrpcGateway) Close() error {
	return g.conn.Close()
}

func toStruct(req Request) (*structpb.Struct, error) {
	raw, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return util.ConvertToStruct(m), nil
}

// Classify maps a gRPC error onto TransientError or PermanentError. A
// RetryInfo detail always makes the error transient.
func Classify(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return &TransientError{Err: err}
	}
	for _, d := range st.Details() {
		if info, ok := d.(*errdetails.RetryInfo); ok {
			return &TransientError{Err: err, RetryAfter: info.GetRetryDelay().AsDuration()}
		}
	}
	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted,
		codes.Internal, codes.Unknown, codes.Canceled:
		return &TransientError{Err: err}
	default:
		return &PermanentError{Err: err}
	}
}
