package gateway

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/durationpb"
	"google.golang.org/protobuf/types/known/structpb"
)

func TestClassify(t *testing.T) {
	require.True(t, IsTransient(Classify(status.Error(codes.Unavailable, "down"))))
	require.True(t, IsTransient(Classify(status.Error(codes.DeadlineExceeded, "slow"))))
	require.False(t, IsTransient(Classify(status.Error(codes.InvalidArgument, "missing recipient"))))

	st, err := status.New(codes.FailedPrecondition, "rate limited").WithDetails(&errdetails.RetryInfo{RetryDelay: durationpb.New(30 * time.Second)})
	require.NoError(t, err)
	classified := Classify(st.Err())
	var transient *TransientError
	require.True(t, errors.As(classified, &transient))
	require.Equal(t, 30*time.Second, transient.RetryAfter)

	require.True(t, IsTransient(Classify(errors.New("connection reset"))))
}

func TestScriptGateway(t *testing.T) {
	g := NewScriptGateway()
	ctx := context.Background()

	res, err := g.Execute(ctx, Request{
		ActionType: "custom_code",
		Config:     map[string]any{"script": `({"contact.segment": context.contact.lead_score > 50 ? "hot" : "warm"})`},
		Context:    map[string]any{"contact": map[string]any{"lead_score": 70}},
	})
	require.NoError(t, err)
	require.Equal(t, STATUS_SUCCESS, res.Status)
	require.Equal(t, "hot", res.Delta.Set["contact.segment"])

	_, err = g.Execute(ctx, Request{Config: map[string]any{"script": `throw new Error("bad")`}})
	require.Error(t, err)
	require.False(t, IsTransient(err))

	_, err = g.Execute(ctx, Request{Config: map[string]any{"script": `while(true){}`, "timeoutMs": 50}})
	require.Error(t, err)
	require.False(t, IsTransient(err))

	res, err = g.Execute(ctx, Request{Config: map[string]any{"script": `1 + 1`}})
	require.NoError(t, err)
	require.True(t, res.Delta.IsEmpty())
}

type stubGateway struct {
	calls int
	res   Result
}

func (s *stubGateway) Execute(context.Context, Request) (Result, error) {
	s.calls++
	return s.res, nil
}

func TestMux(t *testing.T) {
	email := &stubGateway{res: Result{Status: STATUS_PENDING}}
	fallback := &stubGateway{res: Result{Status: STATUS_SUCCESS}}
	mux := NewMux(fallback).Handle("send_email", email)

	res, err := mux.Execute(context.Background(), Request{ActionType: "send_email"})
	require.NoError(t, err)
	require.Equal(t, STATUS_PENDING, res.Status)

	_, err = mux.Execute(context.Background(), Request{ActionType: "add_tag"})
	require.NoError(t, err)
	require.Equal(t, 1, email.calls)
	require.Equal(t, 1, fallback.calls)

	_, err = NewMux(nil).Execute(context.Background(), Request{ActionType: "fax"})
	require.Error(t, err)
}

func startRemote(t *testing.T, handler func(*structpb.Struct) (*structpb.Struct, error)) *GrpcGateway {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	srv.RegisterService(&grpc.ServiceDesc{
		ServiceName: "nurture.gateway.v1.ActionGateway",
		HandlerType: (*any)(nil),
		Methods: []grpc.MethodDesc{{
			MethodName: "Execute",
			Handler: func(_ any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
				in := new(structpb.Struct)
				if err := dec(in); err != nil {
					return nil, err
				}
				return handler(in)
			},
		}},
	}, struct{}{})
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	g, err := NewGrpcGateway("passthrough:///bufnet", time.Second,
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}))
	require.NoError(t, err)
	t.Cleanup(func() { g.Close() })
	return g
}

func TestGrpcGateway(t *testing.T) {
	var seen map[string]any
	g := startRemote(t, func(in *structpb.Struct) (*structpb.Struct, error) {
		seen = in.AsMap()
		if seen["actionType"] == "send_sms" {
			return nil, status.Error(codes.Unavailable, "carrier down")
		}
		return structpb.NewStruct(map[string]any{
			"status": "success",
			"delta":  map[string]any{"addTags": []any{"emailed"}},
		})
	})

	res, err := g.Execute(context.Background(), Request{
		ActionType:     "send_email",
		Config:         map[string]any{"subject": "Hi"},
		EnrollmentId:   "e1",
		IdempotencyKey: "e1:welcome:3",
	})
	require.NoError(t, err)
	require.Equal(t, STATUS_SUCCESS, res.Status)
	require.Equal(t, []string{"emailed"}, res.Delta.AddTags)
	require.Equal(t, "e1:welcome:3", seen["idempotencyKey"])

	_, err = g.Execute(context.Background(), Request{ActionType: "send_sms"})
	require.True(t, IsTransient(err))
}
