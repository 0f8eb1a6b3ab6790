package xgrpc

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

func newBufferLogger(level zapcore.Level) (*zap.SugaredLogger, *bytes.Buffer) {
	buf := new(bytes.Buffer)
	logger := zap.New(zapcore.NewCore(
		zapcore.NewJSONEncoder(zapcore.EncoderConfig{
			MessageKey:  "msg",
			LevelKey:    "level",
			EncodeLevel: zapcore.LowercaseLevelEncoder,
		}),
		zapcore.AddSync(buf),
		level,
	)).Sugar()
	return logger, buf
}

func TestAccessLogInterceptor(t *testing.T) {
	tests := []struct {
		name        string
		req         any
		err         error
		wantContain []string
	}{
		{
			name:        "wrapper message",
			req:         wrapperspb.String("hello"),
			wantContain: []string{`"value":"hello"`, `"status":"OK"`, `"level":"debug"`},
		},
		{
			name:        "health check",
			req:         &healthpb.HealthCheckRequest{Service: "fabricd"},
			wantContain: []string{`"service":"fabricd"`, `"method":"/test.Service/Method"`},
		},
		{
			name:        "health response enum",
			req:         &healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_SERVING},
			wantContain: []string{`"status":"SERVING"`},
		},
		{
			name:        "failure",
			req:         wrapperspb.String("boom"),
			err:         status.Error(codes.Unavailable, "down"),
			wantContain: []string{`"level":"error"`, `"status":"Unavailable"`},
		},
		{
			name:        "non-proto request",
			req:         struct{}{},
			wantContain: []string{`"msg":"completed gRPC execution"`},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, buf := newBufferLogger(zap.DebugLevel)

			interceptor := AccessLogInterceptor(logger)
			info := &grpc.UnaryServerInfo{FullMethod: "/test.Service/Method"}

			_, err := interceptor(context.Background(), tt.req, info, func(ctx context.Context, req any) (any, error) {
				return nil, tt.err
			})
			require.Equal(t, tt.err, err)
			_ = logger.Sync()

			for _, want := range tt.wantContain {
				require.Contains(t, buf.String(), want)
			}
		})
	}
}

func TestAccessLogInterceptorSkipsSuccessAboveDebug(t *testing.T) {
	logger, buf := newBufferLogger(zap.InfoLevel)

	interceptor := AccessLogInterceptor(logger)
	info := &grpc.UnaryServerInfo{FullMethod: "/test.Service/Method"}

	_, err := interceptor(context.Background(), wrapperspb.String("quiet"), info, func(ctx context.Context, req any) (any, error) {
		return nil, nil
	})
	require.NoError(t, err)
	_ = logger.Sync()

	require.Empty(t, buf.String())
}
