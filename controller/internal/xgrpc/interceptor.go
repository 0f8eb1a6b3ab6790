package xgrpc

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
)

// AccessLogInterceptor returns a gRPC unary server interceptor that logs
// requests and responses.
//
// Successful calls are logged at debug level, failed calls at error level.
func AccessLogInterceptor(log *zap.SugaredLogger) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		now := time.Now()

		resp, err := handler(ctx, req)
		duration := time.Since(now)
		status, _ := status.FromError(err)

		fields := []any{
			zap.String("method", info.FullMethod),
			zap.String("status", status.Code().String()),
			zap.Duration("duration", duration),
		}
		if message, ok := req.(proto.Message); ok && log.Level().Enabled(zap.DebugLevel) {
			fields = append(fields, zap.Any("request", messageFields(message)))
		}

		if err != nil {
			log.Errorw("failed to execute gRPC", append(fields, zap.Error(err))...)
		} else {
			log.Debugw("completed gRPC execution", fields...)
		}

		return resp, err
	}
}

// messageFields converts populated fields of the message into a map suitable
// for structured logging.
func messageFields(msg proto.Message) map[string]any {
	result := map[string]any{}

	msg.ProtoReflect().Range(func(fd protoreflect.FieldDescriptor, v protoreflect.Value) bool {
		name := string(fd.Name())

		switch {
		case fd.IsList() && fd.Kind() == protoreflect.MessageKind:
			list := v.List()
			items := make([]any, list.Len())
			for i := range list.Len() {
				items[i] = messageFields(list.Get(i).Message().Interface())
			}
			result[name] = items
		case fd.IsMap():
			result[name] = v.Map().Len()
		case fd.Kind() == protoreflect.MessageKind:
			result[name] = messageFields(v.Message().Interface())
		case fd.Kind() == protoreflect.EnumKind:
			if ev := fd.Enum().Values().ByNumber(v.Enum()); ev != nil {
				result[name] = string(ev.Name())
			} else {
				result[name] = int32(v.Enum())
			}
		default:
			result[name] = v.Interface()
		}
		return true
	})

	return result
}
