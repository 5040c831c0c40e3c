// Package grpcclient reaches a remote recognition engine over gRPC. Requests
// and replies are google.protobuf.Struct messages so the engine service can
// evolve its fields without a shared generated package.
package grpcclient

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/faceauth/internal/engine"
	"github.com/example/faceauth/internal/face"
	"github.com/example/faceauth/internal/logging"
)

const servicePrefix = "/faceengine.v1.Engine/"

// Invoker is the subset of *grpc.ClientConn used by the engine client.
type Invoker interface {
	Invoke(ctx context.Context, method string, args any, reply any, opts ...grpc.CallOption) error
}

// DialEngine returns a ready-to-use engine backed by the gRPC service at addr.
func DialEngine(ctx context.Context, addr string, logger *zap.Logger) (engine.Engine, *grpc.ClientConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	conn, err := grpc.DialContext(
		dialCtx,
		addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	)
	if err != nil {
		wrapped := logging.NewOperationError("grpcclient.dial_engine", "", err)
		logger.Error("failed to dial recognition engine", zap.Error(wrapped), zap.String("addr", addr))
		return nil, nil, wrapped
	}
	return NewEngine(conn, logger), conn, nil
}

// NewEngine wraps an existing connection.
func NewEngine(conn Invoker, logger *zap.Logger) *Engine {
	return &Engine{conn: conn, logger: logger.Named("grpc_engine")}
}

// Engine implements engine.Engine over gRPC.
type Engine struct {
	conn   Invoker
	logger *zap.Logger
}

func (g *Engine) OpenEnroll(ctx context.Context, p engine.EnrollParams) error {
	features := make([]any, 0, len(p.DisabledFeatures))
	for _, f := range p.DisabledFeatures {
		features = append(features, float64(f))
	}
	_, err := g.call(ctx, "OpenEnroll", withScope(p.Scope, map[string]any{
		"disabled_features": features,
		"challenge":         strconv.FormatUint(p.Challenge, 10),
		"templates":         fids(p.Templates),
	}))
	return err
}

func (g *Engine) ProcessEnroll(ctx context.Context, f engine.EnrollFrame) (engine.EnrollStep, error) {
	resp, err := g.call(ctx, "ProcessEnroll", map[string]any{
		"addr":      strconv.FormatInt(int64(f.Ref), 10),
		"info":      int32s(f.Info),
		"byte_info": int8s(f.ByteInfo),
	})
	if err != nil {
		return engine.EnrollStep{}, err
	}
	return engine.EnrollStep{
		Feedback:  feedback(resp),
		Remaining: uint32(number(resp, "remaining")),
		Done:      flag(resp, "done"),
		Fid:       uint32(number(resp, "fid")),
		Error:     face.ErrorCode(number(resp, "error")),
	}, nil
}

func (g *Engine) OpenAuthenticate(ctx context.Context, p engine.AuthParams) error {
	_, err := g.call(ctx, "OpenAuthenticate", withScope(p.Scope, map[string]any{
		"operation_id": strconv.FormatUint(p.OperationID, 10),
		"templates":    fids(p.Templates),
	}))
	return err
}

func (g *Engine) ProcessAuthenticate(ctx context.Context, f engine.AuthFrame) (engine.AuthStep, error) {
	resp, err := g.call(ctx, "ProcessAuthenticate", map[string]any{
		"main":      strconv.FormatInt(int64(f.Main), 10),
		"sub":       strconv.FormatInt(int64(f.Sub), 10),
		"otp":       strconv.FormatInt(f.OTP, 10),
		"info":      int32s(f.Info),
		"byte_info": int8s(f.ByteInfo),
	})
	if err != nil {
		return engine.AuthStep{}, err
	}
	return engine.AuthStep{
		Feedback: feedback(resp),
		Done:     flag(resp, "done"),
		Matched:  flag(resp, "matched"),
		Fid:      uint32(number(resp, "fid")),
		Error:    face.ErrorCode(number(resp, "error")),
	}, nil
}

func (g *Engine) Close(ctx context.Context) error {
	_, err := g.call(ctx, "Close", map[string]any{})
	return err
}

func (g *Engine) RemoveTemplate(ctx context.Context, scope face.Scope, fid uint32) error {
	_, err := g.call(ctx, "RemoveTemplate", withScope(scope, map[string]any{"fid": float64(fid)}))
	return err
}

func (g *Engine) SetFeature(ctx context.Context, scope face.Scope, feature face.Feature, enabled bool, fid uint32) error {
	_, err := g.call(ctx, "SetFeature", withScope(scope, map[string]any{
		"feature": float64(feature),
		"enabled": enabled,
		"fid":     float64(fid),
	}))
	return err
}

func (g *Engine) GetFeature(ctx context.Context, scope face.Scope, feature face.Feature, fid uint32) (bool, error) {
	resp, err := g.call(ctx, "GetFeature", withScope(scope, map[string]any{
		"feature": float64(feature),
		"fid":     float64(fid),
	}))
	if err != nil {
		return false, err
	}
	return flag(resp, "enabled"), nil
}

func (g *Engine) UserActivity(ctx context.Context) error {
	_, err := g.call(ctx, "UserActivity", map[string]any{})
	return err
}

func (g *Engine) call(ctx context.Context, method string, fields map[string]any) (*structpb.Struct, error) {
	req, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, logging.NewOperationError("grpcclient."+method, "", fmt.Errorf("encode request: %w", err))
	}
	resp := &structpb.Struct{}
	if err := g.conn.Invoke(ctx, servicePrefix+method, req, resp); err != nil {
		wrapped := logging.NewOperationError("grpcclient."+method, "", err)
		g.logger.Error("engine call failed", zap.Error(wrapped))
		return nil, wrapped
	}
	return resp, nil
}

func withScope(scope face.Scope, fields map[string]any) map[string]any {
	fields["user_id"] = float64(scope.UserID)
	fields["store_path"] = scope.StorePath
	return fields
}

func fids(values []uint32) []any {
	out := make([]any, 0, len(values))
	for _, v := range values {
		out = append(out, float64(v))
	}
	return out
}

func int32s(values []int32) []any {
	out := make([]any, 0, len(values))
	for _, v := range values {
		out = append(out, float64(v))
	}
	return out
}

func int8s(values []int8) []any {
	out := make([]any, 0, len(values))
	for _, v := range values {
		out = append(out, float64(v))
	}
	return out
}

func number(s *structpb.Struct, key string) float64 {
	return s.GetFields()[key].GetNumberValue()
}

func flag(s *structpb.Struct, key string) bool {
	return s.GetFields()[key].GetBoolValue()
}

func feedback(s *structpb.Struct) []face.AcquiredInfo {
	values := s.GetFields()["acquired"].GetListValue().GetValues()
	out := make([]face.AcquiredInfo, 0, len(values))
	for _, v := range values {
		out = append(out, face.AcquiredInfo(v.GetNumberValue()))
	}
	return out
}
