// Package server exposes the gate over gRPC.
package server

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/mitchellh/mapstructure"
	"github.com/triage-ai/palisade/services/tool_gate/internal/auth"
	"github.com/triage-ai/palisade/services/tool_gate/internal/cache"
	"github.com/triage-ai/palisade/services/tool_gate/internal/config"
	"github.com/triage-ai/palisade/services/tool_gate/internal/interceptor"
	"github.com/triage-ai/palisade/services/tool_gate/internal/middleware"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// ToolGateServer implements ToolGateService.
type ToolGateServer struct {
	orch        *middleware.Orchestrator
	interceptor *interceptor.Interceptor
	auth        auth.Authenticator
	logger      *zap.Logger
}

// NewToolGateServer creates a ToolGateServer with the given dependencies.
func NewToolGateServer(
	orch *middleware.Orchestrator,
	icp *interceptor.Interceptor,
	authenticator auth.Authenticator,
	logger *zap.Logger,
) *ToolGateServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ToolGateServer{
		orch:        orch,
		interceptor: icp,
		auth:        authenticator,
		logger:      logger,
	}
}

type interceptRequest struct {
	AgentID    string         `mapstructure:"agent_id"`
	ChannelID  string         `mapstructure:"channel_id"`
	ToolName   string         `mapstructure:"tool_name"`
	Parameters map[string]any `mapstructure:"parameters"`
	RequestID  string         `mapstructure:"request_id"`
}

// Intercept implements ToolGateService.Intercept.
func (s *ToolGateServer) Intercept(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := s.authenticate(ctx)
	if err != nil {
		return nil, err
	}
	var req interceptRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	if req.ToolName == "" {
		return nil, status.Error(codes.InvalidArgument, "tool_name is required")
	}
	agentID, channelID, err := bindIdentity(id, req.AgentID, req.ChannelID)
	if err != nil {
		return nil, err
	}
	if req.RequestID == "" {
		req.RequestID = uuid.New().String()
	}

	d := s.orch.InterceptToolCall(ctx, middleware.Request{
		AgentID:    agentID,
		ChannelID:  channelID,
		ToolName:   req.ToolName,
		Parameters: req.Parameters,
		RequestID:  req.RequestID,
	})

	out := map[string]any{
		"should_proceed":         d.ShouldProceed,
		"blocked_reason":         d.BlockedReason,
		"suggested_alternatives": d.SuggestedAlternatives,
		"risk_score":             d.RiskScore,
		"level":                  d.Level,
		"request_id":             d.RequestID,
		"result":                 d.Result,
	}
	return toStruct(out)
}

type reportRequest struct {
	AgentID             string         `mapstructure:"agent_id"`
	ChannelID           string         `mapstructure:"channel_id"`
	ToolName            string         `mapstructure:"tool_name"`
	Parameters          map[string]any `mapstructure:"parameters"`
	RequestID           string         `mapstructure:"request_id"`
	Success             bool           `mapstructure:"success"`
	ErrorMessage        string         `mapstructure:"error_message"`
	LatencyMs           float64        `mapstructure:"latency_ms"`
	RetryCount          int            `mapstructure:"retry_count"`
	CorrectionAttemptID string         `mapstructure:"correction_attempt_id"`
}

// ReportExecution implements ToolGateService.ReportExecution. It records
// the outcome of a call the client executed itself.
func (s *ToolGateServer) ReportExecution(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := s.authenticate(ctx)
	if err != nil {
		return nil, err
	}
	var req reportRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	if req.ToolName == "" {
		return nil, status.Error(codes.InvalidArgument, "tool_name is required")
	}
	if !req.Success && req.ErrorMessage == "" {
		return nil, status.Error(codes.InvalidArgument, "error_message is required for failed executions")
	}
	agentID, channelID, err := bindIdentity(id, req.AgentID, req.ChannelID)
	if err != nil {
		return nil, err
	}

	latency := time.Duration(req.LatencyMs * float64(time.Millisecond))
	s.interceptor.Report(ctx, interceptor.ExecutionContext{
		AgentID:             agentID,
		ChannelID:           channelID,
		ToolName:            req.ToolName,
		RequestID:           req.RequestID,
		Parameters:          req.Parameters,
		RetryCount:          req.RetryCount,
		CorrectionAttemptID: req.CorrectionAttemptID,
	}, req.Success, req.ErrorMessage, latency)

	return toStruct(map[string]any{"recorded": true})
}

// GetMetrics implements ToolGateService.GetMetrics.
func (s *ToolGateServer) GetMetrics(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if _, err := s.authenticate(ctx); err != nil {
		return nil, err
	}
	out := map[string]any{
		"orchestrator": s.orch.Metrics(),
		"executions":   s.interceptor.Stats(),
	}
	if tool := in.GetFields()["tool_name"].GetStringValue(); tool != "" {
		out["tool_executions"] = s.interceptor.ToolStats(tool)
	}
	return toStruct(out)
}

// UpdateConfig implements ToolGateService.UpdateConfig. Admin only.
func (s *ToolGateServer) UpdateConfig(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := s.authenticate(ctx)
	if err != nil {
		return nil, err
	}
	if err := requireAdmin(id); err != nil {
		return nil, err
	}
	p, err := config.DecodePatch(in.AsMap())
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid config update: %v", err)
	}
	fields := p.Fields()
	if len(fields) == 0 {
		return nil, status.Error(codes.InvalidArgument, "config update is empty")
	}
	if _, err := s.orch.UpdateConfig(p); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid config update: %v", err)
	}
	s.logger.Info("config updated over rpc",
		zap.String("agent_id", id.AgentID),
		zap.Strings("fields", fields),
	)
	return toStruct(map[string]any{"updated_fields": fields})
}

type invalidateRequest struct {
	Pattern   string        `mapstructure:"pattern"`
	Tags      []string      `mapstructure:"tags"`
	ToolName  string        `mapstructure:"tool_name"`
	AgentID   string        `mapstructure:"agent_id"`
	ChannelID string        `mapstructure:"channel_id"`
	OlderThan time.Duration `mapstructure:"older_than"`
}

func (r invalidateRequest) filter() cache.Filter {
	f := cache.Filter{Pattern: r.Pattern, OlderThan: r.OlderThan}
	f.Tags = append(f.Tags, r.Tags...)
	if r.ToolName != "" {
		f.Tags = append(f.Tags, cache.TagTool+r.ToolName)
	}
	if r.AgentID != "" {
		f.Tags = append(f.Tags, cache.TagAgent+r.AgentID)
	}
	if r.ChannelID != "" {
		f.Tags = append(f.Tags, cache.TagChannel+r.ChannelID)
	}
	return f
}

// InvalidateCache implements ToolGateService.InvalidateCache. Admin only.
func (s *ToolGateServer) InvalidateCache(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := s.authenticate(ctx)
	if err != nil {
		return nil, err
	}
	if err := requireAdmin(id); err != nil {
		return nil, err
	}
	var req invalidateRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	f := req.filter()
	if f.Empty() {
		return nil, status.Error(codes.InvalidArgument, "at least one of pattern, tags, tool_name, agent_id, channel_id or older_than is required")
	}
	removed := s.orch.Invalidate(ctx, f)
	total := 0
	for _, n := range removed {
		total += n
	}
	return toStruct(map[string]any{"removed": removed, "total": total})
}

type bypassRequest struct {
	Enabled  bool          `mapstructure:"enabled"`
	Duration time.Duration `mapstructure:"duration"`
}

// SetEmergencyBypass implements ToolGateService.SetEmergencyBypass. Admin
// only. Enabling without a duration bypasses for an hour.
func (s *ToolGateServer) SetEmergencyBypass(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := s.authenticate(ctx)
	if err != nil {
		return nil, err
	}
	if err := requireAdmin(id); err != nil {
		return nil, err
	}
	var req bypassRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	if req.Duration < 0 {
		return nil, status.Error(codes.InvalidArgument, "duration must not be negative")
	}

	var until time.Time
	if req.Enabled {
		d := req.Duration
		if d == 0 {
			d = time.Hour
		}
		until = s.orch.SetEmergencyBypass(d)
	} else {
		s.orch.SetEmergencyBypass(0)
	}
	s.logger.Warn("emergency bypass changed over rpc",
		zap.String("agent_id", id.AgentID),
		zap.Bool("enabled", req.Enabled),
		zap.Time("until", until),
	)

	out := map[string]any{"active": s.orch.EmergencyBypassActive()}
	if !until.IsZero() {
		out["until"] = until.UTC().Format(time.RFC3339Nano)
	}
	return toStruct(out)
}

func (s *ToolGateServer) authenticate(ctx context.Context) (*auth.AgentIdentity, error) {
	id, err := s.auth.Authenticate(ctx)
	if err != nil {
		return nil, status.Errorf(codes.Unauthenticated, "authentication failed: %v", err)
	}
	return id, nil
}

func requireAdmin(id *auth.AgentIdentity) error {
	if !id.IsAdmin() {
		return status.Error(codes.PermissionDenied, "admin role required")
	}
	return nil
}

// bindIdentity resolves the agent and channel a request acts for. Agents
// may only act as themselves and within their key's channel; admins may
// act for anyone.
func bindIdentity(id *auth.AgentIdentity, agentID, channelID string) (string, string, error) {
	if agentID == "" {
		agentID = id.AgentID
	}
	if channelID == "" {
		channelID = id.ChannelID
	}
	if id.IsAdmin() {
		return agentID, channelID, nil
	}
	if agentID != id.AgentID {
		return "", "", status.Errorf(codes.PermissionDenied, "key is bound to agent %q", id.AgentID)
	}
	if id.ChannelID != "" && channelID != id.ChannelID {
		return "", "", status.Errorf(codes.PermissionDenied, "key is bound to channel %q", id.ChannelID)
	}
	return agentID, channelID, nil
}

// decode maps a request document onto out. Durations accept Go duration
// strings; numbers are coerced where the target type needs it.
func decode(in *structpb.Struct, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return status.Errorf(codes.Internal, "decoder: %v", err)
	}
	if err := dec.Decode(in.AsMap()); err != nil {
		return status.Errorf(codes.InvalidArgument, "invalid request: %v", err)
	}
	return nil
}

// toStruct converts v to a Struct through its JSON encoding.
func toStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}
