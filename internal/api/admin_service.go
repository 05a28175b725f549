package api

import (
	"context"
	"errors"
	"time"

	"github.com/unilink/chatd/internal/bus"
	"github.com/unilink/chatd/internal/notify"
	"github.com/unilink/chatd/internal/push"
	"github.com/unilink/chatd/internal/status"
	"github.com/unilink/chatd/internal/store"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

const defaultDeadLetterLimit = 50

// StatsSource reports the notification scheduler's last run.
type StatsSource interface {
	Stats() notify.Stats
}

// AdminDeps are the components the admin service inspects.
type AdminDeps struct {
	Instance  string
	DB        *store.DB
	Bus       *bus.Bus
	Runner    notify.Runner
	Scheduler StatsSource
	Router    *push.Router
	Machine   *status.Machine
}

// AdminService implements AdminServer.
type AdminService struct {
	deps      AdminDeps
	startedAt time.Time
}

// NewAdminService creates the admin service.
func NewAdminService(d AdminDeps) *AdminService {
	return &AdminService{deps: d, startedAt: time.Now()}
}

func (s *AdminService) GetStatus(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	out := map[string]any{
		"instance":  s.deps.Instance,
		"uptime_ms": float64(time.Since(s.startedAt).Milliseconds()),
	}

	if s.deps.Machine != nil {
		state, reason, since := s.deps.Machine.Snapshot()
		out["state"] = string(state)
		out["state_since"] = since.UTC().Format(time.RFC3339)
		if reason != "" {
			out["state_reason"] = reason
		}
	}

	if s.deps.DB != nil {
		if n, err := s.deps.DB.ConversationCount(ctx); err == nil {
			out["conversation_count"] = float64(n)
		}
		if n, err := s.deps.DB.MessageCount(ctx); err == nil {
			out["message_count"] = float64(n)
		}
		if n, err := s.deps.DB.NotificationBacklog(ctx); err == nil {
			out["notification_backlog"] = float64(n)
		}
	}
	if s.deps.Bus != nil {
		out["bus_subscribers"] = float64(s.deps.Bus.Subscribers())
		out["bus_dropped"] = float64(s.deps.Bus.Dropped())
	}

	r := s.deps.Router
	out["web_push_enabled"] = r != nil && r.Web != nil
	out["gateway_enabled"] = r != nil && r.Gateway != nil

	if s.deps.Scheduler != nil {
		st := s.deps.Scheduler.Stats()
		sched := map[string]any{
			"runs":       float64(st.Runs),
			"backoff_ms": float64(st.Backoff.Milliseconds()),
			"processed":  float64(st.LastResult.Processed),
			"success":    float64(st.LastResult.Success),
			"failed":     float64(st.LastResult.Failed),
		}
		if !st.LastRunAt.IsZero() {
			sched["last_run_at"] = st.LastRunAt.UTC().Format(time.RFC3339)
		}
		if st.LastError != "" {
			sched["last_error"] = st.LastError
		}
		out["scheduler"] = sched
	}

	resp, err := structpb.NewStruct(out)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "encode status: %v", err)
	}
	return resp, nil
}

func (s *AdminService) RunDispatch(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	if s.deps.Runner == nil {
		return nil, grpcstatus.Errorf(codes.Unavailable, "notification dispatch is not configured")
	}
	res, err := s.deps.Runner.RunOnce(ctx)
	if errors.Is(err, notify.ErrNoChannels) {
		return nil, grpcstatus.Errorf(codes.FailedPrecondition, "%v", err)
	}
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "run dispatch: %v", err)
	}
	return structpb.NewStruct(map[string]any{
		"processed": float64(res.Processed),
		"success":   float64(res.Success),
		"failed":    float64(res.Failed),
	})
}

// ListDeadLetters returns notifications that exhausted their retries. The
// request may carry a numeric "limit".
func (s *AdminService) ListDeadLetters(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if s.deps.DB == nil {
		return nil, grpcstatus.Errorf(codes.Unavailable, "store not initialized")
	}
	limit := defaultDeadLetterLimit
	if v, ok := req.GetFields()["limit"]; ok {
		if n := int(v.GetNumberValue()); n > 0 {
			limit = n
		}
	}

	rows, err := s.deps.DB.DeadLetters(ctx, limit)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Unavailable, "list dead letters: %v", err)
	}

	items := make([]any, 0, len(rows))
	for _, r := range rows {
		items = append(items, notificationToStruct(r))
	}
	return structpb.NewStruct(map[string]any{"notifications": items})
}

func notificationToStruct(n store.PendingNotification) map[string]any {
	m := map[string]any{
		"id":              n.ID,
		"message_id":      n.MessageID,
		"sender_id":       n.SenderID,
		"receiver_id":     n.ReceiverID,
		"conversation_id": n.ConversationID,
		"attempts":        float64(n.DeliveryAttempts),
		"error":           n.ErrorMessage,
		"created_at":      n.CreatedAt.UTC().Format(time.RFC3339),
	}
	if !n.LastAttemptAt.IsZero() {
		m["last_attempt_at"] = n.LastAttemptAt.UTC().Format(time.RFC3339)
	}
	return m
}
