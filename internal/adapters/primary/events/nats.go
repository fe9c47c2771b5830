package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/jupiterclapton/cenackle/services/timeline-service/internal/core/domain"
	"github.com/jupiterclapton/cenackle/services/timeline-service/internal/core/ports"
)

const (
	SubjectStatusCreated       = "status.created"
	SubjectStatusDeleted       = "status.deleted"
	SubjectRelationshipBlocked    = "relationship.blocked"
	SubjectRelationshipMuted      = "relationship.muted"
	SubjectRelationshipFollowed   = "relationship.followed"
	SubjectRelationshipUnfollowed = "relationship.unfollowed"
)

// StatusEvent est le payload publié par le service des statuts.
type StatusEvent struct {
	ID                    int64     `json:"id,string"`
	AccountID             int64     `json:"account_id,string"`
	AccountDomain         string    `json:"account_domain,omitempty"`
	ReblogOfID            int64     `json:"reblog_of_id,string,omitempty"`
	ReblogOfAccountID     int64     `json:"reblog_of_account_id,string,omitempty"`
	ReblogOfAccountDomain string    `json:"reblog_of_account_domain,omitempty"`
	Reply                 bool      `json:"reply"`
	InReplyToID           int64     `json:"in_reply_to_id,string,omitempty"`
	InReplyToAccountID    int64     `json:"in_reply_to_account_id,string,omitempty"`
	Visibility            string    `json:"visibility"`
	MentionedAccountIDs   []string  `json:"mentioned_account_ids"`
	Language              string    `json:"language,omitempty"`
	Text                  string    `json:"text"`
	SpoilerText           string    `json:"spoiler_text,omitempty"`
	CreatedAt             time.Time `json:"created_at"`
}

func (e StatusEvent) toDomain() (*domain.Status, error) {
	if e.ID <= 0 || e.AccountID <= 0 {
		return nil, &domain.ValidationError{Field: "status", Reason: "id and account_id are required"}
	}
	mentions := make([]int64, 0, len(e.MentionedAccountIDs))
	for _, raw := range e.MentionedAccountIDs {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, &domain.ValidationError{Field: "mentioned_account_ids", Reason: fmt.Sprintf("bad id %q", raw)}
		}
		mentions = append(mentions, id)
	}
	visibility := domain.Visibility(e.Visibility)
	if visibility == "" {
		visibility = domain.VisibilityPublic
	}
	return &domain.Status{
		ID:                    e.ID,
		AccountID:             e.AccountID,
		AccountDomain:         e.AccountDomain,
		ReblogOfID:            e.ReblogOfID,
		ReblogOfAccountID:     e.ReblogOfAccountID,
		ReblogOfAccountDomain: e.ReblogOfAccountDomain,
		Reply:                 e.Reply,
		InReplyToID:           e.InReplyToID,
		InReplyToAccountID:    e.InReplyToAccountID,
		Visibility:            visibility,
		MentionedAccountIDs:   mentions,
		Language:              e.Language,
		Text:                  e.Text,
		SpoilerText:           e.SpoilerText,
		CreatedAt:             e.CreatedAt,
	}, nil
}

// RelationshipEvent : account_id vient de bloquer, masquer, suivre ou ne plus
// suivre target_account_id. Le sujet NATS dit lequel.
type RelationshipEvent struct {
	AccountID       int64 `json:"account_id,string"`
	TargetAccountID int64 `json:"target_account_id,string"`
}

type EventHandler struct {
	service ports.FeedService
	timeout time.Duration
}

func NewEventHandler(service ports.FeedService, timeout time.Duration) *EventHandler {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &EventHandler{service: service, timeout: timeout}
}

// Subscribe branche tous les handlers sur la connexion NATS.
func (h *EventHandler) Subscribe(nc *nats.Conn) ([]*nats.Subscription, error) {
	handlers := map[string]nats.MsgHandler{
		SubjectStatusCreated:          h.HandleStatusCreated,
		SubjectStatusDeleted:          h.HandleStatusDeleted,
		SubjectRelationshipBlocked:    h.HandleRelationshipChanged,
		SubjectRelationshipMuted:      h.HandleRelationshipChanged,
		SubjectRelationshipFollowed:   h.HandleRelationshipChanged,
		SubjectRelationshipUnfollowed: h.HandleRelationshipChanged,
	}
	subs := make([]*nats.Subscription, 0, len(handlers))
	for subject, handler := range handlers {
		sub, err := nc.Subscribe(subject, handler)
		if err != nil {
			for _, s := range subs {
				_ = s.Unsubscribe()
			}
			return nil, fmt.Errorf("subscribe %s: %w", subject, err)
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

func (h *EventHandler) HandleStatusCreated(msg *nats.Msg) {
	ctx, span, status, ok := h.startStatus(msg, "process_status_created")
	defer span.End()
	if !ok {
		return
	}

	slog.Info("📨 Timeline Service received event", "subject", msg.Subject, "status_id", status.ID)

	// Fan-out en arrière-plan, le contexte porte la trace du producteur
	h.background(ctx, func(ctx context.Context) {
		res, err := h.service.FanOutStatus(ctx, status)
		if err != nil {
			slog.Error("❌ Fan-out failed", "status_id", status.ID, "failed", res.Failed, "error", err)
			return
		}
		slog.Debug("✅ Fan-out success", "status_id", status.ID, "pushed", res.Pushed)
	})
}

func (h *EventHandler) HandleStatusDeleted(msg *nats.Msg) {
	ctx, span, status, ok := h.startStatus(msg, "process_status_deleted")
	defer span.End()
	if !ok {
		return
	}

	h.background(ctx, func(ctx context.Context) {
		if _, err := h.service.UnfanStatus(ctx, status); err != nil {
			slog.Error("❌ Unfan failed", "status_id", status.ID, "error", err)
		}
	})
}

// HandleRelationshipChanged met à jour le home de account_id : nettoyage après un
// blocage, un masquage ou un unfollow, rattrapage après un follow.
func (h *EventHandler) HandleRelationshipChanged(msg *nats.Msg) {
	ctx := otel.GetTextMapPropagator().Extract(context.Background(), propagation.HeaderCarrier(msg.Header))
	ctx, span := otel.Tracer("timeline-service").Start(ctx, "process_relationship_changed", trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()

	var event RelationshipEvent
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		span.RecordError(err)
		slog.Error("❌ Invalid event format", "subject", msg.Subject, "error", err)
		return
	}
	if event.AccountID <= 0 || event.TargetAccountID <= 0 {
		slog.Error("❌ Invalid event format", "subject", msg.Subject, "error", "missing account ids")
		return
	}
	span.SetAttributes(
		attribute.String("messaging.subject", msg.Subject),
		attribute.Int64("account.id", event.AccountID),
		attribute.Int64("target_account.id", event.TargetAccountID),
	)

	var op func(context.Context, int64, int64) (int, error)
	switch msg.Subject {
	case SubjectRelationshipFollowed:
		op = h.service.MergeIntoHome
	case SubjectRelationshipUnfollowed:
		op = h.service.UnmergeFromHome
	default:
		op = h.service.ClearFromHome
	}

	h.background(ctx, func(ctx context.Context) {
		n, err := op(ctx, event.AccountID, event.TargetAccountID)
		if err != nil {
			slog.Error("❌ Home update failed", "subject", msg.Subject, "account_id", event.AccountID, "target", event.TargetAccountID, "error", err)
			return
		}
		slog.Debug("✅ Home updated", "subject", msg.Subject, "account_id", event.AccountID, "target", event.TargetAccountID, "statuses", n)
	})
}

func (h *EventHandler) startStatus(msg *nats.Msg, name string) (context.Context, trace.Span, *domain.Status, bool) {
	// 1. Extraction du contexte de trace depuis les headers NATS
	ctx := otel.GetTextMapPropagator().Extract(context.Background(), propagation.HeaderCarrier(msg.Header))

	// 2. Span consumer
	ctx, span := otel.Tracer("timeline-service").Start(ctx, name, trace.WithSpanKind(trace.SpanKindConsumer))

	var event StatusEvent
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		span.RecordError(err)
		slog.Error("❌ Invalid event format", "subject", msg.Subject, "error", err)
		return ctx, span, nil, false
	}
	status, err := event.toDomain()
	if err != nil {
		span.RecordError(err)
		slog.Error("❌ Invalid event format", "subject", msg.Subject, "error", err)
		return ctx, span, nil, false
	}
	span.SetAttributes(attribute.Int64("status.id", status.ID))
	return ctx, span, status, true
}

func (h *EventHandler) background(ctx context.Context, fn func(context.Context)) {
	go func() {
		childCtx, cancel := context.WithTimeout(ctx, h.timeout)
		defer cancel()
		fn(childCtx)
	}()
}
