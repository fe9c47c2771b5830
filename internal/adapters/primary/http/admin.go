package http

import (
	"fmt"
	"net/http"

	"github.com/jupiterclapton/cenackle/services/timeline-service/internal/core/domain"
)

type addToFeedRequest struct {
	AccountID ID       `json:"account_id" validate:"required,gt=0"`
	StatusID  ID       `json:"status_id" validate:"required,gt=0"`
	Score     *float64 `json:"score" validate:"omitempty,gt=0"`
}

type cleanFeedsRequest struct {
	FeedType  string `json:"feed_type" validate:"required,oneof=home list mentions direct"`
	IDs       []ID   `json:"ids" validate:"required,min=1,dive,gt=0"`
	StatusIDs []ID   `json:"status_ids" validate:"omitempty,dive,gt=0"`
}

type regenerateRequest struct {
	AccountID ID `json:"account_id" validate:"required,gt=0"`
}

// POST /api/v1/admin/feeds/add
func (s *Server) handleAddToFeed(w http.ResponseWriter, r *http.Request) {
	var req addToFeedRequest
	if !s.decode(w, r, &req) {
		return
	}
	ctx := r.Context()

	// 1. Résolution des entités (404 si absentes)
	account, err := s.service.FindAccount(ctx, int64(req.AccountID))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	status, err := s.service.FindStatus(ctx, int64(req.StatusID))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	// 2. Push (false = non applicable, pas une erreur)
	pushed, err := s.service.PushToHome(ctx, account.ID, status, req.Score)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"message": "Status added to feed",
		"pushed":  pushed,
	})
}

// POST /api/v1/admin/feeds/clean
// Sans status_ids, les feeds sont purgés entièrement ; sinon seuls ces statuts sont retirés.
func (s *Server) handleCleanFeeds(w http.ResponseWriter, r *http.Request) {
	var req cleanFeedsRequest
	if !s.decode(w, r, &req) {
		return
	}
	feedType, err := domain.ParseFeedType(req.FeedType)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	owners := ids(req.IDs)
	if len(req.StatusIDs) > 0 {
		err = s.service.RemoveFromFeeds(r.Context(), feedType, owners, ids(req.StatusIDs))
	} else {
		err = s.service.CleanFeeds(r.Context(), feedType, owners)
	}
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"message": fmt.Sprintf("Cleaned %d %s feed(s)", len(owners), feedType),
	})
}

// POST /api/v1/admin/feeds/regenerate
func (s *Server) handleRegenerate(w http.ResponseWriter, r *http.Request) {
	var req regenerateRequest
	if !s.decode(w, r, &req) {
		return
	}
	enqueued, err := s.service.RegenerateFeedOverride(r.Context(), int64(req.AccountID))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"message":  "Regeneration requested",
		"enqueued": enqueued,
	})
}
