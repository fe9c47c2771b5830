package http

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jupiterclapton/cenackle/services/timeline-service/internal/core/domain"
)

// statusJSON est la représentation publique d'un statut (ids en string).
type statusJSON struct {
	ID                 string    `json:"id"`
	AccountID          string    `json:"account_id"`
	ReblogOfID         *string   `json:"reblog_of_id"`
	InReplyToID        *string   `json:"in_reply_to_id"`
	InReplyToAccountID *string   `json:"in_reply_to_account_id"`
	Visibility         string    `json:"visibility"`
	Language           string    `json:"language,omitempty"`
	Content            string    `json:"content"`
	SpoilerText        string    `json:"spoiler_text"`
	Mentions           []string  `json:"mentions"`
	CreatedAt          time.Time `json:"created_at"`
}

func optionalID(id int64) *string {
	if id == 0 {
		return nil
	}
	s := strconv.FormatInt(id, 10)
	return &s
}

func toStatusJSON(s *domain.Status) statusJSON {
	mentions := make([]string, len(s.MentionedAccountIDs))
	for i, id := range s.MentionedAccountIDs {
		mentions[i] = strconv.FormatInt(id, 10)
	}
	return statusJSON{
		ID:                 strconv.FormatInt(s.ID, 10),
		AccountID:          strconv.FormatInt(s.AccountID, 10),
		ReblogOfID:         optionalID(s.ReblogOfID),
		InReplyToID:        optionalID(s.InReplyToID),
		InReplyToAccountID: optionalID(s.InReplyToAccountID),
		Visibility:         string(s.Visibility),
		Language:           s.Language,
		Content:            s.Text,
		SpoilerText:        s.SpoilerText,
		Mentions:           mentions,
		CreatedAt:          s.CreatedAt,
	}
}

// GET /api/v1/timelines/home?account_id=42&limit=20&max_id=...
func (s *Server) handleHomeTimeline(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	accountID, err := parseID(q.Get("account_id"), "account_id", true)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	page, err := parsePage(q)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	if _, err := s.service.FindAccount(r.Context(), accountID); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.serveTimeline(w, r, domain.HomeFeed(accountID), page)
}

// GET /api/v1/timelines/list/{id}
func (s *Server) handleListTimeline(w http.ResponseWriter, r *http.Request) {
	listID, err := parseID(r.PathValue("id"), "id", true)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	page, err := parsePage(r.URL.Query())
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	if _, err := s.service.FindList(r.Context(), listID); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.serveTimeline(w, r, domain.ListFeed(listID), page)
}

func (s *Server) serveTimeline(w http.ResponseWriter, r *http.Request, feed domain.FeedKey, page domain.Page) {
	ctx := r.Context()

	tl, err := s.service.Get(ctx, feed, page)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	statuses, err := s.service.GetStatuses(ctx, tl.StatusIDs)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	out := make([]statusJSON, 0, len(statuses))
	for _, st := range statuses {
		out = append(out, toStatusJSON(st))
	}

	if len(tl.StatusIDs) > 0 {
		w.Header().Set("Link", linkHeader(r, tl.StatusIDs[len(tl.StatusIDs)-1], tl.StatusIDs[0]))
	}

	// 206 : le feed est en reconstruction, la page vient de la base
	status := http.StatusOK
	if tl.Regenerating {
		status = http.StatusPartialContent
	}
	writeJSON(w, status, out)
}

// linkHeader construit la pagination façon Mastodon : next vers les plus anciens, prev vers les plus récents.
func linkHeader(r *http.Request, oldest, newest int64) string {
	build := func(param string, id int64) string {
		q := url.Values{}
		for k, v := range r.URL.Query() {
			switch k {
			case "max_id", "since_id", "min_id":
			default:
				q[k] = v
			}
		}
		q.Set(param, strconv.FormatInt(id, 10))
		u := url.URL{Scheme: "http", Host: r.Host, Path: r.URL.Path, RawQuery: q.Encode()}
		if r.TLS != nil {
			u.Scheme = "https"
		}
		return u.String()
	}
	return fmt.Sprintf(`<%s>; rel="next", <%s>; rel="prev"`, build("max_id", oldest), build("min_id", newest))
}

func parsePage(q url.Values) (domain.Page, error) {
	var p domain.Page
	var err error
	if v := q.Get("limit"); v != "" {
		if p.Limit, err = strconv.Atoi(v); err != nil || p.Limit < 0 {
			return p, &domain.ValidationError{Field: "limit", Reason: "must be a positive integer"}
		}
	}
	if p.MaxID, err = parseID(q.Get("max_id"), "max_id", false); err != nil {
		return p, err
	}
	if p.SinceID, err = parseID(q.Get("since_id"), "since_id", false); err != nil {
		return p, err
	}
	if p.MinID, err = parseID(q.Get("min_id"), "min_id", false); err != nil {
		return p, err
	}
	return p.Normalize(), nil
}

func parseID(raw, field string, required bool) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		if required {
			return 0, &domain.ValidationError{Field: field, Reason: "is required"}
		}
		return 0, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, &domain.ValidationError{Field: field, Reason: "must be a positive integer id"}
	}
	return id, nil
}
