package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jupiterclapton/cenackle/services/timeline-service/internal/core/domain"
	"github.com/jupiterclapton/cenackle/services/timeline-service/internal/core/ports"
)

// PostgresRepo lit le modèle durable (statuts, comptes, listes, filtres).
// Le service n'y écrit jamais.
type PostgresRepo struct {
	db *pgxpool.Pool
}

var (
	_ ports.StatusRepository  = (*PostgresRepo)(nil)
	_ ports.AccountRepository = (*PostgresRepo)(nil)
	_ ports.ListRepository    = (*PostgresRepo)(nil)
	_ ports.FilterRepository  = (*PostgresRepo)(nil)
)

func NewPostgresRepo(db *pgxpool.Pool) *PostgresRepo {
	return &PostgresRepo{db: db}
}

// statusColumns : auteur, reblog et mentions résolus en une seule requête.
const statusColumns = `
	SELECT s.id, s.account_id, COALESCE(a.domain, ''),
	       COALESCE(s.reblog_of_id, 0), COALESCE(r.account_id, 0), COALESCE(ra.domain, ''),
	       s.reply, COALESCE(s.in_reply_to_id, 0), COALESCE(s.in_reply_to_account_id, 0),
	       s.visibility, COALESCE(s.language, ''), s.text, s.spoiler_text, s.created_at,
	       COALESCE((SELECT array_agg(m.account_id) FROM mentions m WHERE m.status_id = s.id), '{}')
	FROM statuses s
	JOIN accounts a ON a.id = s.account_id
	LEFT JOIN statuses r ON r.id = s.reblog_of_id
	LEFT JOIN accounts ra ON ra.id = r.account_id
`

// --- STATUSES ---

func (r *PostgresRepo) FindStatus(ctx context.Context, id int64) (*domain.Status, error) {
	row := r.db.QueryRow(ctx, statusColumns+` WHERE s.id = $1 AND s.deleted_at IS NULL`, id)
	s, err := scanStatus(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrStatusNotFound
	}
	return s, err
}

// GetStatuses : BATCH FETCH, on rend l'ordre des ids demandés.
func (r *PostgresRepo) GetStatuses(ctx context.Context, ids []int64) ([]*domain.Status, error) {
	if len(ids) == 0 {
		return []*domain.Status{}, nil
	}
	rows, err := r.db.Query(ctx, statusColumns+` WHERE s.id = ANY($1) AND s.deleted_at IS NULL`, ids)
	if err != nil {
		return nil, err
	}
	found, err := collectStatuses(rows)
	if err != nil {
		return nil, err
	}

	byID := make(map[int64]*domain.Status, len(found))
	for _, s := range found {
		byID[s.ID] = s
	}
	out := make([]*domain.Status, 0, len(found))
	for _, id := range ids {
		if s, ok := byID[id]; ok {
			out = append(out, s)
		}
	}
	return out, nil
}

// QueryStatuses : PAGINATION KEYSET sur l'id (chronologique), jamais d'OFFSET.
func (r *PostgresRepo) QueryStatuses(ctx context.Context, q ports.StatusQuery) ([]*domain.Status, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	switch {
	case q.DirectFor != 0:
		p := arg(q.DirectFor)
		where = append(where, `s.visibility = 'direct'`,
			`(s.account_id = `+p+` OR EXISTS (SELECT 1 FROM mentions m WHERE m.status_id = s.id AND m.account_id = `+p+`))`)
	case q.MentionedAccountID != 0:
		where = append(where, `s.reblog_of_id IS NULL`,
			`EXISTS (SELECT 1 FROM mentions m WHERE m.status_id = s.id AND m.account_id = `+arg(q.MentionedAccountID)+`)`)
	case len(q.AuthorIDs) > 0:
		where = append(where, `s.account_id = ANY(`+arg(q.AuthorIDs)+`)`)
	default:
		return []*domain.Status{}, nil
	}

	where = append(where, `s.deleted_at IS NULL`)
	if q.MaxID != 0 {
		where = append(where, `s.id < `+arg(q.MaxID))
	}
	if q.MinID != 0 {
		where = append(where, `s.id > `+arg(q.MinID))
	}

	order := "DESC"
	if q.Ascending {
		order = "ASC"
	}
	limit := q.Limit
	if limit <= 0 {
		limit = domain.DefaultPageLimit
	}

	query := statusColumns + ` WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY s.id ` + order + ` LIMIT ` + arg(limit)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectStatuses(rows)
}

// --- ACCOUNTS ---

func (r *PostgresRepo) FindAccount(ctx context.Context, id int64) (*domain.Account, error) {
	query := `
		SELECT a.id, a.username, COALESCE(a.domain, ''), a.silenced, COALESCE(u.id, 0)
		FROM accounts a
		LEFT JOIN users u ON u.account_id = a.id
		WHERE a.id = $1
	`
	var a domain.Account
	err := r.db.QueryRow(ctx, query, id).Scan(&a.ID, &a.Username, &a.Domain, &a.Silenced, &a.UserID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *PostgresRepo) LocalAccountIDs(ctx context.Context, ids []int64) ([]int64, error) {
	if len(ids) == 0 {
		return []int64{}, nil
	}
	rows, err := r.db.Query(ctx, `SELECT id FROM accounts WHERE id = ANY($1) AND domain IS NULL`, ids)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}

// --- LISTS ---

const listColumns = `SELECT l.id, l.account_id, l.title, l.replies_policy, l.exclusive FROM lists l`

func (r *PostgresRepo) FindList(ctx context.Context, id int64) (*domain.List, error) {
	l, err := scanList(r.db.QueryRow(ctx, listColumns+` WHERE l.id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrListNotFound
	}
	return l, err
}

func (r *PostgresRepo) ListsContaining(ctx context.Context, accountID int64) ([]*domain.List, error) {
	rows, err := r.db.Query(ctx, listColumns+`
		JOIN list_accounts la ON la.list_id = l.id
		WHERE la.account_id = $1
		ORDER BY l.id`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lists []*domain.List
	for rows.Next() {
		l, err := scanList(rows)
		if err != nil {
			return nil, err
		}
		lists = append(lists, l)
	}
	return lists, rows.Err()
}

func (r *PostgresRepo) ListMemberIDs(ctx context.Context, listID int64) ([]int64, error) {
	rows, err := r.db.Query(ctx, `SELECT account_id FROM list_accounts WHERE list_id = $1`, listID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}

func (r *PostgresRepo) ExclusiveListMemberIDs(ctx context.Context, ownerID int64) ([]int64, error) {
	query := `
		SELECT DISTINCT la.account_id
		FROM list_accounts la
		JOIN lists l ON l.id = la.list_id
		WHERE l.account_id = $1 AND l.exclusive
	`
	rows, err := r.db.Query(ctx, query, ownerID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}

// --- FILTERS ---

func (r *PostgresRepo) ActiveFilters(ctx context.Context, accountID int64, filterContext string) ([]*domain.Filter, error) {
	query := `
		SELECT id, account_id, title, action, context, expires_at
		FROM custom_filters
		WHERE account_id = $1 AND $2 = ANY(context)
		  AND (expires_at IS NULL OR expires_at > now())
	`
	rows, err := r.db.Query(ctx, query, accountID, filterContext)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var (
		filters []*domain.Filter
		ids     []int64
	)
	byID := map[int64]*domain.Filter{}
	for rows.Next() {
		var (
			f       domain.Filter
			action  string
			expires *time.Time
		)
		if err := rows.Scan(&f.ID, &f.AccountID, &f.Title, &action, &f.Contexts, &expires); err != nil {
			return nil, err
		}
		f.Action = domain.FilterAction(action)
		f.ExpiresAt = expires
		filters = append(filters, &f)
		ids = append(ids, f.ID)
		byID[f.ID] = &f
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(filters) == 0 {
		return filters, nil
	}

	// 2. Mots-clés et statuts ciblés, en batch
	kw, err := r.db.Query(ctx, `SELECT custom_filter_id, keyword, whole_word FROM custom_filter_keywords WHERE custom_filter_id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer kw.Close()
	for kw.Next() {
		var (
			fid int64
			k   domain.FilterKeyword
		)
		if err := kw.Scan(&fid, &k.Keyword, &k.WholeWord); err != nil {
			return nil, err
		}
		byID[fid].Keywords = append(byID[fid].Keywords, k)
	}
	if err := kw.Err(); err != nil {
		return nil, err
	}

	st, err := r.db.Query(ctx, `SELECT custom_filter_id, status_id FROM custom_filter_statuses WHERE custom_filter_id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer st.Close()
	for st.Next() {
		var fid, sid int64
		if err := st.Scan(&fid, &sid); err != nil {
			return nil, err
		}
		byID[fid].StatusIDs = append(byID[fid].StatusIDs, sid)
	}
	return filters, st.Err()
}

// --- Helpers ---

func scanStatus(row pgx.Row) (*domain.Status, error) {
	var (
		s          domain.Status
		visibility string
	)
	err := row.Scan(
		&s.ID, &s.AccountID, &s.AccountDomain,
		&s.ReblogOfID, &s.ReblogOfAccountID, &s.ReblogOfAccountDomain,
		&s.Reply, &s.InReplyToID, &s.InReplyToAccountID,
		&visibility, &s.Language, &s.Text, &s.SpoilerText, &s.CreatedAt,
		&s.MentionedAccountIDs,
	)
	if err != nil {
		return nil, err
	}
	s.Visibility = domain.Visibility(visibility)
	return &s, nil
}

func collectStatuses(rows pgx.Rows) ([]*domain.Status, error) {
	defer rows.Close()
	statuses := []*domain.Status{}
	for rows.Next() {
		s, err := scanStatus(rows)
		if err != nil {
			return nil, err
		}
		statuses = append(statuses, s)
	}
	return statuses, rows.Err()
}

func scanList(row pgx.Row) (*domain.List, error) {
	var (
		l      domain.List
		policy string
	)
	if err := row.Scan(&l.ID, &l.AccountID, &l.Title, &policy, &l.Exclusive); err != nil {
		return nil, err
	}
	l.RepliesPolicy = domain.RepliesPolicy(policy)
	return &l, nil
}
