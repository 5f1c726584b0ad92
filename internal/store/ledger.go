package store

import (
	"context"
	"fmt"

	"outreach-coordinator/internal/models"
)

// WasContacted reports whether this client has ever messaged the
// destination. Usernames are normalized before the lookup so casing
// and stray whitespace never split one person into two entries.
func (s *Store) WasContacted(ctx context.Context, clientID, destination string) (bool, error) {
	destination = models.NormalizeUsername(destination)
	if clientID == "" || destination == "" {
		return false, nil
	}
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM contact_ledger WHERE client_id = $1 AND destination = $2)
	`, clientID, destination).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query contact ledger: %w", err)
	}
	return exists, nil
}

// ContactParams records one delivered message for the ledger.
type ContactParams struct {
	ClientID    string
	AccountID   string
	Destination string
	JobID       string
	TaskID      string
}

// RegisterContact upserts a ledger entry for a delivered message. A
// repeat contact only refreshes last_contact_at; first_contact_at is
// written once. A blank client or destination is a no-op.
func (s *Store) RegisterContact(ctx context.Context, p ContactParams) error {
	destination := models.NormalizeUsername(p.Destination)
	if p.ClientID == "" || destination == "" {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO contact_ledger (client_id, account_id, destination, job_id, task_id, first_contact_at, last_contact_at)
		VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
		ON CONFLICT (client_id, destination)
		DO UPDATE SET last_contact_at = NOW(), account_id = EXCLUDED.account_id, job_id = EXCLUDED.job_id, task_id = EXCLUDED.task_id
	`, p.ClientID, nullIfEmpty(p.AccountID), destination, nullIfEmpty(p.JobID), nullIfEmpty(p.TaskID))
	if err != nil {
		return fmt.Errorf("register contact: %w", err)
	}
	return nil
}

// CountContactsToday counts distinct destinations this client reached
// since midnight. Combined with CountTasksSentToday it forms the
// daily message budget.
func (s *Store) CountContactsToday(ctx context.Context, clientID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM contact_ledger
		WHERE client_id = $1 AND last_contact_at >= date_trunc('day', NOW())
	`, clientID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count contacts today: %w", err)
	}
	return n, nil
}

// SaveFollowings stores the follow list extracted for an origin
// account. Already-known pairs are skipped, so repeated extractions
// are cheap.
func (s *Store) SaveFollowings(ctx context.Context, origin string, targets []string) (int, error) {
	origin = models.NormalizeUsername(origin)
	if origin == "" || len(targets) == 0 {
		return 0, nil
	}
	normalized := make([]string, 0, len(targets))
	for _, t := range targets {
		if t = models.NormalizeUsername(t); t != "" {
			normalized = append(normalized, t)
		}
	}
	if len(normalized) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO followings (origin, target, created_at)
		SELECT $1, unnest($2::text[]), NOW()
		ON CONFLICT (origin, target) DO NOTHING
	`, origin, normalized)
	if err != nil {
		return 0, fmt.Errorf("save followings: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// FollowingsOf returns the stored follow list of an origin account.
func (s *Store) FollowingsOf(ctx context.Context, origin string, limit int) ([]string, error) {
	origin = models.NormalizeUsername(origin)
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.pool.Query(ctx, `
		SELECT target FROM followings WHERE origin = $1 ORDER BY created_at, target LIMIT $2
	`, origin, limit)
	if err != nil {
		return nil, fmt.Errorf("query followings: %w", err)
	}
	defer rows.Close()

	var targets []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("scan following: %w", err)
		}
		targets = append(targets, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate followings: %w", err)
	}
	return targets, nil
}
