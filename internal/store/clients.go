package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"golang.org/x/crypto/bcrypt"

	"outreach-coordinator/internal/models"
)

// GetClient fetches one client by id. Soft-deleted clients stay hidden.
func (s *Store) GetClient(ctx context.Context, id string) (models.Client, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, name, email, credential_hash, status, metadata, created_at, updated_at
		FROM clients
		WHERE id = $1 AND status != 'deleted'
	`, id)
	client, err := scanClient(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Client{}, models.ErrNotFound
	}
	if err != nil {
		return models.Client{}, err
	}
	return client, nil
}

// FindClientByCredential resolves a raw credential to the active client
// it belongs to. Hashes are salted per client, so there is no direct
// lookup; every active hash is tried. Assumes a small client set.
func (s *Store) FindClientByCredential(ctx context.Context, credential string) (models.Client, error) {
	if credential == "" {
		return models.Client{}, models.ErrUnauthorized
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, email, credential_hash, status, metadata, created_at, updated_at
		FROM clients
		WHERE status = 'active'
	`)
	if err != nil {
		return models.Client{}, fmt.Errorf("query active clients: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		client, err := scanClient(rows)
		if err != nil {
			return models.Client{}, err
		}
		if bcrypt.CompareHashAndPassword([]byte(client.CredentialHash), []byte(credential)) == nil {
			return client, nil
		}
	}
	if err := rows.Err(); err != nil {
		return models.Client{}, fmt.Errorf("iterate active clients: %w", err)
	}
	return models.Client{}, models.ErrUnauthorized
}

// CreateClientParams collects inputs for provisioning a client.
type CreateClientParams struct {
	ID             string
	Name           string
	Email          string
	CredentialHash string
	Metadata       map[string]any
}

// CreateClient provisions a tenant with default limits in one
// transaction.
func (s *Store) CreateClient(ctx context.Context, p CreateClientParams) (models.Client, error) {
	if p.ID == "" {
		return models.Client{}, models.Validationf("client_id", "must not be empty")
	}
	if p.Name == "" {
		p.Name = p.ID
	}
	if p.CredentialHash == "" {
		return models.Client{}, models.Validationf("credential", "must not be empty")
	}
	metaJSON, err := json.Marshal(p.Metadata)
	if err != nil {
		return models.Client{}, fmt.Errorf("marshal metadata: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return models.Client{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	tag, err := tx.Exec(ctx, `
		INSERT INTO clients (id, name, email, credential_hash, status, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		ON CONFLICT DO NOTHING
	`, p.ID, p.Name, nullIfEmpty(p.Email), p.CredentialHash, models.ClientActive, metaJSON, now)
	if err != nil {
		return models.Client{}, fmt.Errorf("insert client: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.Client{}, models.ErrDuplicate
	}

	lim := models.DefaultLimits(p.ID)
	_, err = tx.Exec(ctx, `
		INSERT INTO client_limits (client_id, requests_per_minute, requests_per_hour, requests_per_day, messages_per_day)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (client_id) DO NOTHING
	`, lim.ClientID, lim.RequestsPerMinute, lim.RequestsPerHour, lim.RequestsPerDay, lim.MessagesPerDay)
	if err != nil {
		return models.Client{}, fmt.Errorf("insert client limits: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Client{}, fmt.Errorf("commit: %w", err)
	}

	var email *string
	if p.Email != "" {
		email = &p.Email
	}
	return models.Client{
		ID:             p.ID,
		Name:           p.Name,
		Email:          email,
		CredentialHash: p.CredentialHash,
		Status:         models.ClientActive,
		Metadata:       p.Metadata,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// UpdateClientStatus moves a client between active, suspended and
// deleted.
func (s *Store) UpdateClientStatus(ctx context.Context, id, status string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE clients SET status = $2, updated_at = NOW() WHERE id = $1
	`, id, status)
	if err != nil {
		return fmt.Errorf("update client status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// GetLimits returns a client's rate limits, falling back to defaults
// when no row was provisioned.
func (s *Store) GetLimits(ctx context.Context, clientID string) (models.ClientLimits, error) {
	var lim models.ClientLimits
	err := s.pool.QueryRow(ctx, `
		SELECT client_id, requests_per_minute, requests_per_hour, requests_per_day, messages_per_day
		FROM client_limits
		WHERE client_id = $1
	`, clientID).Scan(&lim.ClientID, &lim.RequestsPerMinute, &lim.RequestsPerHour, &lim.RequestsPerDay, &lim.MessagesPerDay)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.DefaultLimits(clientID), nil
	}
	if err != nil {
		return models.ClientLimits{}, fmt.Errorf("query client limits: %w", err)
	}
	return lim, nil
}

// UpsertLimits overwrites a client's rate limits.
func (s *Store) UpsertLimits(ctx context.Context, lim models.ClientLimits) error {
	if lim.ClientID == "" {
		return models.Validationf("client_id", "must not be empty")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO client_limits (client_id, requests_per_minute, requests_per_hour, requests_per_day, messages_per_day)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (client_id) DO UPDATE SET
			requests_per_minute = EXCLUDED.requests_per_minute,
			requests_per_hour = EXCLUDED.requests_per_hour,
			requests_per_day = EXCLUDED.requests_per_day,
			messages_per_day = EXCLUDED.messages_per_day
	`, lim.ClientID, lim.RequestsPerMinute, lim.RequestsPerHour, lim.RequestsPerDay, lim.MessagesPerDay)
	if err != nil {
		return fmt.Errorf("upsert client limits: %w", err)
	}
	return nil
}

func scanClient(row pgx.Row) (models.Client, error) {
	var c models.Client
	var email pgtype.Text
	var metaJSON []byte
	if err := row.Scan(&c.ID, &c.Name, &email, &c.CredentialHash, &c.Status, &metaJSON, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return models.Client{}, err
	}
	c.Email = textPtr(email)
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &c.Metadata); err != nil {
			return models.Client{}, fmt.Errorf("unmarshal client metadata: %w", err)
		}
	}
	return c, nil
}
