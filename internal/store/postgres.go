package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"outreach-coordinator/internal/models"
)

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// CreateJobParams collects inputs required to insert a job.
type CreateJobParams struct {
	ID         string
	Kind       string
	Priority   int
	BatchSize  int
	Extra      map[string]any
	TotalItems int
	ClientID   string
}

// CreateJob inserts a job row in pending state. Every job must carry
// the client id that owns it.
func (s *Store) CreateJob(ctx context.Context, p CreateJobParams) (models.Job, error) {
	if p.ClientID == "" {
		return models.Job{}, models.Validationf("client_id", "must not be empty")
	}
	if p.ID == "" {
		return models.Job{}, models.Validationf("job_id", "must not be empty")
	}
	if p.Kind == "" {
		return models.Job{}, models.Validationf("kind", "must not be empty")
	}
	if p.Priority <= 0 {
		p.Priority = 5
	}
	if p.BatchSize <= 0 {
		p.BatchSize = 25
	}

	extraJSON, err := json.Marshal(p.Extra)
	if err != nil {
		return models.Job{}, fmt.Errorf("marshal extra: %w", err)
	}

	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO jobs (id, kind, priority, batch_size, extra, total_items, status, client_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
		ON CONFLICT (id) DO NOTHING
	`, p.ID, p.Kind, p.Priority, p.BatchSize, extraJSON, p.TotalItems, models.JobPending, p.ClientID, now)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.Job{}, models.ErrDuplicate
	}

	return models.Job{
		ID:         p.ID,
		Kind:       p.Kind,
		Priority:   p.Priority,
		BatchSize:  p.BatchSize,
		Extra:      p.Extra,
		TotalItems: p.TotalItems,
		Status:     models.JobPending,
		ClientID:   p.ClientID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

// AddTaskParams collects inputs required to insert a task.
type AddTaskParams struct {
	JobID         string
	TaskID        string
	CorrelationID string // falls back to the job id
	AccountID     string // empty means unassigned, the dispatcher routes it later
	Username      string
	Payload       map[string]any
	ClientID      string
	LeaseTTL      time.Duration
}

// AddTask inserts a single queued task. Same owner guard as CreateJob;
// re-adding an existing task is a validation failure, covering both
// the task_id key and the (job_id, username, account_id) pair.
func (s *Store) AddTask(ctx context.Context, p AddTaskParams) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	added, err := addTaskTx(ctx, tx, p)
	if err != nil {
		return err
	}
	if !added {
		return models.Validationf("task_id", "%s already exists", p.TaskID)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// AddTasks inserts a batch of queued tasks atomically, rejecting the
// whole batch when any task already exists.
func (s *Store) AddTasks(ctx context.Context, params []AddTaskParams) error {
	if len(params) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, p := range params {
		added, err := addTaskTx(ctx, tx, p)
		if err != nil {
			return err
		}
		if !added {
			return models.Validationf("task_id", "%s already exists", p.TaskID)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// EnsureTasks inserts queued tasks, skipping rows that already exist,
// and reports how many were added. The job chain uses it so a crash
// between creating the follow-on job and filling its tasks heals on
// the next pass.
func (s *Store) EnsureTasks(ctx context.Context, params []AddTaskParams) (int, error) {
	if len(params) == 0 {
		return 0, nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	added := 0
	for _, p := range params {
		ok, err := addTaskTx(ctx, tx, p)
		if err != nil {
			return 0, err
		}
		if ok {
			added++
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return added, nil
}

func addTaskTx(ctx context.Context, tx pgx.Tx, p AddTaskParams) (bool, error) {
	if p.ClientID == "" {
		return false, models.Validationf("client_id", "must not be empty")
	}
	if p.JobID == "" || p.TaskID == "" {
		return false, models.Validationf("task_id", "job_id and task_id must not be empty")
	}
	if len(p.TaskID) > models.MaxTaskIDLength {
		return false, models.Validationf("task_id", "longer than %d bytes", models.MaxTaskIDLength)
	}
	username := models.NormalizeUsername(p.Username)
	if username == "" {
		return false, models.Validationf("username", "must not be empty")
	}
	ttl := int(p.LeaseTTL.Seconds())
	if ttl <= 0 {
		ttl = 300
	}
	correlation := p.CorrelationID
	if correlation == "" {
		correlation = p.JobID
	}
	payloadJSON, err := json.Marshal(p.Payload)
	if err != nil {
		return false, fmt.Errorf("marshal payload: %w", err)
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO job_tasks (job_id, task_id, correlation_id, account_id, username, payload, status, client_id, lease_ttl, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())
		ON CONFLICT DO NOTHING
	`, p.JobID, p.TaskID, correlation, nullIfEmpty(p.AccountID), username, payloadJSON, models.TaskQueued, p.ClientID, ttl)
	if err != nil {
		return false, fmt.Errorf("insert task: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// LeaseParams describes one lease request from a worker.
type LeaseParams struct {
	AccountID string
	ClientID  string
	Limit     int
	TTL       time.Duration
	LeasedBy  string
}

// LeaseTasks atomically claims up to Limit tasks for one account within
// one client, moving them to sent with a fresh lease. Tasks whose
// previous lease expired are claimed the same way, which is the passive
// half of crash recovery: a row stuck in sent past its deadline is
// simply leased again. Concurrent pulls never hand out the same row
// (SKIP LOCKED).
func (s *Store) LeaseTasks(ctx context.Context, p LeaseParams) ([]models.Task, error) {
	if p.AccountID == "" {
		return nil, models.Validationf("account_id", "must not be empty")
	}
	if p.ClientID == "" {
		return nil, models.Validationf("client_id", "must not be empty")
	}
	limit := clampLimit(p.Limit)
	ttl := leaseSeconds(p.TTL)

	rows, err := s.pool.Query(ctx, `
		WITH picked AS (
			SELECT id FROM job_tasks
			WHERE account_id = $1 AND client_id = $2
			  AND (status = 'queued' OR (status = 'sent' AND lease_expires_at < NOW()))
			ORDER BY created_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		UPDATE job_tasks t
		SET status = 'sent',
		    leased_at = NOW(),
		    sent_at = COALESCE(t.sent_at, NOW()),
		    lease_ttl = $4,
		    lease_expires_at = NOW() + make_interval(secs => $4),
		    leased_by = $5,
		    attempts = t.attempts + 1,
		    updated_at = NOW()
		FROM picked, jobs j
		WHERE t.id = picked.id AND j.id = t.job_id
		RETURNING t.job_id, t.task_id, t.correlation_id, t.username, t.payload, t.client_id, j.kind
	`, p.AccountID, p.ClientID, limit, ttl, p.LeasedBy)
	if err != nil {
		return nil, fmt.Errorf("lease tasks: %w", err)
	}
	defer rows.Close()
	return scanLeased(rows)
}

// LeaseFleetTasks is LeaseTasks without the client filter, used by
// in-fleet worker agents that serve one account across every tenant.
func (s *Store) LeaseFleetTasks(ctx context.Context, accountID string, limit int, ttl time.Duration, leasedBy string) ([]models.Task, error) {
	if accountID == "" {
		return nil, models.Validationf("account_id", "must not be empty")
	}
	seconds := leaseSeconds(ttl)

	rows, err := s.pool.Query(ctx, `
		WITH picked AS (
			SELECT id FROM job_tasks
			WHERE account_id = $1
			  AND (status = 'queued' OR (status = 'sent' AND lease_expires_at < NOW()))
			ORDER BY created_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE job_tasks t
		SET status = 'sent',
		    leased_at = NOW(),
		    sent_at = COALESCE(t.sent_at, NOW()),
		    lease_ttl = $3,
		    lease_expires_at = NOW() + make_interval(secs => $3),
		    leased_by = $4,
		    attempts = t.attempts + 1,
		    updated_at = NOW()
		FROM picked, jobs j
		WHERE t.id = picked.id AND j.id = t.job_id
		RETURNING t.job_id, t.task_id, t.correlation_id, t.username, t.payload, t.client_id, j.kind
	`, accountID, clampLimit(limit), seconds, leasedBy)
	if err != nil {
		return nil, fmt.Errorf("lease fleet tasks: %w", err)
	}
	defer rows.Close()
	return scanLeased(rows)
}

func scanLeased(rows pgx.Rows) ([]models.Task, error) {
	var tasks []models.Task
	for rows.Next() {
		var t models.Task
		var payloadJSON []byte
		if err := rows.Scan(&t.JobID, &t.TaskID, &t.CorrelationID, &t.Username, &payloadJSON, &t.ClientID, &t.Kind); err != nil {
			return nil, fmt.Errorf("scan leased task: %w", err)
		}
		if len(payloadJSON) > 0 {
			if err := json.Unmarshal(payloadJSON, &t.Payload); err != nil {
				return nil, fmt.Errorf("unmarshal task payload: %w", err)
			}
		}
		t.Status = models.TaskSent
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate leased tasks: %w", err)
	}
	return tasks, nil
}

// ReportResult moves a task to its terminal state. Only queued or sent
// tasks transition; a repeat report is a no-op, so duplicate deliveries
// and reports that race a lease reclaim both land safely. Returns
// whether this call performed the transition.
func (s *Store) ReportResult(ctx context.Context, jobID, taskID string, ok bool, errMsg string) (bool, error) {
	status := models.TaskOK
	var storedErr *string
	if !ok {
		status = models.TaskError
		msg := models.TruncateError(errMsg)
		if msg == "" {
			msg = "error"
		}
		storedErr = &msg
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE job_tasks
		SET status = $3, error = $4, finished_at = NOW(), updated_at = NOW(),
		    lease_expires_at = NULL, leased_by = NULL
		WHERE job_id = $1 AND task_id = $2 AND status IN ('queued','sent')
	`, jobID, taskID, status, storedErr)
	if err != nil {
		return false, fmt.Errorf("report result: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}

	// Nothing updated: either the task is unknown or already terminal.
	var current string
	err = s.pool.QueryRow(ctx, `
		SELECT status FROM job_tasks WHERE job_id = $1 AND task_id = $2
	`, jobID, taskID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, models.ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("check task status: %w", err)
	}
	return false, nil
}

// GetTask fetches one task by its job and task ids.
func (s *Store) GetTask(ctx context.Context, jobID, taskID string) (models.Task, error) {
	var t models.Task
	var account, leasedBy, errMsg pgtype.Text
	var payloadJSON []byte
	err := s.pool.QueryRow(ctx, `
		SELECT t.job_id, t.task_id, t.correlation_id, j.kind, t.account_id, t.username, t.payload, t.status, t.error, t.client_id, t.attempts, t.lease_ttl, t.leased_by
		FROM job_tasks t
		JOIN jobs j ON j.id = t.job_id
		WHERE t.job_id = $1 AND t.task_id = $2
	`, jobID, taskID).Scan(&t.JobID, &t.TaskID, &t.CorrelationID, &t.Kind, &account, &t.Username, &payloadJSON, &t.Status, &errMsg, &t.ClientID, &t.Attempts, &t.LeaseTTL, &leasedBy)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Task{}, models.ErrNotFound
	}
	if err != nil {
		return models.Task{}, fmt.Errorf("query task: %w", err)
	}
	t.AccountID = textPtr(account)
	t.LeasedBy = textPtr(leasedBy)
	t.Error = textPtr(errMsg)
	if len(payloadJSON) > 0 {
		if err := json.Unmarshal(payloadJSON, &t.Payload); err != nil {
			return models.Task{}, fmt.Errorf("unmarshal task payload: %w", err)
		}
	}
	return t, nil
}

// JobOwner returns the owning client of a job, or ErrNotFound.
func (s *Store) JobOwner(ctx context.Context, jobID string) (string, error) {
	var owner string
	err := s.pool.QueryRow(ctx, `SELECT client_id FROM jobs WHERE id = $1`, jobID).Scan(&owner)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", models.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("query job owner: %w", err)
	}
	return owner, nil
}

// JobSummary returns per-state task counts for a job after checking the
// caller owns it. A missing job and a foreign job fail differently so
// handlers can answer 404 versus 403.
func (s *Store) JobSummary(ctx context.Context, jobID, clientID string) (models.Summary, error) {
	owner, err := s.JobOwner(ctx, jobID)
	if err != nil {
		return models.Summary{}, err
	}
	if owner != clientID {
		return models.Summary{}, models.ErrOwnership
	}

	var sum models.Summary
	err = s.pool.QueryRow(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN status = 'queued' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'sent'   THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'ok'     THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'error'  THEN 1 ELSE 0 END), 0)
		FROM job_tasks
		WHERE job_id = $1
	`, jobID).Scan(&sum.Queued, &sum.Sent, &sum.OK, &sum.Error)
	if err != nil {
		return models.Summary{}, fmt.Errorf("query job summary: %w", err)
	}
	return sum, nil
}

// AllTasksFinished reports whether no task of the job remains queued or sent.
func (s *Store) AllTasksFinished(ctx context.Context, jobID string) (bool, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM job_tasks WHERE job_id = $1 AND status IN ('queued','sent')
	`, jobID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("count unfinished tasks: %w", err)
	}
	return n == 0, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, kind, priority, batch_size, extra, total_items, status, client_id, created_at, updated_at
		FROM jobs WHERE id = $1
	`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, models.ErrNotFound
	}
	if err != nil {
		return models.Job{}, err
	}
	return job, nil
}

// PendingJobs lists jobs awaiting dispatch, highest priority first
// (priority 1 is most urgent), then oldest.
func (s *Store) PendingJobs(ctx context.Context) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, kind, priority, batch_size, extra, total_items, status, client_id, created_at, updated_at
		FROM jobs
		WHERE status IN ('pending','running')
		ORDER BY priority, created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("query pending jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending jobs: %w", err)
	}
	return jobs, nil
}

func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var extraJSON []byte
	if err := row.Scan(&job.ID, &job.Kind, &job.Priority, &job.BatchSize, &extraJSON, &job.TotalItems, &job.Status, &job.ClientID, &job.CreatedAt, &job.UpdatedAt); err != nil {
		return models.Job{}, err
	}
	if len(extraJSON) > 0 {
		if err := json.Unmarshal(extraJSON, &job.Extra); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal job extra: %w", err)
		}
	}
	return job, nil
}

// MarkJobRunning transitions pending -> running.
func (s *Store) MarkJobRunning(ctx context.Context, jobID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = 'running', updated_at = NOW() WHERE id = $1 AND status = 'pending'
	`, jobID)
	return err
}

// MarkJobDone finalizes a job. Terminal states never move again.
func (s *Store) MarkJobDone(ctx context.Context, jobID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = 'done', updated_at = NOW() WHERE id = $1 AND status IN ('pending','running')
	`, jobID)
	return err
}

// MarkJobError finalizes a job as failed.
func (s *Store) MarkJobError(ctx context.Context, jobID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = 'error', updated_at = NOW() WHERE id = $1 AND status IN ('pending','running')
	`, jobID)
	return err
}

// UnassignedTasks lists queued tasks of a job that have no account yet.
func (s *Store) UnassignedTasks(ctx context.Context, jobID string, limit int) ([]models.Task, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT job_id, task_id, username, payload
		FROM job_tasks
		WHERE job_id = $1 AND status = 'queued' AND account_id IS NULL
		ORDER BY created_at
		LIMIT $2
	`, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("query unassigned tasks: %w", err)
	}
	defer rows.Close()

	var tasks []models.Task
	for rows.Next() {
		var t models.Task
		var payloadJSON []byte
		if err := rows.Scan(&t.JobID, &t.TaskID, &t.Username, &payloadJSON); err != nil {
			return nil, fmt.Errorf("scan unassigned task: %w", err)
		}
		if len(payloadJSON) > 0 {
			if err := json.Unmarshal(payloadJSON, &t.Payload); err != nil {
				return nil, fmt.Errorf("unmarshal task payload: %w", err)
			}
		}
		t.Status = models.TaskQueued
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate unassigned tasks: %w", err)
	}
	return tasks, nil
}

// AssignAccount binds a queued, unassigned task to an account. The CAS
// condition keeps two dispatchers from assigning the same task twice.
func (s *Store) AssignAccount(ctx context.Context, taskID, accountID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE job_tasks
		SET account_id = $2, updated_at = NOW()
		WHERE task_id = $1 AND status = 'queued' AND account_id IS NULL
	`, taskID, accountID)
	if err != nil {
		return false, fmt.Errorf("assign account: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ActiveLeaseCounts returns, per account, how many tasks are currently
// out on a live lease. Feeds the router's inflight view.
func (s *Store) ActiveLeaseCounts(ctx context.Context) (map[string]int, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT account_id, COUNT(*)
		FROM job_tasks
		WHERE status = 'sent' AND account_id IS NOT NULL
		GROUP BY account_id
	`)
	if err != nil {
		return nil, fmt.Errorf("query lease counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var account string
		var n int
		if err := rows.Scan(&account, &n); err != nil {
			return nil, fmt.Errorf("scan lease count: %w", err)
		}
		counts[account] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate lease counts: %w", err)
	}
	return counts, nil
}

// ReclaimExpiredLeases requeues tasks whose lease deadline has passed.
// This is the active half of crash recovery: leases that no worker
// re-claims passively still return to the pool within one sweep.
func (s *Store) ReclaimExpiredLeases(ctx context.Context, limit int) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		WITH expired AS (
			SELECT id FROM job_tasks
			WHERE status = 'sent' AND lease_expires_at IS NOT NULL AND lease_expires_at < NOW()
			ORDER BY lease_expires_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE job_tasks t
		SET status = 'queued', leased_at = NULL, lease_expires_at = NULL, leased_by = NULL, updated_at = NOW()
		FROM expired
		WHERE t.id = expired.id
	`, limit)
	if err != nil {
		return 0, fmt.Errorf("reclaim leases: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// CountTasksSentToday counts a client's tasks leased out since midnight
// that have not finished. Part of the daily message budget.
func (s *Store) CountTasksSentToday(ctx context.Context, clientID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM job_tasks
		WHERE client_id = $1 AND status = 'sent' AND sent_at >= date_trunc('day', NOW())
	`, clientID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count sent today: %w", err)
	}
	return n, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 1
	}
	if limit > models.MaxPullLimit {
		return models.MaxPullLimit
	}
	return limit
}

func leaseSeconds(ttl time.Duration) int {
	s := int(ttl.Seconds())
	if s <= 0 {
		return 300
	}
	return s
}

func nullIfEmpty(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
