// Package dispatch runs the control loop that turns persisted jobs
// into routed, leased, and eventually completed work. One dispatcher
// process owns the router state; everything else it touches lives in
// the store, so a restart loses nothing.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"outreach-coordinator/internal/models"
	"outreach-coordinator/internal/notify"
	"outreach-coordinator/internal/router"
	"outreach-coordinator/internal/store"
	"outreach-coordinator/internal/telemetry"
)

// Store is the slice of the persistence layer the dispatcher uses.
type Store interface {
	ReclaimExpiredLeases(ctx context.Context, limit int) (int, error)
	ActiveLeaseCounts(ctx context.Context) (map[string]int, error)
	PendingJobs(ctx context.Context) ([]models.Job, error)
	MarkJobRunning(ctx context.Context, jobID string) error
	MarkJobDone(ctx context.Context, jobID string) error
	MarkJobError(ctx context.Context, jobID string) error
	UnassignedTasks(ctx context.Context, jobID string, limit int) ([]models.Task, error)
	AssignAccount(ctx context.Context, taskID, accountID string) (bool, error)
	AllTasksFinished(ctx context.Context, jobID string) (bool, error)
	JobSummary(ctx context.Context, jobID, clientID string) (models.Summary, error)
	FollowingsOf(ctx context.Context, origin string, limit int) ([]string, error)
	CreateJob(ctx context.Context, p store.CreateJobParams) (models.Job, error)
	EnsureTasks(ctx context.Context, params []store.AddTaskParams) (int, error)
}

// Config tunes the dispatch loop.
type Config struct {
	Interval         time.Duration
	SweepLimit       int
	LeaseTTL         time.Duration
	DefaultBatchSize int
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.SweepLimit <= 0 {
		c.SweepLimit = 100
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 5 * time.Minute
	}
	if c.DefaultBatchSize <= 0 {
		c.DefaultBatchSize = 25
	}
	return c
}

// Dispatcher scans for unfinished jobs on a fixed interval.
type Dispatcher struct {
	store    Store
	router   *router.Router
	notifier notify.Notifier
	log      *zap.Logger
	cfg      Config
}

func New(st Store, r *router.Router, n notify.Notifier, log *zap.Logger, cfg Config) *Dispatcher {
	if n == nil {
		n = notify.Noop{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{store: st, router: r, notifier: n, log: log, cfg: cfg.withDefaults()}
}

// Run ticks until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()
	d.log.Info("dispatcher started", zap.Duration("interval", d.cfg.Interval))
	for {
		select {
		case <-ctx.Done():
			d.log.Info("dispatcher stopped")
			return nil
		case <-ticker.C:
			if err := d.Tick(ctx); err != nil {
				d.log.Error("dispatch tick failed", zap.Error(err))
			}
		}
	}
}

// Tick performs one full dispatch pass: sweep expired leases, rebase
// router state from the store, route unassigned work, flip completed
// jobs, and chain follow-on jobs.
func (d *Dispatcher) Tick(ctx context.Context) error {
	reclaimed, err := d.store.ReclaimExpiredLeases(ctx, d.cfg.SweepLimit)
	if err != nil {
		d.log.Warn("lease sweep failed", zap.Error(err))
	} else if reclaimed > 0 {
		telemetry.LeasesReclaimed.Add(float64(reclaimed))
		d.log.Info("requeued expired leases", zap.Int("count", reclaimed))
	}

	counts, err := d.store.ActiveLeaseCounts(ctx)
	if err != nil {
		return fmt.Errorf("lease counts: %w", err)
	}
	d.router.SyncInflight(counts)

	// Account queues are rebuilt from store truth every pass.
	for _, id := range d.router.Accounts() {
		d.router.Offer(id, nil)
	}

	jobs, err := d.store.PendingJobs(ctx)
	if err != nil {
		return fmt.Errorf("pending jobs: %w", err)
	}
	for _, job := range jobs {
		if err := d.processJob(ctx, job); err != nil {
			d.log.Error("process job failed", zap.String("job_id", job.ID), zap.Error(err))
		}
	}
	return nil
}

func (d *Dispatcher) processJob(ctx context.Context, job models.Job) error {
	if job.Status == models.JobPending {
		if err := d.store.MarkJobRunning(ctx, job.ID); err != nil {
			return fmt.Errorf("mark running: %w", err)
		}
	}

	if err := d.routeTasks(ctx, job); err != nil {
		return err
	}

	finished, err := d.store.AllTasksFinished(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("check finished: %w", err)
	}
	if !finished {
		return nil
	}
	return d.completeJob(ctx, job)
}

// routeTasks binds this job's unassigned tasks to accounts. Fetch
// seeds and send tasks arrive pre-assigned and skip this entirely;
// analyze jobs are spread over the fleet here.
func (d *Dispatcher) routeTasks(ctx context.Context, job models.Job) error {
	batch := job.BatchSize
	if batch <= 0 {
		batch = d.cfg.DefaultBatchSize
	}
	tasks, err := d.store.UnassignedTasks(ctx, job.ID, batch)
	if err != nil {
		return fmt.Errorf("unassigned tasks: %w", err)
	}
	if len(tasks) == 0 {
		return nil
	}

	ids := make([]string, len(tasks))
	for i, t := range tasks {
		ids[i] = t.TaskID
	}
	d.router.Place(ids)

	for {
		a, ok := d.router.Assign()
		if !ok {
			return nil
		}
		bound, err := d.store.AssignAccount(ctx, a.TaskID, a.AccountID)
		if err != nil {
			d.router.Release(a.AccountID)
			return fmt.Errorf("assign account: %w", err)
		}
		if !bound {
			// Lost the race to another dispatcher; the slot and the
			// task both move on.
			d.router.Release(a.AccountID)
			continue
		}
		telemetry.TasksAssigned.Inc()
		d.log.Debug("task assigned",
			zap.String("job_id", job.ID),
			zap.String("task_id", a.TaskID),
			zap.String("account", a.AccountID))
	}
}

func (d *Dispatcher) completeJob(ctx context.Context, job models.Job) error {
	summary, err := d.store.JobSummary(ctx, job.ID, job.ClientID)
	if err != nil {
		return fmt.Errorf("job summary: %w", err)
	}

	status := models.JobDone
	if summary.OK == 0 && summary.Error > 0 {
		status = models.JobError
	}

	// Chain before flipping the status: once the job is done it leaves
	// the scan, so a crash here must land on the retry side. The chain
	// itself is idempotent.
	if job.Kind == models.KindFetch && status == models.JobDone {
		if err := d.chainAnalyze(ctx, job); err != nil {
			return fmt.Errorf("chain analyze: %w", err)
		}
	}

	if status == models.JobDone {
		err = d.store.MarkJobDone(ctx, job.ID)
	} else {
		err = d.store.MarkJobError(ctx, job.ID)
	}
	if err != nil {
		return fmt.Errorf("finalize job: %w", err)
	}
	telemetry.JobsCompleted.WithLabelValues(status).Inc()
	d.log.Info("job completed",
		zap.String("job_id", job.ID),
		zap.String("kind", job.Kind),
		zap.String("status", status),
		zap.Int("ok", summary.OK),
		zap.Int("error", summary.Error))

	ev := notify.Event{JobID: job.ID, Kind: job.Kind, Status: status, ClientID: job.ClientID}
	if err := d.notifier.JobCompleted(ctx, ev); err != nil {
		d.log.Warn("notify completion failed", zap.String("job_id", job.ID), zap.Error(err))
	}
	return nil
}

// chainAnalyze spawns one analyze job over the followings a completed
// fetch discovered. The child id derives from the parent, so a crash
// anywhere in this path re-runs cleanly: the job insert collapses into
// a duplicate and EnsureTasks tops up whatever is missing.
func (d *Dispatcher) chainAnalyze(ctx context.Context, job models.Job) error {
	target, _ := job.Extra["target_username"].(string)
	if target == "" {
		return nil
	}
	limit := extraInt(job.Extra, "limit", 200)
	followings, err := d.store.FollowingsOf(ctx, target, limit)
	if err != nil {
		return fmt.Errorf("load followings: %w", err)
	}
	if len(followings) == 0 {
		return nil
	}

	childID := models.DeriveJobID(job.ID, "analyze")
	_, err = d.store.CreateJob(ctx, store.CreateJobParams{
		ID:         childID,
		Kind:       models.KindAnalyze,
		Priority:   job.Priority,
		BatchSize:  d.cfg.DefaultBatchSize,
		Extra:      map[string]any{"origin": target, "parent_job_id": job.ID},
		TotalItems: len(followings),
		ClientID:   job.ClientID,
	})
	chained := err == nil
	if err != nil && !errors.Is(err, models.ErrDuplicate) {
		return fmt.Errorf("create analyze job: %w", err)
	}

	params := make([]store.AddTaskParams, 0, len(followings))
	for _, username := range followings {
		params = append(params, store.AddTaskParams{
			JobID:         childID,
			TaskID:        models.TaskID(childID, models.KindAnalyze, username),
			CorrelationID: job.ID,
			Username:      username,
			ClientID:      job.ClientID,
			LeaseTTL:      d.cfg.LeaseTTL,
		})
	}
	added, err := d.store.EnsureTasks(ctx, params)
	if err != nil {
		return fmt.Errorf("fill analyze job: %w", err)
	}
	if chained {
		telemetry.JobsChained.Inc()
		d.log.Info("chained analyze job",
			zap.String("parent_job_id", job.ID),
			zap.String("job_id", childID),
			zap.Int("total_items", len(followings)))
	} else if added > 0 {
		d.log.Info("backfilled analyze job", zap.String("job_id", childID), zap.Int("added", added))
	}
	return nil
}

func extraInt(extra map[string]any, key string, fallback int) int {
	switch v := extra[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return fallback
	}
}
