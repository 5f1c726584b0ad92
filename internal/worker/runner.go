package worker

import (
	"context"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"outreach-coordinator/internal/models"
	"outreach-coordinator/internal/store"
	"outreach-coordinator/internal/telemetry"
)

// Store is the slice of the persistence layer the runner uses.
type Store interface {
	LeaseFleetTasks(ctx context.Context, accountID string, limit int, ttl time.Duration, leasedBy string) ([]models.Task, error)
	ReportResult(ctx context.Context, jobID, taskID string, ok bool, errMsg string) (bool, error)
	SaveFollowings(ctx context.Context, origin string, targets []string) (int, error)
	RegisterContact(ctx context.Context, p store.ContactParams) error
}

// Config tunes one runner.
type Config struct {
	AccountID    string
	WorkerID     string
	PollInterval time.Duration
	BatchSize    int
	LeaseTTL     time.Duration
	PacePerSec   float64
	BackoffBase  time.Duration
	BackoffMax   time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 5
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 5 * time.Minute
	}
	if c.PacePerSec <= 0 {
		c.PacePerSec = 0.7
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Second
	}
	return c
}

// Runner leases and executes tasks for a single account, strictly one
// at a time. Pacing mirrors what the account tolerates externally; the
// lease TTL covers crash recovery, so no heartbeat is needed.
type Runner struct {
	store Store
	exec  Executor
	log   *zap.Logger
	cfg   Config
	pace  *rate.Limiter
}

func NewRunner(st Store, exec Executor, log *zap.Logger, cfg Config) *Runner {
	cfg = cfg.withDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	if exec == nil {
		exec = SimExecutor{}
	}
	return &Runner{
		store: st,
		exec:  exec,
		log:   log.With(zap.String("account", cfg.AccountID)),
		cfg:   cfg,
		pace:  rate.NewLimiter(rate.Limit(cfg.PacePerSec), 1),
	}
}

// Run polls for leased work until the context is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	r.log.Info("worker started",
		zap.String("worker_id", r.cfg.WorkerID),
		zap.Duration("poll_interval", r.cfg.PollInterval))
	leaseFailures := 0
	for {
		select {
		case <-ctx.Done():
			r.log.Info("worker stopped")
			return nil
		default:
		}

		tasks, err := r.store.LeaseFleetTasks(ctx, r.cfg.AccountID, r.cfg.BatchSize, r.cfg.LeaseTTL, r.cfg.WorkerID)
		if err != nil {
			leaseFailures++
			wait := backoffWithJitter(r.cfg.BackoffBase, r.cfg.BackoffMax, leaseFailures)
			r.log.Warn("lease failed", zap.Error(err), zap.Duration("backoff", wait))
			time.Sleep(wait)
			continue
		}
		leaseFailures = 0
		if len(tasks) == 0 {
			time.Sleep(r.cfg.PollInterval)
			continue
		}
		telemetry.TasksLeased.Add(float64(len(tasks)))

		// Results reported after the lease expires are discarded; the
		// reclaim sweep requeues whatever the batch leaves behind.
		deadline := time.Now().Add(r.cfg.LeaseTTL - r.cfg.LeaseTTL/10)
		for i, task := range tasks {
			if time.Now().After(deadline) {
				r.log.Warn("lease near expiry, leaving batch remainder for reclaim",
					zap.Int("remaining", len(tasks)-i))
				break
			}
			if err := r.pace.Wait(ctx); err != nil {
				return nil
			}
			r.runTask(ctx, task)
		}
	}
}

func (r *Runner) runTask(ctx context.Context, task models.Task) {
	started := time.Now()
	res := r.exec.Execute(ctx, task)

	if res.OK && task.Kind == models.KindFetch && len(res.Items) > 0 {
		if _, err := r.store.SaveFollowings(ctx, task.Username, res.Items); err != nil {
			// The fetch still counts; the chain will just see fewer rows.
			r.log.Warn("save followings failed", zap.String("task_id", task.TaskID), zap.Error(err))
		}
	}

	transitioned, err := r.store.ReportResult(ctx, task.JobID, task.TaskID, res.OK, res.Error)
	if err != nil {
		r.log.Error("report result failed", zap.String("task_id", task.TaskID), zap.Error(err))
		return
	}
	if !transitioned {
		// The lease expired and someone else resolved it first.
		r.log.Debug("result landed late", zap.String("task_id", task.TaskID))
		return
	}

	if res.OK && task.Kind == models.KindSend {
		err := r.store.RegisterContact(ctx, store.ContactParams{
			ClientID:    task.ClientID,
			AccountID:   r.cfg.AccountID,
			Destination: task.Username,
			JobID:       task.JobID,
			TaskID:      task.TaskID,
		})
		if err != nil {
			r.log.Warn("register contact failed", zap.String("task_id", task.TaskID), zap.Error(err))
		}
	}

	outcome := models.TaskOK
	if !res.OK {
		outcome = models.TaskError
	}
	telemetry.TaskResults.WithLabelValues(outcome).Inc()
	r.log.Info("task finished",
		zap.String("job_id", task.JobID),
		zap.String("task_id", task.TaskID),
		zap.String("kind", task.Kind),
		zap.String("outcome", outcome),
		zap.Duration("took", time.Since(started)))
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
