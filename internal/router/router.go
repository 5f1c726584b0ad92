// Package router decides which worker account serves the next task.
// Each account carries a token bucket capping its dispatch rate, a
// bounded in-flight slot count, and a waited-since key for fairness:
// among accounts that can take work right now, the one that has waited
// longest wins, so a busy account can never starve a quiet one.
package router

import (
	"math/rand"
	"slices"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config holds per-account pacing parameters.
type Config struct {
	MaxInflight    int
	TokensCapacity int
	RefillPerSec   float64
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
	BackoffJitter  time.Duration
}

// DefaultConfig mirrors the pacing a single external account tolerates.
func DefaultConfig() Config {
	return Config{
		MaxInflight:    4,
		TokensCapacity: 60,
		RefillPerSec:   0.7,
		BaseBackoff:    20 * time.Second,
		MaxBackoff:     15 * time.Minute,
		BackoffJitter:  5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxInflight <= 0 {
		c.MaxInflight = d.MaxInflight
	}
	if c.TokensCapacity <= 0 {
		c.TokensCapacity = d.TokensCapacity
	}
	if c.RefillPerSec <= 0 {
		c.RefillPerSec = d.RefillPerSec
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = d.BaseBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	if c.BackoffJitter < 0 {
		c.BackoffJitter = 0
	}
	return c
}

// Assignment pairs a task with the account chosen to execute it.
type Assignment struct {
	AccountID string
	TaskID    string
}

// AccountStats is a point-in-time snapshot of one account's state.
type AccountStats struct {
	AccountID     string
	Queued        int
	Inflight      int
	Tokens        float64
	WaitedSince   time.Time
	CooldownUntil time.Time
	ErrorStreak   int
}

type account struct {
	bucket        *rate.Limiter
	queue         []string
	inflight      int
	waitedSince   time.Time
	cooldownUntil time.Time
	errStreak     int
}

// Router owns all per-account pacing state for one dispatcher process.
// Queues hold task ids for the current tick only; the store remains
// the source of truth between ticks.
type Router struct {
	mu       sync.Mutex
	cfg      Config
	now      func() time.Time
	accounts map[string]*account
	order    []string
}

// Option tweaks router construction.
type Option func(*Router)

// WithClock injects the time source, used by tests to step time.
func WithClock(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

func New(cfg Config, opts ...Option) *Router {
	r := &Router{
		cfg:      cfg.withDefaults(),
		now:      time.Now,
		accounts: make(map[string]*account),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds accounts to the routing pool. Already-known ids keep
// their state.
func (r *Router) Register(accountIDs ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range accountIDs {
		if id == "" {
			continue
		}
		if _, ok := r.accounts[id]; ok {
			continue
		}
		r.accounts[id] = &account{
			bucket:      rate.NewLimiter(rate.Limit(r.cfg.RefillPerSec), r.cfg.TokensCapacity),
			waitedSince: r.now(),
		}
		r.order = append(r.order, id)
		slices.Sort(r.order)
	}
}

// Accounts returns the registered account ids in stable order.
func (r *Router) Accounts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.order)
}

// Offer replaces an account's queue with this tick's task ids.
func (r *Router) Offer(accountID string, taskIDs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.accounts[accountID]
	if !ok {
		return
	}
	a.queue = slices.Clone(taskIDs)
}

// Place spreads unassigned task ids across accounts that can plausibly
// take work this tick, least loaded first. Tasks that fit nowhere are
// simply not placed; they stay queued in the store and come back on
// the next tick. Returns how many tasks found an account.
func (r *Router) Place(taskIDs []string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	placed := 0
	for _, taskID := range taskIDs {
		best := ""
		bestLoad := 0
		for _, id := range r.order {
			a := r.accounts[id]
			if now.Before(a.cooldownUntil) {
				continue
			}
			load := len(a.queue) + a.inflight
			if load >= r.cfg.MaxInflight+r.cfg.TokensCapacity {
				continue
			}
			if best == "" || load < bestLoad {
				best = id
				bestLoad = load
			}
		}
		if best == "" {
			break
		}
		a := r.accounts[best]
		a.queue = append(a.queue, taskID)
		placed++
	}
	return placed
}

// Assign picks the next task to dispatch: among accounts with queued
// work, a free slot, at least one token and no active cooldown, the
// oldest waited-since key wins. Consumes one token, occupies one slot
// and resets the winner's key. Returns false when nothing can be
// dispatched right now, which is not an error; queued work waits for
// tokens to refill.
func (r *Router) Assign() (Assignment, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()

	best := ""
	for _, id := range r.order {
		a := r.accounts[id]
		if len(a.queue) == 0 || now.Before(a.cooldownUntil) {
			continue
		}
		if a.inflight >= r.cfg.MaxInflight {
			continue
		}
		if a.bucket.TokensAt(now) < 1 {
			continue
		}
		if best == "" || a.waitedSince.Before(r.accounts[best].waitedSince) {
			best = id
		}
	}
	if best == "" {
		return Assignment{}, false
	}

	a := r.accounts[best]
	a.bucket.AllowN(now, 1)
	taskID := a.queue[0]
	a.queue = a.queue[1:]
	a.inflight++
	a.waitedSince = now
	return Assignment{AccountID: best, TaskID: taskID}, true
}

// Release frees one in-flight slot, used when persisting an assignment
// loses a race. The spent token is not refunded; tokens only come back
// through refill.
func (r *Router) Release(accountID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.accounts[accountID]; ok && a.inflight > 0 {
		a.inflight--
	}
}

// SyncInflight rebases in-flight counts from store truth. Accounts
// missing from the map are idle.
func (r *Router) SyncInflight(counts map[string]int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, a := range r.accounts {
		a.inflight = counts[id]
	}
}

// ReportOutcome feeds task results back into pacing. A success clears
// the error streak; each failure doubles the cooldown up to the cap,
// with jitter so a fleet of accounts does not thaw in lockstep.
func (r *Router) ReportOutcome(accountID string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, found := r.accounts[accountID]
	if !found {
		return
	}
	if ok {
		a.errStreak = 0
		return
	}
	a.errStreak++
	backoff := r.cfg.BaseBackoff << (a.errStreak - 1)
	if backoff > r.cfg.MaxBackoff || backoff <= 0 {
		backoff = r.cfg.MaxBackoff
	}
	if r.cfg.BackoffJitter > 0 {
		backoff += time.Duration(rand.Int63n(int64(r.cfg.BackoffJitter)))
	}
	a.cooldownUntil = r.now().Add(backoff)
}

// Stats snapshots every account for logging and metrics.
func (r *Router) Stats() []AccountStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	stats := make([]AccountStats, 0, len(r.order))
	for _, id := range r.order {
		a := r.accounts[id]
		stats = append(stats, AccountStats{
			AccountID:     id,
			Queued:        len(a.queue),
			Inflight:      a.inflight,
			Tokens:        a.bucket.TokensAt(now),
			WaitedSince:   a.waitedSince,
			CooldownUntil: a.cooldownUntil,
			ErrorStreak:   a.errStreak,
		})
	}
	return stats
}
