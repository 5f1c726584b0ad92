package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsCreated      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "outreach_jobs_created_total", Help: "Jobs created, by kind"}, []string{"kind"})
	JobsCompleted    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "outreach_jobs_completed_total", Help: "Jobs reaching a terminal status"}, []string{"status"})
	JobsChained      = prometheus.NewCounter(prometheus.CounterOpts{Name: "outreach_jobs_chained_total", Help: "Follow-on jobs spawned by completed fetches"})
	TasksLeased      = prometheus.NewCounter(prometheus.CounterOpts{Name: "outreach_tasks_leased_total", Help: "Tasks handed out under a lease"})
	TasksAssigned    = prometheus.NewCounter(prometheus.CounterOpts{Name: "outreach_tasks_assigned_total", Help: "Tasks bound to an account by the dispatcher"})
	TaskResults      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "outreach_task_results_total", Help: "Task results reported, by outcome"}, []string{"outcome"})
	LeasesReclaimed  = prometheus.NewCounter(prometheus.CounterOpts{Name: "outreach_leases_reclaimed_total", Help: "Expired leases requeued by the sweep"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "outreach_rate_limit_rejects_total", Help: "Requests rejected by the per-client limiter"})
	AuthFailures     = prometheus.NewCounter(prometheus.CounterOpts{Name: "outreach_auth_failures_total", Help: "Requests that failed authentication"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsCreated,
			JobsCompleted,
			JobsChained,
			TasksLeased,
			TasksAssigned,
			TaskResults,
			LeasesReclaimed,
			RateLimitRejects,
			AuthFailures,
		)
	})
	return promhttp.Handler()
}
