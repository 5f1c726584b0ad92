package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"outreach-coordinator/internal/auth"
	"outreach-coordinator/internal/models"
	"outreach-coordinator/internal/store"
	"outreach-coordinator/internal/telemetry"
)

// Fetch jobs discover at most this many followings per target.
const (
	defaultFetchLimit = 200
	maxFetchLimit     = 1000
	maxEnqueueNames   = 1000
)

type loginRequest struct {
	ClientID   string `json:"client_id"`
	Credential string `json:"credential"`
}

type loginResponse struct {
	Token     string   `json:"token"`
	TokenType string   `json:"token_type"`
	ExpiresIn int      `json:"expires_in"`
	ClientID  string   `json:"client_id"`
	Scopes    []string `json:"scopes"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		s.renderError(w, err)
		return
	}
	// The client id is optional: a bare credential is resolved to its
	// owner first, then verified the same way.
	if req.ClientID == "" {
		client, err := s.store.FindClientByCredential(r.Context(), req.Credential)
		if err != nil {
			telemetry.AuthFailures.Inc()
			s.renderError(w, models.ErrUnauthorized)
			return
		}
		req.ClientID = client.ID
	}
	token, expires, scopes, err := s.auth.Login(r.Context(), req.ClientID, req.Credential)
	if err != nil {
		telemetry.AuthFailures.Inc()
		s.renderError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{
		Token:     token,
		TokenType: "Bearer",
		ExpiresIn: int(time.Until(expires).Seconds()),
		ClientID:  req.ClientID,
		Scopes:    scopes,
	})
}

type enqueueFetchRequest struct {
	TargetUsername string `json:"target_username"`
	Limit          int    `json:"limit"`
}

func (s *Server) handleEnqueueFetch(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r)
	if err := auth.RequireScope(id, models.ScopeFetch); err != nil {
		s.renderError(w, err)
		return
	}
	var req enqueueFetchRequest
	if err := decodeJSON(r, &req); err != nil {
		s.renderError(w, err)
		return
	}
	target := models.NormalizeUsername(req.TargetUsername)
	if !models.ValidUsername(target) {
		s.renderError(w, models.Validationf("target_username", "must match [a-zA-Z0-9._]{2,30}"))
		return
	}
	limit := req.Limit
	if limit <= 0 {
		limit = defaultFetchLimit
	}
	if limit > maxFetchLimit {
		limit = maxFetchLimit
	}
	account, err := s.accountFor(r)
	if err != nil {
		s.renderError(w, err)
		return
	}

	jobID := models.NewJobID()
	job, err := s.store.CreateJob(r.Context(), store.CreateJobParams{
		ID:         jobID,
		Kind:       models.KindFetch,
		Priority:   5,
		BatchSize:  1,
		Extra:      map[string]any{"target_username": target, "limit": limit},
		TotalItems: 1,
		ClientID:   id.ClientID,
	})
	if err != nil {
		s.renderError(w, err)
		return
	}
	// The seed task lands on the caller's account so a worker polling
	// that account can lease it on its next pull, before the dispatcher
	// has even seen the job.
	err = s.store.AddTask(r.Context(), store.AddTaskParams{
		JobID:     jobID,
		TaskID:    models.TaskID(jobID, models.KindFetch, target),
		AccountID: account,
		Username:  target,
		Payload:   map[string]any{"limit": limit},
		ClientID:  id.ClientID,
		LeaseTTL:  s.cfg.LeaseTTL,
	})
	if err != nil {
		s.renderError(w, err)
		return
	}
	telemetry.JobsCreated.WithLabelValues(models.KindFetch).Inc()
	s.log.Info("fetch job enqueued",
		zap.String("job_id", job.ID),
		zap.String("client_id", id.ClientID),
		zap.String("target", target))
	writeJSON(w, http.StatusAccepted, map[string]any{"job_id": job.ID})
}

type enqueueAnalyzeRequest struct {
	Usernames []string       `json:"usernames"`
	BatchSize int            `json:"batch_size"`
	Priority  int            `json:"priority"`
	Extra     map[string]any `json:"extra,omitempty"`
}

func (s *Server) handleEnqueueAnalyze(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r)
	if err := auth.RequireScope(id, models.ScopeAnalyze); err != nil {
		s.renderError(w, err)
		return
	}
	var req enqueueAnalyzeRequest
	if err := decodeJSON(r, &req); err != nil {
		s.renderError(w, err)
		return
	}
	usernames, err := uniqueUsernames(req.Usernames)
	if err != nil {
		s.renderError(w, err)
		return
	}

	jobID := models.NewJobID()
	job, err := s.store.CreateJob(r.Context(), store.CreateJobParams{
		ID:         jobID,
		Kind:       models.KindAnalyze,
		Priority:   req.Priority,
		BatchSize:  req.BatchSize,
		Extra:      req.Extra,
		TotalItems: len(usernames),
		ClientID:   id.ClientID,
	})
	if err != nil {
		s.renderError(w, err)
		return
	}
	// Left unassigned: the dispatcher spreads these across the fleet.
	tasks := make([]store.AddTaskParams, 0, len(usernames))
	for _, u := range usernames {
		tasks = append(tasks, store.AddTaskParams{
			JobID:    jobID,
			TaskID:   models.TaskID(jobID, models.KindAnalyze, u),
			Username: u,
			ClientID: id.ClientID,
			LeaseTTL: s.cfg.LeaseTTL,
		})
	}
	if err := s.store.AddTasks(r.Context(), tasks); err != nil {
		s.renderError(w, err)
		return
	}
	telemetry.JobsCreated.WithLabelValues(models.KindAnalyze).Inc()
	s.log.Info("analyze job enqueued",
		zap.String("job_id", job.ID),
		zap.String("client_id", id.ClientID),
		zap.Int("total_items", len(usernames)))
	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id":      job.ID,
		"total_items": len(usernames),
	})
}

type enqueueSendRequest struct {
	Usernames       []string `json:"usernames"`
	MessageTemplate string   `json:"message_template"`
	BatchSize       int      `json:"batch_size"`
	Priority        int      `json:"priority"`
}

func (s *Server) handleEnqueueSend(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r)
	if err := auth.RequireScope(id, models.ScopeSend); err != nil {
		s.renderError(w, err)
		return
	}
	var req enqueueSendRequest
	if err := decodeJSON(r, &req); err != nil {
		s.renderError(w, err)
		return
	}
	if req.MessageTemplate == "" {
		s.renderError(w, models.Validationf("message_template", "must not be empty"))
		return
	}
	usernames, err := uniqueUsernames(req.Usernames)
	if err != nil {
		s.renderError(w, err)
		return
	}
	account, err := s.accountFor(r)
	if err != nil {
		s.renderError(w, err)
		return
	}

	// Drop destinations this client has already messaged. Skipped
	// names are reported back in the response, not treated as errors.
	fresh := make([]string, 0, len(usernames))
	for _, u := range usernames {
		contacted, err := s.store.WasContacted(r.Context(), id.ClientID, u)
		if err != nil {
			s.renderError(w, err)
			return
		}
		if !contacted {
			fresh = append(fresh, u)
		}
	}
	skipped := len(usernames) - len(fresh)

	jobID := models.NewJobID()
	job, err := s.store.CreateJob(r.Context(), store.CreateJobParams{
		ID:         jobID,
		Kind:       models.KindSend,
		Priority:   req.Priority,
		BatchSize:  req.BatchSize,
		Extra:      map[string]any{"message_template": req.MessageTemplate},
		TotalItems: len(fresh),
		ClientID:   id.ClientID,
	})
	if err != nil {
		s.renderError(w, err)
		return
	}
	if len(fresh) > 0 {
		tasks := make([]store.AddTaskParams, 0, len(fresh))
		for _, u := range fresh {
			tasks = append(tasks, store.AddTaskParams{
				JobID:     jobID,
				TaskID:    models.TaskID(jobID, models.KindSend, u),
				AccountID: account,
				Username:  u,
				Payload:   map[string]any{"message_template": req.MessageTemplate},
				ClientID:  id.ClientID,
				LeaseTTL:  s.cfg.LeaseTTL,
			})
		}
		if err := s.store.AddTasks(r.Context(), tasks); err != nil {
			s.renderError(w, err)
			return
		}
	}
	telemetry.JobsCreated.WithLabelValues(models.KindSend).Inc()
	s.log.Info("send job enqueued",
		zap.String("job_id", job.ID),
		zap.String("client_id", id.ClientID),
		zap.Int("total_items", len(fresh)),
		zap.Int("skipped", skipped))
	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id":      job.ID,
		"total_items": len(fresh),
		"skipped":     skipped,
	})
}

type summaryResponse struct {
	JobID string `json:"job_id"`
	models.Summary
	Finished bool `json:"finished"`
}

func (s *Server) handleJobSummary(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r)
	jobID := chi.URLParam(r, "id")
	if !models.ValidJobID(jobID) {
		s.renderError(w, models.Validationf("job_id", "must match job:<32 hex chars>"))
		return
	}
	summary, err := s.store.JobSummary(r.Context(), jobID, id.ClientID)
	if err != nil {
		s.renderError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summaryResponse{
		JobID:    jobID,
		Summary:  summary,
		Finished: summary.Finished(),
	})
}

type pullRequest struct {
	AccountID string `json:"account_id"`
	Limit     int    `json:"limit"`
	WorkerID  string `json:"worker_id"`
}

type pullItem struct {
	JobID       string         `json:"job_id"`
	TaskID      string         `json:"task_id"`
	Kind        string         `json:"kind"`
	Destination string         `json:"destination"`
	Payload     map[string]any `json:"payload,omitempty"`
}

func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r)
	if err := auth.RequireScope(id, models.ScopeSend); err != nil {
		s.renderError(w, err)
		return
	}
	var req pullRequest
	if err := decodeJSON(r, &req); err != nil {
		s.renderError(w, err)
		return
	}
	account := req.AccountID
	if account == "" {
		var err error
		if account, err = s.accountFor(r); err != nil {
			s.renderError(w, err)
			return
		}
	}
	if !models.ValidAccount(account) {
		s.renderError(w, models.Validationf("account_id", "must match [a-zA-Z0-9._-]{2,30}"))
		return
	}
	limit := req.Limit
	if limit <= 0 {
		limit = s.cfg.PullLimit
	}
	if limit > models.MaxPullLimit {
		limit = models.MaxPullLimit
	}

	limit, err := s.clampToDailyBudget(r, id.ClientID, limit)
	if err != nil {
		s.renderError(w, err)
		return
	}

	leasedBy := req.WorkerID
	if leasedBy == "" {
		leasedBy = "api:" + account
	}
	tasks, err := s.store.LeaseTasks(r.Context(), store.LeaseParams{
		AccountID: account,
		ClientID:  id.ClientID,
		Limit:     limit,
		TTL:       s.cfg.LeaseTTL,
		LeasedBy:  leasedBy,
	})
	if err != nil {
		s.renderError(w, err)
		return
	}
	telemetry.TasksLeased.Add(float64(len(tasks)))

	items := make([]pullItem, 0, len(tasks))
	for _, t := range tasks {
		items = append(items, pullItem{
			JobID:       t.JobID,
			TaskID:      t.TaskID,
			Kind:        t.Kind,
			Destination: t.Username,
			Payload:     t.Payload,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// clampToDailyBudget shrinks a pull limit to what is left of the
// client's messages_per_day. Contacts delivered today and leases still
// out both count against it, so a client cannot outrun the budget by
// leasing faster than it reports. The two counts never overlap: a task
// leaves the sent count at the same transition that registers its
// contact.
func (s *Server) clampToDailyBudget(r *http.Request, clientID string, limit int) (int, error) {
	limits, err := s.store.GetLimits(r.Context(), clientID)
	if err != nil {
		return 0, err
	}
	if limits.MessagesPerDay <= 0 {
		return limit, nil
	}
	contacts, err := s.store.CountContactsToday(r.Context(), clientID)
	if err != nil {
		return 0, err
	}
	sent, err := s.store.CountTasksSentToday(r.Context(), clientID)
	if err != nil {
		return 0, err
	}
	remaining := limits.MessagesPerDay - contacts - sent
	if remaining <= 0 {
		return 0, models.ErrRateLimited
	}
	if limit > remaining {
		limit = remaining
	}
	return limit, nil
}

type resultRequest struct {
	JobID       string   `json:"job_id"`
	TaskID      string   `json:"task_id"`
	OK          bool     `json:"ok"`
	Error       string   `json:"error"`
	Destination string   `json:"destination"`
	Items       []string `json:"items"`
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r)
	if err := auth.RequireScope(id, models.ScopeSend); err != nil {
		s.renderError(w, err)
		return
	}
	var req resultRequest
	if err := decodeJSON(r, &req); err != nil {
		s.renderError(w, err)
		return
	}
	if req.JobID == "" || req.TaskID == "" {
		s.renderError(w, models.Validationf("job_id", "job_id and task_id must not be empty"))
		return
	}
	owner, err := s.store.JobOwner(r.Context(), req.JobID)
	if err != nil {
		s.renderError(w, err)
		return
	}
	if owner != id.ClientID {
		s.renderError(w, models.ErrOwnership)
		return
	}

	transitioned, err := s.store.ReportResult(r.Context(), req.JobID, req.TaskID, req.OK, req.Error)
	if err != nil {
		s.renderError(w, err)
		return
	}
	if transitioned {
		outcome := "ok"
		if !req.OK {
			outcome = "error"
		}
		telemetry.TaskResults.WithLabelValues(outcome).Inc()
	}
	// Side effects ride on the state transition, never on a repeat
	// report: a task that was already terminal must not re-register a
	// contact or re-save followings.
	if transitioned && req.OK {
		s.applyResultEffects(r, id.ClientID, req)
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "applied": transitioned})
}

func (s *Server) applyResultEffects(r *http.Request, clientID string, req resultRequest) {
	task, err := s.store.GetTask(r.Context(), req.JobID, req.TaskID)
	if err != nil {
		s.log.Warn("load task after result", zap.String("task_id", req.TaskID), zap.Error(err))
		return
	}
	switch task.Kind {
	case models.KindSend:
		destination := req.Destination
		if destination == "" {
			destination = task.Username
		}
		account := ""
		if task.AccountID != nil {
			account = *task.AccountID
		}
		err := s.store.RegisterContact(r.Context(), store.ContactParams{
			ClientID:    clientID,
			AccountID:   account,
			Destination: destination,
			JobID:       req.JobID,
			TaskID:      req.TaskID,
		})
		if err != nil {
			s.log.Warn("register contact", zap.String("destination", destination), zap.Error(err))
		}
	case models.KindFetch:
		if len(req.Items) == 0 {
			return
		}
		saved, err := s.store.SaveFollowings(r.Context(), task.Username, req.Items)
		if err != nil {
			s.log.Warn("save followings", zap.String("origin", task.Username), zap.Error(err))
			return
		}
		s.log.Info("followings saved",
			zap.String("origin", task.Username),
			zap.Int("count", saved))
	}
}

// uniqueUsernames normalizes, validates and dedupes a username list,
// preserving first-seen order.
func uniqueUsernames(raw []string) ([]string, error) {
	if len(raw) == 0 {
		return nil, models.Validationf("usernames", "must not be empty")
	}
	if len(raw) > maxEnqueueNames {
		return nil, models.Validationf("usernames", "at most %d per request", maxEnqueueNames)
	}
	seen := make(map[string]struct{}, len(raw))
	out := make([]string, 0, len(raw))
	for _, name := range raw {
		u := models.NormalizeUsername(name)
		if !models.ValidUsername(u) {
			return nil, models.Validationf("usernames", "%q must match [a-zA-Z0-9._]{2,30}", name)
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out, nil
}
