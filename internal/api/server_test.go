package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"outreach-coordinator/internal/auth"
	"outreach-coordinator/internal/config"
	"outreach-coordinator/internal/models"
	"outreach-coordinator/internal/ratelimit"
	"outreach-coordinator/internal/store"
)

type fakeStore struct {
	mu         sync.Mutex
	clients    map[string]models.Client
	limits     map[string]models.ClientLimits
	jobs       map[string]*models.Job
	tasks      map[string]*models.Task
	taskOrder  []string
	contacts   map[string]map[string]bool
	followings map[string][]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		clients:    make(map[string]models.Client),
		limits:     make(map[string]models.ClientLimits),
		jobs:       make(map[string]*models.Job),
		tasks:      make(map[string]*models.Task),
		contacts:   make(map[string]map[string]bool),
		followings: make(map[string][]string),
	}
}

func (f *fakeStore) GetClient(_ context.Context, id string) (models.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.clients[id]
	if !ok || c.Status == models.ClientDeleted {
		return models.Client{}, models.ErrNotFound
	}
	return c, nil
}

func (f *fakeStore) FindClientByCredential(_ context.Context, credential string) (models.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.clients {
		if c.Status != models.ClientActive {
			continue
		}
		if bcrypt.CompareHashAndPassword([]byte(c.CredentialHash), []byte(credential)) == nil {
			return c, nil
		}
	}
	return models.Client{}, models.ErrUnauthorized
}

func (f *fakeStore) CreateJob(_ context.Context, p store.CreateJobParams) (models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p.ClientID == "" {
		return models.Job{}, models.Validationf("client_id", "must not be empty")
	}
	if _, ok := f.jobs[p.ID]; ok {
		return models.Job{}, models.ErrDuplicate
	}
	job := &models.Job{
		ID:         p.ID,
		Kind:       p.Kind,
		Priority:   p.Priority,
		BatchSize:  p.BatchSize,
		Extra:      p.Extra,
		TotalItems: p.TotalItems,
		Status:     models.JobPending,
		ClientID:   p.ClientID,
		CreatedAt:  time.Now(),
	}
	f.jobs[p.ID] = job
	return *job, nil
}

func (f *fakeStore) AddTask(ctx context.Context, p store.AddTaskParams) error {
	return f.AddTasks(ctx, []store.AddTaskParams{p})
}

func (f *fakeStore) AddTasks(_ context.Context, params []store.AddTaskParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range params {
		if _, ok := f.tasks[p.TaskID]; ok {
			return models.Validationf("task_id", "%s already exists", p.TaskID)
		}
		t := &models.Task{
			JobID:    p.JobID,
			TaskID:   p.TaskID,
			Username: p.Username,
			Payload:  p.Payload,
			Status:   models.TaskQueued,
			ClientID: p.ClientID,
		}
		if p.AccountID != "" {
			account := p.AccountID
			t.AccountID = &account
		}
		f.tasks[p.TaskID] = t
		f.taskOrder = append(f.taskOrder, p.TaskID)
	}
	return nil
}

func (f *fakeStore) LeaseTasks(_ context.Context, p store.LeaseParams) ([]models.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p.AccountID == "" {
		return nil, models.Validationf("account_id", "must not be empty")
	}
	var out []models.Task
	now := time.Now()
	for _, id := range f.taskOrder {
		if len(out) >= p.Limit {
			break
		}
		t := f.tasks[id]
		if t.Status != models.TaskQueued || t.ClientID != p.ClientID {
			continue
		}
		if t.AccountID == nil || *t.AccountID != p.AccountID {
			continue
		}
		t.Status = models.TaskSent
		t.Attempts++
		t.LeasedAt = &now
		t.SentAt = &now
		expires := now.Add(p.TTL)
		t.LeaseExpiresAt = &expires
		if job, ok := f.jobs[t.JobID]; ok {
			t.Kind = job.Kind
		}
		out = append(out, *t)
	}
	return out, nil
}

func (f *fakeStore) ReportResult(_ context.Context, jobID, taskID string, ok bool, errMsg string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, found := f.tasks[taskID]
	if !found || t.JobID != jobID {
		return false, models.ErrNotFound
	}
	if t.Status != models.TaskQueued && t.Status != models.TaskSent {
		return false, nil
	}
	if ok {
		t.Status = models.TaskOK
	} else {
		t.Status = models.TaskError
		msg := models.TruncateError(errMsg)
		t.Error = &msg
	}
	return true, nil
}

func (f *fakeStore) GetTask(_ context.Context, jobID, taskID string) (models.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, found := f.tasks[taskID]
	if !found || t.JobID != jobID {
		return models.Task{}, models.ErrNotFound
	}
	cp := *t
	if job, ok := f.jobs[jobID]; ok {
		cp.Kind = job.Kind
	}
	return cp, nil
}

func (f *fakeStore) JobOwner(_ context.Context, jobID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[jobID]
	if !ok {
		return "", models.ErrNotFound
	}
	return job.ClientID, nil
}

func (f *fakeStore) JobSummary(_ context.Context, jobID, clientID string) (models.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[jobID]
	if !ok {
		return models.Summary{}, models.ErrNotFound
	}
	if job.ClientID != clientID {
		return models.Summary{}, models.ErrOwnership
	}
	var s models.Summary
	for _, t := range f.tasks {
		if t.JobID != jobID {
			continue
		}
		switch t.Status {
		case models.TaskQueued:
			s.Queued++
		case models.TaskSent:
			s.Sent++
		case models.TaskOK:
			s.OK++
		case models.TaskError:
			s.Error++
		}
	}
	return s, nil
}

func (f *fakeStore) WasContacted(_ context.Context, clientID, destination string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.contacts[clientID][destination], nil
}

func (f *fakeStore) RegisterContact(_ context.Context, p store.ContactParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.contacts[p.ClientID] == nil {
		f.contacts[p.ClientID] = make(map[string]bool)
	}
	f.contacts[p.ClientID][p.Destination] = true
	return nil
}

func (f *fakeStore) SaveFollowings(_ context.Context, origin string, targets []string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.followings[origin] = append(f.followings[origin], targets...)
	return len(targets), nil
}

func (f *fakeStore) CountContactsToday(_ context.Context, clientID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.contacts[clientID]), nil
}

func (f *fakeStore) CountTasksSentToday(_ context.Context, clientID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, t := range f.tasks {
		if t.ClientID == clientID && t.Status == models.TaskSent && t.SentAt != nil {
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) GetLimits(_ context.Context, clientID string) (models.ClientLimits, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if l, ok := f.limits[clientID]; ok {
		return l, nil
	}
	return models.DefaultLimits(clientID), nil
}

const testCredential = "acme-credential"

func (f *fakeStore) addClient(t *testing.T, id, status string) {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(testCredential), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash credential: %v", err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clients[id] = models.Client{ID: id, Name: id, CredentialHash: string(hash), Status: status}
}

func newTestServer(st *fakeStore) (*Server, *auth.TokenIssuer) {
	cfg := config.Config{
		DefaultRPM: 100,
		LeaseTTL:   5 * time.Minute,
		PullLimit:  10,
		Accounts:   []string{"fleet_01"},
	}
	issuer := auth.NewTokenIssuer("test-secret", time.Hour)
	a := auth.New(st, issuer, "shared-secret")
	return New(cfg, st, a, ratelimit.NewLocalBucket(), zap.NewNop()), issuer
}

func doJSON(t *testing.T, h http.Handler, method, path string, headers map[string]string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(dst); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestEndToEndFetchFlow(t *testing.T) {
	st := newFakeStore()
	st.addClient(t, "acme", models.ClientActive)
	srv, _ := newTestServer(st)
	h := srv.Router()

	rec := doJSON(t, h, http.MethodPost, "/api/auth/login", nil,
		map[string]any{"client_id": "acme", "credential": testCredential})
	if rec.Code != http.StatusOK {
		t.Fatalf("login status = %d, body %s", rec.Code, rec.Body.String())
	}
	var login loginResponse
	decodeBody(t, rec, &login)
	if login.Token == "" || login.TokenType != "Bearer" {
		t.Fatalf("unexpected login response: %+v", login)
	}
	authed := map[string]string{"Authorization": "Bearer " + login.Token}

	enqueue := map[string]string{"Authorization": "Bearer " + login.Token, "X-Account": "bot1"}
	rec = doJSON(t, h, http.MethodPost, "/ext/followings/enqueue", enqueue,
		map[string]any{"target_username": "Alice", "limit": 5})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("enqueue status = %d, body %s", rec.Code, rec.Body.String())
	}
	var created struct {
		JobID string `json:"job_id"`
	}
	decodeBody(t, rec, &created)
	if !models.ValidJobID(created.JobID) {
		t.Fatalf("job id %q does not match the minted shape", created.JobID)
	}

	rec = doJSON(t, h, http.MethodPost, "/api/send/pull", authed,
		map[string]any{"account_id": "bot1", "limit": 10})
	if rec.Code != http.StatusOK {
		t.Fatalf("pull status = %d, body %s", rec.Code, rec.Body.String())
	}
	var pulled struct {
		Items []pullItem `json:"items"`
	}
	decodeBody(t, rec, &pulled)
	if len(pulled.Items) != 1 {
		t.Fatalf("pulled %d items, want 1", len(pulled.Items))
	}
	item := pulled.Items[0]
	if item.Destination != "alice" {
		t.Fatalf("item destination = %q, want alice", item.Destination)
	}
	if item.Kind != models.KindFetch {
		t.Fatalf("item kind = %q, want fetch", item.Kind)
	}
	if item.JobID != created.JobID {
		t.Fatalf("item job = %q, want %q", item.JobID, created.JobID)
	}

	rec = doJSON(t, h, http.MethodPost, "/api/send/result", authed, map[string]any{
		"job_id": item.JobID, "task_id": item.TaskID, "ok": true,
		"items": []string{"bob", "carol"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("result status = %d, body %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, h, http.MethodGet, "/jobs/"+created.JobID+"/summary", authed, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("summary status = %d, body %s", rec.Code, rec.Body.String())
	}
	var sum summaryResponse
	decodeBody(t, rec, &sum)
	want := models.Summary{Queued: 0, Sent: 0, OK: 1, Error: 0}
	if sum.Summary != want {
		t.Fatalf("summary = %+v, want %+v", sum.Summary, want)
	}
	if !sum.Finished {
		t.Fatalf("summary not finished after the only task resolved")
	}
	if got := st.followings["alice"]; len(got) != 2 {
		t.Fatalf("followings for alice = %v, want bob and carol", got)
	}
}

func TestResultIsIdempotent(t *testing.T) {
	st := newFakeStore()
	st.addClient(t, "acme", models.ClientActive)
	srv, issuer := newTestServer(st)
	h := srv.Router()
	token, _, _ := mintToken(t, issuer, "acme", models.AllScopes())
	authed := map[string]string{"Authorization": "Bearer " + token, "X-Account": "bot1"}

	rec := doJSON(t, h, http.MethodPost, "/ext/followings/enqueue", authed,
		map[string]any{"target_username": "alice"})
	var created struct {
		JobID string `json:"job_id"`
	}
	decodeBody(t, rec, &created)

	rec = doJSON(t, h, http.MethodPost, "/api/send/pull", authed, map[string]any{"account_id": "bot1"})
	var pulled struct {
		Items []pullItem `json:"items"`
	}
	decodeBody(t, rec, &pulled)
	if len(pulled.Items) != 1 {
		t.Fatalf("pulled %d items, want 1", len(pulled.Items))
	}
	report := map[string]any{"job_id": created.JobID, "task_id": pulled.Items[0].TaskID, "ok": true}

	for i := 0; i < 2; i++ {
		rec = doJSON(t, h, http.MethodPost, "/api/send/result", authed, report)
		if rec.Code != http.StatusOK {
			t.Fatalf("report %d status = %d", i, rec.Code)
		}
	}
	var applied struct {
		Applied bool `json:"applied"`
	}
	decodeBody(t, rec, &applied)
	if applied.Applied {
		t.Fatalf("second report claimed to apply a transition")
	}

	rec = doJSON(t, h, http.MethodGet, "/jobs/"+created.JobID+"/summary", authed, nil)
	var sum summaryResponse
	decodeBody(t, rec, &sum)
	if sum.OK != 1 {
		t.Fatalf("ok count = %d after duplicate report, want 1", sum.OK)
	}
}

func mintToken(t *testing.T, issuer *auth.TokenIssuer, clientID string, scopes []string) (string, time.Time, []string) {
	t.Helper()
	token, expires, err := issuer.Mint(clientID, scopes)
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	return token, expires, scopes
}

func TestSummaryOwnership(t *testing.T) {
	st := newFakeStore()
	st.addClient(t, "acme", models.ClientActive)
	st.addClient(t, "rival", models.ClientActive)
	srv, issuer := newTestServer(st)
	h := srv.Router()

	jobID := models.NewJobID()
	if _, err := st.CreateJob(context.Background(), store.CreateJobParams{
		ID: jobID, Kind: models.KindSend, TotalItems: 1, ClientID: "rival",
	}); err != nil {
		t.Fatalf("seed job: %v", err)
	}

	token, _, _ := mintToken(t, issuer, "acme", models.AllScopes())
	rec := doJSON(t, h, http.MethodGet, "/jobs/"+jobID+"/summary",
		map[string]string{"Authorization": "Bearer " + token}, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("cross-client summary status = %d, want 403", rec.Code)
	}

	rec = doJSON(t, h, http.MethodGet, "/jobs/"+models.NewJobID()+"/summary",
		map[string]string{"Authorization": "Bearer " + token}, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("absent job summary status = %d, want 404", rec.Code)
	}
}

func TestScopeEnforced(t *testing.T) {
	st := newFakeStore()
	st.addClient(t, "acme", models.ClientActive)
	srv, issuer := newTestServer(st)
	h := srv.Router()

	token, _, _ := mintToken(t, issuer, "acme", []string{models.ScopeFetch})
	rec := doJSON(t, h, http.MethodPost, "/ext/analyze/enqueue",
		map[string]string{"Authorization": "Bearer " + token},
		map[string]any{"usernames": []string{"alice"}})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("analyze without scope status = %d, want 403", rec.Code)
	}

	rec = doJSON(t, h, http.MethodPost, "/ext/followings/enqueue",
		map[string]string{"Authorization": "Bearer " + token, "X-Account": "bot1"},
		map[string]any{"target_username": "alice"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("fetch with scope status = %d, want 202", rec.Code)
	}
}

func TestUnauthenticatedRejected(t *testing.T) {
	st := newFakeStore()
	srv, _ := newTestServer(st)
	h := srv.Router()

	rec := doJSON(t, h, http.MethodPost, "/ext/analyze/enqueue", nil,
		map[string]any{"usernames": []string{"alice"}})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d, want 401", rec.Code)
	}
}

func TestSharedSecretIdentity(t *testing.T) {
	st := newFakeStore()
	srv, _ := newTestServer(st)
	h := srv.Router()

	rec := doJSON(t, h, http.MethodPost, "/ext/analyze/enqueue",
		map[string]string{"X-Auth-Token": "shared-secret"},
		map[string]any{"usernames": []string{"alice", "bob"}})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("shared secret status = %d, body %s", rec.Code, rec.Body.String())
	}
	var created struct {
		JobID      string `json:"job_id"`
		TotalItems int    `json:"total_items"`
	}
	decodeBody(t, rec, &created)
	if created.TotalItems != 2 {
		t.Fatalf("total_items = %d, want 2", created.TotalItems)
	}
	owner, err := st.JobOwner(context.Background(), created.JobID)
	if err != nil || owner != auth.DefaultClientID {
		t.Fatalf("job owner = %q (%v), want %q", owner, err, auth.DefaultClientID)
	}
}

func TestRequestRateLimit(t *testing.T) {
	st := newFakeStore()
	st.addClient(t, "acme", models.ClientActive)
	st.limits["acme"] = models.ClientLimits{ClientID: "acme", RequestsPerMinute: 2, MessagesPerDay: 500}
	srv, issuer := newTestServer(st)
	h := srv.Router()

	token, _, _ := mintToken(t, issuer, "acme", models.AllScopes())
	headers := map[string]string{"Authorization": "Bearer " + token}

	jobID := models.NewJobID()
	if _, err := st.CreateJob(context.Background(), store.CreateJobParams{
		ID: jobID, Kind: models.KindSend, TotalItems: 1, ClientID: "acme",
	}); err != nil {
		t.Fatalf("seed job: %v", err)
	}

	for i := 0; i < 2; i++ {
		rec := doJSON(t, h, http.MethodGet, "/jobs/"+jobID+"/summary", headers, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("call %d status = %d, want 200", i, rec.Code)
		}
	}
	rec := doJSON(t, h, http.MethodGet, "/jobs/"+jobID+"/summary", headers, nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("third call status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatalf("429 response missing Retry-After")
	}
}

func TestSendEnqueueSkipsContacted(t *testing.T) {
	st := newFakeStore()
	st.addClient(t, "acme", models.ClientActive)
	srv, issuer := newTestServer(st)
	h := srv.Router()

	if err := st.RegisterContact(context.Background(), store.ContactParams{
		ClientID: "acme", Destination: "bob",
	}); err != nil {
		t.Fatalf("seed contact: %v", err)
	}

	token, _, _ := mintToken(t, issuer, "acme", models.AllScopes())
	rec := doJSON(t, h, http.MethodPost, "/ext/send/enqueue",
		map[string]string{"Authorization": "Bearer " + token, "X-Account": "bot1"},
		map[string]any{
			"usernames":        []string{"alice", "Bob", "alice"},
			"message_template": "hey there",
		})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("send enqueue status = %d, body %s", rec.Code, rec.Body.String())
	}
	var created struct {
		JobID      string `json:"job_id"`
		TotalItems int    `json:"total_items"`
		Skipped    int    `json:"skipped"`
	}
	decodeBody(t, rec, &created)
	if created.TotalItems != 1 || created.Skipped != 1 {
		t.Fatalf("total_items = %d skipped = %d, want 1 and 1", created.TotalItems, created.Skipped)
	}

	authed := map[string]string{"Authorization": "Bearer " + token}
	rec = doJSON(t, h, http.MethodPost, "/api/send/pull", authed,
		map[string]any{"account_id": "bot1", "limit": 10})
	var pulled struct {
		Items []pullItem `json:"items"`
	}
	decodeBody(t, rec, &pulled)
	if len(pulled.Items) != 1 || pulled.Items[0].Destination != "alice" {
		t.Fatalf("pulled %+v, want only alice", pulled.Items)
	}

	rec = doJSON(t, h, http.MethodPost, "/api/send/result", authed, map[string]any{
		"job_id": pulled.Items[0].JobID, "task_id": pulled.Items[0].TaskID, "ok": true,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("result status = %d", rec.Code)
	}
	contacted, err := st.WasContacted(context.Background(), "acme", "alice")
	if err != nil || !contacted {
		t.Fatalf("alice not in the ledger after ok send result (err %v)", err)
	}
}

func TestPullBudgetExhausted(t *testing.T) {
	st := newFakeStore()
	st.addClient(t, "acme", models.ClientActive)
	st.limits["acme"] = models.ClientLimits{ClientID: "acme", RequestsPerMinute: 100, MessagesPerDay: 2}
	srv, issuer := newTestServer(st)
	h := srv.Router()

	for i := 0; i < 2; i++ {
		if err := st.RegisterContact(context.Background(), store.ContactParams{
			ClientID: "acme", Destination: fmt.Sprintf("user_%d", i),
		}); err != nil {
			t.Fatalf("seed contact: %v", err)
		}
	}

	token, _, _ := mintToken(t, issuer, "acme", models.AllScopes())
	rec := doJSON(t, h, http.MethodPost, "/api/send/pull",
		map[string]string{"Authorization": "Bearer " + token},
		map[string]any{"account_id": "bot1", "limit": 10})
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("pull over budget status = %d, want 429", rec.Code)
	}
}

func TestLoginRejectsBadCredential(t *testing.T) {
	st := newFakeStore()
	st.addClient(t, "acme", models.ClientActive)
	st.addClient(t, "idle", models.ClientSuspended)
	srv, _ := newTestServer(st)
	h := srv.Router()

	cases := []struct {
		name string
		body map[string]any
	}{
		{"wrong credential", map[string]any{"client_id": "acme", "credential": "nope"}},
		{"unknown client", map[string]any{"client_id": "ghost", "credential": testCredential}},
		{"suspended client", map[string]any{"client_id": "idle", "credential": testCredential}},
		{"bare wrong credential", map[string]any{"credential": "nope"}},
	}
	for _, tc := range cases {
		rec := doJSON(t, h, http.MethodPost, "/api/auth/login", nil, tc.body)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s: status = %d, want 401", tc.name, rec.Code)
		}
	}
}

func TestLoginResolvesBareCredential(t *testing.T) {
	st := newFakeStore()
	st.addClient(t, "acme", models.ClientActive)
	srv, _ := newTestServer(st)
	h := srv.Router()

	rec := doJSON(t, h, http.MethodPost, "/api/auth/login", nil,
		map[string]any{"credential": testCredential})
	if rec.Code != http.StatusOK {
		t.Fatalf("bare credential login status = %d, body %s", rec.Code, rec.Body.String())
	}
	var login loginResponse
	decodeBody(t, rec, &login)
	if login.ClientID != "acme" {
		t.Fatalf("resolved client = %q, want acme", login.ClientID)
	}
}

func TestEnqueueValidation(t *testing.T) {
	st := newFakeStore()
	srv, _ := newTestServer(st)
	h := srv.Router()
	headers := map[string]string{"X-Auth-Token": "shared-secret"}

	rec := doJSON(t, h, http.MethodPost, "/ext/followings/enqueue", headers,
		map[string]any{"target_username": "no spaces allowed"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad target status = %d, want 400", rec.Code)
	}

	rec = doJSON(t, h, http.MethodPost, "/ext/analyze/enqueue", headers,
		map[string]any{"usernames": []string{}})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty usernames status = %d, want 400", rec.Code)
	}

	rec = doJSON(t, h, http.MethodPost, "/ext/send/enqueue", headers,
		map[string]any{"usernames": []string{"alice"}})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing template status = %d, want 400", rec.Code)
	}
}
