package worker

import (
	"context"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"outreach-coordinator/internal/models"
	"outreach-coordinator/internal/store"
)

type runnerStore struct {
	lateResult bool

	reports    []string
	followings map[string][]string
	contacts   []store.ContactParams
}

func (s *runnerStore) LeaseFleetTasks(context.Context, string, int, time.Duration, string) ([]models.Task, error) {
	return nil, nil
}

func (s *runnerStore) ReportResult(_ context.Context, jobID, taskID string, ok bool, errMsg string) (bool, error) {
	outcome := "ok"
	if !ok {
		outcome = "error:" + errMsg
	}
	s.reports = append(s.reports, taskID+"="+outcome)
	return !s.lateResult, nil
}

func (s *runnerStore) SaveFollowings(_ context.Context, origin string, targets []string) (int, error) {
	if s.followings == nil {
		s.followings = make(map[string][]string)
	}
	s.followings[origin] = append(s.followings[origin], targets...)
	return len(targets), nil
}

func (s *runnerStore) RegisterContact(_ context.Context, p store.ContactParams) error {
	s.contacts = append(s.contacts, p)
	return nil
}

func newTestRunner(st *runnerStore) *Runner {
	return NewRunner(st, SimExecutor{}, zap.NewNop(), Config{
		AccountID:  "courier_01",
		WorkerID:   "worker-test",
		PacePerSec: 1000, // no pacing delays in tests
	})
}

func TestSimExecutorKnobs(t *testing.T) {
	ctx := context.Background()
	sim := SimExecutor{}

	res := sim.Execute(ctx, models.Task{Kind: models.KindSend, Username: "alice", Payload: map[string]any{"should_fail": true}})
	if res.OK || !strings.Contains(res.Error, "should_fail") {
		t.Fatalf("expected simulated failure, got %+v", res)
	}

	res = sim.Execute(ctx, models.Task{Kind: models.KindFetch, Username: "alice", Payload: map[string]any{"limit": float64(3)}})
	if !res.OK || len(res.Items) != 3 {
		t.Fatalf("fetch result = %+v, want 3 items", res)
	}
	if res.Items[0] != "alice_f01" || res.Items[2] != "alice_f03" {
		t.Fatalf("fetch items not deterministic: %v", res.Items)
	}

	res = sim.Execute(ctx, models.Task{Kind: models.KindAnalyze, Username: "alice"})
	if !res.OK || len(res.Steps) == 0 {
		t.Fatalf("analyze result = %+v", res)
	}
}

func TestRunTaskFetchSavesFollowings(t *testing.T) {
	st := &runnerStore{}
	r := newTestRunner(st)

	jobID := models.NewJobID()
	task := models.Task{
		JobID:    jobID,
		TaskID:   models.TaskID(jobID, models.KindFetch, "alice"),
		Kind:     models.KindFetch,
		Username: "alice",
		ClientID: "acme",
		Payload:  map[string]any{"limit": float64(2)},
	}
	r.runTask(context.Background(), task)

	if got := st.followings["alice"]; len(got) != 2 {
		t.Fatalf("saved followings = %v, want 2", got)
	}
	if len(st.reports) != 1 || !strings.HasSuffix(st.reports[0], "=ok") {
		t.Fatalf("reports = %v", st.reports)
	}
	if len(st.contacts) != 0 {
		t.Fatalf("fetch must not touch the contact ledger, got %v", st.contacts)
	}
}

func TestRunTaskSendRegistersContact(t *testing.T) {
	st := &runnerStore{}
	r := newTestRunner(st)

	jobID := models.NewJobID()
	task := models.Task{
		JobID:    jobID,
		TaskID:   models.TaskID(jobID, models.KindSend, "bob"),
		Kind:     models.KindSend,
		Username: "bob",
		ClientID: "acme",
	}
	r.runTask(context.Background(), task)

	if len(st.contacts) != 1 {
		t.Fatalf("contacts = %v, want 1", st.contacts)
	}
	c := st.contacts[0]
	if c.ClientID != "acme" || c.Destination != "bob" || c.AccountID != "courier_01" {
		t.Fatalf("contact = %+v", c)
	}
}

func TestRunTaskFailureSkipsLedger(t *testing.T) {
	st := &runnerStore{}
	r := newTestRunner(st)

	jobID := models.NewJobID()
	task := models.Task{
		JobID:    jobID,
		TaskID:   models.TaskID(jobID, models.KindSend, "bob"),
		Kind:     models.KindSend,
		Username: "bob",
		ClientID: "acme",
		Payload:  map[string]any{"should_fail": true},
	}
	r.runTask(context.Background(), task)

	if len(st.contacts) != 0 {
		t.Fatalf("failed send must not register a contact, got %v", st.contacts)
	}
	if len(st.reports) != 1 || !strings.Contains(st.reports[0], "=error:") {
		t.Fatalf("reports = %v", st.reports)
	}
}

func TestRunTaskLateResultSkipsLedger(t *testing.T) {
	st := &runnerStore{lateResult: true}
	r := newTestRunner(st)

	jobID := models.NewJobID()
	task := models.Task{
		JobID:    jobID,
		TaskID:   models.TaskID(jobID, models.KindSend, "bob"),
		Kind:     models.KindSend,
		Username: "bob",
		ClientID: "acme",
	}
	r.runTask(context.Background(), task)

	if len(st.contacts) != 0 {
		t.Fatalf("late result must not register a contact, got %v", st.contacts)
	}
}

func TestBackoffWithJitter(t *testing.T) {
	base := time.Second
	max := 8 * time.Second

	b1 := backoffWithJitter(base, max, 1)
	if b1 < base/2 || b1 > max {
		t.Fatalf("backoff out of range: %s", b1)
	}

	b3 := backoffWithJitter(base, max, 3)
	if b3 < base || b3 > max {
		t.Fatalf("backoff out of range for attempt 3: %s", b3)
	}
}
