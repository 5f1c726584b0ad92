package store

import (
	"context"
	"testing"

	"outreach-coordinator/internal/models"
)

func TestCreateJobRequiresClient(t *testing.T) {
	s := &Store{}
	_, err := s.CreateJob(context.Background(), CreateJobParams{
		ID:   models.NewJobID(),
		Kind: models.KindAnalyze,
	})
	if !models.IsValidation(err) {
		t.Fatalf("expected validation error for missing client_id, got %v", err)
	}
}

func TestLeaseTasksRequiresAccount(t *testing.T) {
	s := &Store{}
	if _, err := s.LeaseTasks(context.Background(), LeaseParams{ClientID: "acme"}); !models.IsValidation(err) {
		t.Fatalf("expected validation error for missing account_id, got %v", err)
	}
	if _, err := s.LeaseTasks(context.Background(), LeaseParams{AccountID: "courier_01"}); !models.IsValidation(err) {
		t.Fatalf("expected validation error for missing client_id, got %v", err)
	}
}

func TestClampLimit(t *testing.T) {
	if got := clampLimit(0); got != 1 {
		t.Fatalf("clampLimit(0) = %d, want 1", got)
	}
	if got := clampLimit(25); got != 25 {
		t.Fatalf("clampLimit(25) = %d, want 25", got)
	}
	if got := clampLimit(500); got != models.MaxPullLimit {
		t.Fatalf("clampLimit(500) = %d, want %d", got, models.MaxPullLimit)
	}
}
