package domain

import (
	"context"
	"errors"

	"github.com/smallbiznis/carehub/internal/identity"
	"github.com/smallbiznis/carehub/internal/livesync"
)

type Service interface {
	// CompleteVisit stops the visit clock, bills units and charges the
	// client's unit bank. tables supplies the session's cached clients for
	// name resolution; nil falls back to a point read.
	CompleteVisit(ctx context.Context, actor identity.Profile, tables livesync.Tables, visitID string) (Completion, error)
	// ReconcileVisit retries the unit-bank charge of a completed visit whose
	// deduction is still pending or unmatched.
	ReconcileVisit(ctx context.Context, visitID string) (string, error)
}

var (
	// ErrReconciliationGap marks a completed visit no client was charged for.
	// It is reported in Completion.Gap, never as the call's error.
	ErrReconciliationGap     = errors.New("reconciliation_gap")
	ErrVisitAlreadyCompleted = errors.New("visit_already_completed")
	ErrCompletionInProgress  = errors.New("visit_completion_in_progress")
	ErrInvalidVisitID        = errors.New("invalid_visit_id")
)

// ReconcileVisit outcomes.
const (
	OutcomeApplied   = "applied"
	OutcomeUnmatched = "unmatched"
	OutcomeSkipped   = "skipped"
	OutcomeLocked    = "locked"
)
