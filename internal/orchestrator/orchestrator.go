// Package orchestrator runs the batch state machine: for every planned
// batch it builds context, calls the agent, validates and applies the
// proposal, verifies, and checkpoints, following a fixed transition policy
// on every kind of failure. The machine itself is a pure function over
// (state, event); the Run loop is the only place with side effects.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/entirerefactor/refactorctl/internal/agentdriver"
	"github.com/entirerefactor/refactorctl/internal/config"
	"github.com/entirerefactor/refactorctl/internal/contextpack"
	"github.com/entirerefactor/refactorctl/internal/ledger"
	"github.com/entirerefactor/refactorctl/internal/logging"
	"github.com/entirerefactor/refactorctl/internal/model"
	"github.com/entirerefactor/refactorctl/internal/patchapplier"
	"github.com/entirerefactor/refactorctl/internal/repoisolate"
	"github.com/entirerefactor/refactorctl/internal/verifier"
)

// State names one step in a single batch attempt's lifecycle.
type State string

const (
	StatePending      State = "PENDING"
	StateContextBuilt State = "CONTEXT_BUILT"
	StateAgentCalled  State = "AGENT_CALLED"
	StateProposed     State = "PROPOSED"
	StateApplied      State = "APPLIED"
	StateVerified     State = "VERIFIED"
	StateCheckpointed State = "CHECKPOINTED"
	StateNooped       State = "NOOPED"
	StateBlocked      State = "BLOCKED"
	StateApplyFailed  State = "APPLY_FAILED"
	StateVerifyFailed State = "VERIFY_FAILED"
)

// ErrAborted is returned by Run when the run-level transition policy
// requires aborting (critical block, persistent apply/verify failure, full
// verifier regression).
var ErrAborted = errors.New("run aborted")

// BatchResult is one batch's final outcome for the report.
type BatchResult struct {
	Batch      model.Batch
	Outcome    model.BatchOutcome
	Attempts   int
	Checkpoint string
	Verifier   *model.VerifierResult
	Error      string
}

// RunResult is the full outcome of one orchestrated run.
type RunResult struct {
	RunID       string
	Status      model.RunStatus
	Batches     []BatchResult
	AbortReason string
	FinalVerify *model.VerifierResult
}

// Orchestrator wires together every component needed to execute a plan
// against a prepared worktree.
type Orchestrator struct {
	Config        *config.Config
	Ledger        *ledger.Ledger
	Worktree      *repoisolate.Worktree
	ContextPack   *contextpack.Builder
	Agent         *agentdriver.Driver
	Verifier      *verifier.Runner
	PatchOptions  patchapplier.Options
	PatcherPrompt string
	RunID         string

	batchesSinceFullVerify int
}

// Run executes batches in order against the transition policy described in
// the orchestrator's design notes, stopping early on any aborting
// condition. ctx cancellation is honored between batches and between
// attempts within a batch; it never interrupts a child process mid-command
// since verifier and agentdriver own their own timeouts.
func (o *Orchestrator) Run(ctx context.Context, batches []model.Batch) (RunResult, error) {
	result := RunResult{RunID: o.RunID, Status: model.RunInProgress}

	baseline, err := o.Verifier.RunBaseline(ctx, model.VerifierFast)
	if err != nil {
		result.Status = model.RunAborted
		result.AbortReason = fmt.Sprintf("baseline verifier failed: %v", verifier.FirstFailure(baseline))
		return result, fmt.Errorf("%w: %v", verifier.ErrBaselineFailed, err)
	}

	for _, batch := range batches {
		select {
		case <-ctx.Done():
			result.Status = model.RunAborted
			result.AbortReason = "cancelled"
			o.appendLedger(batch, 0, model.OutcomeCancelled, "", nil, "context cancelled")
			return result, ctx.Err()
		default:
		}

		br, aborted, abortReason := o.runBatch(ctx, batch)
		result.Batches = append(result.Batches, br)
		if aborted {
			result.Status = model.RunAborted
			result.AbortReason = abortReason
			return result, fmt.Errorf("%w: %s", ErrAborted, abortReason)
		}

		if br.Outcome == model.OutcomeApplied {
			o.batchesSinceFullVerify++
			if o.Config.RunFullVerifierEvery > 0 && o.batchesSinceFullVerify >= o.Config.RunFullVerifierEvery {
				o.batchesSinceFullVerify = 0
				fv, err := o.Verifier.Run(ctx, model.VerifierFull, batch.ID+"-periodic-full")
				if err != nil || !fv.Passed {
					result.Status = model.RunAborted
					result.AbortReason = "periodic full verifier failed: " + verifier.FirstFailure(fv)
					return result, fmt.Errorf("%w: periodic full verifier failed", ErrAborted)
				}
			}
		}
	}

	finalVerify, err := o.Verifier.Run(ctx, model.VerifierFull, "final")
	result.FinalVerify = &finalVerify
	if err != nil || !finalVerify.Passed {
		result.Status = model.RunAborted
		result.AbortReason = "final full verifier failed: " + verifier.FirstFailure(finalVerify)
		return result, fmt.Errorf("%w: final full verifier failed", ErrAborted)
	}

	result.Status = model.RunAwaitingUser
	return result, nil
}

// runBatch drives one batch through as many attempts as retry_per_batch
// allows, per the failure-specific retry and abort rules.
func (o *Orchestrator) runBatch(ctx context.Context, batch model.Batch) (BatchResult, bool, string) {
	br := BatchResult{Batch: batch}
	maxAttempts := o.Config.RetryPerBatch + 1
	checkpointBeforeBatch, err := o.Worktree.Baseline()
	if err != nil {
		checkpointBeforeBatch = ""
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		br.Attempts = attempt
		logging.Info(ctx, "batch attempt starting", "batch_id", batch.ID, "attempt", attempt)

		pack, err := o.ContextPack.Build(batch)
		if err != nil {
			br.Outcome = model.OutcomeApplyFailed
			br.Error = fmt.Sprintf("building context pack: %v", err)
			o.appendLedger(batch, attempt, br.Outcome, "", nil, br.Error)
			continue
		}

		proposal, err := o.Agent.Patch(ctx, o.PatcherPrompt, pack.Text)
		if err != nil {
			if errors.Is(err, agentdriver.ErrBlocked) {
				br.Outcome = model.OutcomeBlocked
				br.Error = err.Error()
				o.appendLedger(batch, attempt, br.Outcome, "", nil, br.Error)
				if batch.Critical {
					return br, true, fmt.Sprintf("batch %s blocked and marked critical", batch.ID)
				}
				return br, false, ""
			}
			br.Outcome = model.OutcomeApplyFailed
			br.Error = fmt.Sprintf("agent invocation failed: %v", err)
			o.appendLedger(batch, attempt, br.Outcome, "", nil, br.Error)
			continue
		}

		switch proposal.Status {
		case model.ProposalNoop:
			br.Outcome = model.OutcomeNoop
			o.appendLedger(batch, attempt, br.Outcome, "", nil, "")
			return br, false, ""

		case model.ProposalBlocked:
			br.Outcome = model.OutcomeBlocked
			br.Error = proposal.Rationale
			o.appendLedger(batch, attempt, br.Outcome, "", nil, br.Error)
			if batch.Critical {
				return br, true, fmt.Sprintf("batch %s blocked and marked critical", batch.ID)
			}
			return br, false, ""
		}

		if _, err := patchapplier.Apply(ctx, batch, proposal, o.PatchOptions); err != nil {
			br.Outcome = model.OutcomeApplyFailed
			br.Error = fmt.Sprintf("apply rejected: %v", err)
			o.appendLedger(batch, attempt, br.Outcome, "", nil, br.Error)
			continue
		}

		commitRef, err := o.Worktree.ApplyAndCommit(proposal.TouchedFiles, fmt.Sprintf("%s: %s", batch.ID, batch.Goal), "refactorctl", "refactorctl@local")
		if err != nil {
			br.Outcome = model.OutcomeApplyFailed
			br.Error = fmt.Sprintf("checkpoint commit failed: %v", err)
			o.appendLedger(batch, attempt, br.Outcome, "", nil, br.Error)
			continue
		}

		vr, err := o.Verifier.Run(ctx, batch.VerifierTier, batch.ID)
		if err != nil || !vr.Passed {
			if resetErr := o.Worktree.ResetTo(checkpointBeforeBatch); resetErr != nil {
				return br, true, fmt.Sprintf("batch %s verify-failed and reset to checkpoint also failed: %v", batch.ID, resetErr)
			}
			br.Outcome = model.OutcomeVerifyFailed
			br.Verifier = &vr
			br.Error = verifier.FirstFailure(vr)
			o.appendLedger(batch, attempt, br.Outcome, "", &vr, br.Error)
			continue
		}

		br.Outcome = model.OutcomeApplied
		br.Checkpoint = commitRef
		br.Verifier = &vr
		o.appendLedgerWithFiles(batch, attempt, br.Outcome, commitRef, &vr, "", proposal.TouchedFiles)
		return br, false, ""
	}

	if br.Outcome == model.OutcomeVerifyFailed {
		return br, true, fmt.Sprintf("batch %s failed verification after %d attempts", batch.ID, br.Attempts)
	}
	return br, true, fmt.Sprintf("batch %s failed after %d attempts", batch.ID, br.Attempts)
}

func (o *Orchestrator) appendLedger(batch model.Batch, attempt int, outcome model.BatchOutcome, checkpointRef string, vr *model.VerifierResult, errMsg string) {
	o.appendLedgerWithFiles(batch, attempt, outcome, checkpointRef, vr, errMsg, nil)
}

func (o *Orchestrator) appendLedgerWithFiles(batch model.Batch, attempt int, outcome model.BatchOutcome, checkpointRef string, vr *model.VerifierResult, errMsg string, touchedFiles []string) {
	entry := model.LedgerEntry{
		RunID:          o.RunID,
		BatchID:        batch.ID,
		Attempt:        attempt,
		Timestamp:      time.Now(),
		Outcome:        outcome,
		TouchedFiles:   touchedFiles,
		CheckpointRef:  checkpointRef,
		VerifierResult: vr,
		Error:          errMsg,
	}
	if err := o.Ledger.Append(entry); err != nil {
		logging.Error(context.Background(), "ledger append failed", "batch_id", batch.ID, "error", err)
	}
}
