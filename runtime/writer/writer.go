// Package writer persists conversation turns transactionally: messages and
// the matching credit deduction either all land or none do. Two modes are
// supported. Reservation mode places a credit hold first, inserts messages,
// and commits the hold into a deduction; any insert failure rolls the hold
// back. Saga mode inserts messages first and compensates by deleting them
// in reverse order when the deduction fails, for deployments whose credit
// backend is idempotent.
//
// The writer is also the buffer's sink: it applies individual pending
// writes and owns the dead letter queue for writes that exhausted their
// attempts.
package writer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/weaveline/loom/runtime/buffer"
	"github.com/weaveline/loom/runtime/credits"
	"github.com/weaveline/loom/runtime/fault"
	"github.com/weaveline/loom/runtime/run"
	"github.com/weaveline/loom/runtime/telemetry"
)

// Mode selects the transactional discipline for SaveTurn.
type Mode string

const (
	// ModeReservation is the default two-phase reserve/commit flow.
	ModeReservation Mode = "reservation"
	// ModeSaga inserts first and compensates on deduction failure.
	ModeSaga Mode = "saga"
)

type (
	// Reserver is the credit hold surface SaveTurn drives.
	Reserver interface {
		Reserve(ctx context.Context, accountID, runID string, amount float64) (*credits.Reservation, error)
		Commit(ctx context.Context, res *credits.Reservation) error
		Rollback(ctx context.Context, res *credits.Reservation) error
	}

	// Ledger records deductions directly. Used by saga mode and by buffered
	// credit_deduction writes.
	Ledger interface {
		Deduct(ctx context.Context, accountID string, amount float64, ref string) error
	}

	// DLQEntry is one dead-lettered write.
	DLQEntry struct {
		ID           string          `json:"id"`
		RunID        string          `json:"run_id"`
		WriteType    string          `json:"write_type"`
		Payload      json.RawMessage `json:"payload"`
		Error        string          `json:"error"`
		AttemptCount int             `json:"attempt_count"`
		CreatedAt    time.Time       `json:"created_at"`
		FailedAt     time.Time       `json:"failed_at"`
	}

	// DLQ is the durable dead letter queue.
	DLQ interface {
		Append(ctx context.Context, e DLQEntry) error
		List(ctx context.Context, limit int) ([]DLQEntry, error)
		Get(ctx context.Context, id string) (DLQEntry, error)
		Update(ctx context.Context, e DLQEntry) error
		Delete(ctx context.Context, id string) error
		Purge(ctx context.Context, olderThan time.Time) (int64, error)
	}

	// TurnRequest is one conversation turn to persist.
	TurnRequest struct {
		RunID        string
		AccountID    string
		ThreadID     string
		Messages     []*run.Message
		CreditAmount float64
	}

	// TurnResult reports the outcome of SaveTurn.
	TurnResult struct {
		Success         bool
		MessagesSaved   int
		CreditsDeducted float64
		TransactionID   string
		Duration        time.Duration
	}

	// Options configures a Writer.
	Options struct {
		// Mode defaults to ModeReservation.
		Mode Mode
		// Logger defaults to a no-op logger.
		Logger telemetry.Logger
		// Metrics defaults to no-op metrics.
		Metrics telemetry.Metrics
		// Clock is injectable for tests. Defaults to time.Now.
		Clock func() time.Time
	}

	// Writer persists turns and pending writes.
	Writer struct {
		messages run.MessageStore
		reserver Reserver
		ledger   Ledger
		dlq      DLQ
		mode     Mode
		logger   telemetry.Logger
		metrics  telemetry.Metrics
		clock    func() time.Time
	}
)

// ErrUnknownWriteKind reports a pending write the writer cannot apply.
var ErrUnknownWriteKind = errors.New("writer: unknown write kind")

// New constructs a Writer.
func New(messages run.MessageStore, reserver Reserver, ledger Ledger, dlq DLQ, opts Options) (*Writer, error) {
	if messages == nil {
		return nil, errors.New("writer: message store is required")
	}
	if reserver == nil {
		return nil, errors.New("writer: credit reserver is required")
	}
	if ledger == nil {
		return nil, errors.New("writer: ledger is required")
	}
	if dlq == nil {
		return nil, errors.New("writer: dead letter queue is required")
	}
	switch opts.Mode {
	case "":
		opts.Mode = ModeReservation
	case ModeReservation, ModeSaga:
	default:
		return nil, fmt.Errorf("writer: unknown mode %q", opts.Mode)
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Writer{
		messages: messages,
		reserver: reserver,
		ledger:   ledger,
		dlq:      dlq,
		mode:     opts.Mode,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		clock:    opts.Clock,
	}, nil
}

// Mode returns the configured transactional mode.
func (w *Writer) Mode() Mode { return w.mode }

// SaveTurn persists the turn's messages and credit deduction as a unit.
func (w *Writer) SaveTurn(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	started := w.clock()
	var (
		res *TurnResult
		err error
	)
	switch w.mode {
	case ModeSaga:
		res, err = w.saveSaga(ctx, req)
	default:
		res, err = w.saveReservation(ctx, req)
	}
	if err != nil {
		w.metrics.IncCounter("loom.writer.turns.failed", 1)
		return nil, err
	}
	res.Duration = w.clock().Sub(started)
	w.metrics.IncCounter("loom.writer.turns.saved", 1)
	w.metrics.RecordTimer("loom.writer.turn.duration", res.Duration)
	return res, nil
}

func (w *Writer) saveReservation(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	var hold *credits.Reservation
	txID := uuid.NewString()
	if req.CreditAmount > 0 {
		var err error
		hold, err = w.reserver.Reserve(ctx, req.AccountID, req.RunID, req.CreditAmount)
		if err != nil {
			if errors.Is(err, credits.ErrInsufficient) {
				return nil, fault.Wrap(fault.KindInsufficientCredits, "credit reservation denied", err)
			}
			return nil, fmt.Errorf("save turn %s: %w", req.RunID, err)
		}
		txID = hold.ID
	}

	if err := w.messages.InsertBatch(ctx, req.Messages); err != nil && !errors.Is(err, run.ErrDuplicate) {
		if hold != nil {
			if rbErr := w.reserver.Rollback(ctx, hold); rbErr != nil {
				w.logger.Error(ctx, "reservation rollback failed",
					"run_id", req.RunID, "reservation_id", hold.ID, "err", rbErr)
			}
		}
		return nil, fault.Wrap(fault.KindPersistence,
			fmt.Sprintf("save turn %s: insert %d messages", req.RunID, len(req.Messages)), err)
	}

	deducted := 0.0
	if hold != nil {
		if err := w.reserver.Commit(ctx, hold); err != nil {
			// Messages are durable; the deduction is recoverable through
			// the dead letter queue.
			w.deadletterDeduction(ctx, req, txID, err)
		} else {
			deducted = req.CreditAmount
		}
	}
	return &TurnResult{
		Success:         true,
		MessagesSaved:   len(req.Messages),
		CreditsDeducted: deducted,
		TransactionID:   txID,
	}, nil
}

func (w *Writer) saveSaga(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	txID := uuid.NewString()
	inserted := make([]string, 0, len(req.Messages))
	compensate := func() {
		for i := len(inserted) - 1; i >= 0; i-- {
			if err := w.messages.Delete(ctx, inserted[i]); err != nil {
				w.logger.Error(ctx, "saga compensation delete failed",
					"run_id", req.RunID, "message_id", inserted[i], "err", err)
			}
		}
	}

	for _, m := range req.Messages {
		if err := w.insert(ctx, m); err != nil {
			compensate()
			return nil, fault.Wrap(fault.KindPersistence,
				fmt.Sprintf("save turn %s: message %d of %d", req.RunID, len(inserted)+1, len(req.Messages)), err)
		}
		inserted = append(inserted, m.ID)
	}

	deducted := 0.0
	if req.CreditAmount > 0 {
		if err := w.ledger.Deduct(ctx, req.AccountID, req.CreditAmount, txID); err != nil {
			compensate()
			return nil, fault.Wrap(fault.KindPersistence,
				fmt.Sprintf("save turn %s: deduction", req.RunID), err)
		}
		deducted = req.CreditAmount
	}
	return &TurnResult{
		Success:         true,
		MessagesSaved:   len(inserted),
		CreditsDeducted: deducted,
		TransactionID:   txID,
	}, nil
}

func (w *Writer) insert(ctx context.Context, m *run.Message) error {
	err := w.messages.Insert(ctx, m)
	if errors.Is(err, run.ErrDuplicate) {
		// Replays after a crash re-apply writes that already landed.
		return nil
	}
	return err
}

func (w *Writer) deadletterDeduction(ctx context.Context, req TurnRequest, txID string, cause error) {
	pw := buffer.PendingWrite{
		ID:    txID,
		Kind:  buffer.WriteCreditDeduction,
		RunID: req.RunID,
		Deduction: &buffer.Deduction{
			AccountID: req.AccountID,
			Amount:    req.CreditAmount,
			Reason:    "turn_commit",
		},
		EnqueuedAt: w.clock(),
		Attempts:   1,
	}
	w.logger.Error(ctx, "deduction commit failed, dead-lettering",
		"run_id", req.RunID, "account_id", req.AccountID, "amount", req.CreditAmount, "err", cause)
	if err := w.Deadletter(ctx, &pw, cause); err != nil {
		w.logger.Error(ctx, "dead letter append failed for deduction",
			"run_id", req.RunID, "err", err)
	}
}

// Apply persists one pending write. It implements buffer.Sink. A nil return
// means the write's effect is durable; replays of already-applied writes
// are treated as success.
func (w *Writer) Apply(ctx context.Context, pw *buffer.PendingWrite) error {
	switch pw.Kind {
	case buffer.WriteMessage:
		if pw.Message == nil {
			return fmt.Errorf("writer: message write %s has no message", pw.ID)
		}
		return w.insert(ctx, pw.Message)
	case buffer.WriteCreditDeduction:
		if pw.Deduction == nil {
			return fmt.Errorf("writer: deduction write %s has no deduction", pw.ID)
		}
		return w.ledger.Deduct(ctx, pw.Deduction.AccountID, pw.Deduction.Amount, pw.ID)
	case buffer.WriteMessageUpdate:
		if pw.Update == nil {
			return fmt.Errorf("writer: update write %s has no update", pw.ID)
		}
		if pw.Update.ToolCalls != nil {
			if err := w.messages.UpdateToolCalls(ctx, pw.Update.MessageID, pw.Update.ToolCalls); err != nil {
				return err
			}
		}
		if pw.Update.MarkOmitted {
			return w.messages.MarkOmitted(ctx, []string{pw.Update.MessageID})
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownWriteKind, pw.Kind)
	}
}

// Deadletter appends an exhausted write to the DLQ. It implements
// buffer.Sink.
func (w *Writer) Deadletter(ctx context.Context, pw *buffer.PendingWrite, cause error) error {
	payload, err := json.Marshal(pw)
	if err != nil {
		return fmt.Errorf("writer: encode dead letter: %w", err)
	}
	entry := DLQEntry{
		ID:           pw.ID,
		RunID:        pw.RunID,
		WriteType:    string(pw.Kind),
		Payload:      payload,
		Error:        cause.Error(),
		AttemptCount: pw.Attempts,
		CreatedAt:    pw.EnqueuedAt,
		FailedAt:     w.clock(),
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if err := w.dlq.Append(ctx, entry); err != nil {
		return fmt.Errorf("writer: append dead letter: %w", err)
	}
	w.metrics.IncCounter("loom.writer.deadletters", 1)
	return nil
}

// ListDeadLetters returns up to limit DLQ entries, oldest first.
func (w *Writer) ListDeadLetters(ctx context.Context, limit int) ([]DLQEntry, error) {
	return w.dlq.List(ctx, limit)
}

// RetryDeadLetter re-applies a dead-lettered write. Success removes the
// entry; failure advances its attempt count and records the latest error.
func (w *Writer) RetryDeadLetter(ctx context.Context, id string) error {
	entry, err := w.dlq.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("writer: retry dead letter %s: %w", id, err)
	}
	var pw buffer.PendingWrite
	if err := json.Unmarshal(entry.Payload, &pw); err != nil {
		return fmt.Errorf("writer: decode dead letter %s: %w", id, err)
	}
	if applyErr := w.Apply(ctx, &pw); applyErr != nil {
		entry.AttemptCount++
		entry.Error = applyErr.Error()
		entry.FailedAt = w.clock()
		if err := w.dlq.Update(ctx, entry); err != nil {
			w.logger.Warn(ctx, "dead letter attempt update failed", "entry_id", id, "err", err)
		}
		return fmt.Errorf("writer: retry dead letter %s: %w", id, applyErr)
	}
	if err := w.dlq.Delete(ctx, id); err != nil {
		return fmt.Errorf("writer: remove retried dead letter %s: %w", id, err)
	}
	w.metrics.IncCounter("loom.writer.deadletters.retried", 1)
	return nil
}

// DeleteDeadLetter removes a DLQ entry without retrying it.
func (w *Writer) DeleteDeadLetter(ctx context.Context, id string) error {
	return w.dlq.Delete(ctx, id)
}

// PurgeDeadLetters removes entries older than the retention cutoff.
func (w *Writer) PurgeDeadLetters(ctx context.Context, olderThan time.Time) (int64, error) {
	return w.dlq.Purge(ctx, olderThan)
}
