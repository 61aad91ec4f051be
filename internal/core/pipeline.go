package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/JonMunkholm/ledgerclose/internal/incidence"
	"github.com/JonMunkholm/ledgerclose/internal/logging"
	"github.com/JonMunkholm/ledgerclose/internal/model"
	"github.com/JonMunkholm/ledgerclose/internal/snapshot"
	"github.com/JonMunkholm/ledgerclose/internal/store"
)

var (
	// ErrInvalidTransition is returned when a stage is invoked on a record
	// that is not in the stage's predecessor state.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrUploadFailed is returned when a stage is invoked on a record in
	// the error state. A reprocess is required.
	ErrUploadFailed = errors.New("upload is in error state")
)

// StructuralError is a stage failure that aborts the chain.
type StructuralError struct {
	Stage model.State
	Err   error
}

func (e *StructuralError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e *StructuralError) Unwrap() error {
	return e.Err
}

// PipelineOptions tunes stage behavior.
type PipelineOptions struct {
	MaxFileSize         int64
	MaxRowErrors        int
	MaxHeaderSearchRows int
}

// Defaults used when options are zero.
const (
	DefaultMaxFileSize  = 50 << 20
	DefaultMaxRowErrors = 500
)

// stageOutput is what a stage hands to the commit.
type stageOutput struct {
	result    model.StageResult
	rowErrors []model.RowError // replaces the record's errors when non-nil
}

type stageFunc func(ctx context.Context, rec model.UploadRecord) (stageOutput, error)

// Pipeline runs the stages of an upload chain. Every stage reads the
// record, does one unit of work and commits its result and the state
// advance in one locked update. The record in the store is the only
// state carried between stages.
type Pipeline struct {
	st        store.Store
	files     FileStore
	engine    *incidence.Engine
	snapshots *snapshot.Service
	opts      PipelineOptions

	stages map[model.State]stageFunc
}

// NewPipeline wires the stages.
func NewPipeline(st store.Store, files FileStore, engine *incidence.Engine, snapshots *snapshot.Service, opts PipelineOptions) *Pipeline {
	if opts.MaxFileSize <= 0 {
		opts.MaxFileSize = DefaultMaxFileSize
	}
	if opts.MaxRowErrors <= 0 {
		opts.MaxRowErrors = DefaultMaxRowErrors
	}
	p := &Pipeline{st: st, files: files, engine: engine, snapshots: snapshots, opts: opts}
	p.stages = map[model.State]stageFunc{
		model.StateNameValidated:       p.validateName,
		model.StateFileVerified:        p.verifyFile,
		model.StateContentValidated:    p.validateContent,
		model.StateParsed:              p.parse,
		model.StateIncidencesGenerated: p.detect,
		model.StateFinalized:           p.finalize,
	}
	return p
}

// RunStage advances the upload to target. It is a no-op when the record
// already reached target. A stage failure moves the record to the error
// state and is returned as a *StructuralError.
func (p *Pipeline) RunStage(ctx context.Context, uploadID uuid.UUID, target model.State) error {
	run, ok := p.stages[target]
	if !ok {
		return fmt.Errorf("%w: no stage produces %q", ErrInvalidTransition, target)
	}
	prev, _ := target.Previous()

	rec, err := p.st.GetUpload(ctx, uploadID)
	if err != nil {
		return fmt.Errorf("load upload: %w", err)
	}
	ctx, logger := logging.ForUpload(ctx, rec.ID, rec.ClosureID, string(target))

	switch {
	case rec.State == model.StateError:
		return ErrUploadFailed
	case rec.State.AtLeast(target):
		logger.Debug("stage already completed", "state", rec.State)
		return nil
	case rec.State != prev:
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, rec.State, target)
	}

	start := time.Now()
	logger.Info("stage started", "iteration", rec.Iteration)

	out, err := run(ctx, rec)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			// Shutdown: leave the record where it is so the chain resumes.
			logger.Warn("stage interrupted", "error", err)
			return err
		}
		p.fail(ctx, uploadID, target, err)
		return &StructuralError{Stage: target, Err: err}
	}

	_, err = p.st.UpdateUpload(ctx, uploadID, func(r *model.UploadRecord) error {
		if r.State != prev {
			return fmt.Errorf("%w: expected %s, found %s", store.ErrStaleState, prev, r.State)
		}
		r.Summary.Merge(out.result)
		if out.rowErrors != nil {
			r.Errors = out.rowErrors
		}
		r.State = target
		return nil
	})
	if err != nil {
		return fmt.Errorf("commit stage %s: %w", target, err)
	}

	logger.Info("stage completed", "duration_ms", time.Since(start).Milliseconds())
	return nil
}

// Step runs the stage that follows the record's current state and returns
// the state reached. Terminal records are returned unchanged.
func (p *Pipeline) Step(ctx context.Context, uploadID uuid.UUID) (model.State, error) {
	rec, err := p.st.GetUpload(ctx, uploadID)
	if err != nil {
		return "", fmt.Errorf("load upload: %w", err)
	}
	next, ok := rec.State.Next()
	if !ok {
		return rec.State, nil
	}
	if err := p.RunStage(ctx, uploadID, next); err != nil {
		var se *StructuralError
		if errors.As(err, &se) {
			return model.StateError, err
		}
		return rec.State, err
	}
	return next, nil
}

// Run drives the chain synchronously until it reaches a terminal state.
func (p *Pipeline) Run(ctx context.Context, uploadID uuid.UUID) (model.State, error) {
	for {
		state, err := p.Step(ctx, uploadID)
		if err != nil || state.Terminal() {
			return state, err
		}
	}
}

// fail records a stage failure. It runs on a context detached from the
// stage's deadline so a timed-out stage can still be marked.
func (p *Pipeline) fail(ctx context.Context, uploadID uuid.UUID, stage model.State, cause error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	logger := logging.FromContext(ctx)
	msg := MapError(cause)
	logger.Error("stage failed", "error", cause, "code", msg.Code)

	rec, err := p.st.UpdateUpload(ctx, uploadID, func(r *model.UploadRecord) error {
		r.State = model.StateError
		r.Failure = fmt.Sprintf("%s: %v", stage, cause)
		return nil
	})
	if err != nil {
		logger.Error("failed to record stage failure", "error", err)
		return
	}
	if err := p.st.SetClosureState(ctx, rec.ClosureID, model.ClosureOpen); err != nil {
		logger.Warn("failed to reset closure state", "error", err)
	}
}

// MarkFailed moves an active upload to the error state with cause. Used by
// the stale-chain sweeper.
func (p *Pipeline) MarkFailed(ctx context.Context, uploadID uuid.UUID, cause error) {
	rec, err := p.st.GetUpload(ctx, uploadID)
	if err != nil || rec.State.Terminal() {
		return
	}
	next, _ := rec.State.Next()
	p.fail(ctx, uploadID, next, cause)
}
