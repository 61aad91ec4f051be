package core

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"

	"github.com/JonMunkholm/ledgerclose/internal/model"
	"github.com/JonMunkholm/ledgerclose/internal/parser"
	"github.com/JonMunkholm/ledgerclose/internal/resolver"
	"github.com/JonMunkholm/ledgerclose/internal/snapshot"
	"github.com/JonMunkholm/ledgerclose/internal/store"
)

var (
	ErrFileTooLarge     = errors.New("file too large")
	ErrEmptyFile        = errors.New("empty file")
	ErrNotWorkbook      = errors.New("not an xlsx workbook")
	ErrHashMismatch     = errors.New("file hash mismatch")
	ErrFilenameMismatch = errors.New("file name does not match upload")
	ErrClientNotFound   = errors.New("client not found")
	ErrNoAccountBlocks  = errors.New("no opening balance markers found")
)

// zipMagic opens every .xlsx file.
var zipMagic = []byte("PK\x03\x04")

// validateName checks the file name contract against the upload's client
// and period, and that the client exists in the catalog.
func (p *Pipeline) validateName(ctx context.Context, rec model.UploadRecord) (stageOutput, error) {
	fn, err := ParseFileName(rec.FileName)
	if err != nil {
		return stageOutput{}, err
	}
	if fn.ClientID != rec.ClientID {
		return stageOutput{}, fmt.Errorf("%w: file is for client %d, upload is for client %d", ErrFilenameMismatch, fn.ClientID, rec.ClientID)
	}
	if fn.Period != rec.Period {
		return stageOutput{}, fmt.Errorf("%w: file is for period %s, upload is for period %s", ErrFilenameMismatch, fn.Period, rec.Period)
	}
	if _, err := p.st.GetClient(ctx, rec.ClientID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return stageOutput{}, fmt.Errorf("client %d: %w", rec.ClientID, ErrClientNotFound)
		}
		return stageOutput{}, err
	}
	return stageOutput{result: model.NameCheck{
		FileName: rec.FileName,
		ClientID: fn.ClientID,
		Period:   fn.Period.String(),
	}}, nil
}

// readFile loads the upload's bytes, bounded by MaxFileSize.
func (p *Pipeline) readFile(ctx context.Context, rec model.UploadRecord) ([]byte, error) {
	rc, err := p.files.Open(ctx, rec.FileKey)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, p.opts.MaxFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	if int64(len(data)) > p.opts.MaxFileSize {
		return nil, fmt.Errorf("%w: exceeds %d bytes", ErrFileTooLarge, p.opts.MaxFileSize)
	}
	return data, nil
}

// verifyFile re-reads the stored bytes, checks them against the hash taken
// at upload time and makes sure they open as a workbook.
func (p *Pipeline) verifyFile(ctx context.Context, rec model.UploadRecord) (stageOutput, error) {
	data, err := p.readFile(ctx, rec)
	if err != nil {
		return stageOutput{}, err
	}
	if len(data) == 0 {
		return stageOutput{}, ErrEmptyFile
	}

	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])
	if rec.FileHash != "" && rec.FileHash != digest {
		return stageOutput{}, fmt.Errorf("%w: stored %s, read %s", ErrHashMismatch, rec.FileHash, digest)
	}
	if !bytes.HasPrefix(data, zipMagic) {
		return stageOutput{}, fmt.Errorf("%w: missing zip signature", ErrNotWorkbook)
	}

	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return stageOutput{}, fmt.Errorf("%w: %v", ErrNotWorkbook, err)
	}
	defer f.Close()
	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return stageOutput{}, parser.ErrNoSheets
	}

	return stageOutput{result: model.FileCheck{
		SizeBytes: int64(len(data)),
		SHA256:    digest,
		Sheets:    sheets,
	}}, nil
}

func (p *Pipeline) parserOptions(rec model.UploadRecord) parser.Options {
	return parser.Options{
		ClosureID:           rec.ClosureID,
		Iteration:           rec.Iteration,
		Period:              rec.Period,
		MaxHeaderSearchRows: p.opts.MaxHeaderSearchRows,
	}
}

// validateContent resolves the header into a schema and checks the sheet
// has account blocks. Nothing is written.
func (p *Pipeline) validateContent(ctx context.Context, rec model.UploadRecord) (stageOutput, error) {
	data, err := p.readFile(ctx, rec)
	if err != nil {
		return stageOutput{}, err
	}
	layout, err := parser.Inspect(bytes.NewReader(data), p.parserOptions(rec))
	if err != nil {
		return stageOutput{}, err
	}
	if layout.Openings == 0 {
		return stageOutput{}, fmt.Errorf("%w in sheet %q", ErrNoAccountBlocks, layout.Sheet)
	}
	return stageOutput{result: model.ContentCheck{
		Sheet:     layout.Sheet,
		HeaderRow: layout.HeaderRow,
		Columns:   layout.Schema.Columns(),
		DataRows:  layout.DataRows,
		Openings:  layout.Openings,
	}}, nil
}

// parse turns the sheet into openings and movements and replaces the
// closure's ledger with them in one transaction.
func (p *Pipeline) parse(ctx context.Context, rec model.UploadRecord) (stageOutput, error) {
	data, err := p.readFile(ctx, rec)
	if err != nil {
		return stageOutput{}, err
	}

	res := resolver.New(p.st, rec.ClientID)
	result, err := parser.Parse(ctx, bytes.NewReader(data), res, p.parserOptions(rec))
	if err != nil {
		return stageOutput{}, err
	}
	if err := p.st.ReplaceLedger(ctx, rec.ClosureID, rec.Iteration, result.Openings, result.Movements); err != nil {
		return stageOutput{}, fmt.Errorf("replace ledger: %w", err)
	}

	rowErrors := result.Errors
	if len(rowErrors) > p.opts.MaxRowErrors {
		rowErrors = rowErrors[:p.opts.MaxRowErrors]
	}
	if rowErrors == nil {
		rowErrors = []model.RowError{}
	}
	return stageOutput{
		result: model.ParseOutcome{
			MovementsCreated: len(result.Movements),
			Processing:       result.Summary,
		},
		rowErrors: rowErrors,
	}, nil
}

// detect runs the incidence engine and replaces the closure's incidences.
func (p *Pipeline) detect(ctx context.Context, rec model.UploadRecord) (stageOutput, error) {
	res, err := p.engine.Detect(ctx, rec.ClosureID)
	if err != nil {
		return stageOutput{}, err
	}
	if err := p.st.ReplaceIncidences(ctx, rec.ClosureID, rec.Iteration, res.Incidences); err != nil {
		return stageOutput{}, fmt.Errorf("replace incidences: %w", err)
	}
	return stageOutput{result: model.DetectionOutcome{Counts: res.Counts()}}, nil
}

// finalize builds the snapshot and moves the closure to its outcome state.
func (p *Pipeline) finalize(ctx context.Context, rec model.UploadRecord) (stageOutput, error) {
	snap, err := p.snapshots.Build(ctx, rec.ID)
	if err != nil {
		return stageOutput{}, fmt.Errorf("build snapshot: %w", err)
	}
	state := model.ClosureReconciled
	if snap.Total > 0 {
		state = model.ClosureWithIncidences
	}
	if err := p.st.SetClosureState(ctx, rec.ClosureID, state); err != nil {
		return stageOutput{}, fmt.Errorf("set closure state: %w", err)
	}
	return stageOutput{result: snapshot.Summarize(snap)}, nil
}
