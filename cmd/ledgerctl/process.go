package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/JonMunkholm/ledgerclose/internal/catalog"
	"github.com/JonMunkholm/ledgerclose/internal/core"
	"github.com/JonMunkholm/ledgerclose/internal/incidence"
	"github.com/JonMunkholm/ledgerclose/internal/logging"
	"github.com/JonMunkholm/ledgerclose/internal/snapshot"
	"github.com/JonMunkholm/ledgerclose/internal/store/memory"
)

var errUploadFailed = errors.New("upload failed")

type processOptions struct {
	file      string
	seed      string
	clientID  int64
	period    string
	user      string
	tolerance string
	timeout   time.Duration
}

// processReport is what process prints.
type processReport struct {
	Upload     core.UploadStatus `json:"upload"`
	Incidences *snapshot.View    `json:"incidences,omitempty"`
}

func newProcessCommand() *cobra.Command {
	var opts processOptions

	cmd := &cobra.Command{
		Use:   "process",
		Short: "Run a ledger workbook through the whole pipeline and print its incidences",
		Long: `process seeds an in-memory store from a YAML catalog, uploads the
workbook and waits for its chain to finish. Client and period default to
the ones in the file name.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProcess(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.file, "file", "", "ledger workbook (required)")
	_ = cmd.MarkFlagRequired("file")
	cmd.Flags().StringVar(&opts.seed, "seed", "", "YAML catalog seed (required)")
	_ = cmd.MarkFlagRequired("seed")
	cmd.Flags().Int64Var(&opts.clientID, "client", 0, "client ID (default: from the file name)")
	cmd.Flags().StringVar(&opts.period, "period", "", "period as YYYYMM (default: from the file name)")
	cmd.Flags().StringVar(&opts.user, "user", "ledgerctl", "operator recorded on the upload")
	cmd.Flags().StringVar(&opts.tolerance, "tolerance", "0.01", "largest balance discrepancy treated as balanced")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 2*time.Minute, "how long to wait for the chain")

	return cmd
}

func runProcess(cmd *cobra.Command, opts processOptions) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
	defer cancel()

	tolerance, err := decimal.NewFromString(opts.tolerance)
	if err != nil {
		return fmt.Errorf("invalid --tolerance: %w", err)
	}

	if opts.clientID == 0 || opts.period == "" {
		parsed, err := core.ParseFileName(filepath.Base(opts.file))
		if err != nil {
			return fmt.Errorf("pass --client and --period or use a conforming file name: %w", err)
		}
		if opts.clientID == 0 {
			opts.clientID = parsed.ClientID
		}
		if opts.period == "" {
			opts.period = parsed.Period.String()
		}
	}

	cat, err := catalog.LoadFile(opts.seed)
	if err != nil {
		return err
	}
	st := memory.New()
	if err := catalog.Apply(ctx, st, cat); err != nil {
		return err
	}

	files := core.NewMemoryFileStore()
	engine := incidence.NewEngine(st, incidence.Options{Tolerance: tolerance})
	snapshots := snapshot.NewService(st, snapshot.NewMemoryCache(), engine)
	pipeline := core.NewPipeline(st, files, engine, snapshots, core.PipelineOptions{})
	limiter := core.NewUploadLimiter(1, time.Second)
	dispatcher := core.NewDispatcher(pipeline, limiter, core.DispatcherOptions{Workers: 1})
	svc := core.NewService(st, files, snapshots, pipeline, dispatcher, limiter)

	dispatcher.Start(ctx)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := svc.Shutdown(shutdownCtx); err != nil {
			logging.FromContext(ctx).Warn("dispatcher shutdown", "error", err)
		}
	}()

	f, err := os.Open(opts.file)
	if err != nil {
		return err
	}
	defer f.Close()

	ticket, err := svc.StartUpload(ctx, core.UploadRequest{
		FileName: opts.file,
		ClientID: opts.clientID,
		Period:   opts.period,
		UserID:   opts.user,
		Body:     f,
	})
	if err != nil {
		return fmt.Errorf("%s: %w", core.FormatUserError(err), err)
	}

	status, err := waitTerminal(ctx, svc, ticket)
	if err != nil {
		return err
	}

	report := processReport{Upload: status}
	if status.Error == nil {
		view, err := svc.Incidences(ctx, ticket.ClosureID, false)
		if err != nil {
			return err
		}
		report.Incidences = &view
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return err
	}
	if status.Error != nil {
		return fmt.Errorf("%w: %s (%s)", errUploadFailed, status.Error.Message, status.Error.Code)
	}
	return nil
}

// waitTerminal polls the upload until its chain finishes or ctx expires.
func waitTerminal(ctx context.Context, svc *core.Service, ticket core.UploadTicket) (core.UploadStatus, error) {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		status, err := svc.Status(ctx, ticket.UploadID)
		if err != nil {
			return core.UploadStatus{}, err
		}
		if status.State.Terminal() {
			return status, nil
		}
		select {
		case <-ctx.Done():
			return status, fmt.Errorf("upload %s stuck in %s: %w", ticket.UploadID, status.State, ctx.Err())
		case <-ticker.C:
		}
	}
}

func setupLogging(cmd *cobra.Command, level string) {
	logging.SetupWriter(cmd.ErrOrStderr(), level, "text")
}
