package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/reef-io/reef/internal/crypto"
	"github.com/reef-io/reef/internal/db"
	"github.com/reef-io/reef/internal/dbclient"
	"github.com/reef-io/reef/internal/delta"
	"github.com/reef-io/reef/internal/parser"
	"github.com/reef-io/reef/internal/repositories"
	"github.com/reef-io/reef/internal/source"
)

// Target kinds for import profiles.
const (
	TargetDatabase  = "database"
	TargetLocalFile = "localfile"
)

// Row-failure policies.
const (
	PolicyFail     = "fail"
	PolicySkip     = "skip"
	PolicyContinue = "continue"
)

// FetcherFactory opens a source fetcher from plaintext config JSON. Tests
// substitute fakes; production wraps source.New.
type FetcherFactory func(kind db.DestinationKind, configJSON string) (source.Fetcher, error)

// Import runs import profile executions end to end.
type Import struct {
	profiles    repositories.ImportProfileRepository
	connections repositories.ConnectionRepository
	executions  repositories.ExecutionRepository
	states      repositories.DeltaStateRepository
	clients     ClientFactory
	fetchers    FetcherFactory
	secrets     *crypto.Service
	logger      *zap.Logger
}

// ImportConfig wires an Import pipeline.
type ImportConfig struct {
	Profiles    repositories.ImportProfileRepository
	Connections repositories.ConnectionRepository
	Executions  repositories.ExecutionRepository
	States      repositories.DeltaStateRepository
	Clients     ClientFactory
	Fetchers    FetcherFactory
	Secrets     *crypto.Service
	Logger      *zap.Logger
}

// NewImport creates the import pipeline.
func NewImport(cfg ImportConfig) *Import {
	return &Import{
		profiles:    cfg.Profiles,
		connections: cfg.Connections,
		executions:  cfg.Executions,
		states:      cfg.States,
		clients:     cfg.Clients,
		fetchers:    cfg.Fetchers,
		secrets:     cfg.Secrets,
		logger:      cfg.Logger.Named("import"),
	}
}

// importRun carries the mutable state of one run between phases.
type importRun struct {
	profile *db.ImportProfile
	exec    *db.Execution
	clock   *phaseClock
	logger  *zap.Logger

	writer     *dbWriter   // database target
	fileWriter *fileWriter // local-file target
	mapper     *Mapper

	previous      map[string]string // committed delta state
	currentStates []db.DeltaState
	seen          map[string]bool

	batch     []map[string]any
	allRows   []map[string]any // full-replace buffer
	rowErrors []db.RowError

	aborted bool
}

// Run executes one import. The returned execution carries the final status.
func (im *Import) Run(ctx context.Context, profileID uuid.UUID, trigger db.TriggerSource) (*db.Execution, error) {
	profile, err := im.profiles.GetByID(ctx, profileID)
	if err != nil {
		return nil, fmt.Errorf("pipeline: load import profile: %w", err)
	}
	if !profile.Enabled {
		return nil, fmt.Errorf("pipeline: import profile %s is disabled", profile.Code)
	}

	exec := &db.Execution{
		ProfileID:   profile.ID,
		ProfileKind: "import",
		Status:      db.ExecRunning,
		TriggeredBy: trigger,
		StartedAt:   time.Now().UTC(),
	}
	if err := im.executions.Create(ctx, exec); err != nil {
		return nil, fmt.Errorf("pipeline: create execution: %w", err)
	}

	logger := im.logger.With(
		zap.String("profile", profile.Code),
		zap.String("execution_id", exec.ID.String()))
	logger.Info("import started", zap.String("trigger", string(trigger)))

	run := &importRun{
		profile: profile,
		exec:    exec,
		clock:   newPhaseClock(),
		logger:  logger,
		seen:    make(map[string]bool),
	}

	runErr := im.runPhases(ctx, run)

	if len(run.rowErrors) > 0 {
		if err := im.executions.BulkCreateRowErrors(ctx, run.rowErrors); err != nil {
			logger.Error("failed to persist row errors", zap.Error(err))
		}
	}

	now := time.Now().UTC()
	exec.CompletedAt = &now
	exec.CurrentPhase = ""
	exec.PhaseTimings = run.clock.json()
	switch {
	case run.aborted:
		exec.Status = db.ExecAborted
		if runErr != nil {
			exec.Error = runErr.Error()
		}
	case ctx.Err() != nil:
		exec.Status = db.ExecFailed
		exec.Error = "cancelled"
	case runErr != nil:
		exec.Status = db.ExecFailed
		exec.Error = runErr.Error()
	case exec.RowsFailed > 0:
		exec.Status = db.ExecPartialSuccess
	default:
		exec.Status = db.ExecSuccess
	}

	if err := im.executions.Update(ctx, exec); err != nil {
		logger.Error("failed to finalise execution", zap.Error(err))
	}
	if err := im.profiles.UpdateLastExecuted(ctx, profile.ID, now); err != nil {
		logger.Error("failed to stamp last execution", zap.Error(err))
	}

	logger.Info("import finished",
		zap.String("status", string(exec.Status)),
		zap.Int64("read", exec.RowsRead),
		zap.Int64("inserted", exec.RowsInserted),
		zap.Int64("updated", exec.RowsUpdated),
		zap.Int64("failed", exec.RowsFailed))
	return exec, runErr
}

func (im *Import) runPhases(ctx context.Context, run *importRun) error {
	profile := run.profile

	// Target setup.
	var client dbclient.Client
	if strings.EqualFold(profile.TargetKind, TargetDatabase) {
		if profile.TargetConnectionID == nil {
			return fmt.Errorf("pipeline: import %s has no target connection", profile.Code)
		}
		conn, err := im.connections.GetByID(ctx, *profile.TargetConnectionID)
		if err != nil {
			return fmt.Errorf("pipeline: load target connection: %w", err)
		}
		connStr, err := im.secrets.Decrypt(conn.ConnectionString)
		if err != nil {
			return fmt.Errorf("pipeline: decrypt target connection: %w", err)
		}
		client, err = im.clients(conn.Kind, connStr)
		if err != nil {
			return fmt.Errorf("pipeline: open target connection: %w", err)
		}
		defer client.Close()

		mappings, err := ParseMappings(profile.MappingsJSON)
		if err != nil {
			return err
		}
		keyCols := splitCSV(profile.UpsertKeyColumns)
		if len(keyCols) == 0 {
			for _, m := range mappings {
				if m.IsKey {
					keyCols = append(keyCols, m.Target)
				}
			}
		}
		run.writer = newDBWriter(client, conn.Kind, profile.TargetTable, profile.LoadStrategy, keyCols, run.logger)

		// Pre-process.
		preCfg, err := ParseProcessConfig(profile.PreProcessJSON)
		if err != nil {
			return err
		}
		if preCfg != nil {
			if err := run.clock.run("pre_process", run.exec, func() error {
				return runProcess(ctx, client, preCfg)
			}); err != nil {
				return err
			}
		}
	} else {
		path := ExpandFilename(profile.TargetPath, profile.Name, "", profile.TargetFormat, time.Now())
		run.fileWriter = newFileWriter(path, profile.TargetFormat, profile.TargetWriteMode)

		mappings, err := ParseMappings(profile.MappingsJSON)
		if err != nil {
			return err
		}
		run.mapper = NewMapper(mappings, profile.SkipUnmapped, false, nil)
	}

	// Fetch.
	var items []source.Item
	if err := run.clock.run("fetch", run.exec, func() error {
		srcCfg, err := decryptConfig(im.secrets, profile.SourceConfig, string(profile.SourceKind))
		if err != nil {
			return fmt.Errorf("pipeline: source config: %w", err)
		}
		fetcher, err := im.fetchers(profile.SourceKind, srcCfg)
		if err != nil {
			return err
		}
		items, err = source.FetchWithRetry(ctx, fetcher, profile.FilePattern, profile.SelectionRule,
			profile.RetryCount, strings.EqualFold(profile.OnSourceFailure, PolicySkip), run.logger)
		if err != nil {
			return err
		}
		run.logger.Info("fetched source items", zap.Int("count", len(items)))
		return nil
	}); err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}

	// Schema probe, best-effort, feeds auto-mapping for database targets.
	if run.writer != nil {
		var targetColumns []string
		_ = run.clock.run("schema_probe", run.exec, func() error {
			cols, err := run.writer.probeColumns(ctx)
			if err != nil {
				run.logger.Warn("schema probe failed", zap.Error(err))
				return nil
			}
			targetColumns = cols
			return nil
		})
		mappings, _ := ParseMappings(profile.MappingsJSON)
		run.mapper = NewMapper(mappings, profile.SkipUnmapped, profile.AutoMapColumns, targetColumns)
	}

	// Previous delta state.
	if profile.DeltaEnabled {
		if err := run.clock.run("delta_load", run.exec, func() error {
			previous, err := im.states.LoadActive(ctx, profile.ID)
			if err != nil {
				return err
			}
			run.previous = previous
			return nil
		}); err != nil {
			return err
		}
	}

	// Parse, map, filter, write.
	if err := run.clock.run("process_rows", run.exec, func() error {
		return im.processItems(ctx, run, items)
	}); err != nil {
		return err
	}
	if run.aborted {
		return fmt.Errorf("pipeline: aborted after %d failed rows", run.exec.RowsFailed)
	}

	// Full-replace finalise: truncate and reinsert atomically.
	if strings.EqualFold(profile.LoadStrategy, LoadFullReplace) && run.writer != nil {
		if err := run.clock.run("full_replace", run.exec, func() error {
			inserted, err := run.writer.fullReplace(ctx, run.allRows)
			run.exec.RowsInserted = inserted
			return err
		}); err != nil {
			return err
		}
	}
	if run.fileWriter != nil {
		if err := run.clock.run("write_file", run.exec, func() error {
			bytes, err := run.fileWriter.finalize()
			run.exec.BytesTotal = bytes
			run.exec.OutputPath = run.fileWriter.path
			return err
		}); err != nil {
			return err
		}
	}

	// Commit delta state strictly after the writes landed.
	if profile.DeltaEnabled {
		if err := run.clock.run("delta_commit", run.exec, func() error {
			return im.commitDelta(ctx, run)
		}); err != nil {
			return err
		}
	}

	// Archive consumed items, best-effort.
	if profile.ArchiveAfter {
		_ = run.clock.run("archive", run.exec, func() error {
			im.archiveItems(ctx, run, items)
			return nil
		})
	}

	// Delete propagation.
	if profile.DeltaEnabled && profile.DeltaTrackDeletes {
		if err := run.clock.run("apply_deletes", run.exec, func() error {
			return im.applyDeletes(ctx, run)
		}); err != nil {
			return err
		}
	}

	// Post-process.
	if client != nil {
		postCfg, err := ParseProcessConfig(profile.PostProcessJSON)
		if err != nil {
			return err
		}
		if postCfg != nil && (postCfg.OnZeroRows || run.exec.RowsRead > 0) {
			if err := run.clock.run("post_process", run.exec, func() error {
				return runProcess(ctx, client, postCfg)
			}); err != nil {
				if !postCfg.SkipOnFailure {
					return err
				}
				run.logger.Warn("post-process failed, continuing per policy", zap.Error(err))
			}
		}
	}
	return nil
}

// processItems streams every fetched payload through parse, map, delta
// filter, and batched writes with bounded memory.
func (im *Import) processItems(ctx context.Context, run *importRun, items []source.Item) error {
	profile := run.profile

	formatCfg, err := parser.ParseFormatConfig(profile.FormatConfig)
	if err != nil {
		return err
	}
	p, err := parser.New(profile.SourceFormat, formatCfg)
	if err != nil {
		return err
	}

	fullReplace := strings.EqualFold(profile.LoadStrategy, LoadFullReplace)

	for _, item := range items {
		it, err := p.Parse(bytes.NewReader(item.Content))
		if err != nil {
			if strings.EqualFold(profile.OnParseFailure, PolicySkip) {
				run.exec.RowsFailed++
				run.addRowError(0, fmt.Sprintf("payload %s: %v", item.Identifier, err), "")
				continue
			}
			return fmt.Errorf("pipeline: parse %s: %w", item.Identifier, err)
		}

		for {
			row, ok := it.Next()
			if !ok {
				break
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}

			if row.Err != nil {
				run.exec.RowsFailed++
				run.addRowError(row.Line, row.Err.Error(), row.Raw)
				if strings.EqualFold(profile.OnParseFailure, PolicyFail) {
					return fmt.Errorf("pipeline: line %d: %w", row.Line, row.Err)
				}
				if run.checkAbort() {
					return nil
				}
				continue
			}
			if row.Skipped {
				run.exec.RowsSkipped++
				continue
			}
			run.exec.RowsRead++

			mapped, skipped := run.mapper.Apply(row.Columns)
			if skipped {
				run.exec.RowsSkipped++
				continue
			}

			if profile.DeltaEnabled && !im.deltaAdmit(run, mapped) {
				run.exec.RowsSkipped++
				continue
			}

			run.batch = append(run.batch, mapped)
			if fullReplace {
				if len(run.batch) > 0 {
					run.allRows = append(run.allRows, run.batch...)
					run.batch = run.batch[:0]
				}
				continue
			}
			if len(run.batch) >= batchSize(profile.BatchSize) {
				if err := im.flushBatch(ctx, run); err != nil {
					return err
				}
				if run.aborted {
					return nil
				}
			}
		}
	}

	if !fullReplace && len(run.batch) > 0 {
		return im.flushBatch(ctx, run)
	}
	return nil
}

// deltaAdmit reports whether a mapped row passes the change filter and
// records its state for commit. Rows without a readable reef id are written
// but not tracked.
func (im *Import) deltaAdmit(run *importRun, row map[string]any) bool {
	profile := run.profile
	raw, ok := lookupValue(row, profile.DeltaReefIDColumn)
	if !ok || raw == nil || fmt.Sprintf("%v", raw) == "" {
		return true
	}
	reefID := fmt.Sprintf("%v", raw)
	if run.seen[reefID] {
		return false
	}
	run.seen[reefID] = true

	hash := delta.HashCanonical(profile.DeltaHashAlgorithm, importCanonical(row))
	if prev, existed := run.previous[reefID]; existed && prev == hash {
		return false
	}

	now := time.Now().UTC()
	run.currentStates = append(run.currentStates, db.DeltaState{
		ProfileID:           profile.ID,
		ReefID:              reefID,
		RowHash:             hash,
		FirstSeenAt:         now,
		LastSeenAt:          now,
		LastSeenExecutionID: run.exec.ID,
	})
	return true
}

func (im *Import) flushBatch(ctx context.Context, run *importRun) error {
	if len(run.batch) == 0 {
		return nil
	}
	batch := run.batch
	run.batch = nil

	if run.fileWriter != nil {
		run.fileWriter.add(batch)
		run.exec.RowsInserted += int64(len(batch))
		return nil
	}

	inserted, updated, err := run.writer.flush(ctx, batch)
	if err != nil {
		switch strings.ToLower(run.profile.OnRowFailure) {
		case PolicySkip, PolicyContinue:
			run.exec.RowsFailed += int64(len(batch))
			run.addRowError(0, err.Error(), "")
			run.logger.Warn("batch write failed, continuing per policy",
				zap.Int("rows", len(batch)), zap.Error(err))
			run.checkAbort()
			return nil
		default:
			return err
		}
	}
	run.exec.RowsInserted += inserted
	run.exec.RowsUpdated += updated
	return nil
}

func (im *Import) commitDelta(ctx context.Context, run *importRun) error {
	if len(run.currentStates) == 0 {
		run.logger.Warn("delta sync enabled but no rows were tracked; check the reef id column configuration",
			zap.String("reef_id_column", run.profile.DeltaReefIDColumn))
		return nil
	}
	if err := im.states.UpsertBatch(ctx, run.currentStates, delta.CommitBatchLimit); err != nil {
		return fmt.Errorf("pipeline: commit delta state: %w", err)
	}
	return nil
}

func (im *Import) applyDeletes(ctx context.Context, run *importRun) error {
	var deleted []string
	for reefID := range run.previous {
		if !run.seen[reefID] {
			deleted = append(deleted, reefID)
		}
	}
	if len(deleted) == 0 {
		return nil
	}
	sort.Strings(deleted)

	if run.writer != nil {
		var (
			affected int64
			err      error
		)
		if strings.EqualFold(run.profile.DeltaDeleteStrategy, "hard") {
			affected, err = run.writer.hardDelete(ctx, run.profile.DeltaReefIDColumn, deleted)
		} else {
			if run.profile.DeltaDeleteColumn == "" {
				return fmt.Errorf("pipeline: soft delete requires a delete flag column")
			}
			affected, err = run.writer.softDelete(ctx, run.profile.DeltaReefIDColumn, run.profile.DeltaDeleteColumn, deleted)
		}
		if err != nil {
			return err
		}
		run.exec.RowsDeleted = affected
	}

	if err := im.states.MarkDeleted(ctx, run.profile.ID, deleted, time.Now().UTC()); err != nil {
		return fmt.Errorf("pipeline: mark deleted state: %w", err)
	}
	return nil
}

func (im *Import) archiveItems(ctx context.Context, run *importRun, items []source.Item) {
	srcCfg, err := decryptConfig(im.secrets, run.profile.SourceConfig, string(run.profile.SourceKind))
	if err != nil {
		run.logger.Error("archive skipped: source config", zap.Error(err))
		return
	}
	fetcher, err := im.fetchers(run.profile.SourceKind, srcCfg)
	if err != nil {
		run.logger.Error("archive skipped", zap.Error(err))
		return
	}
	for _, item := range items {
		if err := fetcher.Archive(ctx, item.Identifier, run.profile.ArchivePath); err != nil {
			run.logger.Warn("archive failed",
				zap.String("identifier", item.Identifier), zap.Error(err))
		}
	}
}

func (r *importRun) addRowError(line int64, message, raw string) {
	r.rowErrors = append(r.rowErrors, db.RowError{
		ExecutionID: r.exec.ID,
		LineNumber:  line,
		Message:     message,
		RawRow:      raw,
	})
}

// checkAbort evaluates the failed-row thresholds; returns true when the run
// crossed one and must stop with an aborted status.
func (r *importRun) checkAbort() bool {
	exec := r.exec
	if r.profile.MaxFailedRows > 0 && exec.RowsFailed >= int64(r.profile.MaxFailedRows) {
		r.aborted = true
	}
	total := exec.RowsRead + exec.RowsFailed
	if r.profile.MaxFailedRowsPercent > 0 && total > 0 {
		pct := float64(exec.RowsFailed) / float64(total) * 100
		if pct >= r.profile.MaxFailedRowsPercent {
			r.aborted = true
		}
	}
	return r.aborted
}

// importCanonical is the import-side row canonicalisation: sorted key=value
// pairs. The export engine's richer normalisation is unnecessary here because
// parsed values are already strings.
func importCanonical(row map[string]any) string {
	keys := make([]string, 0, len(row))
	for k := range row {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteByte('=')
		if v := row[k]; v != nil {
			sb.WriteString(fmt.Sprintf("%v", v))
		} else {
			sb.WriteString("NULL")
		}
		sb.WriteByte(';')
	}
	return sb.String()
}

func batchSize(configured int) int {
	if configured <= 0 {
		return 500
	}
	return configured
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
