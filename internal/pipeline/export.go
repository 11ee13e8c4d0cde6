// Package pipeline orchestrates profile export and import runs: the phase
// sequences, failure accounting, and status derivation that sit between the
// scheduler and the leaf services (dbclient, parser, delta, destination,
// source, email).
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/reef-io/reef/internal/crypto"
	"github.com/reef-io/reef/internal/db"
	"github.com/reef-io/reef/internal/dbclient"
	"github.com/reef-io/reef/internal/delta"
	"github.com/reef-io/reef/internal/destination"
	"github.com/reef-io/reef/internal/notification"
	"github.com/reef-io/reef/internal/repositories"
	"github.com/reef-io/reef/internal/template"
	"github.com/reef-io/reef/internal/throttle"
)

// Deliverer is the destination dispatcher capability the export pipeline
// needs. *destination.Dispatcher satisfies it.
type Deliverer interface {
	Save(ctx context.Context, sourcePath string, kind db.DestinationKind, configJSON string, maxRetries int) (*destination.SaveResult, error)
	Compensate(ctx context.Context, finalPath string, kind db.DestinationKind, configJSON string) error
}

// ClientFactory opens a database client for a connection. Tests substitute
// fakes; production wraps dbclient.New.
type ClientFactory func(kind db.ConnectionKind, connectionString string) (dbclient.Client, error)

// SplitOutcome reports one split artifact or one sent email.
type SplitOutcome struct {
	Key      string
	Status   db.ExecStatus
	RowCount int64
	Error    string
}

// EmailExporter sends an export as email instead of writing files. The email
// subsystem provides the production implementation.
type EmailExporter interface {
	Export(ctx context.Context, profile *db.Profile, columns []string, rows []map[string]any, destConfigJSON string) ([]SplitOutcome, error)
}

// deliveredArtifact tracks what Save produced, for saga compensation.
type deliveredArtifact struct {
	finalPath  string
	kind       db.DestinationKind
	configJSON string
}

// Export runs profile export executions end to end.
type Export struct {
	profiles     repositories.ProfileRepository
	connections  repositories.ConnectionRepository
	destinations repositories.DestinationRepository
	executions   repositories.ExecutionRepository
	delta        *delta.Engine
	deliver      Deliverer
	clients      ClientFactory
	renderer     template.Renderer
	email        EmailExporter
	notifier     *notification.Notifier
	secrets      *crypto.Service
	tempRoot     string
	logger       *zap.Logger
}

// ExportConfig wires an Export pipeline.
type ExportConfig struct {
	Profiles     repositories.ProfileRepository
	Connections  repositories.ConnectionRepository
	Destinations repositories.DestinationRepository
	Executions   repositories.ExecutionRepository
	Delta        *delta.Engine
	Deliverer    Deliverer
	Clients      ClientFactory
	Renderer     template.Renderer
	Email        EmailExporter
	Notifier     *notification.Notifier
	Secrets      *crypto.Service
	TempRoot     string
	Logger       *zap.Logger
}

// NewExport creates the export pipeline.
func NewExport(cfg ExportConfig) *Export {
	if cfg.TempRoot == "" {
		cfg.TempRoot = os.TempDir()
	}
	return &Export{
		profiles:     cfg.Profiles,
		connections:  cfg.Connections,
		destinations: cfg.Destinations,
		executions:   cfg.Executions,
		delta:        cfg.Delta,
		deliver:      cfg.Deliverer,
		clients:      cfg.Clients,
		renderer:     cfg.Renderer,
		email:        cfg.Email,
		notifier:     cfg.Notifier,
		secrets:      cfg.Secrets,
		tempRoot:     cfg.TempRoot,
		logger:       cfg.Logger.Named("export"),
	}
}

// phaseClock records per-phase elapsed milliseconds for the execution record.
type phaseClock struct {
	timings map[string]int64
}

func newPhaseClock() *phaseClock { return &phaseClock{timings: make(map[string]int64)} }

func (p *phaseClock) run(name string, exec *db.Execution, fn func() error) error {
	exec.CurrentPhase = name
	start := time.Now()
	err := fn()
	p.timings[name] = time.Since(start).Milliseconds()
	return err
}

func (p *phaseClock) json() string {
	b, err := json.Marshal(p.timings)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// Run executes one profile export. The returned execution carries the final
// status; the error mirrors it for callers that branch on failure.
func (e *Export) Run(ctx context.Context, profileID uuid.UUID, trigger db.TriggerSource) (*db.Execution, error) {
	profile, err := e.profiles.GetByID(ctx, profileID)
	if err != nil {
		return nil, fmt.Errorf("pipeline: load profile: %w", err)
	}
	if !profile.Enabled {
		return nil, fmt.Errorf("pipeline: profile %s is disabled", profile.Code)
	}

	exec := &db.Execution{
		ProfileID:   profile.ID,
		ProfileKind: "export",
		Status:      db.ExecRunning,
		TriggeredBy: trigger,
		StartedAt:   time.Now().UTC(),
	}
	if err := e.executions.Create(ctx, exec); err != nil {
		return nil, fmt.Errorf("pipeline: create execution: %w", err)
	}

	logger := e.logger.With(
		zap.String("profile", profile.Code),
		zap.String("execution_id", exec.ID.String()))
	logger.Info("export started", zap.String("trigger", string(trigger)))

	clock := newPhaseClock()
	runErr := e.runPhases(ctx, profile, exec, clock, logger)

	now := time.Now().UTC()
	exec.CompletedAt = &now
	exec.CurrentPhase = ""
	exec.PhaseTimings = clock.json()
	if runErr != nil && exec.Status == db.ExecRunning {
		exec.Status = db.ExecFailed
		exec.Error = runErr.Error()
	} else if exec.Status == db.ExecRunning {
		exec.Status = db.ExecSuccess
	}
	if ctx.Err() != nil {
		exec.Status = db.ExecFailed
		exec.Error = "cancelled"
	}

	if err := e.executions.Update(ctx, exec); err != nil {
		logger.Error("failed to finalise execution", zap.Error(err))
	}
	if err := e.profiles.UpdateLastExecuted(ctx, profile.ID, now); err != nil {
		logger.Error("failed to stamp last execution", zap.Error(err))
	}

	e.notify(ctx, profile, exec)
	logger.Info("export finished",
		zap.String("status", string(exec.Status)),
		zap.Int64("rows", exec.RowsRead))
	return exec, runErr
}

func (e *Export) runPhases(ctx context.Context, profile *db.Profile, exec *db.Execution, clock *phaseClock, logger *zap.Logger) error {
	conn, err := e.connections.GetByID(ctx, profile.ConnectionID)
	if err != nil {
		return fmt.Errorf("pipeline: load connection: %w", err)
	}
	connStr, err := e.secrets.Decrypt(conn.ConnectionString)
	if err != nil {
		return fmt.Errorf("pipeline: decrypt connection: %w", err)
	}
	client, err := e.clients(conn.Kind, connStr)
	if err != nil {
		return fmt.Errorf("pipeline: open connection: %w", err)
	}
	defer client.Close()

	// Pre-process.
	preCfg, err := ParseProcessConfig(profile.PreProcessJSON)
	if err != nil {
		return err
	}
	if preCfg != nil {
		if err := clock.run("pre_process", exec, func() error {
			return runProcess(ctx, client, preCfg)
		}); err != nil {
			return err
		}
	}

	// Query.
	var result *dbclient.Result
	if err := clock.run("query", exec, func() error {
		var qErr error
		result, qErr = dbclient.QueryWithRetry(ctx, client, profile.Query, 0, dbclient.DefaultMaxRetries, logger)
		return qErr
	}); err != nil {
		return fmt.Errorf("pipeline: query: %w", err)
	}
	exec.RowsRead = int64(len(result.Rows))

	rows := result.Rows

	// Delta classify. State stays in memory until after delivery.
	var classification *delta.Classification
	deltaCfg := deltaConfigFromProfile(profile)
	if profile.DeltaEnabled {
		if err := clock.run("delta_classify", exec, func() error {
			var dErr error
			classification, dErr = e.delta.Classify(ctx, profile.ID, rows, deltaCfg)
			return dErr
		}); err != nil {
			return err
		}
		rows = rowsFromDelta(classification.Emit())
		exec.RowsSkipped = int64(len(classification.Unchanged) + classification.Skipped)
		logger.Info("delta classified",
			zap.Int("new", len(classification.New)),
			zap.Int("changed", len(classification.Changed)),
			zap.Int("unchanged", len(classification.Unchanged)),
			zap.Int("deleted", len(classification.Deleted)))
	}

	var (
		delivered []deliveredArtifact
		outcomes  []SplitOutcome
	)

	if profile.IsEmailExport {
		outcomes, err = e.runEmail(ctx, profile, exec, clock, result.Columns, rows)
		if err != nil {
			return err
		}
	} else {
		delivered, outcomes, err = e.runFileDelivery(ctx, profile, exec, clock, client, conn.Kind, result.Columns, rows, logger)
		if err != nil {
			return err
		}
	}

	exec.Status = statusFromOutcomes(outcomes, exec.Status)

	// Commit delta strictly after delivery: a failed run must leave previous
	// state untouched so the next run re-detects the same rows.
	if classification != nil && exec.Status != db.ExecFailed {
		if err := clock.run("delta_commit", exec, func() error {
			return e.delta.Commit(ctx, profile.ID, exec.ID, classification, deltaCfg)
		}); err != nil {
			return err
		}
		exec.RowsDeleted = int64(len(classification.Deleted))
	}

	// Post-process.
	postCfg, err := ParseProcessConfig(profile.PostProcessJSON)
	if err != nil {
		return err
	}
	if postCfg != nil && (postCfg.OnZeroRows || exec.RowsRead > 0) {
		if err := clock.run("post_process", exec, func() error {
			return runProcess(ctx, client, postCfg)
		}); err != nil {
			if postCfg.RollbackOnFailure {
				e.compensateAll(ctx, delivered, logger)
				exec.Status = db.ExecFailed
				return fmt.Errorf("pipeline: post-process failed, artifacts compensated: %w", err)
			}
			if !postCfg.SkipOnFailure {
				return err
			}
			logger.Warn("post-process failed, continuing per policy", zap.Error(err))
		}
	}
	return nil
}

// runFileDelivery covers transform, split, and deliver for file-producing
// profiles. It returns the delivered artifacts for possible compensation and
// the per-split outcomes.
func (e *Export) runFileDelivery(ctx context.Context, profile *db.Profile, exec *db.Execution, clock *phaseClock, client dbclient.Client, connKind db.ConnectionKind, columns []string, rows []map[string]any, logger *zap.Logger) ([]deliveredArtifact, []SplitOutcome, error) {
	dest, destCfg, err := e.loadDestination(ctx, profile)
	if err != nil {
		return nil, nil, err
	}

	postCfg, err := ParseProcessConfig(profile.PostProcessJSON)
	if err != nil {
		return nil, nil, err
	}

	stageDir := filepath.Join(e.tempRoot, fmt.Sprintf("%d", os.Getpid()))
	if err := os.MkdirAll(stageDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("pipeline: stage dir: %w", err)
	}

	now := time.Now()

	// Transform. Native kinds re-issue the query through the source database;
	// template bodies render off-DB; otherwise rows serialise per the output
	// format during staging.
	var payload string
	rendered := false
	if err := clock.run("transform", exec, func() error {
		switch {
		case profile.TemplateKind == TemplateForXML || profile.TemplateKind == TemplateForJSON:
			var tErr error
			payload, tErr = runNativeTransform(ctx, client, connKind, profile.TemplateKind,
				profile.Query, profile.TransformOptions, dbclient.DefaultMaxRetries, logger)
			rendered = tErr == nil
			return tErr
		case profile.TemplateBody != "":
			var tErr error
			payload, tErr = e.renderer.Transform(rows, profile.TemplateBody, template.Context{
				ProfileID:   profile.ID.String(),
				ProfileName: profile.Name,
				Now:         now,
			})
			rendered = tErr == nil
			return tErr
		default:
			return nil
		}
	}); err != nil {
		return nil, nil, fmt.Errorf("pipeline: transform: %w", err)
	}

	// Split / stage.
	type stagedFile struct {
		path     string
		splitKey string
		rowCount int64
	}
	var staged []stagedFile

	if err := clock.run("split", exec, func() error {
		if profile.SplitEnabled && !rendered {
			for _, group := range splitRows(rows, profile.SplitKeyColumn, profile.SplitBatchSize) {
				content, rErr := renderRows(profile.OutputFormat, columns, group.Rows)
				if rErr != nil {
					return rErr
				}
				name := ExpandFilename(profile.SplitFilenameTpl, profile.Name, group.Key, profile.OutputFormat, now)
				path := filepath.Join(stageDir, "splits", name)
				if wErr := writeStaged(path, content); wErr != nil {
					return wErr
				}
				staged = append(staged, stagedFile{path: path, splitKey: group.Key, rowCount: int64(len(group.Rows))})
			}
			return nil
		}

		if !rendered {
			var rErr error
			payload, rErr = renderRows(profile.OutputFormat, columns, rows)
			if rErr != nil {
				return rErr
			}
		}
		name := ExpandFilename("{profile}_{timestamp}.{format}", profile.Name, "", profile.OutputFormat, now)
		path := filepath.Join(stageDir, name)
		if wErr := writeStaged(path, payload); wErr != nil {
			return wErr
		}
		staged = append(staged, stagedFile{path: path, splitKey: "", rowCount: int64(len(rows))})
		return nil
	}); err != nil {
		return nil, nil, fmt.Errorf("pipeline: split: %w", err)
	}

	// Deliver.
	var (
		delivered []deliveredArtifact
		outcomes  []SplitOutcome
	)
	if err := clock.run("deliver", exec, func() error {
		for _, file := range staged {
			outcome := SplitOutcome{Key: file.splitKey, Status: db.ExecSuccess, RowCount: file.rowCount}

			res, sErr := e.deliver.Save(ctx, file.path, dest.Kind, destCfg, destination.DefaultMaxRetries)
			if sErr != nil {
				outcome.Status = db.ExecFailed
				outcome.Error = sErr.Error()
				logger.Error("delivery failed",
					zap.String("split_key", file.splitKey), zap.Error(sErr))
			} else {
				exec.BytesTotal += res.Bytes
				exec.OutputPath = res.FinalPath
				delivered = append(delivered, deliveredArtifact{
					finalPath: res.FinalPath, kind: dest.Kind, configJSON: destCfg,
				})
				if profile.PostProcessPerSplit && postCfg != nil {
					if pErr := runProcess(ctx, client, postCfg); pErr != nil && !postCfg.SkipOnFailure {
						outcome.Status = db.ExecFailed
						outcome.Error = pErr.Error()
					}
				}
			}

			if file.splitKey != "" {
				e.recordSplit(ctx, exec.ID, outcome, logger)
			}
			outcomes = append(outcomes, outcome)
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}
		return nil
	}); err != nil {
		return delivered, outcomes, err
	}
	return delivered, outcomes, nil
}

func (e *Export) runEmail(ctx context.Context, profile *db.Profile, exec *db.Execution, clock *phaseClock, columns []string, rows []map[string]any) ([]SplitOutcome, error) {
	if e.email == nil {
		return nil, fmt.Errorf("pipeline: profile %s is an email export but no email exporter is configured", profile.Code)
	}
	_, destCfg, err := e.loadDestination(ctx, profile)
	if err != nil {
		return nil, err
	}

	var outcomes []SplitOutcome
	if err := clock.run("email", exec, func() error {
		var sErr error
		outcomes, sErr = e.email.Export(ctx, profile, columns, rows, destCfg)
		return sErr
	}); err != nil {
		return nil, fmt.Errorf("pipeline: email export: %w", err)
	}

	for _, outcome := range outcomes {
		e.recordSplit(ctx, exec.ID, outcome, e.logger)
	}
	return outcomes, nil
}

// loadDestination fetches the profile's destination and decrypts its config.
// Plaintext configs are held in memory only and never logged.
func (e *Export) loadDestination(ctx context.Context, profile *db.Profile) (*db.Destination, string, error) {
	if profile.DestinationID == nil {
		return nil, "", fmt.Errorf("pipeline: profile %s has no destination", profile.Code)
	}
	dest, err := e.destinations.GetByID(ctx, *profile.DestinationID)
	if err != nil {
		return nil, "", fmt.Errorf("pipeline: load destination: %w", err)
	}
	cfg, err := decryptConfig(e.secrets, dest.Configuration, string(dest.Kind))
	if err != nil {
		return nil, "", fmt.Errorf("pipeline: destination config: %w", err)
	}
	return dest, cfg, nil
}

func (e *Export) recordSplit(ctx context.Context, executionID uuid.UUID, outcome SplitOutcome, logger *zap.Logger) {
	now := time.Now().UTC()
	split := &db.ExecutionSplit{
		ExecutionID: executionID,
		SplitKey:    outcome.Key,
		Status:      outcome.Status,
		RowCount:    outcome.RowCount,
		CompletedAt: &now,
		Error:       outcome.Error,
	}
	if err := e.executions.CreateSplit(ctx, split); err != nil {
		logger.Error("failed to record split", zap.String("split_key", outcome.Key), zap.Error(err))
	}
}

func (e *Export) compensateAll(ctx context.Context, delivered []deliveredArtifact, logger *zap.Logger) {
	for _, artifact := range delivered {
		if err := e.deliver.Compensate(ctx, artifact.finalPath, artifact.kind, artifact.configJSON); err != nil {
			logger.Warn("compensation failed",
				zap.String("final_path", artifact.finalPath), zap.Error(err))
		}
	}
}

func (e *Export) notify(ctx context.Context, profile *db.Profile, exec *db.Execution) {
	if e.notifier == nil {
		return
	}
	values := notification.ExecutionValues(profile.Name, exec)
	switch exec.Status {
	case db.ExecSuccess, db.ExecPartialSuccess:
		e.notifier.Notify(ctx, throttle.EventProfileSuccess, profile.ID.String(),
			"Reef: {ProfileName} completed",
			"<p>Profile {ProfileName} completed with {RowCount} rows at {CompletedAt.DateTime}.</p>",
			values)
	default:
		e.notifier.Notify(ctx, throttle.EventProfileFailure, profile.ID.String(),
			"Reef: {ProfileName} failed",
			"<p>Profile {ProfileName} failed: {ErrorMessage}</p>",
			values)
	}
}

// statusFromOutcomes derives the run status from per-split results: all ok is
// success, a mix is partial success, none is failure. No outcomes leaves the
// current status untouched.
func statusFromOutcomes(outcomes []SplitOutcome, current db.ExecStatus) db.ExecStatus {
	if len(outcomes) == 0 {
		return current
	}
	failed := 0
	for _, o := range outcomes {
		if o.Status != db.ExecSuccess {
			failed++
		}
	}
	switch {
	case failed == 0:
		return current
	case failed == len(outcomes):
		return db.ExecFailed
	default:
		return db.ExecPartialSuccess
	}
}

// deltaConfigFromProfile maps the profile columns into a delta run config.
func deltaConfigFromProfile(p *db.Profile) delta.Config {
	return delta.Config{
		ReefIDColumn:     p.DeltaReefIDColumn,
		HashAlgorithm:    p.DeltaHashAlgorithm,
		DuplicatePolicy:  p.DeltaDuplicatePolicy,
		NullPolicy:       p.DeltaNullPolicy,
		NumericPrecision: p.DeltaNumericPrecision,
		IDNormalization:  p.DeltaIDNormalization,
		StripNonPrint:    p.DeltaStripNonPrint,
		TrackDeletes:     p.DeltaTrackDeletes,
		RetentionDays:    p.DeltaRetentionDays,
		ResetOnSchema:    p.DeltaResetOnSchema,
	}
}

func rowsFromDelta(rows []delta.Row) []map[string]any {
	out := make([]map[string]any, len(rows))
	for i, r := range rows {
		out[i] = r.Columns
	}
	return out
}

// decryptConfig handles both at-rest encodings: whole-config ciphertext and
// field-level ciphertext inside plaintext JSON.
func decryptConfig(secrets *crypto.Service, configJSON, kind string) (string, error) {
	if crypto.IsEncrypted(configJSON) {
		return secrets.Decrypt(configJSON)
	}
	return secrets.DecryptSecrets(configJSON, kind)
}

func writeStaged(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("pipeline: stage: %w", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("pipeline: stage: %w", err)
	}
	return nil
}
