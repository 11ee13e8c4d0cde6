package delta

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/reef-io/reef/internal/crypto"
	"github.com/reef-io/reef/internal/db"
	"github.com/reef-io/reef/internal/repositories"
)

// CommitBatchLimit caps the number of state rows per commit transaction.
const CommitBatchLimit = 1000

var (
	// ErrDuplicateReefID is returned under the strict duplicate policy when
	// two input rows collapse to the same normalised reef id.
	ErrDuplicateReefID = errors.New("delta: duplicate reef id")

	// ErrNullReefID is returned under the strict null policy when a row has
	// no value in the reef id column.
	ErrNullReefID = errors.New("delta: null reef id")
)

// Duplicate and null policy names as stored in profile config.
const (
	PolicyStrict   = "strict"
	PolicySkip     = "skip"
	PolicyGenerate = "generate"
)

// Config carries a profile's delta settings into a run. Built from the
// profile row by the pipeline; zero values give the documented defaults.
type Config struct {
	ReefIDColumn     string
	HashAlgorithm    string // sha256 (default), sha512, md5
	DuplicatePolicy  string // strict (default), skip
	NullPolicy       string // strict (default), skip, generate
	NumericPrecision int    // default 6
	IDNormalization  string // tokens: Trim, Lowercase, RemoveWhitespace
	StripNonPrint    bool
	TrackDeletes     bool
	RetentionDays    int
	ResetOnSchema    bool
}

func (c Config) precision() int {
	if c.NumericPrecision == 0 {
		return 6
	}
	return c.NumericPrecision
}

// Row is one classified input row. Columns is the original row untouched by
// normalisation; normalisation exists only inside the hash.
type Row struct {
	ReefID  string
	Hash    string
	Columns map[string]any
}

// Classification is the outcome of comparing the current snapshot against
// committed state. It is held in memory through transform and delivery and
// only persisted by Commit after delivery succeeds.
type Classification struct {
	New       []Row
	Changed   []Row
	Unchanged []Row
	Deleted   []string // reef ids in previous state but absent from input

	// Skipped counts rows dropped by the duplicate or null skip policies.
	Skipped int

	// SchemaReset is set when reset-on-schema-change fired this run.
	SchemaReset bool

	current []db.DeltaState
}

// Emit returns the rows that should flow on to transform and delivery:
// new and changed, in input order within each class.
func (c *Classification) Emit() []Row {
	out := make([]Row, 0, len(c.New)+len(c.Changed))
	out = append(out, c.New...)
	out = append(out, c.Changed...)
	return out
}

// Engine classifies row snapshots against committed state and owns the
// commit, reset, baseline, and retention operations.
type Engine struct {
	states repositories.DeltaStateRepository
	logger *zap.Logger
}

// NewEngine creates a delta engine over the given state repository.
func NewEngine(states repositories.DeltaStateRepository, logger *zap.Logger) *Engine {
	return &Engine{states: states, logger: logger.Named("delta")}
}

// Classify validates the snapshot against the duplicate and null policies,
// computes per-row hashes, and splits rows into new, changed, unchanged, and
// deleted against the last committed state. No state is written here.
func (e *Engine) Classify(ctx context.Context, profileID uuid.UUID, rows []map[string]any, cfg Config) (*Classification, error) {
	if cfg.ReefIDColumn == "" {
		return nil, fmt.Errorf("delta: profile %s: reef id column not configured", profileID)
	}

	cls := &Classification{}

	if cfg.ResetOnSchema && len(rows) > 0 {
		reset, err := e.checkSchema(ctx, profileID, rows[0])
		if err != nil {
			return nil, err
		}
		if reset {
			e.logger.Warn("column set changed, resetting delta state",
				zap.String("profile_id", profileID.String()))
			if err := e.states.DeleteAll(ctx, profileID); err != nil {
				return nil, err
			}
			cls.SchemaReset = true
		}
	}

	previous, err := e.states.LoadActive(ctx, profileID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	seen := make(map[string]bool, len(rows))

	for _, columns := range rows {
		rawID, ok := lookupColumn(columns, cfg.ReefIDColumn)
		if !ok || rawID == nil || fmt.Sprintf("%v", rawID) == "" {
			switch cfg.NullPolicy {
			case PolicySkip:
				cls.Skipped++
				continue
			case PolicyGenerate:
				rawID = "GENERATED_" + randomSuffix()
			default:
				return nil, fmt.Errorf("%w: column %q", ErrNullReefID, cfg.ReefIDColumn)
			}
		}

		reefID := NormalizeReefID(fmt.Sprintf("%v", rawID), cfg.IDNormalization)
		if seen[reefID] {
			if cfg.DuplicatePolicy == PolicySkip {
				e.logger.Warn("dropping duplicate reef id",
					zap.String("profile_id", profileID.String()),
					zap.String("reef_id", reefID))
				cls.Skipped++
				continue
			}
			return nil, fmt.Errorf("%w: %q", ErrDuplicateReefID, reefID)
		}
		seen[reefID] = true

		hash := HashCanonical(cfg.HashAlgorithm,
			CanonicalString(reefID, columns, cfg.precision(), cfg.StripNonPrint))
		row := Row{ReefID: reefID, Hash: hash, Columns: columns}

		prevHash, existed := previous[reefID]
		switch {
		case !existed:
			cls.New = append(cls.New, row)
		case prevHash != hash:
			cls.Changed = append(cls.Changed, row)
		default:
			cls.Unchanged = append(cls.Unchanged, row)
		}

		cls.current = append(cls.current, db.DeltaState{
			ProfileID:   profileID,
			ReefID:      reefID,
			RowHash:     hash,
			FirstSeenAt: now,
			LastSeenAt:  now,
		})
	}

	for reefID := range previous {
		if !seen[reefID] {
			cls.Deleted = append(cls.Deleted, reefID)
		}
	}
	sort.Strings(cls.Deleted)

	return cls, nil
}

// Commit persists a classification after delivery succeeded. Every current
// row is upserted with the execution id and a fresh last-seen stamp; deleted
// ids are tombstoned when delete tracking is on. A failed delivery must never
// reach here — the uncommitted state is what makes the next run re-detect.
func (e *Engine) Commit(ctx context.Context, profileID, executionID uuid.UUID, cls *Classification, cfg Config) error {
	now := time.Now().UTC()
	states := make([]db.DeltaState, len(cls.current))
	copy(states, cls.current)
	for i := range states {
		states[i].LastSeenAt = now
		states[i].LastSeenExecutionID = executionID
	}

	if err := e.states.UpsertBatch(ctx, states, CommitBatchLimit); err != nil {
		return fmt.Errorf("delta: commit profile %s: %w", profileID, err)
	}

	if cfg.TrackDeletes && len(cls.Deleted) > 0 {
		if err := e.states.MarkDeleted(ctx, profileID, cls.Deleted, now); err != nil {
			return fmt.Errorf("delta: mark deletions for profile %s: %w", profileID, err)
		}
	}

	e.logger.Info("delta state committed",
		zap.String("profile_id", profileID.String()),
		zap.Int("new", len(cls.New)),
		zap.Int("changed", len(cls.Changed)),
		zap.Int("unchanged", len(cls.Unchanged)),
		zap.Int("deleted", len(cls.Deleted)))
	return nil
}

// ResetAll drops all state for a profile, so the next run treats every row
// as new.
func (e *Engine) ResetAll(ctx context.Context, profileID uuid.UUID) error {
	return e.states.DeleteAll(ctx, profileID)
}

// ResetRows drops state for specific reef ids.
func (e *Engine) ResetRows(ctx context.Context, profileID uuid.UUID, reefIDs []string) error {
	return e.states.DeleteRows(ctx, profileID, reefIDs)
}

// GenerateBaseline clears state and records the given snapshot as already
// synced, without delivering anything. Rows use the nil execution id to mark
// them as baseline entries rather than the product of a run.
func (e *Engine) GenerateBaseline(ctx context.Context, profileID uuid.UUID, rows []map[string]any, cfg Config) (int, error) {
	cls, err := e.Classify(ctx, profileID, rows, cfg)
	if err != nil {
		return 0, err
	}
	if err := e.states.DeleteAll(ctx, profileID); err != nil {
		return 0, err
	}
	if err := e.Commit(ctx, profileID, uuid.Nil, cls, Config{}); err != nil {
		return 0, err
	}
	return len(cls.current), nil
}

// Retention purges tombstoned rows last seen more than the profile's
// retention window ago. A zero retention means keep forever.
func (e *Engine) Retention(ctx context.Context, profileID uuid.UUID, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
	return e.states.PurgeDeletedBefore(ctx, profileID, cutoff)
}

// checkSchema compares the snapshot's column names against the recorded set.
// Returns true when they differ and state must be reset.
func (e *Engine) checkSchema(ctx context.Context, profileID uuid.UUID, sample map[string]any) (bool, error) {
	names := make(map[string]any, len(sample))
	for k := range sample {
		names[k] = ""
	}
	hash := crypto.EntityHash(names)

	prev, err := e.states.GetSchema(ctx, profileID)
	if err != nil && !errors.Is(err, repositories.ErrNotFound) {
		return false, err
	}

	if err := e.states.SaveSchema(ctx, &db.DeltaSchema{ProfileID: profileID, ColumnsHash: hash}); err != nil {
		return false, err
	}

	return prev != nil && prev.ColumnsHash != hash, nil
}

// lookupColumn finds a column value case-insensitively. Source queries do not
// reliably preserve identifier case across drivers.
func lookupColumn(columns map[string]any, name string) (any, bool) {
	if v, ok := columns[name]; ok {
		return v, true
	}
	for k, v := range columns {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return nil, false
}

func randomSuffix() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b[:])
}
