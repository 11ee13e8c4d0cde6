package pipeline

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/reef-io/reef/internal/db"
	"github.com/reef-io/reef/internal/dbclient"
	"github.com/reef-io/reef/internal/repositories"
	"github.com/reef-io/reef/internal/source"
)

// In-memory fakes for the pipeline's collaborators. Only the methods the
// pipelines call are implemented; the embedded interface panics on anything
// else, which doubles as a call-surface check.

type fakeProfileRepo struct {
	repositories.ProfileRepository
	profiles map[uuid.UUID]*db.Profile
}

func (f *fakeProfileRepo) GetByID(_ context.Context, id uuid.UUID) (*db.Profile, error) {
	p, ok := f.profiles[id]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	return p, nil
}

func (f *fakeProfileRepo) UpdateLastExecuted(_ context.Context, id uuid.UUID, at time.Time) error {
	if p, ok := f.profiles[id]; ok {
		p.LastExecutedAt = &at
	}
	return nil
}

type fakeImportProfileRepo struct {
	repositories.ImportProfileRepository
	profiles map[uuid.UUID]*db.ImportProfile
}

func (f *fakeImportProfileRepo) GetByID(_ context.Context, id uuid.UUID) (*db.ImportProfile, error) {
	p, ok := f.profiles[id]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	return p, nil
}

func (f *fakeImportProfileRepo) UpdateLastExecuted(_ context.Context, id uuid.UUID, at time.Time) error {
	if p, ok := f.profiles[id]; ok {
		p.LastExecutedAt = &at
	}
	return nil
}

type fakeConnRepo struct {
	repositories.ConnectionRepository
	conns map[uuid.UUID]*db.Connection
}

func (f *fakeConnRepo) GetByID(_ context.Context, id uuid.UUID) (*db.Connection, error) {
	c, ok := f.conns[id]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	return c, nil
}

type fakeDestRepo struct {
	repositories.DestinationRepository
	dests map[uuid.UUID]*db.Destination
}

func (f *fakeDestRepo) GetByID(_ context.Context, id uuid.UUID) (*db.Destination, error) {
	d, ok := f.dests[id]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	return d, nil
}

type fakeExecRepo struct {
	repositories.ExecutionRepository
	executions map[uuid.UUID]*db.Execution
	splits     []db.ExecutionSplit
	rowErrors  []db.RowError
}

func newFakeExecRepo() *fakeExecRepo {
	return &fakeExecRepo{executions: make(map[uuid.UUID]*db.Execution)}
}

func (f *fakeExecRepo) Create(_ context.Context, exec *db.Execution) error {
	exec.ID = uuid.New()
	f.executions[exec.ID] = exec
	return nil
}

func (f *fakeExecRepo) Update(_ context.Context, exec *db.Execution) error {
	f.executions[exec.ID] = exec
	return nil
}

func (f *fakeExecRepo) CreateSplit(_ context.Context, split *db.ExecutionSplit) error {
	f.splits = append(f.splits, *split)
	return nil
}

func (f *fakeExecRepo) BulkCreateRowErrors(_ context.Context, rowErrors []db.RowError) error {
	f.rowErrors = append(f.rowErrors, rowErrors...)
	return nil
}

// fakeStateRepo is an in-memory DeltaStateRepository.
type fakeStateRepo struct {
	states  map[string]db.DeltaState
	schemas map[uuid.UUID]db.DeltaSchema
}

func newFakeStateRepo() *fakeStateRepo {
	return &fakeStateRepo{
		states:  make(map[string]db.DeltaState),
		schemas: make(map[uuid.UUID]db.DeltaSchema),
	}
}

func stateKey(profileID uuid.UUID, reefID string) string {
	return profileID.String() + "|" + reefID
}

func (f *fakeStateRepo) LoadActive(_ context.Context, profileID uuid.UUID) (map[string]string, error) {
	out := make(map[string]string)
	for _, s := range f.states {
		if s.ProfileID == profileID && !s.IsDeleted {
			out[s.ReefID] = s.RowHash
		}
	}
	return out, nil
}

func (f *fakeStateRepo) UpsertBatch(_ context.Context, states []db.DeltaState, _ int) error {
	for _, s := range states {
		s.IsDeleted = false
		s.DeletedAt = nil
		f.states[stateKey(s.ProfileID, s.ReefID)] = s
	}
	return nil
}

func (f *fakeStateRepo) MarkDeleted(_ context.Context, profileID uuid.UUID, reefIDs []string, at time.Time) error {
	for _, id := range reefIDs {
		if s, ok := f.states[stateKey(profileID, id)]; ok {
			s.IsDeleted = true
			s.DeletedAt = &at
			f.states[stateKey(profileID, id)] = s
		}
	}
	return nil
}

func (f *fakeStateRepo) DeleteAll(_ context.Context, profileID uuid.UUID) error {
	for k, s := range f.states {
		if s.ProfileID == profileID {
			delete(f.states, k)
		}
	}
	return nil
}

func (f *fakeStateRepo) DeleteRows(_ context.Context, profileID uuid.UUID, reefIDs []string) error {
	for _, id := range reefIDs {
		delete(f.states, stateKey(profileID, id))
	}
	return nil
}

func (f *fakeStateRepo) PurgeDeletedBefore(_ context.Context, profileID uuid.UUID, cutoff time.Time) (int64, error) {
	var n int64
	for k, s := range f.states {
		if s.ProfileID == profileID && s.IsDeleted && s.LastSeenAt.Before(cutoff) {
			delete(f.states, k)
			n++
		}
	}
	return n, nil
}

func (f *fakeStateRepo) GetSchema(_ context.Context, profileID uuid.UUID) (*db.DeltaSchema, error) {
	if s, ok := f.schemas[profileID]; ok {
		return &s, nil
	}
	return nil, repositories.ErrNotFound
}

func (f *fakeStateRepo) SaveSchema(_ context.Context, schema *db.DeltaSchema) error {
	f.schemas[schema.ProfileID] = *schema
	return nil
}

var _ repositories.DeltaStateRepository = (*fakeStateRepo)(nil)

// fakeClient serves canned query results and records exec statements.
type fakeClient struct {
	result   *dbclient.Result
	queryErr error
	execs    []string
	execErr  error
}

func (c *fakeClient) Query(_ context.Context, _ string, _ time.Duration) (*dbclient.Result, error) {
	if c.queryErr != nil {
		return nil, c.queryErr
	}
	return c.result, nil
}

func (c *fakeClient) Exec(_ context.Context, stmt string, _ time.Duration) (int64, error) {
	c.execs = append(c.execs, stmt)
	if c.execErr != nil {
		return 0, c.execErr
	}
	return 1, nil
}

func (c *fakeClient) Tx(context.Context, func(tx *sql.Tx) error) error { return nil }
func (c *fakeClient) Ping(context.Context) error                      { return nil }
func (c *fakeClient) Close() error                                    { return nil }

var _ dbclient.Client = (*fakeClient)(nil)

// fakeFetcher serves canned payloads.
type fakeFetcher struct {
	items    []source.Item
	err      error
	archived []string
}

func (f *fakeFetcher) Fetch(context.Context, string, string) ([]source.Item, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.items, nil
}

func (f *fakeFetcher) Archive(_ context.Context, identifier, _ string) error {
	f.archived = append(f.archived, identifier)
	return nil
}
