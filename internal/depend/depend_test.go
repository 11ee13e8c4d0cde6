package depend

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/reef-io/reef/internal/db"
	"github.com/reef-io/reef/internal/repositories"
)

// fakeDeps is an in-memory DependencyRepository.
type fakeDeps struct {
	edges []db.Dependency
}

func (f *fakeDeps) Add(_ context.Context, dep *db.Dependency) error {
	f.edges = append(f.edges, *dep)
	return nil
}

func (f *fakeDeps) Remove(_ context.Context, dependentID, prerequisiteID uuid.UUID) error {
	for i, e := range f.edges {
		if e.DependentID == dependentID && e.PrerequisiteID == prerequisiteID {
			f.edges = append(f.edges[:i], f.edges[i+1:]...)
			return nil
		}
	}
	return repositories.ErrNotFound
}

func (f *fakeDeps) ListAll(_ context.Context) ([]db.Dependency, error) {
	return f.edges, nil
}

func (f *fakeDeps) ListByDependent(_ context.Context, dependentID uuid.UUID) ([]db.Dependency, error) {
	var out []db.Dependency
	for _, e := range f.edges {
		if e.DependentID == dependentID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeDeps) Exists(_ context.Context, dependentID, prerequisiteID uuid.UUID) (bool, error) {
	for _, e := range f.edges {
		if e.DependentID == dependentID && e.PrerequisiteID == prerequisiteID {
			return true, nil
		}
	}
	return false, nil
}

// fakeProfiles knows a fixed set of profile ids.
type fakeProfiles struct {
	repositories.ProfileRepository
	known map[uuid.UUID]bool
}

func (f *fakeProfiles) GetByID(_ context.Context, id uuid.UUID) (*db.Profile, error) {
	if !f.known[id] {
		return nil, repositories.ErrNotFound
	}
	return &db.Profile{}, nil
}

// fakeExecs serves canned latest-success results.
type fakeExecs struct {
	repositories.ExecutionRepository
	latest map[uuid.UUID]*db.Execution
}

func (f *fakeExecs) LatestSuccess(_ context.Context, profileID uuid.UUID) (*db.Execution, error) {
	if e, ok := f.latest[profileID]; ok {
		return e, nil
	}
	return nil, repositories.ErrNotFound
}

type fixture struct {
	resolver *Resolver
	deps     *fakeDeps
	execs    *fakeExecs
	ids      map[string]uuid.UUID
}

func newFixture(t *testing.T, names ...string) *fixture {
	t.Helper()
	known := map[uuid.UUID]bool{}
	ids := map[string]uuid.UUID{}
	for _, n := range names {
		id := uuid.New()
		ids[n] = id
		known[id] = true
	}
	deps := &fakeDeps{}
	execs := &fakeExecs{latest: map[uuid.UUID]*db.Execution{}}
	return &fixture{
		resolver: NewResolver(deps, &fakeProfiles{known: known}, execs, zap.NewNop()),
		deps:     deps,
		execs:    execs,
		ids:      ids,
	}
}

func (f *fixture) mustAdd(t *testing.T, dependent, prerequisite string) {
	t.Helper()
	require.NoError(t, f.resolver.Add(context.Background(), f.ids[dependent], f.ids[prerequisite]))
}

func TestAddValidations(t *testing.T) {
	f := newFixture(t, "a", "b")
	ctx := context.Background()

	assert.ErrorIs(t, f.resolver.Add(ctx, f.ids["a"], f.ids["a"]), ErrSelfDependency)
	assert.ErrorIs(t, f.resolver.Add(ctx, f.ids["a"], uuid.New()), repositories.ErrNotFound)
	assert.ErrorIs(t, f.resolver.Add(ctx, uuid.New(), f.ids["b"]), repositories.ErrNotFound)

	f.mustAdd(t, "a", "b")
	assert.ErrorIs(t, f.resolver.Add(ctx, f.ids["a"], f.ids["b"]), ErrDuplicateEdge)
}

func TestAddRejectsCycles(t *testing.T) {
	f := newFixture(t, "a", "b", "c")
	ctx := context.Background()

	f.mustAdd(t, "b", "a") // b after a
	f.mustAdd(t, "c", "b") // c after b

	// a after c would close a → b → c → a.
	assert.ErrorIs(t, f.resolver.Add(ctx, f.ids["a"], f.ids["c"]), ErrCycle)

	// Direct two-node cycle.
	assert.ErrorIs(t, f.resolver.Add(ctx, f.ids["a"], f.ids["b"]), ErrCycle)
}

func TestExecutionOrder(t *testing.T) {
	f := newFixture(t, "root", "mid", "leaf1", "leaf2")
	ctx := context.Background()

	f.mustAdd(t, "root", "mid")
	f.mustAdd(t, "mid", "leaf1")
	f.mustAdd(t, "root", "leaf2")

	order, err := f.resolver.ExecutionOrder(ctx, f.ids["root"])
	require.NoError(t, err)

	pos := map[uuid.UUID]int{}
	for i, id := range order {
		pos[id] = i
	}
	assert.Len(t, order, 4)
	assert.Less(t, pos[f.ids["leaf1"]], pos[f.ids["mid"]])
	assert.Less(t, pos[f.ids["mid"]], pos[f.ids["root"]])
	assert.Less(t, pos[f.ids["leaf2"]], pos[f.ids["root"]])
	assert.Equal(t, f.ids["root"], order[len(order)-1])
}

func TestExecutionOrderSharedPrerequisiteOnce(t *testing.T) {
	f := newFixture(t, "root", "x", "y", "shared")
	ctx := context.Background()

	f.mustAdd(t, "root", "x")
	f.mustAdd(t, "root", "y")
	f.mustAdd(t, "x", "shared")
	f.mustAdd(t, "y", "shared")

	order, err := f.resolver.ExecutionOrder(ctx, f.ids["root"])
	require.NoError(t, err)
	assert.Len(t, order, 4, "shared prerequisite visits once")
}

func TestCheckCompleted(t *testing.T) {
	f := newFixture(t, "dependent", "done", "stale", "never")
	ctx := context.Background()

	f.mustAdd(t, "dependent", "done")
	f.mustAdd(t, "dependent", "stale")
	f.mustAdd(t, "dependent", "never")

	recent := time.Now().Add(-10 * time.Minute)
	old := time.Now().Add(-2 * time.Hour)
	f.execs.latest[f.ids["done"]] = &db.Execution{Status: db.ExecSuccess, CompletedAt: &recent}
	f.execs.latest[f.ids["stale"]] = &db.Execution{Status: db.ExecSuccess, CompletedAt: &old}

	ok, pending, err := f.resolver.CheckCompleted(ctx, f.ids["dependent"])
	require.NoError(t, err)
	assert.False(t, ok)
	assert.ElementsMatch(t, []uuid.UUID{f.ids["stale"], f.ids["never"]}, pending)

	f.execs.latest[f.ids["stale"]] = &db.Execution{Status: db.ExecSuccess, CompletedAt: &recent}
	f.execs.latest[f.ids["never"]] = &db.Execution{Status: db.ExecSuccess, CompletedAt: &recent}

	ok, pending, err = f.resolver.CheckCompleted(ctx, f.ids["dependent"])
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, pending)
}

func TestCheckCompletedNoPrerequisites(t *testing.T) {
	f := newFixture(t, "solo")
	ok, pending, err := f.resolver.CheckCompleted(context.Background(), f.ids["solo"])
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, pending)
}

func TestBuildGraphDepthCap(t *testing.T) {
	names := make([]string, 0, 14)
	for i := 0; i < 14; i++ {
		names = append(names, string(rune('a'+i)))
	}
	f := newFixture(t, names...)

	// A 13-deep chain: a depends on b, b on c, ...
	for i := 0; i < 13; i++ {
		f.mustAdd(t, names[i], names[i+1])
	}

	graph, err := f.resolver.BuildGraph(context.Background(), f.ids["a"])
	require.NoError(t, err)

	depth := 0
	node := graph
	for len(node.Prerequisites) > 0 {
		node = node.Prerequisites[0]
		depth++
	}
	assert.Equal(t, MaxGraphDepth, depth)
	assert.True(t, node.Truncated)
}
