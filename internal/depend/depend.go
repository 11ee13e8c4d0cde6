// Package depend maintains the acyclic prerequisite graph between export
// profiles and answers ordering and readiness questions for the scheduler and
// the job runner.
package depend

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/reef-io/reef/internal/db"
	"github.com/reef-io/reef/internal/repositories"
)

var (
	// ErrSelfDependency is returned when a profile is declared as its own
	// prerequisite.
	ErrSelfDependency = errors.New("depend: profile cannot depend on itself")

	// ErrCycle is returned when adding an edge would make the graph cyclic.
	ErrCycle = errors.New("depend: dependency would create a cycle")

	// ErrDuplicateEdge is returned when the exact edge already exists.
	ErrDuplicateEdge = errors.New("depend: dependency already exists")
)

// CompletionWindow bounds how old a prerequisite's successful execution may
// be and still count as completed.
const CompletionWindow = time.Hour

// MaxGraphDepth caps graph traversal to keep pathological configurations
// from exploding.
const MaxGraphDepth = 10

// GraphNode is one profile in a dependency graph view, with its transitive
// prerequisites nested beneath it.
type GraphNode struct {
	ProfileID     uuid.UUID
	Prerequisites []*GraphNode
	Truncated     bool // depth cap reached below this node
}

// Resolver answers dependency questions over the catalog.
type Resolver struct {
	deps     repositories.DependencyRepository
	profiles repositories.ProfileRepository
	execs    repositories.ExecutionRepository
	logger   *zap.Logger
}

// NewResolver creates a dependency resolver over the given repositories.
func NewResolver(deps repositories.DependencyRepository, profiles repositories.ProfileRepository, execs repositories.ExecutionRepository, logger *zap.Logger) *Resolver {
	return &Resolver{
		deps:     deps,
		profiles: profiles,
		execs:    execs,
		logger:   logger.Named("depend"),
	}
}

// Add validates and persists a new edge: dependent runs after prerequisite.
// Both profiles must exist, the edge must not be a self-edge or a duplicate,
// and it must not close a cycle.
func (r *Resolver) Add(ctx context.Context, dependentID, prerequisiteID uuid.UUID) error {
	if dependentID == prerequisiteID {
		return ErrSelfDependency
	}

	if _, err := r.profiles.GetByID(ctx, dependentID); err != nil {
		return fmt.Errorf("depend: dependent %s: %w", dependentID, err)
	}
	if _, err := r.profiles.GetByID(ctx, prerequisiteID); err != nil {
		return fmt.Errorf("depend: prerequisite %s: %w", prerequisiteID, err)
	}

	exists, err := r.deps.Exists(ctx, dependentID, prerequisiteID)
	if err != nil {
		return err
	}
	if exists {
		return ErrDuplicateEdge
	}

	cyclic, err := r.WouldCreateCycle(ctx, dependentID, prerequisiteID)
	if err != nil {
		return err
	}
	if cyclic {
		return ErrCycle
	}

	if err := r.deps.Add(ctx, &db.Dependency{
		DependentID:    dependentID,
		PrerequisiteID: prerequisiteID,
	}); err != nil {
		return err
	}

	r.logger.Info("dependency added",
		zap.String("dependent_id", dependentID.String()),
		zap.String("prerequisite_id", prerequisiteID.String()))
	return nil
}

// Remove deletes an edge.
func (r *Resolver) Remove(ctx context.Context, dependentID, prerequisiteID uuid.UUID) error {
	return r.deps.Remove(ctx, dependentID, prerequisiteID)
}

// WouldCreateCycle reports whether adding dependent→prerequisite closes a
// cycle: a DFS from the prerequisite through existing prerequisite edges
// seeking the dependent.
func (r *Resolver) WouldCreateCycle(ctx context.Context, dependentID, prerequisiteID uuid.UUID) (bool, error) {
	edges, err := r.prerequisiteMap(ctx)
	if err != nil {
		return false, err
	}

	visited := map[uuid.UUID]bool{}
	var dfs func(from uuid.UUID) bool
	dfs = func(from uuid.UUID) bool {
		if from == dependentID {
			return true
		}
		if visited[from] {
			return false
		}
		visited[from] = true
		for _, next := range edges[from] {
			if dfs(next) {
				return true
			}
		}
		return false
	}
	return dfs(prerequisiteID), nil
}

// ExecutionOrder returns the profiles reachable from root in depth-first
// post-order: every prerequisite appears before anything that depends on it,
// with the root last.
func (r *Resolver) ExecutionOrder(ctx context.Context, rootID uuid.UUID) ([]uuid.UUID, error) {
	edges, err := r.prerequisiteMap(ctx)
	if err != nil {
		return nil, err
	}

	var order []uuid.UUID
	visited := map[uuid.UUID]bool{}
	var visit func(id uuid.UUID)
	visit = func(id uuid.UUID) {
		if visited[id] {
			return
		}
		visited[id] = true
		for _, pre := range edges[id] {
			visit(pre)
		}
		order = append(order, id)
	}
	visit(rootID)
	return order, nil
}

// CheckCompleted reports whether every direct prerequisite of a profile has a
// successful execution inside the completion window. Returns the ids still
// pending when not.
func (r *Resolver) CheckCompleted(ctx context.Context, profileID uuid.UUID) (bool, []uuid.UUID, error) {
	deps, err := r.deps.ListByDependent(ctx, profileID)
	if err != nil {
		return false, nil, err
	}

	cutoff := time.Now().Add(-CompletionWindow)
	var pending []uuid.UUID
	for _, dep := range deps {
		exec, err := r.execs.LatestSuccess(ctx, dep.PrerequisiteID)
		if err != nil {
			if errors.Is(err, repositories.ErrNotFound) {
				pending = append(pending, dep.PrerequisiteID)
				continue
			}
			return false, nil, err
		}
		if exec.CompletedAt == nil || exec.CompletedAt.Before(cutoff) {
			pending = append(pending, dep.PrerequisiteID)
		}
	}
	return len(pending) == 0, pending, nil
}

// BuildGraph returns the prerequisite tree under root, cut off at
// MaxGraphDepth. Shared prerequisites repeat in each branch; cycles cannot
// occur because Add rejects them.
func (r *Resolver) BuildGraph(ctx context.Context, rootID uuid.UUID) (*GraphNode, error) {
	edges, err := r.prerequisiteMap(ctx)
	if err != nil {
		return nil, err
	}

	var build func(id uuid.UUID, depth int, seen map[uuid.UUID]bool) *GraphNode
	build = func(id uuid.UUID, depth int, seen map[uuid.UUID]bool) *GraphNode {
		node := &GraphNode{ProfileID: id}
		if depth >= MaxGraphDepth {
			node.Truncated = len(edges[id]) > 0
			return node
		}
		if seen[id] {
			return node
		}
		seen[id] = true
		for _, pre := range edges[id] {
			node.Prerequisites = append(node.Prerequisites, build(pre, depth+1, seen))
		}
		delete(seen, id)
		return node
	}
	return build(rootID, 0, map[uuid.UUID]bool{}), nil
}

// prerequisiteMap loads the whole edge set as dependent → prerequisites.
func (r *Resolver) prerequisiteMap(ctx context.Context) (map[uuid.UUID][]uuid.UUID, error) {
	all, err := r.deps.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	edges := make(map[uuid.UUID][]uuid.UUID, len(all))
	for _, d := range all {
		edges[d.DependentID] = append(edges[d.DependentID], d.PrerequisiteID)
	}
	return edges, nil
}
