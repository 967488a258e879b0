package store

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"artifactledger/internal/catalog"
)

// GetArtifact returns the artifact with id, or ErrNotFound.
func (s *Store) GetArtifact(ctx context.Context, id string) (*Artifact, error) {
	r, err := s.catalog.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.resolve(r), nil
}

// ListArtifacts returns artifacts matching f, oldest first, capped at
// f.EffectiveLimit().
func (s *Store) ListArtifacts(ctx context.Context, f Filter) ([]*Artifact, error) {
	rs, err := s.catalog.List(ctx, f)
	if err != nil {
		return nil, err
	}
	return s.resolveAll(rs), nil
}

// FindByLogicalKey returns every artifact of artifactType stored under
// logicalKey, superseded ones included, in creation order.
func (s *Store) FindByLogicalKey(ctx context.Context, artifactType, logicalKey string) ([]*Artifact, error) {
	rs, err := s.catalog.FindByLogicalKey(ctx, artifactType, logicalKey)
	if err != nil {
		return nil, err
	}
	return s.resolveAll(rs), nil
}

// Edge is one lineage link: Artifact was produced from Input.
type Edge struct {
	Artifact string `json:"artifact_id"`
	Input    string `json:"input_artifact_id"`
}

// Lineage is the transitive input closure of an artifact.
type Lineage struct {
	ArtifactID string `json:"artifact_id"`
	// Inputs lists every reachable ancestor once, nearest first.
	Inputs []*Artifact `json:"inputs"`
	Edges  []Edge      `json:"edges"`
	// Depth is the number of edges on the longest walk taken. It stops at
	// MaxDepth when one was given.
	Depth int `json:"depth"`
	// Truncated is set when MaxDepth stopped the walk before all leaves.
	Truncated bool `json:"truncated,omitempty"`
}

// InputIDs returns the ids of Inputs in order.
func (l *Lineage) InputIDs() []string {
	ids := make([]string, 0, len(l.Inputs))
	for _, a := range l.Inputs {
		ids = append(ids, a.ArtifactID)
	}
	return ids
}

// GetLineage walks input_artifact_ids from id breadth first. maxDepth <= 0
// means unbounded. Each ancestor appears once even when reachable along
// several paths.
func (s *Store) GetLineage(ctx context.Context, id string, maxDepth int) (*Lineage, error) {
	if _, err := s.catalog.Get(ctx, id); err != nil {
		return nil, err
	}
	out := &Lineage{ArtifactID: id, Inputs: []*Artifact{}, Edges: []Edge{}}
	visited := map[string]bool{id: true}
	frontier := []string{id}

	for depth := 1; len(frontier) > 0; depth++ {
		var next []string
		edges := 0
		for _, cur := range frontier {
			inputs, err := s.catalog.Inputs(ctx, cur)
			if err != nil {
				return nil, err
			}
			if len(inputs) == 0 {
				continue
			}
			if maxDepth > 0 && depth > maxDepth {
				out.Truncated = true
				return out, nil
			}
			for _, in := range inputs {
				edges++
				out.Edges = append(out.Edges, Edge{Artifact: cur, Input: in})
				if visited[in] {
					continue
				}
				visited[in] = true
				rec, err := s.catalog.Get(ctx, in)
				if err != nil {
					return nil, fmt.Errorf("lineage of %s: input %s: %w", id, in, err)
				}
				out.Inputs = append(out.Inputs, s.resolve(rec))
				next = append(next, in)
			}
		}
		if edges > 0 {
			out.Depth = depth
		}
		frontier = next
	}
	return out, nil
}

// GetDownstream returns every artifact that lists id as a direct input.
func (s *Store) GetDownstream(ctx context.Context, id string) ([]*Artifact, error) {
	if _, err := s.catalog.Get(ctx, id); err != nil {
		return nil, err
	}
	rs, err := s.catalog.Downstream(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.resolveAll(rs), nil
}

// Supersede marks oldID as superseded by newID. Data files are untouched.
// Superseding an already superseded artifact is a no-op.
func (s *Store) Supersede(ctx context.Context, newID, oldID string) error {
	if newID == oldID {
		return fmt.Errorf("artifact %s cannot supersede itself", oldID)
	}
	newer, err := s.catalog.Get(ctx, newID)
	if err != nil {
		return err
	}
	if newer.Status == catalog.StatusTombstoned {
		return fmt.Errorf("%w: superseding artifact %s is tombstoned", ErrInvalidTransition, newID)
	}
	from, err := s.catalog.SetStatus(ctx, oldID, catalog.StatusSuperseded, newID, "superseded by "+newID)
	if err != nil {
		return err
	}
	s.log.Info("artifact superseded",
		zap.String("artifact_id", oldID),
		zap.String("superseded_by", newID),
		zap.String("from", string(from)),
	)
	return nil
}

// StatusHistory returns the status audit log of id.
func (s *Store) StatusHistory(ctx context.Context, id string) ([]catalog.StatusEvent, error) {
	if _, err := s.catalog.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.catalog.StatusEvents(ctx, id)
}

// IsNotFound reports whether err is an unknown-artifact error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
