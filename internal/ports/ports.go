// Package ports declares the surfaces external collaborators program
// against: backtest runners, report tools and the CLI see the store, the
// projection builder and the experiment tracker only through these.
package ports

import (
	"context"

	"artifactledger/internal/experiment"
	"artifactledger/internal/projection"
	"artifactledger/internal/store"
)

// ArtifactStorePort is the read surface of the artifact store plus the
// writer-only Publish and Supersede.
type ArtifactStorePort interface {
	GetArtifact(ctx context.Context, id string) (*store.Artifact, error)
	ListArtifacts(ctx context.Context, f store.Filter) ([]*store.Artifact, error)
	FindByLogicalKey(ctx context.Context, artifactType, logicalKey string) ([]*store.Artifact, error)
	Publish(ctx context.Context, req store.PublishRequest) (store.PublishResult, error)
	GetLineage(ctx context.Context, id string, maxDepth int) (*store.Lineage, error)
	GetDownstream(ctx context.Context, id string) ([]*store.Artifact, error)
	Supersede(ctx context.Context, newID, oldID string) error
	IsAvailable(ctx context.Context) bool
}

// ProjectionBuilderPort builds and discards projections.
type ProjectionBuilderPort interface {
	Build(ctx context.Context, req projection.Request) (*projection.Projection, error)
	Rebuild(ctx context.Context, id string) (*projection.Projection, error)
	Dispose(ctx context.Context, id string) error
	Exists(ctx context.Context, id string) (bool, error)
}

// ExperimentTrackerPort records experiments and their results.
type ExperimentTrackerPort interface {
	Create(ctx context.Context, d experiment.Definition) (*experiment.Experiment, error)
	Get(ctx context.Context, id string) (*experiment.Experiment, error)
	List(ctx context.Context, f experiment.ListFilter) ([]*experiment.Experiment, error)
	UpdateStatus(ctx context.Context, id string, to experiment.Status, u experiment.StatusUpdate) (*experiment.Experiment, error)
	StoreResults(ctx context.Context, id string, outputs map[string]string) error
	FindByInputArtifacts(ctx context.Context, ids []string) ([]*experiment.Experiment, error)
}

var (
	_ ArtifactStorePort     = (*store.Store)(nil)
	_ ProjectionBuilderPort = (*projection.Builder)(nil)
	_ ExperimentTrackerPort = (*experiment.Tracker)(nil)
)
