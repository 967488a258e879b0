package projection

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"artifactledger/internal/catalog"
	"artifactledger/internal/ingest"
	"artifactledger/internal/store"
)

// Lister lists catalog records. *store.Store implements it.
type Lister interface {
	ListArtifacts(ctx context.Context, f store.Filter) ([]*store.Artifact, error)
}

// ViewID names the view projection of an artifact type.
func ViewID(artifactType string) string { return "view_" + artifactType }

// ViewExporter keeps one projection per artifact type, covering every active
// artifact of that type. It is the daemon's post-batch exporter.
type ViewExporter struct {
	builder *Builder
	store   Lister
	log     *zap.Logger
}

var _ ingest.Exporter = (*ViewExporter)(nil)

// NewViewExporter returns an exporter writing through b, whose Dir is the
// views directory.
func NewViewExporter(b *Builder, l Lister, log *zap.Logger) *ViewExporter {
	if log == nil {
		log = zap.NewNop()
	}
	return &ViewExporter{builder: b, store: l, log: log.Named("views")}
}

// Export rebuilds the view of every artifact type in the batch. A type with
// no active artifact left has its view disposed.
func (v *ViewExporter) Export(ctx context.Context, batch ingest.Batch) error {
	var errs []error
	for _, typ := range batch.ArtifactTypes {
		if err := v.ExportType(ctx, typ); err != nil {
			errs = append(errs, fmt.Errorf("view %s: %w", typ, err))
		}
	}
	return errors.Join(errs...)
}

// ExportType rebuilds the view of one artifact type.
func (v *ViewExporter) ExportType(ctx context.Context, artifactType string) error {
	active, err := v.store.ListArtifacts(ctx, store.Filter{
		ArtifactType: artifactType,
		Status:       catalog.StatusActive,
		Limit:        catalog.MaxListLimit,
	})
	if err != nil {
		return err
	}
	id := ViewID(artifactType)
	if len(active) == 0 {
		return v.builder.Dispose(ctx, id)
	}
	if len(active) == catalog.MaxListLimit {
		v.log.Warn("view truncated at list limit", zap.String("artifact_type", artifactType), zap.Int("limit", catalog.MaxListLimit))
	}
	req := Request{ProjectionID: id}
	for _, a := range active {
		req.Sources = append(req.Sources, Source{ArtifactID: a.ArtifactID, Table: artifactType})
	}
	p, err := v.builder.Build(ctx, req)
	if err != nil {
		return err
	}
	v.log.Info("view exported", zap.String("projection_id", id), zap.Int64("rows", p.Tables[0].RowCount))
	return nil
}
