// Package store admits data files into the canonical, content-addressed
// artifact store and answers metadata and lineage queries over it.
//
// Only the ingestion daemon (or a CLI command holding the writer lock) calls
// the mutating methods. Everything else is read-only.
package store

import (
	"context"
	"errors"
	"path/filepath"

	"go.uber.org/zap"

	"artifactledger/internal/catalog"
	"artifactledger/internal/layout"
	"artifactledger/internal/tabular"
)

// Artifact is a catalog record as returned by the store: PathData and
// PathSidecar are absolute.
type Artifact = catalog.Record

// Filter narrows ListArtifacts.
type Filter = catalog.Filter

// Options configures a Store.
type Options struct {
	// Dir is the canonical store directory (store-root/store).
	Dir     string
	Catalog *catalog.Catalog
	// Reader parses data files for content hashing. Defaults to a
	// tabular.FileReader owned by the store.
	Reader tabular.Reader
	// Hasher computes content hashes. Defaults to layout.NewHasher().
	Hasher *layout.Hasher
	Logger *zap.Logger
}

// Store implements publish, query and lineage operations over a catalog and
// its canonical file layout.
type Store struct {
	layout  layout.Layout
	catalog *catalog.Catalog
	reader  tabular.Reader
	hasher  *layout.Hasher
	log     *zap.Logger

	ownReader *tabular.FileReader
}

// New validates opts and returns a Store.
func New(opts Options) (*Store, error) {
	if opts.Dir == "" {
		return nil, errors.New("store dir is required")
	}
	if opts.Catalog == nil {
		return nil, errors.New("catalog is required")
	}
	dir, err := filepath.Abs(opts.Dir)
	if err != nil {
		return nil, err
	}
	s := &Store{
		layout:  layout.New(dir),
		catalog: opts.Catalog,
		reader:  opts.Reader,
		hasher:  opts.Hasher,
		log:     opts.Logger,
	}
	if s.reader == nil {
		s.ownReader = tabular.NewFileReader()
		s.reader = s.ownReader
	}
	if s.hasher == nil {
		s.hasher = layout.NewHasher()
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	s.log = s.log.Named("store")
	return s, nil
}

// Close releases resources owned by the store. The catalog is left open.
func (s *Store) Close() error {
	if s.ownReader != nil {
		return s.ownReader.Close()
	}
	return nil
}

// Dir returns the absolute canonical store directory.
func (s *Store) Dir() string { return s.layout.Dir }

// IsAvailable probes the backing catalog.
func (s *Store) IsAvailable(ctx context.Context) bool {
	if err := s.catalog.Ping(ctx); err != nil {
		s.log.Warn("catalog unavailable", zap.Error(err))
		return false
	}
	return true
}

// resolve returns a copy of r with absolute paths.
func (s *Store) resolve(r *catalog.Record) *Artifact {
	if r == nil {
		return nil
	}
	out := *r
	out.PathData = s.layout.Abs(r.PathData)
	out.PathSidecar = s.layout.Abs(r.PathSidecar)
	return &out
}

func (s *Store) resolveAll(rs []*catalog.Record) []*Artifact {
	out := make([]*Artifact, 0, len(rs))
	for _, r := range rs {
		out = append(out, s.resolve(r))
	}
	return out
}
