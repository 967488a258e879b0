package projection

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"artifactledger/internal/catalog"
	"artifactledger/internal/fsutil"
	"artifactledger/internal/store"
	"artifactledger/internal/tabular"
)

// Resolver maps artifact ids to catalog records with absolute paths.
// *store.Store implements it.
type Resolver interface {
	GetArtifact(ctx context.Context, id string) (*store.Artifact, error)
}

// Options configures a Builder.
type Options struct {
	// Dir is the cache directory owned by the builder.
	Dir    string
	Store  Resolver
	Logger *zap.Logger
	// MemoryLimit is passed to DuckDB's memory_limit setting. Default 512MB.
	MemoryLimit string
	// Threads caps DuckDB worker threads. Default 2.
	Threads int
}

// Builder materializes projections into its cache directory. Concurrent
// builds of the same id within one process share a single execution.
type Builder struct {
	dir         string
	store       Resolver
	log         *zap.Logger
	memoryLimit string
	threads     int
	group       singleflight.Group
	now         func() time.Time
}

// NewBuilder returns a Builder.
func NewBuilder(opts Options) (*Builder, error) {
	if opts.Dir == "" {
		return nil, errors.New("projection dir is required")
	}
	if opts.Store == nil {
		return nil, errors.New("artifact store is required")
	}
	dir, err := filepath.Abs(opts.Dir)
	if err != nil {
		return nil, err
	}
	b := &Builder{
		dir:         dir,
		store:       opts.Store,
		log:         opts.Logger,
		memoryLimit: opts.MemoryLimit,
		threads:     opts.Threads,
		now:         time.Now,
	}
	if b.log == nil {
		b.log = zap.NewNop()
	}
	b.log = b.log.Named("projection")
	if b.memoryLimit == "" {
		b.memoryLimit = "512MB"
	}
	if b.threads <= 0 {
		b.threads = 2
	}
	return b, nil
}

// Dir returns the cache directory.
func (b *Builder) Dir() string { return b.dir }

// Path returns the database file of projection id.
func (b *Builder) Path(id string) string { return filepath.Join(b.dir, id+".duckdb") }

func (b *Builder) requestPath(id string) string { return filepath.Join(b.dir, id+".request.json") }
func (b *Builder) metaPath(id string) string    { return filepath.Join(b.dir, id+".meta.json") }

// Build resolves every source, scans each table's files in one bulk read
// and writes the projection. The file is built under a temp name and only
// renamed into place once every table and index exists.
func (b *Builder) Build(ctx context.Context, req Request) (*Projection, error) {
	if err := validate(req); err != nil {
		return nil, err
	}
	if req.ProjectionID == "" {
		id, err := DeriveID(req)
		if err != nil {
			return nil, err
		}
		req.ProjectionID = id
	}
	return b.do(req.ProjectionID, func() (*Projection, error) { return b.build(ctx, req) })
}

// Rebuild discards the cached database of id and builds it again from the
// stored request.
func (b *Builder) Rebuild(ctx context.Context, id string) (*Projection, error) {
	if !ValidID(id) {
		return nil, fmt.Errorf("projection %q: %w", id, ErrProjectionNotFound)
	}
	return b.do(id, func() (*Projection, error) {
		req, err := b.readRequest(id)
		if err != nil {
			return nil, err
		}
		if err := b.removeFiles(id, false); err != nil {
			return nil, err
		}
		return b.build(ctx, *req)
	})
}

// Dispose deletes every cache file of id. Unknown ids are a no-op.
func (b *Builder) Dispose(_ context.Context, id string) error {
	if !ValidID(id) {
		return nil
	}
	if err := b.removeFiles(id, true); err != nil {
		return err
	}
	b.log.Info("projection disposed", zap.String("projection_id", id))
	return nil
}

// Exists reports whether a built projection is cached for id.
func (b *Builder) Exists(_ context.Context, id string) (bool, error) {
	if !ValidID(id) {
		return false, nil
	}
	for _, p := range []string{b.Path(id), b.metaPath(id)} {
		ok, err := fsutil.Exists(p)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

// Get returns the metadata of the last successful build of id.
func (b *Builder) Get(_ context.Context, id string) (*Projection, error) {
	if !ValidID(id) {
		return nil, fmt.Errorf("projection %q: %w", id, ErrProjectionNotFound)
	}
	var p Projection
	if err := fsutil.ReadJSONStrict(b.metaPath(id), &p); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("projection %s: %w", id, ErrProjectionNotFound)
		}
		return nil, err
	}
	return &p, nil
}

// Open returns a read-only DuckDB handle on a built projection.
func (b *Builder) Open(ctx context.Context, id string) (*sql.DB, error) {
	ok, err := b.Exists(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("projection %s: %w", id, ErrProjectionNotFound)
	}
	db, err := sql.Open("duckdb", b.Path(id)+"?access_mode=read_only")
	if err != nil {
		return nil, fmt.Errorf("failed to open projection %s: %w", id, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to open projection %s: %w", id, err)
	}
	return db, nil
}

func (b *Builder) do(id string, fn func() (*Projection, error)) (*Projection, error) {
	v, err, shared := b.group.Do(id, func() (any, error) { return fn() })
	if err != nil {
		return nil, err
	}
	if shared {
		b.log.Debug("joined in-flight build", zap.String("projection_id", id))
	}
	return v.(*Projection), nil
}

type resolvedSource struct {
	artifact *store.Artifact
	format   tabular.Format
}

type tableGroup struct {
	name    string
	sources []resolvedSource
	indexes []Index
}

func (b *Builder) resolve(ctx context.Context, req Request) ([]*tableGroup, error) {
	var groups []*tableGroup
	byName := map[string]*tableGroup{}
	for _, s := range req.Sources {
		a, err := b.store.GetArtifact(ctx, s.ArtifactID)
		if err != nil {
			return nil, &BuildError{Code: CodeArtifactUnavailable, Table: s.Table, Message: "artifact " + s.ArtifactID, Cause: err}
		}
		if a.Status == catalog.StatusTombstoned {
			return nil, &BuildError{Code: CodeArtifactUnavailable, Table: s.Table, Message: fmt.Sprintf("artifact %s is tombstoned", a.ArtifactID)}
		}
		if _, err := os.Stat(a.PathData); err != nil {
			return nil, &BuildError{Code: CodeArtifactUnavailable, Table: s.Table, Message: "artifact " + a.ArtifactID + " data file", Cause: err}
		}
		format, err := tabular.ParseFormat(a.Format)
		if err != nil {
			return nil, &BuildError{Code: CodeArtifactUnavailable, Table: s.Table, Cause: err}
		}
		name := s.Table
		if name == "" {
			name = a.ArtifactType
		}
		if name == SourcesTable {
			return nil, &BuildError{Code: CodeInvalidRequest, Table: name, Message: "table name is reserved"}
		}
		g := byName[name]
		if g == nil {
			g = &tableGroup{name: name}
			byName[name] = g
			groups = append(groups, g)
		}
		for _, prev := range g.sources {
			if prev.artifact.ArtifactID == a.ArtifactID {
				return nil, &BuildError{Code: CodeInvalidRequest, Table: name, Message: fmt.Sprintf("artifact %s listed twice", a.ArtifactID)}
			}
		}
		g.sources = append(g.sources, resolvedSource{artifact: a, format: format})
	}
	for _, ix := range req.Indexes {
		g := byName[ix.Table]
		if g == nil {
			return nil, &BuildError{Code: CodeInvalidRequest, Table: ix.Table, Message: "index on a table with no sources"}
		}
		g.indexes = append(g.indexes, ix)
	}
	return groups, nil
}

func (b *Builder) build(ctx context.Context, req Request) (_ *Projection, err error) {
	id := req.ProjectionID
	log := b.log.With(zap.String("projection_id", id))
	start := time.Now()

	groups, err := b.resolve(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := fsutil.EnsureDir(b.dir); err != nil {
		return nil, &BuildError{Code: CodeWriteFailed, Cause: err}
	}

	tmp := filepath.Join(b.dir, fsutil.TempPrefix+id+"-"+uuid.NewString()+".duckdb")
	defer func() {
		if err != nil {
			removeDB(tmp)
		}
	}()

	db, err := b.openWritable(ctx, tmp)
	if err != nil {
		return nil, &BuildError{Code: CodeWriteFailed, Cause: err}
	}
	p, err := b.populate(ctx, db, groups)
	if cerr := db.Close(); err == nil && cerr != nil {
		err = &BuildError{Code: CodeWriteFailed, Message: "close projection", Cause: cerr}
	}
	if err != nil {
		log.Warn("projection build failed", zap.Error(err))
		return nil, err
	}

	final := b.Path(id)
	removeDB(final)
	if err := fsutil.RenameDurable(tmp, final); err != nil {
		return nil, &BuildError{Code: CodeWriteFailed, Cause: err}
	}
	p.ProjectionID = id
	p.Path = final
	p.BuiltAt = b.now().UTC()
	if err := fsutil.WriteJSONAtomic(b.requestPath(id), req); err != nil {
		return nil, &BuildError{Code: CodeWriteFailed, Message: "write request", Cause: err}
	}
	if err := fsutil.WriteJSONAtomic(b.metaPath(id), p); err != nil {
		return nil, &BuildError{Code: CodeWriteFailed, Message: "write metadata", Cause: err}
	}

	log.Info("projection built",
		zap.Int("tables", len(p.Tables)),
		zap.Int("artifacts", len(p.SourceArtifactIDs)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return p, nil
}

func (b *Builder) openWritable(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open duckdb: %w", err)
	}
	settings := fmt.Sprintf("SET memory_limit = %s; SET threads = %d;", tabular.QuoteLiteral(b.memoryLimit), b.threads)
	if _, err := db.ExecContext(ctx, settings); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("configure duckdb: %w", err)
	}
	return db, nil
}

func (b *Builder) populate(ctx context.Context, db *sql.DB, groups []*tableGroup) (*Projection, error) {
	const sourcesDDL = `CREATE TABLE ` + SourcesTable + ` (
		artifact_id   VARCHAR NOT NULL,
		table_name    VARCHAR NOT NULL,
		artifact_type VARCHAR NOT NULL,
		logical_key   VARCHAR NOT NULL,
		content_hash  VARCHAR NOT NULL,
		row_count     BIGINT  NOT NULL,
		path          VARCHAR NOT NULL
	)`
	if _, err := db.ExecContext(ctx, sourcesDDL); err != nil {
		return nil, &BuildError{Code: CodeWriteFailed, Table: SourcesTable, Cause: err}
	}

	p := &Projection{}
	for _, g := range groups {
		for _, s := range g.sources {
			a := s.artifact
			if _, err := db.ExecContext(ctx,
				`INSERT INTO `+SourcesTable+` VALUES (?, ?, ?, ?, ?, ?, ?)`,
				a.ArtifactID, g.name, a.ArtifactType, a.LogicalKey, a.ContentHash, a.RowCount, a.PathData,
			); err != nil {
				return nil, &BuildError{Code: CodeWriteFailed, Table: SourcesTable, Cause: err}
			}
			p.SourceArtifactIDs = append(p.SourceArtifactIDs, a.ArtifactID)
		}
	}

	for _, g := range groups {
		info, err := buildTable(ctx, db, g)
		if err != nil {
			return nil, err
		}
		p.Tables = append(p.Tables, *info)
	}
	if _, err := db.ExecContext(ctx, "CHECKPOINT"); err != nil {
		return nil, &BuildError{Code: CodeWriteFailed, Message: "checkpoint", Cause: err}
	}
	return p, nil
}

// buildTable creates one table from a single scan over all of its files.
// filename=true tags each row with its file, which joins back to _sources
// to stamp the artifact id.
func buildTable(ctx context.Context, db *sql.DB, g *tableGroup) (*TableInfo, error) {
	stmt := fmt.Sprintf(
		"CREATE TABLE %s AS SELECT s.artifact_id AS %s, r.* EXCLUDE (filename) FROM (%s) r JOIN %s s ON s.path = r.filename AND s.table_name = %s",
		quoteIdent(g.name), ArtifactIDColumn, scanSQL(g.sources), SourcesTable, tabular.QuoteLiteral(g.name),
	)
	if _, err := db.ExecContext(ctx, stmt); err != nil {
		return nil, &BuildError{Code: CodeScanFailed, Table: g.name, Cause: err}
	}

	info := &TableInfo{Name: g.name}
	for _, s := range g.sources {
		info.ArtifactIDs = append(info.ArtifactIDs, s.artifact.ArtifactID)
	}
	for _, ix := range g.indexes {
		cols := make([]string, len(ix.Columns))
		for i, c := range ix.Columns {
			cols[i] = quoteIdent(c)
		}
		stmt := fmt.Sprintf("CREATE INDEX %s ON %s (%s)", quoteIdent(ix.Name()), quoteIdent(g.name), strings.Join(cols, ", "))
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, &BuildError{Code: CodeIndexFailed, Table: g.name, Message: ix.Name(), Cause: err}
		}
		info.Indexes = append(info.Indexes, ix.Name())
	}

	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+quoteIdent(g.name)).Scan(&info.RowCount); err != nil {
		return nil, &BuildError{Code: CodeScanFailed, Table: g.name, Message: "count rows", Cause: err}
	}
	rows, err := db.QueryContext(ctx,
		"SELECT column_name FROM information_schema.columns WHERE table_name = ? ORDER BY ordinal_position", g.name)
	if err != nil {
		return nil, &BuildError{Code: CodeScanFailed, Table: g.name, Message: "describe", Cause: err}
	}
	defer rows.Close()
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, &BuildError{Code: CodeScanFailed, Table: g.name, Message: "describe", Cause: err}
		}
		info.Columns = append(info.Columns, c)
	}
	if err := rows.Err(); err != nil {
		return nil, &BuildError{Code: CodeScanFailed, Table: g.name, Message: "describe", Cause: err}
	}
	return info, nil
}

// scanSQL renders one multi-file reader call per format present in the
// group, unioned by column name.
func scanSQL(sources []resolvedSource) string {
	var order []tabular.Format
	paths := map[tabular.Format][]string{}
	for _, s := range sources {
		if _, ok := paths[s.format]; !ok {
			order = append(order, s.format)
		}
		paths[s.format] = append(paths[s.format], tabular.QuoteLiteral(s.artifact.PathData))
	}
	parts := make([]string, 0, len(order))
	for _, f := range order {
		list := "[" + strings.Join(paths[f], ", ") + "]"
		var scan string
		switch f {
		case tabular.FormatCSV:
			scan = "read_csv_auto(" + list + ", header = true, union_by_name = true, filename = true, hive_partitioning = false)"
		case tabular.FormatJSONL:
			scan = "read_json_auto(" + list + ", format = 'newline_delimited', union_by_name = true, filename = true, hive_partitioning = false)"
		case tabular.FormatJSON:
			scan = "read_json_auto(" + list + ", format = 'array', union_by_name = true, filename = true, hive_partitioning = false)"
		case tabular.FormatParquet:
			scan = "read_parquet(" + list + ", union_by_name = true, filename = true, hive_partitioning = false)"
		}
		parts = append(parts, "SELECT * FROM "+scan)
	}
	return strings.Join(parts, " UNION ALL BY NAME ")
}

func (b *Builder) readRequest(id string) (*Request, error) {
	var req Request
	if err := fsutil.ReadJSONStrict(b.requestPath(id), &req); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("projection %s: %w", id, ErrProjectionNotFound)
		}
		return nil, fmt.Errorf("read projection request %s: %w", id, err)
	}
	req.ProjectionID = id
	return &req, nil
}

func (b *Builder) removeFiles(id string, withRequest bool) error {
	paths := []string{b.Path(id), b.Path(id) + ".wal", b.metaPath(id)}
	if withRequest {
		paths = append(paths, b.requestPath(id))
	}
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("dispose projection %s: %w", id, err)
		}
	}
	return nil
}

func removeDB(path string) {
	_ = os.Remove(path)
	_ = os.Remove(path + ".wal")
}
