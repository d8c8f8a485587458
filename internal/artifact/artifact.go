// Package artifact records build outputs produced by successful runs.
//
// Content is addressed by its BLAKE3 hash and stored once on disk;
// metadata lives in a sqlite table keyed by (run, content id). Artifacts
// are immutable and retrievable for the lifetime of the owning run record.
package artifact

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/zeebo/blake3"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/forged/internal/logging"
	v1 "github.com/fyrsmithlabs/forged/pkg/api/v1"
)

const schema = `
CREATE TABLE IF NOT EXISTS artifacts (
    id          TEXT NOT NULL,
    run_id      TEXT NOT NULL,
    name        TEXT NOT NULL,
    size        INTEGER NOT NULL,
    metadata    TEXT,
    created_at  INTEGER NOT NULL,
    PRIMARY KEY (run_id, id)
);

CREATE INDEX IF NOT EXISTS idx_artifacts_run ON artifacts(run_id);
`

// Artifact is one immutable build output.
type Artifact struct {
	ID        string
	RunID     string
	Name      string
	Size      int64
	Metadata  map[string]string
	CreatedAt time.Time
}

// Registry stores artifact metadata in sqlite and payloads as
// content-addressed blob files.
type Registry struct {
	db      *sql.DB
	blobDir string
	logger  *logging.Logger
}

// Open opens or creates the registry at dbPath with blobs under blobDir.
func Open(dbPath, blobDir string, logger *logging.Logger) (*Registry, error) {
	if logger == nil {
		l, err := logging.NewLogger(&logging.Config{Level: "error", Format: "json"})
		if err != nil {
			return nil, err
		}
		logger = l
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}
	if err := os.MkdirAll(blobDir, 0o755); err != nil {
		return nil, fmt.Errorf("create blob directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Registry{db: db, blobDir: blobDir, logger: logger.Named("artifact")}, nil
}

// Close closes the underlying database.
func (r *Registry) Close() error {
	return r.db.Close()
}

// Create registers content for a run and returns the artifact. The id is
// the BLAKE3 hex of the content; creating the same content twice within a
// run returns the existing record.
func (r *Registry) Create(ctx context.Context, runID, name string, content []byte, metadata map[string]string) (*Artifact, error) {
	if runID == "" {
		return nil, &v1.ValidationError{Reason: "artifact run id is required"}
	}
	if len(content) == 0 {
		return nil, &v1.ValidationError{Reason: "artifact content is empty"}
	}

	sum := blake3.Sum256(content)
	id := hex.EncodeToString(sum[:])

	if existing, err := r.Get(ctx, runID, id); err == nil {
		return existing, nil
	}

	blobPath := filepath.Join(r.blobDir, id)
	if _, err := os.Stat(blobPath); errors.Is(err, os.ErrNotExist) {
		tmp := blobPath + ".tmp"
		if err := os.WriteFile(tmp, content, 0o644); err != nil {
			return nil, fmt.Errorf("write blob: %w", err)
		}
		if err := os.Rename(tmp, blobPath); err != nil {
			return nil, fmt.Errorf("finalize blob: %w", err)
		}
	}

	var metaJSON []byte
	if len(metadata) > 0 {
		var err error
		metaJSON, err = json.Marshal(metadata)
		if err != nil {
			return nil, fmt.Errorf("marshal metadata: %w", err)
		}
	}

	now := time.Now().UTC()
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO artifacts (id, run_id, name, size, metadata, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id, runID, name, int64(len(content)), string(metaJSON), now.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("insert artifact: %w", err)
	}

	r.logger.Debug(ctx, "artifact registered",
		zap.String("run_id", runID),
		zap.String("artifact_id", id),
		zap.String("name", name),
		zap.Int("size", len(content)))

	return &Artifact{
		ID:        id,
		RunID:     runID,
		Name:      name,
		Size:      int64(len(content)),
		Metadata:  metadata,
		CreatedAt: now,
	}, nil
}

// List returns the run's artifacts in creation order.
func (r *Registry) List(ctx context.Context, runID string) ([]*Artifact, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, run_id, name, size, metadata, created_at FROM artifacts WHERE run_id = ? ORDER BY created_at`,
		runID)
	if err != nil {
		return nil, fmt.Errorf("query artifacts: %w", err)
	}
	defer rows.Close()

	var out []*Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Get returns one artifact by id.
func (r *Registry) Get(ctx context.Context, runID, artifactID string) (*Artifact, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, run_id, name, size, metadata, created_at FROM artifacts WHERE run_id = ? AND id = ?`,
		runID, artifactID)
	a, err := scanArtifact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &v1.NotFoundError{Kind: "artifact", ID: artifactID}
	}
	return a, err
}

// DownloadHandle opens the artifact's content for reading. The caller
// closes the reader.
func (r *Registry) DownloadHandle(ctx context.Context, runID, artifactID string) (io.ReadCloser, *Artifact, error) {
	a, err := r.Get(ctx, runID, artifactID)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.Open(filepath.Join(r.blobDir, a.ID))
	if err != nil {
		return nil, nil, fmt.Errorf("open blob for artifact %s: %w", a.ID, err)
	}
	return f, a, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanArtifact(row rowScanner) (*Artifact, error) {
	var (
		a        Artifact
		metaJSON sql.NullString
		createdNs int64
	)
	if err := row.Scan(&a.ID, &a.RunID, &a.Name, &a.Size, &metaJSON, &createdNs); err != nil {
		return nil, err
	}
	if metaJSON.Valid && metaJSON.String != "" {
		if err := json.Unmarshal([]byte(metaJSON.String), &a.Metadata); err != nil {
			return nil, fmt.Errorf("decode artifact metadata: %w", err)
		}
	}
	a.CreatedAt = time.Unix(0, createdNs).UTC()
	return &a, nil
}
