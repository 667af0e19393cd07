package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	_ "github.com/mattn/go-sqlite3"

	"github.com/rohmanhakim/docs-crawler/internal/metadata"
	"github.com/rohmanhakim/docs-crawler/internal/normalize"
)

/*
Responsibilities
- Persist crawl nodes and edges
- Resolve forward-reference edges once their target is crawled
- Serialize writes against a single connection

Output Characteristics
- normalized_url uniquely identifies a node
- edges are append-only; the graph is a multigraph
- every write is observable through the metadata sink
*/

type Store interface {
	EnsureSchema(ctx context.Context) error
	HasURL(ctx context.Context, normalizedURL string) (bool, error)
	GetNode(ctx context.Context, id string) (*Node, error)
	GetNodeByNormalizedURL(ctx context.Context, normalizedURL string) (*Node, error)
	GetNodeByURL(ctx context.Context, rawURL string) (*Node, error)
	GetAllNodes(ctx context.Context) ([]Node, error)
	GetNodesByDomain(ctx context.Context, domain string) ([]Node, error)
	InsertNode(ctx context.Context, node Node) (string, error)
	UpdateNodePosition(ctx context.Context, id string, x, y, z float64) error
	UpdateNodeLastVisited(ctx context.Context, id string, visitedAt time.Time) error
	InsertEdge(ctx context.Context, sourceID string, targetURL string, targetID *string) (string, error)
	UpdateEdgeTargets(ctx context.Context, targetURL string, targetID string) (int, error)
	GetOutboundEdges(ctx context.Context, nodeID string) ([]Edge, error)
	GetInboundEdges(ctx context.Context, nodeID string) ([]Edge, error)
	GetAllEdges(ctx context.Context) ([]Edge, error)
	CountNodes(ctx context.Context) (int, error)
	CountEdges(ctx context.Context) (int, error)
	Close() error
}

// SQLiteStore persists the crawl graph in a single SQLite database. All
// writes go through one *sql.DB guarded by a mutex. Each method holds the
// lock only for its own call, so a caller's read-then-write sequence
// (hasUrl -> insertNode) is not atomic across goroutines.
type SQLiteStore struct {
	mu           sync.Mutex
	db           *sql.DB
	metadataSink metadata.MetadataSink
}

func NewSQLiteStore(dbPath string, metadataSink metadata.MetadataSink) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, &StorageError{
			Message:   err.Error(),
			Retryable: false,
			Cause:     ErrCauseOpenFailed,
		}
	}
	return &SQLiteStore{db: db, metadataSink: metadataSink}, nil
}

// generateID generates a new ULID string for use as a node or edge primary key.
func generateID() string {
	return ulid.Make().String()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS nodes (
	id TEXT PRIMARY KEY,
	url TEXT NOT NULL UNIQUE,
	normalized_url TEXT NOT NULL,
	domain TEXT NOT NULL,
	title TEXT,
	description TEXT,
	favicon TEXT,
	thumbnail BLOB,
	position_x REAL NOT NULL DEFAULT 0,
	position_y REAL NOT NULL DEFAULT 0,
	position_z REAL NOT NULL DEFAULT 0,
	status_code INTEGER NOT NULL DEFAULT 0,
	is_alive INTEGER NOT NULL DEFAULT 0,
	depth INTEGER NOT NULL DEFAULT 0,
	crawled_at DATETIME,
	last_visited DATETIME,
	created_at DATETIME NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_nodes_normalized_url ON nodes(normalized_url);
CREATE INDEX IF NOT EXISTS idx_nodes_domain ON nodes(domain);

CREATE TABLE IF NOT EXISTS edges (
	id TEXT PRIMARY KEY,
	source_id TEXT NOT NULL REFERENCES nodes(id),
	target_url TEXT NOT NULL,
	target_id TEXT REFERENCES nodes(id),
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_edges_source_id ON edges(source_id);
CREATE INDEX IF NOT EXISTS idx_edges_target_url ON edges(target_url);
CREATE INDEX IF NOT EXISTS idx_edges_target_id ON edges(target_id);

CREATE TABLE IF NOT EXISTS metadata (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

func (s *SQLiteStore) EnsureSchema(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		storageErr := &StorageError{Message: err.Error(), Retryable: false, Cause: ErrCauseSchemaFailed}
		s.recordError("EnsureSchema", storageErr, "")
		return storageErr
	}
	return nil
}

// HasURL reports whether normalizedURL already identifies a node,
// independent of the raw surface form the URL was discovered under.
func (s *SQLiteStore) HasURL(ctx context.Context, normalizedURL string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var exists int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM nodes WHERE normalized_url = ? LIMIT 1`, normalizedURL,
	).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		storageErr := &StorageError{Message: err.Error(), Retryable: true, Cause: ErrCauseQueryFailed}
		s.recordError("HasURL", storageErr, normalizedURL)
		return false, storageErr
	}
	return true, nil
}

// GetNode looks up a node by its assigned id.
func (s *SQLiteStore) GetNode(ctx context.Context, id string) (*Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.getNodeLocked(ctx, `id = ?`, id)
}

func (s *SQLiteStore) GetNodeByNormalizedURL(ctx context.Context, normalizedURL string) (*Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.getNodeLocked(ctx, `normalized_url = ?`, normalizedURL)
}

func (s *SQLiteStore) GetNodeByURL(ctx context.Context, rawURL string) (*Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.getNodeLocked(ctx, `url = ?`, rawURL)
}

func (s *SQLiteStore) getNodeLocked(ctx context.Context, predicate string, arg string) (*Node, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT id, url, normalized_url, domain, title, description, favicon, thumbnail,
			position_x, position_y, position_z, status_code, is_alive, depth,
			crawled_at, last_visited, created_at
		FROM nodes WHERE %s LIMIT 1
	`, predicate), arg)

	node, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		storageErr := &StorageError{Message: err.Error(), Retryable: true, Cause: ErrCauseQueryFailed}
		s.recordError("getNode", storageErr, arg)
		return nil, storageErr
	}
	return node, nil
}

// GetAllNodes returns every node in the graph, ordered by insertion.
func (s *SQLiteStore) GetAllNodes(ctx context.Context) ([]Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.listNodesLocked(ctx, `1 = 1`)
}

// GetNodesByDomain returns every node whose domain matches exactly.
func (s *SQLiteStore) GetNodesByDomain(ctx context.Context, domain string) ([]Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.listNodesLocked(ctx, `domain = ?`, domain)
}

func (s *SQLiteStore) listNodesLocked(ctx context.Context, predicate string, args ...interface{}) ([]Node, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, url, normalized_url, domain, title, description, favicon, thumbnail,
			position_x, position_y, position_z, status_code, is_alive, depth,
			crawled_at, last_visited, created_at
		FROM nodes WHERE %s ORDER BY created_at ASC
	`, predicate), args...)
	if err != nil {
		storageErr := &StorageError{Message: err.Error(), Retryable: true, Cause: ErrCauseQueryFailed}
		s.recordError("listNodes", storageErr, "")
		return nil, storageErr
	}
	defer rows.Close()

	var nodes []Node
	for rows.Next() {
		n, err := scanNodeRow(rows)
		if err != nil {
			storageErr := &StorageError{Message: err.Error(), Retryable: true, Cause: ErrCauseQueryFailed}
			s.recordError("listNodes", storageErr, "")
			return nil, storageErr
		}
		nodes = append(nodes, *n)
	}
	if err := rows.Err(); err != nil {
		storageErr := &StorageError{Message: err.Error(), Retryable: true, Cause: ErrCauseQueryFailed}
		s.recordError("listNodes", storageErr, "")
		return nil, storageErr
	}
	return nodes, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanNode(row rowScanner) (*Node, error) {
	var n Node
	var crawledAt, lastVisited sql.NullTime
	var isAlive int
	if err := row.Scan(
		&n.ID, &n.URL, &n.NormalizedURL, &n.Domain, &n.Title, &n.Description, &n.Favicon, &n.Thumbnail,
		&n.PositionX, &n.PositionY, &n.PositionZ, &n.StatusCode, &isAlive, &n.Depth,
		&crawledAt, &lastVisited, &n.CreatedAt,
	); err != nil {
		return nil, err
	}
	n.IsAlive = isAlive != 0
	n.CrawledAt = crawledAt.Time
	n.LastVisited = lastVisited.Time
	return &n, nil
}

func scanNodeRow(rows *sql.Rows) (*Node, error) {
	return scanNode(rows)
}

// UpdateNodePosition rewrites a node's layout coordinates, used when a
// visualization client repositions a node.
func (s *SQLiteStore) UpdateNodePosition(ctx context.Context, id string, x, y, z float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`UPDATE nodes SET position_x = ?, position_y = ?, position_z = ? WHERE id = ?`,
		x, y, z, id,
	)
	if err != nil {
		storageErr := &StorageError{Message: err.Error(), Retryable: true, Cause: ErrCauseWriteFailure}
		s.recordError("UpdateNodePosition", storageErr, id)
		return storageErr
	}
	return nil
}

// UpdateNodeLastVisited stamps last_visited, used when a node is revisited
// without being re-inserted.
func (s *SQLiteStore) UpdateNodeLastVisited(ctx context.Context, id string, visitedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`UPDATE nodes SET last_visited = ? WHERE id = ?`,
		visitedAt, id,
	)
	if err != nil {
		storageErr := &StorageError{Message: err.Error(), Retryable: true, Cause: ErrCauseWriteFailure}
		s.recordError("UpdateNodeLastVisited", storageErr, id)
		return storageErr
	}
	return nil
}

// InsertNode persists a crawled node and returns its assigned id. Callers
// are expected to have checked HasURL first; a UNIQUE constraint violation
// on normalized_url is reported as ErrCauseConstraintViolated rather than
// silently ignored.
func (s *SQLiteStore) InsertNode(ctx context.Context, node Node) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if node.CreatedAt.IsZero() {
		node.CreatedAt = time.Now()
	}
	id := generateID()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO nodes (
			id, url, normalized_url, domain, title, description, favicon, thumbnail,
			position_x, position_y, position_z, status_code, is_alive, depth,
			crawled_at, last_visited, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		id, node.URL, node.NormalizedURL, node.Domain, node.Title, node.Description, node.Favicon, node.Thumbnail,
		node.PositionX, node.PositionY, node.PositionZ, node.StatusCode, boolToInt(node.IsAlive), node.Depth,
		nullableTime(node.CrawledAt), nullableTime(node.LastVisited), node.CreatedAt,
	)
	if err != nil {
		cause := ErrCauseWriteFailure
		if isUniqueConstraintErr(err) {
			cause = ErrCauseConstraintViolated
		}
		storageErr := &StorageError{Message: err.Error(), Retryable: cause == ErrCauseWriteFailure, Cause: cause}
		s.recordError("InsertNode", storageErr, node.URL)
		return "", storageErr
	}

	s.metadataSink.RecordArtifact(metadata.ArtifactGraphNode, node.URL, []metadata.Attribute{
		metadata.NewAttr(metadata.AttrURL, node.URL),
	})
	return id, nil
}

// InsertEdge records a discovered link. targetID is non-nil when the
// target was already known (either crawled earlier or looked up eagerly);
// otherwise it stays null until UpdateEdgeTargets back-fills it. targetURL
// is stored normalized so back-fill lookups key on the same identity as
// node dedup.
func (s *SQLiteStore) InsertEdge(ctx context.Context, sourceID string, targetURL string, targetID *string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	normalizedTarget := normalize.Normalize(targetURL)
	id := generateID()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO edges (id, source_id, target_url, target_id, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, id, sourceID, normalizedTarget, targetID, time.Now())
	if err != nil {
		storageErr := &StorageError{Message: err.Error(), Retryable: true, Cause: ErrCauseWriteFailure}
		s.recordError("InsertEdge", storageErr, targetURL)
		return "", storageErr
	}
	return id, nil
}

// UpdateEdgeTargets resolves every outstanding forward reference to
// targetURL now that it has a node id, returning how many edges were
// back-filled.
func (s *SQLiteStore) UpdateEdgeTargets(ctx context.Context, targetURL string, targetID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	normalizedTarget := normalize.Normalize(targetURL)

	res, err := s.db.ExecContext(ctx, `
		UPDATE edges SET target_id = ? WHERE target_url = ? AND target_id IS NULL
	`, targetID, normalizedTarget)
	if err != nil {
		storageErr := &StorageError{Message: err.Error(), Retryable: true, Cause: ErrCauseWriteFailure}
		s.recordError("UpdateEdgeTargets", storageErr, targetURL)
		return 0, storageErr
	}

	affected, err := res.RowsAffected()
	if err != nil {
		storageErr := &StorageError{Message: err.Error(), Retryable: false, Cause: ErrCauseWriteFailure}
		s.recordError("UpdateEdgeTargets", storageErr, targetURL)
		return 0, storageErr
	}
	return int(affected), nil
}

// GetOutboundEdges returns every edge whose source_id is nodeID.
func (s *SQLiteStore) GetOutboundEdges(ctx context.Context, nodeID string) ([]Edge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.listEdgesLocked(ctx, `source_id = ?`, nodeID)
}

// GetInboundEdges returns every edge whose (resolved) target_id is nodeID.
func (s *SQLiteStore) GetInboundEdges(ctx context.Context, nodeID string) ([]Edge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.listEdgesLocked(ctx, `target_id = ?`, nodeID)
}

// GetAllEdges returns every edge in the graph, ordered by insertion.
func (s *SQLiteStore) GetAllEdges(ctx context.Context) ([]Edge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.listEdgesLocked(ctx, `1 = 1`)
}

func (s *SQLiteStore) listEdgesLocked(ctx context.Context, predicate string, args ...interface{}) ([]Edge, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, source_id, target_url, target_id, created_at
		FROM edges WHERE %s ORDER BY created_at ASC
	`, predicate), args...)
	if err != nil {
		storageErr := &StorageError{Message: err.Error(), Retryable: true, Cause: ErrCauseQueryFailed}
		s.recordError("listEdges", storageErr, "")
		return nil, storageErr
	}
	defer rows.Close()

	var edges []Edge
	for rows.Next() {
		var e Edge
		if err := rows.Scan(&e.ID, &e.SourceID, &e.TargetURL, &e.TargetID, &e.CreatedAt); err != nil {
			storageErr := &StorageError{Message: err.Error(), Retryable: true, Cause: ErrCauseQueryFailed}
			s.recordError("listEdges", storageErr, "")
			return nil, storageErr
		}
		edges = append(edges, e)
	}
	if err := rows.Err(); err != nil {
		storageErr := &StorageError{Message: err.Error(), Retryable: true, Cause: ErrCauseQueryFailed}
		s.recordError("listEdges", storageErr, "")
		return nil, storageErr
	}
	return edges, nil
}

// CountNodes reports the total number of crawled nodes.
func (s *SQLiteStore) CountNodes(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.countLocked(ctx, "nodes")
}

// CountEdges reports the total number of discovered edges.
func (s *SQLiteStore) CountEdges(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.countLocked(ctx, "edges")
}

func (s *SQLiteStore) countLocked(ctx context.Context, table string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, table)).Scan(&count)
	if err != nil {
		storageErr := &StorageError{Message: err.Error(), Retryable: true, Cause: ErrCauseQueryFailed}
		s.recordError("count", storageErr, table)
		return 0, storageErr
	}
	return count, nil
}

func (s *SQLiteStore) recordError(action string, err *StorageError, url string) {
	s.metadataSink.RecordError(
		time.Now(),
		"storage",
		action,
		mapStorageErrorToMetadataCause(err),
		err.Error(),
		[]metadata.Attribute{metadata.NewAttr(metadata.AttrURL, url)},
	)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}

func isUniqueConstraintErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
