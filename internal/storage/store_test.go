package storage_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rohmanhakim/docs-crawler/internal/metadata"
	"github.com/rohmanhakim/docs-crawler/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T) *storage.SQLiteStore {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "crawl.db")
	s, err := storage.NewSQLiteStore(dbPath, metadata.NoopSink{})
	require.NoError(t, err)

	require.NoError(t, s.EnsureSchema(context.Background()))
	t.Cleanup(func() { s.Close() })

	return s
}

func strPtr(s string) *string { return &s }

func TestSQLiteStore_InsertNode_ThenGetByNormalizedURL(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	id, err := s.InsertNode(ctx, storage.Node{
		URL:           "https://example.com/",
		NormalizedURL: "example.com",
		Domain:        "example.com",
		Title:         strPtr("Example"),
		StatusCode:    200,
		IsAlive:       true,
		Depth:         0,
		CrawledAt:     time.Now(),
	})
	require.NoError(t, err)
	require.NotZero(t, id)

	node, err := s.GetNodeByNormalizedURL(ctx, "example.com")
	require.NoError(t, err)
	require.NotNil(t, node)
	require.Equal(t, id, node.ID)
	require.Equal(t, "https://example.com/", node.URL)
	require.NotNil(t, node.Title)
	require.Equal(t, "Example", *node.Title)
	require.True(t, node.IsAlive)
}

func TestSQLiteStore_GetNodeByNormalizedURL_MissingReturnsNil(t *testing.T) {
	s := testStore(t)

	node, err := s.GetNodeByNormalizedURL(context.Background(), "nope.example.com")
	require.NoError(t, err)
	require.Nil(t, node)
}

func TestSQLiteStore_HasURL(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	ok, err := s.HasURL(ctx, "example.com")
	require.NoError(t, err)
	require.False(t, ok)

	_, err = s.InsertNode(ctx, storage.Node{
		URL:           "https://example.com/",
		NormalizedURL: "example.com",
		Domain:        "example.com",
	})
	require.NoError(t, err)

	ok, err = s.HasURL(ctx, "example.com")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestSQLiteStore_InsertNode_DuplicateNormalizedURLFails(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	node := storage.Node{URL: "https://example.com/", NormalizedURL: "example.com", Domain: "example.com"}
	_, err := s.InsertNode(ctx, node)
	require.NoError(t, err)

	node2 := storage.Node{URL: "https://example.com/other", NormalizedURL: "example.com", Domain: "example.com"}
	_, err = s.InsertNode(ctx, node2)
	require.Error(t, err)
}

func TestSQLiteStore_InsertEdge_StoresNormalizedTargetURL(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	sourceID, err := s.InsertNode(ctx, storage.Node{
		URL: "https://example.com/", NormalizedURL: "example.com", Domain: "example.com",
	})
	require.NoError(t, err)

	_, err = s.InsertEdge(ctx, sourceID, "https://example.com/foo/", nil)
	require.NoError(t, err)

	affected, err := s.UpdateEdgeTargets(ctx, "https://example.com/foo", "some-node-id")
	require.NoError(t, err)
	require.Equal(t, 1, affected, "target_url must be stored normalized so back-fill keys match regardless of surface form")
}

func TestSQLiteStore_UpdateEdgeTargets_BackfillsAllMatchingEdges(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	a, err := s.InsertNode(ctx, storage.Node{URL: "https://example.com/a", NormalizedURL: "example.com/a", Domain: "example.com"})
	require.NoError(t, err)
	b, err := s.InsertNode(ctx, storage.Node{URL: "https://example.com/b", NormalizedURL: "example.com/b", Domain: "example.com"})
	require.NoError(t, err)

	_, err = s.InsertEdge(ctx, a, "https://example.com/c", nil)
	require.NoError(t, err)
	_, err = s.InsertEdge(ctx, b, "https://example.com/c", nil)
	require.NoError(t, err)

	affected, err := s.UpdateEdgeTargets(ctx, "https://example.com/c", "some-node-id")
	require.NoError(t, err)
	require.Equal(t, 2, affected)

	// a second back-fill call is a no-op: both edges already have a target_id
	affected, err = s.UpdateEdgeTargets(ctx, "https://example.com/c", "some-node-id")
	require.NoError(t, err)
	require.Equal(t, 0, affected)
}

func TestSQLiteStore_GetNode_ByID(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	id, err := s.InsertNode(ctx, storage.Node{URL: "https://example.com/", NormalizedURL: "example.com", Domain: "example.com"})
	require.NoError(t, err)

	node, err := s.GetNode(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, node)
	assert.Equal(t, id, node.ID)

	missing, err := s.GetNode(ctx, "does-not-exist")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestSQLiteStore_GetAllNodes_ReturnsEveryNode(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	_, err := s.InsertNode(ctx, storage.Node{URL: "https://a.com/", NormalizedURL: "a.com", Domain: "a.com"})
	require.NoError(t, err)
	_, err = s.InsertNode(ctx, storage.Node{URL: "https://b.com/", NormalizedURL: "b.com", Domain: "b.com"})
	require.NoError(t, err)

	nodes, err := s.GetAllNodes(ctx)
	require.NoError(t, err)
	assert.Len(t, nodes, 2)
}

func TestSQLiteStore_GetNodesByDomain_FiltersExactMatch(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	_, err := s.InsertNode(ctx, storage.Node{URL: "https://a.com/x", NormalizedURL: "a.com/x", Domain: "a.com"})
	require.NoError(t, err)
	_, err = s.InsertNode(ctx, storage.Node{URL: "https://a.com/y", NormalizedURL: "a.com/y", Domain: "a.com"})
	require.NoError(t, err)
	_, err = s.InsertNode(ctx, storage.Node{URL: "https://b.com/", NormalizedURL: "b.com", Domain: "b.com"})
	require.NoError(t, err)

	nodes, err := s.GetNodesByDomain(ctx, "a.com")
	require.NoError(t, err)
	assert.Len(t, nodes, 2)
}

func TestSQLiteStore_UpdateNodePosition(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	id, err := s.InsertNode(ctx, storage.Node{URL: "https://example.com/", NormalizedURL: "example.com", Domain: "example.com"})
	require.NoError(t, err)

	require.NoError(t, s.UpdateNodePosition(ctx, id, 1.5, -2.5, 3.5))

	node, err := s.GetNode(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1.5, node.PositionX)
	assert.Equal(t, -2.5, node.PositionY)
	assert.Equal(t, 3.5, node.PositionZ)
}

func TestSQLiteStore_UpdateNodeLastVisited(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	id, err := s.InsertNode(ctx, storage.Node{URL: "https://example.com/", NormalizedURL: "example.com", Domain: "example.com"})
	require.NoError(t, err)

	visitedAt := time.Now().Truncate(time.Second)
	require.NoError(t, s.UpdateNodeLastVisited(ctx, id, visitedAt))

	node, err := s.GetNode(ctx, id)
	require.NoError(t, err)
	assert.True(t, node.LastVisited.Equal(visitedAt))
}

func TestSQLiteStore_GetOutboundAndInboundEdges(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	a, err := s.InsertNode(ctx, storage.Node{URL: "https://example.com/a", NormalizedURL: "example.com/a", Domain: "example.com"})
	require.NoError(t, err)
	b, err := s.InsertNode(ctx, storage.Node{URL: "https://example.com/b", NormalizedURL: "example.com/b", Domain: "example.com"})
	require.NoError(t, err)

	_, err = s.InsertEdge(ctx, a, "https://example.com/b", &b)
	require.NoError(t, err)

	outbound, err := s.GetOutboundEdges(ctx, a)
	require.NoError(t, err)
	require.Len(t, outbound, 1)
	assert.Equal(t, a, outbound[0].SourceID)

	inbound, err := s.GetInboundEdges(ctx, b)
	require.NoError(t, err)
	require.Len(t, inbound, 1)
	require.NotNil(t, inbound[0].TargetID)
	assert.Equal(t, b, *inbound[0].TargetID)
}

func TestSQLiteStore_GetAllEdges_ReturnsEveryEdge(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	a, err := s.InsertNode(ctx, storage.Node{URL: "https://example.com/a", NormalizedURL: "example.com/a", Domain: "example.com"})
	require.NoError(t, err)

	_, err = s.InsertEdge(ctx, a, "https://example.com/b", nil)
	require.NoError(t, err)
	_, err = s.InsertEdge(ctx, a, "https://example.com/c", nil)
	require.NoError(t, err)

	edges, err := s.GetAllEdges(ctx)
	require.NoError(t, err)
	assert.Len(t, edges, 2)
}

func TestSQLiteStore_CountNodesAndEdges(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	a, err := s.InsertNode(ctx, storage.Node{URL: "https://example.com/a", NormalizedURL: "example.com/a", Domain: "example.com"})
	require.NoError(t, err)
	_, err = s.InsertNode(ctx, storage.Node{URL: "https://example.com/b", NormalizedURL: "example.com/b", Domain: "example.com"})
	require.NoError(t, err)
	_, err = s.InsertEdge(ctx, a, "https://example.com/b", nil)
	require.NoError(t, err)

	nodeCount, err := s.CountNodes(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, nodeCount)

	edgeCount, err := s.CountEdges(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, edgeCount)
}

func TestSQLiteStore_InsertEdge_WithKnownTargetIDSkipsBackfill(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	sourceID, err := s.InsertNode(ctx, storage.Node{URL: "https://example.com/a", NormalizedURL: "example.com/a", Domain: "example.com"})
	require.NoError(t, err)
	targetID, err := s.InsertNode(ctx, storage.Node{URL: "https://example.com/b", NormalizedURL: "example.com/b", Domain: "example.com"})
	require.NoError(t, err)

	_, err = s.InsertEdge(ctx, sourceID, "https://example.com/b", &targetID)
	require.NoError(t, err)

	affected, err := s.UpdateEdgeTargets(ctx, "https://example.com/b", targetID)
	require.NoError(t, err)
	require.Equal(t, 0, affected, "edge already had a non-null target_id, back-fill should not touch it")
}
