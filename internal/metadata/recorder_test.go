package metadata_test

import (
	"testing"
	"time"

	"github.com/rohmanhakim/docs-crawler/internal/metadata"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorder_RecordFetch_Retained(t *testing.T) {
	r := metadata.NewRecorder(10)

	r.RecordFetch("https://example.com/", 200, 50*time.Millisecond, "text/html", 0, 0)
	r.RecordFetch("https://example.com/foo", 404, 10*time.Millisecond, "text/html", 1, 1)

	fetches := r.Fetches()
	require.Len(t, fetches, 2)
	assert.Equal(t, "https://example.com/", fetches[0].URL())
	assert.Equal(t, 404, fetches[1].HTTPStatus())
	assert.Equal(t, 1, fetches[1].RetryCount())
}

func TestRecorder_RecordFetch_BoundedRetention(t *testing.T) {
	r := metadata.NewRecorder(2)

	for i := 0; i < 5; i++ {
		r.RecordFetch("https://example.com/", 200, 0, "text/html", 0, 0)
	}

	assert.Len(t, r.Fetches(), 2)
}

func TestRecorder_RecordFetch_ZeroMaxKeptDisablesRetention(t *testing.T) {
	r := metadata.NewRecorder(0)

	r.RecordFetch("https://example.com/", 200, 0, "text/html", 0, 0)

	assert.Empty(t, r.Fetches())
}

func TestRecorder_RecordError_Retained(t *testing.T) {
	r := metadata.NewRecorder(10)

	r.RecordError(time.Now(), "fetcher", "Fetch", metadata.CauseNetworkFailure, "dial tcp: no such host", []metadata.Attribute{
		metadata.NewAttr(metadata.AttrURL, "https://unreachable.invalid/"),
	})

	errs := r.Errors()
	require.Len(t, errs, 1)
	assert.Equal(t, "fetcher", errs[0].PackageName())
	assert.Equal(t, metadata.CauseNetworkFailure, errs[0].Cause())
}

func TestRecorder_RecordArtifact_DoesNotPanic(t *testing.T) {
	r := metadata.NewRecorder(10)

	assert.NotPanics(t, func() {
		r.RecordArtifact(metadata.ArtifactFavicon, "/tmp/favicon.ico", nil)
	})
}

func TestNoopSink_SatisfiesInterface(t *testing.T) {
	var sink metadata.MetadataSink = metadata.NoopSink{}

	assert.NotPanics(t, func() {
		sink.RecordFetch("url", 200, 0, "text/html", 0, 0)
		sink.RecordAssetFetch("url", 200, 0, 0)
		sink.RecordError(time.Now(), "pkg", "action", metadata.CauseUnknown, "msg", nil)
		sink.RecordArtifact(metadata.ArtifactThumbnail, "path", nil)
	})
}
