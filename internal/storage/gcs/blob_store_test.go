package gcs

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "reports"})
	require.Error(t, err)

	client, err := storage.NewClient(context.Background(), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	_, err = New(client, Config{Bucket: " "})
	require.Error(t, err)

	store, err := New(client, Config{Bucket: "reports", Prefix: "/exports/"})
	require.NoError(t, err)
	require.Equal(t, "exports/s1/report_1.md", store.ObjectName("/s1/report_1.md"))
}

func TestObjectNameAndDisposition(t *testing.T) {
	t.Parallel()

	require.Equal(t, "s1/report_1.md", objectName("", "s1/report_1.md"))
	require.Equal(t, "p/s1/report_1.md", objectName("p", "/s1/report_1.md"))
	require.Equal(t, `attachment; filename=report_2.md`, contentDisposition("p/s1/report_2.md"))
}

func newTestStore(t *testing.T, handler http.Handler, cfg Config) *BlobStore {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := storage.NewClient(context.Background(), option.WithEndpoint(server.URL), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	store, err := New(client, cfg)
	require.NoError(t, err)
	return store
}

func TestPutObjectUploadsReport(t *testing.T) {
	t.Parallel()

	var body string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/b/reports/o")
		assert.Equal(t, "exports/s1/report_1.md", r.URL.Query().Get("name"))
		data, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		body = string(data)
		fmt.Fprintln(w, `{"name":"exports/s1/report_1.md","bucket":"reports"}`)
	})
	store := newTestStore(t, handler, Config{Bucket: "reports", Prefix: "exports"})

	uri, err := store.PutObject(context.Background(), "s1/report_1.md", "text/markdown", strings.NewReader("# Title"))
	require.NoError(t, err)
	require.Equal(t, "gs://reports/exports/s1/report_1.md", uri)
	require.Contains(t, body, "# Title")
	require.Contains(t, body, "report_1.md")
}

func TestPutObjectSurfacesServerError(t *testing.T) {
	t.Parallel()

	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	store := newTestStore(t, handler, Config{Bucket: "reports"})

	_, err := store.PutObject(context.Background(), "s1/report_1.md", "text/markdown", strings.NewReader("x"))
	require.Error(t, err)
	_, err = store.PutObject(context.Background(), "", "text/markdown", strings.NewReader("x"))
	require.Error(t, err)
}
