package advertmux

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/presence.report/internal/testutil"
)

// localHostRequest creates a request that appears to come from localhost so
// tsweb.AllowDebugAccess admits it.
func localHostRequest(method, path string, body io.Reader) *http.Request {
	req := httptest.NewRequest(method, path, body)
	req.RemoteAddr = "127.0.0.1:12345"
	return req
}

func TestAdminAdvertStats(t *testing.T) {
	mux := NewAdvertMux(NewTestableSource(testutil.DumpText("end", testutil.SampleDump), false))
	require.ErrorIs(t, mux.Monitor(context.Background()), ErrSourceClosed)

	httpMux := http.NewServeMux()
	mux.AttachAdminRoutes(httpMux)

	w := httptest.NewRecorder()
	httpMux.ServeHTTP(w, localHostRequest(http.MethodGet, "/debug/advert-stats", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var got Stats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, uint64(1), got.Adverts)
}

func TestAdminAdvertsMethodNotAllowed(t *testing.T) {
	mux := NewAdvertMux(NewTestableSource("", false))
	httpMux := http.NewServeMux()
	mux.AttachAdminRoutes(httpMux)

	w := httptest.NewRecorder()
	httpMux.ServeHTTP(w, localHostRequest(http.MethodPost, "/debug/adverts", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestAdminAdvertsStream(t *testing.T) {
	src := NewTestableSource("", true)
	mux := NewAdvertMux(src)
	httpMux := http.NewServeMux()
	mux.AttachAdminRoutes(httpMux)

	go mux.Monitor(context.Background())
	defer mux.Close()

	server := httptest.NewServer(httpMux)
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/debug/adverts", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	buf := make([]byte, 256)
	n, err := resp.Body.Read(buf)
	require.NoError(t, err)
	assert.Contains(t, string(buf[:n]), ": ping")

	src.AddLines(testutil.SampleDump...)
	src.AddLines("end")

	var body []byte
	for !containsData(body) {
		n, err := resp.Body.Read(buf)
		require.NoError(t, err)
		body = append(body, buf[:n]...)
	}
	assert.Contains(t, string(body), `"Minor":"2"`)
}

func containsData(b []byte) bool {
	s := string(b)
	return strings.Contains(s, "data: ") && strings.HasSuffix(s, "\n\n")
}

func TestDisabledAdvertMux(t *testing.T) {
	d := NewDisabledAdvertMux()
	id, ch := d.Subscribe()
	d.Unsubscribe(id)
	_, ok := <-ch
	assert.False(t, ok)

	_, ch = d.Subscribe()
	require.NoError(t, d.Close())
	_, ok = <-ch
	assert.False(t, ok)
	require.NoError(t, d.Close())

	_, ch = d.Subscribe()
	_, ok = <-ch
	assert.False(t, ok, "subscribe after close returns a closed channel")

	assert.Equal(t, Stats{}, d.Stats())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, d.Monitor(ctx), context.Canceled)

	httpMux := http.NewServeMux()
	d.AttachAdminRoutes(httpMux)
	w := httptest.NewRecorder()
	httpMux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/debug/adverts-disabled", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "advert source disabled", w.Body.String())
}

var _ AdvertMuxInterface = (*DisabledAdvertMux)(nil)
var _ AdvertMuxInterface = (*AdvertMux[*TestableSource])(nil)
