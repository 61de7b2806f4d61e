package server

import (
	"bytes"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-playground/assert/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tattester/forgectl/internal/config"
	"github.com/tattester/forgectl/internal/state"
	"github.com/tattester/forgectl/internal/studio"
	"github.com/tattester/forgectl/internal/version"
)

func writePNG(t *testing.T, path string, c color.Color) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 6, 6))
	for y := 0; y < 6; y++ {
		for x := 0; x < 6; x++ {
			img.Set(x, y, c)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "a.png"), color.RGBA{R: 255, A: 255})
	writePNG(t, filepath.Join(dir, "b.png"), color.RGBA{G: 255, A: 255})

	cfg := config.Default()
	cfg.Storage.Backend = config.BackendMemory
	cfg.Canvas.BodyPart = "forearm"
	cfg.Canvas.LongSide = 40
	cfg.Loader.BaseDir = dir
	cfg.Thumbnails.Disabled = true

	reg := prometheus.NewRegistry()
	svc, err := studio.New(cfg, nil, reg)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	ts := httptest.NewServer(New(svc, nil, reg).Handler())
	t.Cleanup(func() {
		ts.Close()
		_ = svc.Close()
	})
	return ts
}

func do(t *testing.T, ts *httptest.Server, method, path, ifMatch string, body any) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, ts.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	if ifMatch != "" {
		req.Header.Set("If-Match", ifMatch)
	}
	res, err := ts.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = res.Body.Close() })
	return res
}

func decode[T any](t *testing.T, res *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(res.Body).Decode(&v); err != nil {
		t.Fatalf("decode %s: %v", res.Request.URL.Path, err)
	}
	return v
}

func TestLayerEditingOverHTTP(t *testing.T) {
	ts := newTestServer(t)

	res := do(t, ts, http.MethodPost, "/v1/sessions", "", map[string]any{"sessionId": "s1"})
	assert.Equal(t, http.StatusCreated, res.StatusCode)
	assert.Equal(t, `"1"`, res.Header.Get("ETag"))

	res = do(t, ts, http.MethodPost, "/v1/sessions/s1/layers", `"1"`, map[string]any{"imageUrl": "a.png"})
	assert.Equal(t, http.StatusCreated, res.StatusCode)
	ws := decode[state.Workspace](t, res)
	assert.Equal(t, int64(2), ws.Revision)
	assert.Equal(t, 1, len(ws.Layers))
	assert.Equal(t, "Subject 1", ws.Layers[0].Name)
	id := ws.Layers[0].ID

	res = do(t, ts, http.MethodPatch, "/v1/sessions/s1/layers/"+id, `"1"`, map[string]any{"name": "stale"})
	assert.Equal(t, http.StatusConflict, res.StatusCode)

	res = do(t, ts, http.MethodPatch, "/v1/sessions/s1/layers/"+id, `"2"`, map[string]any{
		"name":      "Koi",
		"blendMode": "multiply",
		"transform": map[string]any{"rotation": 45},
	})
	assert.Equal(t, http.StatusOK, res.StatusCode)
	ws = decode[state.Workspace](t, res)
	assert.Equal(t, "Koi", ws.Layers[0].Name)
	assert.Equal(t, "multiply", string(ws.Layers[0].BlendMode))
	assert.Equal(t, 45.0, ws.Layers[0].Transform.Rotation)
	assert.Equal(t, 1.0, ws.Layers[0].Transform.ScaleX)

	res = do(t, ts, http.MethodPatch, "/v1/sessions/s1/layers/"+id, "", map[string]any{"blendMode": "dodge"})
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)

	res = do(t, ts, http.MethodPost, "/v1/sessions/s1/layers/"+id+"/flip-horizontal", "", nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	ws = decode[state.Workspace](t, res)
	assert.Equal(t, -1.0, ws.Layers[0].Transform.ScaleX)

	res = do(t, ts, http.MethodPost, "/v1/sessions/s1/undo", "", nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	ws = decode[state.Workspace](t, res)
	assert.Equal(t, 1.0, ws.Layers[0].Transform.ScaleX)

	res = do(t, ts, http.MethodPost, "/v1/sessions/s1/redo", "", nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	etag := res.Header.Get("ETag")
	res = do(t, ts, http.MethodPost, "/v1/sessions/s1/redo", etag, nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, etag, res.Header.Get("ETag"))
	ws = decode[state.Workspace](t, res)
	assert.Equal(t, -1.0, ws.Layers[0].Transform.ScaleX)

	res = do(t, ts, http.MethodDelete, "/v1/sessions/s1/layers/missing", "", nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)

	res = do(t, ts, http.MethodGet, "/v1/sessions/nobody", "", nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestRenderOverHTTP(t *testing.T) {
	ts := newTestServer(t)

	res := do(t, ts, http.MethodPost, "/v1/sessions/s1/layers", "", map[string]any{"imageUrl": "a.png", "type": "background"})
	assert.Equal(t, http.StatusCreated, res.StatusCode)

	res = do(t, ts, http.MethodGet, "/v1/sessions/s1/render.png", "", nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "image/png", res.Header.Get("Content-Type"))
	img, err := png.Decode(res.Body)
	assert.Equal(t, nil, err)
	assert.Equal(t, 40, img.Bounds().Dy())

	res = do(t, ts, http.MethodGet, "/v1/sessions/s1/render?format=jpeg&width=20&height=20", "", nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "image/jpeg", res.Header.Get("Content-Type"))

	res = do(t, ts, http.MethodGet, "/v1/sessions/s1/render?format=gif", "", nil)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestVersionsOverHTTP(t *testing.T) {
	ts := newTestServer(t)

	do(t, ts, http.MethodPost, "/v1/sessions/s1/layers", "", map[string]any{"imageUrl": "a.png"})
	res := do(t, ts, http.MethodPost, "/v1/sessions/s1/versions", "", map[string]any{"prompt": "koi fish"})
	assert.Equal(t, http.StatusCreated, res.StatusCode)
	v1 := decode[version.Version](t, res)
	assert.Equal(t, 1, v1.VersionNumber)
	assert.Equal(t, "forearm", v1.Parameters.BodyPart)

	do(t, ts, http.MethodPost, "/v1/sessions/s1/layers", "", map[string]any{"imageUrl": "b.png"})
	res = do(t, ts, http.MethodPost, "/v1/sessions/s1/versions", "", map[string]any{"prompt": "koi and waves"})
	v2 := decode[version.Version](t, res)
	assert.Equal(t, 2, len(v2.Layers))

	res = do(t, ts, http.MethodGet, "/v1/sessions/s1/versions", "", nil)
	assert.Equal(t, `"2"`, res.Header.Get("ETag"))
	assert.Equal(t, 2, len(decode[[]version.Version](t, res)))

	res = do(t, ts, http.MethodGet, "/v1/sessions/s1/versions/compare?a="+v1.ID+"&b="+v2.ID, "", nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	cmp := decode[version.Comparison](t, res)
	assert.Equal(t, true, cmp.Differences.Prompt)
	assert.Equal(t, true, cmp.Differences.LayerCount)
	assert.Equal(t, 60, cmp.SimilarityScore)

	res = do(t, ts, http.MethodPost, "/v1/sessions/s1/versions/merge", "", map[string]any{
		"version1": v1.ID,
		"version2": v2.ID,
		"options":  map[string]any{"layersFromVersion1": []int{0}, "layersFromVersion2": []int{5}},
	})
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)

	res = do(t, ts, http.MethodPost, "/v1/sessions/s1/versions/merge", `"2"`, map[string]any{
		"version1": v1.ID,
		"version2": v2.ID,
		"options":  map[string]any{"layersFromVersion1": []int{0}, "layersFromVersion2": []int{1}},
	})
	assert.Equal(t, http.StatusCreated, res.StatusCode)
	merged := decode[version.Version](t, res)
	assert.Equal(t, 3, merged.VersionNumber)
	assert.Equal(t, 2, len(merged.Layers))
	assert.NotEqual(t, nil, merged.MergedFrom)

	res = do(t, ts, http.MethodPost, "/v1/sessions/s1/versions/"+v1.ID+"/favorite", `"1"`, nil)
	assert.Equal(t, http.StatusConflict, res.StatusCode)

	res = do(t, ts, http.MethodGet, "/v1/sessions/s1/timeline", "", nil)
	timeline := decode[[]version.TimelineEntry](t, res)
	assert.Equal(t, 3, len(timeline))
	assert.Equal(t, "koi fish", timeline[0].PromptPreview)

	res = do(t, ts, http.MethodPost, "/v1/sessions/s1/versions/"+v1.ID+"/branch", "", nil)
	assert.Equal(t, http.StatusCreated, res.StatusCode)
	b := decode[version.Branch](t, res)
	assert.Equal(t, true, strings.HasPrefix(b.SessionID, "s1_branch_"))

	res = do(t, ts, http.MethodPost, "/v1/sessions/s1/versions/"+v1.ID+"/checkout", "", map[string]any{"target": b.SessionID})
	assert.Equal(t, http.StatusOK, res.StatusCode)
	ws := decode[state.Workspace](t, res)
	assert.Equal(t, b.SessionID, ws.SessionID)
	assert.Equal(t, 1, len(ws.Layers))

	res = do(t, ts, http.MethodGet, "/v1/sessions/s1/versions/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestHealthAndMetrics(t *testing.T) {
	ts := newTestServer(t)

	res := do(t, ts, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)

	do(t, ts, http.MethodPost, "/v1/sessions/s1/layers", "", map[string]any{"imageUrl": "a.png"})

	res = do(t, ts, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	body, err := io.ReadAll(res.Body)
	assert.Equal(t, nil, err)
	assert.Equal(t, true, strings.Contains(string(body), "forge_layer_mutations_total"))

	res = do(t, ts, http.MethodGet, "/v1/presets", "", nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)
}
