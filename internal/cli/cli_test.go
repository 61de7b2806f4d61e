package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-playground/assert/v2"

	"github.com/tattester/forgectl/internal/config"
	"github.com/tattester/forgectl/internal/layer"
	"github.com/tattester/forgectl/internal/logging"
	"github.com/tattester/forgectl/internal/state"
	"github.com/tattester/forgectl/internal/version"
)

type harness struct {
	t    *testing.T
	vars string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	images := t.TempDir()
	img := image.NewRGBA(image.Rect(0, 0, 5, 5))
	for y := 0; y < 5; y++ {
		for x := 0; x < 5; x++ {
			img.Set(x, y, color.RGBA{R: 200, A: 255})
		}
	}
	f, err := os.Create(filepath.Join(images, "a.png"))
	if err != nil {
		t.Fatal(err)
	}
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
	_ = f.Close()

	vars := strings.Join([]string{
		"FORGE_STORAGE_BACKEND=file",
		"FORGE_STORAGE_PATH=" + filepath.Join(t.TempDir(), "kv"),
		"FORGE_LOADER_BASE_DIR=" + images,
		"FORGE_THUMBNAILS_DISABLED=true",
		"FORGE_CANVAS_LONG_SIDE=30",
	}, ",")
	return &harness{t: t, vars: vars}
}

func (h *harness) run(args ...string) (string, error) {
	h.t.Helper()
	var out bytes.Buffer
	cmd := newRootCommand(&Options{ConfigPath: config.DefaultFile}, logging.Discard())
	cmd.SetArgs(append(args, "--vars", h.vars))
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	err := cmd.Execute()
	return out.String(), err
}

func (h *harness) mustRun(args ...string) string {
	h.t.Helper()
	out, err := h.run(args...)
	if err != nil {
		h.t.Fatalf("forgectl %s: %v", strings.Join(args, " "), err)
	}
	return out
}

func TestSessionLayerAndUndoCommands(t *testing.T) {
	h := newHarness(t)

	out := h.mustRun("session", "new", "s1")
	assert.Equal(t, "s1\n", out)

	var ws state.Workspace
	out = h.mustRun("layer", "add", "a.png", "-s", "s1", "-o", "json")
	assert.Equal(t, nil, json.Unmarshal([]byte(out), &ws))
	assert.Equal(t, 1, len(ws.Layers))
	id := ws.Layers[0].ID

	h.mustRun("layer", "rename", id, "Koi", "-s", "s1")
	h.mustRun("layer", "move", id, "--rotation", "90", "-s", "s1")

	out = h.mustRun("undo", "-s", "s1", "-o", "json")
	assert.Equal(t, nil, json.Unmarshal([]byte(out), &ws))
	assert.Equal(t, "Koi", ws.Layers[0].Name)
	assert.Equal(t, 0.0, ws.Layers[0].Transform.Rotation)

	_, err := h.run("layer", "rm", "missing", "-s", "s1")
	assert.Equal(t, true, errors.Is(err, layer.ErrLayerNotFound))

	_, err = h.run("layer", "rename", id, "Stale", "-s", "s1", "--if-revision", "1")
	assert.NotEqual(t, nil, err)

	_, err = h.run("layer", "ls")
	assert.NotEqual(t, nil, err)

	out = h.mustRun("session", "ls")
	assert.Equal(t, true, strings.Contains(out, "s1"))
}

func TestVersionAndRenderCommands(t *testing.T) {
	h := newHarness(t)

	h.mustRun("layer", "add", "a.png", "-s", "s1")
	out := h.mustRun("version", "save", "-p", "koi fish", "-s", "s1")
	assert.Equal(t, true, strings.HasSuffix(out, "(v1)\n"))

	var hist version.History
	out = h.mustRun("version", "ls", "-s", "s1", "-o", "json")
	assert.Equal(t, nil, json.Unmarshal([]byte(out), &hist))
	assert.Equal(t, 1, len(hist.Versions))
	assert.Equal(t, "forearm", hist.Versions[0].Parameters.BodyPart)

	out = h.mustRun("render", "-s", "s1")
	img, err := png.Decode(strings.NewReader(out))
	assert.Equal(t, nil, err)
	assert.Equal(t, 30, img.Bounds().Dy())
	assert.Equal(t, 10, img.Bounds().Dx())

	dir := t.TempDir()
	h.mustRun("export-ar", "-s", "s1", "-d", dir)
	_, err = os.Stat(filepath.Join(dir, "s1-ar.png"))
	assert.Equal(t, nil, err)

	out = h.mustRun("status", "-s", "s1", "-o", "yaml")
	assert.Equal(t, true, strings.Contains(out, "versions: 1"))

	out = h.mustRun("version", "branch", hist.Versions[0].ID, "-s", "s1", "--checkout")
	branch := strings.TrimSpace(out)
	assert.Equal(t, true, strings.HasPrefix(branch, "s1_branch_"))

	var ws state.Workspace
	out = h.mustRun("session", "show", "-s", branch, "-o", "json")
	assert.Equal(t, nil, json.Unmarshal([]byte(out), &ws))
	assert.Equal(t, 1, len(ws.Layers))
}

func TestDoctorAndPresets(t *testing.T) {
	h := newHarness(t)

	h.mustRun("layer", "add", "a.png", "-s", "s1")
	h.mustRun("doctor", "-s", "s1")

	out := h.mustRun("canvas", "presets", "--category", "leg")
	assert.Equal(t, true, strings.Contains(out, "thigh"))
	assert.Equal(t, false, strings.Contains(out, "forearm"))

	_, err := h.run("session", "ls", "-o", "xml")
	assert.NotEqual(t, nil, err)
}
