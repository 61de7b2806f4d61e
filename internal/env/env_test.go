package env

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestLoadEnvFilesMergesInOrder(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "base.env"), []byte("FORGE_STORAGE_BACKEND=file\nFORGE_LOG_LEVEL=info\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "local.env"), []byte("FORGE_LOG_LEVEL=debug\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	vars, err := LoadEnvFiles(dir, []string{"base.env", "local.env", "?missing.env"})
	assert.Equal(t, nil, err)
	assert.Equal(t, "file", vars["FORGE_STORAGE_BACKEND"])
	assert.Equal(t, "debug", vars["FORGE_LOG_LEVEL"])
	assert.Equal(t, []string{"FORGE_LOG_LEVEL", "FORGE_STORAGE_BACKEND"}, vars.WithPrefix("FORGE_"))

	_, err = LoadEnvFiles(dir, []string{"missing.env"})
	assert.NotEqual(t, nil, err)
}

func TestParseInlineVars(t *testing.T) {
	vars, err := ParseInlineVars("A=1, B = two ,,C=")
	assert.Equal(t, nil, err)
	assert.Equal(t, Vars{"A": "1", "B": "two", "C": ""}, vars)

	_, err = ParseInlineVars("novalue")
	assert.NotEqual(t, nil, err)
	_, err = ParseInlineVars("=x")
	assert.NotEqual(t, nil, err)
}

func TestMergeOverrides(t *testing.T) {
	got := Merge(Vars{"A": "1", "B": "1"}, nil, Vars{"B": "2"})
	assert.Equal(t, Vars{"A": "1", "B": "2"}, got)
}
