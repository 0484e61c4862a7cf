package syncengine

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFilter(t *testing.T, ignore, include []string) *Filter {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))

	f, err := NewFilter(ignore, include, logger)
	require.NoError(t, err)

	return f
}

func TestFilter_BuiltinIgnores(t *testing.T) {
	t.Parallel()

	f := newTestFilter(t, nil, nil)

	tests := []struct {
		name     string
		path     string
		included bool
	}{
		{"ds_store excluded", ".DS_Store", false},
		{"nested ds_store excluded", "docs/.DS_Store", false},
		{"com-apple-bird excluded", "file.com-apple-birdxyz", false},
		{"normal file included", "readme.md", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.included, f.Accept(tt.path), "path %q", tt.path)
		})
	}
}

func TestFilter_CustomIgnore(t *testing.T) {
	t.Parallel()

	f := newTestFilter(t, []string{`.*\.log`, `build/.*`}, nil)

	assert.False(t, f.Accept("app.log"))
	assert.False(t, f.Accept("build/output.bin"))
	assert.True(t, f.Accept("src/main.go"))
}

func TestFilter_IncludeList(t *testing.T) {
	t.Parallel()

	f := newTestFilter(t, nil, []string{`docs/.*`})

	assert.True(t, f.Accept("docs/readme.md"))
	assert.False(t, f.Accept("src/main.go"), "outside the include list should be excluded")
}

func TestFilter_IgnoreWinsOverInclude(t *testing.T) {
	t.Parallel()

	f := newTestFilter(t, []string{`docs/secret\.md`}, []string{`docs/.*`})

	assert.True(t, f.Accept("docs/readme.md"))
	assert.False(t, f.Accept("docs/secret.md"))
}

func TestFilter_AnchoredAtStart(t *testing.T) {
	t.Parallel()

	f := newTestFilter(t, []string{`build`}, nil)

	assert.False(t, f.Accept("build"))
	assert.False(t, f.Accept("build/output.bin"), "prefix match extends to descendants")
	assert.True(t, f.Accept("src/build"), "build embedded mid-path is not a prefix match")
}

func TestNewFilter_InvalidPattern(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))

	_, err := NewFilter([]string{"(unterminated"}, nil, logger)
	require.Error(t, err)
}

func TestLoadPatternFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "ignore.txt")

	content := "# comment\n\n.*\\.tmp\nbuild/.*\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	patterns, err := LoadPatternFile(path)
	require.NoError(t, err)
	assert.Equal(t, []string{`.*\.tmp`, `build/.*`}, patterns)
}

func TestLoadPatternFile_EmptyPath(t *testing.T) {
	t.Parallel()

	patterns, err := LoadPatternFile("")
	require.NoError(t, err)
	assert.Nil(t, patterns)
}

func TestLoadPatternFile_MissingFile(t *testing.T) {
	t.Parallel()

	_, err := LoadPatternFile(filepath.Join(t.TempDir(), "nope.txt"))
	require.Error(t, err)
}
