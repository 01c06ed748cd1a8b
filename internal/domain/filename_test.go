package domain

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"report.pdf", "report.pdf"},
		{`a<b>c:d"e/f\g|h?i*j.txt`, "abcdefghij.txt"},
		{"  lots   of\tspace .zip ", "lots of space .zip"},
		{"", "download"},
		{"???", "download"},
		{"..", "download"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, SanitizeFilename(tt.in), tt.in)
	}

	long := SanitizeFilename(strings.Repeat("x", 300) + ".tar")
	assert.Len(t, long, 200)
	assert.True(t, strings.HasSuffix(long, ".tar"))
}

func TestSuggestFilename(t *testing.T) {
	assert.Equal(t, "file.zip", SuggestFilename("https://example.com/dl/file.zip?x=1"))
	assert.Equal(t, "my file.pdf", SuggestFilename("https://example.com/my%20file.pdf"))
	assert.Equal(t, "download", SuggestFilename("https://example.com/"))
	assert.Equal(t, "download", SuggestFilename("://bad"))
}

func TestUniqueFilename(t *testing.T) {
	dir := t.TempDir()

	assert.Equal(t, "file.zip", UniqueFilename(dir, "file.zip"))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "file.zip"), []byte("x"), 0o644))
	assert.Equal(t, "file (1).zip", UniqueFilename(dir, "file.zip"))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "file (1).zip.part"), []byte("x"), 0o644))
	assert.Equal(t, "file (2).zip", UniqueFilename(dir, "file.zip"))
}

func TestIsInternalURL(t *testing.T) {
	assert.True(t, IsInternalURL("about:blank"))
	assert.True(t, IsInternalURL("DATA:text/html,hi"))
	assert.True(t, IsInternalURL("chrome://settings"))
	assert.True(t, IsInternalURL("browser:newtab"))
	assert.False(t, IsInternalURL("https://example.com/about:"))
}
