package files

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/HasNetwork/chat/internal/apperr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSafeName(t *testing.T) {
	tests := []struct{ in, want string }{
		{"report.pdf", "report.pdf"},
		{"../../etc/passwd", "passwd"},
		{`C:\temp\photo.png`, "photo.png"},
		{"my file (1).txt", "my_file__1_.txt"},
		{"..", "file"},
		{"", "file"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SafeName(tt.in), "SafeName(%q)", tt.in)
	}
}

func TestSaveAndDelete(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, 1024)

	saved, err := s.Save(strings.NewReader("hello"), "notes.txt")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(saved.URL, URLPrefix))
	assert.True(t, strings.HasSuffix(saved.URL, "_notes.txt"))
	assert.Equal(t, "notes.txt", saved.Filename)
	assert.Equal(t, int64(5), saved.Size)

	data, err := os.ReadFile(filepath.Join(dir, strings.TrimPrefix(saved.URL, URLPrefix)))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	require.NoError(t, s.Delete(saved.URL))
	require.NoError(t, s.Delete(saved.URL), "deleting a missing file is not an error")
	entries, _ := os.ReadDir(dir)
	assert.Empty(t, entries)
}

func TestSave_TooLarge(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, 4)

	_, err := s.Save(strings.NewReader("12345"), "big.bin")
	assert.ErrorIs(t, err, ErrTooLarge)
	assert.ErrorIs(t, err, apperr.ErrValidation)
	entries, _ := os.ReadDir(dir)
	assert.Empty(t, entries, "partial upload must be removed")
}

func TestSave_BlockedExtension(t *testing.T) {
	s := New(t.TempDir(), 1024)
	_, err := s.Save(strings.NewReader("echo"), "run.SH")
	assert.ErrorIs(t, err, ErrBlockedExt)

	for _, name := range []string{"page.html", "page.HTM", "logo.svg", "doc.xhtml"} {
		_, err := s.Save(strings.NewReader("<script>alert(1)</script>"), name)
		assert.ErrorIs(t, err, ErrBlockedExt, name)
	}
}

func TestDelete_RejectsForeignPaths(t *testing.T) {
	s := New(t.TempDir(), 1024)
	assert.ErrorIs(t, s.Delete("/etc/passwd"), ErrBadURL)
	assert.ErrorIs(t, s.Delete(URLPrefix+".."), ErrBadURL)
}
