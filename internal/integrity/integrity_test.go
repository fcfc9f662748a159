package integrity

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeFiles(t *testing.T, dir string, files map[string]string, order []string) {
	t.Helper()
	for _, name := range order {
		path := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(files[name]), 0o644))
	}
}

func TestHashBytes_Format(t *testing.T) {
	h := HashBytes([]byte("hello"))
	require.True(t, strings.HasPrefix(h, "sha256:"))
	require.Len(t, h, len("sha256:")+64)
	// Known vector for "hello".
	require.Equal(t, "sha256:2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", h)
}

func TestHashFile_MatchesHashBytes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.txt")
	require.NoError(t, os.WriteFile(path, []byte("content here"), 0o644))

	fromFile, err := HashFile(path)
	require.NoError(t, err)
	require.Equal(t, HashBytes([]byte("content here")), fromFile)
}

func TestListFilesRecursive_SortedRelative(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"b/nested/deep.txt": "1",
		"a.txt":             "2",
		"b/top.txt":         "3",
	}
	writeFiles(t, dir, files, []string{"b/nested/deep.txt", "a.txt", "b/top.txt"})

	got, err := ListFilesRecursive(dir)
	require.NoError(t, err)
	require.Equal(t, []string{"a.txt", "b/nested/deep.txt", "b/top.txt"}, got)
}

func TestPayloadHash_OrderInvariant(t *testing.T) {
	files := map[string]string{
		"knowledge/one.md":   "alpha",
		"knowledge/two.md":   "beta",
		"metadata/prov.yaml": "owner: x",
	}
	orders := [][]string{
		{"knowledge/one.md", "knowledge/two.md", "metadata/prov.yaml"},
		{"metadata/prov.yaml", "knowledge/two.md", "knowledge/one.md"},
		{"knowledge/two.md", "metadata/prov.yaml", "knowledge/one.md"},
	}

	var hashes []string
	var sizes []int64
	for _, order := range orders {
		dir := t.TempDir()
		writeFiles(t, dir, files, order)
		h, size, err := PayloadHash(dir)
		require.NoError(t, err)
		hashes = append(hashes, h)
		sizes = append(sizes, size)
	}
	require.Equal(t, hashes[0], hashes[1])
	require.Equal(t, hashes[0], hashes[2])
	require.Equal(t, sizes[0], sizes[1])
	require.EqualValues(t, len("alpha")+len("beta")+len("owner: x"), sizes[0])
}

func TestPayloadHash_SensitiveToNameAndContent(t *testing.T) {
	base := map[string]string{"a.txt": "x", "b.txt": "y"}

	dir1 := t.TempDir()
	writeFiles(t, dir1, base, []string{"a.txt", "b.txt"})
	h1, _, err := PayloadHash(dir1)
	require.NoError(t, err)

	// Same contents under a different name.
	dir2 := t.TempDir()
	writeFiles(t, dir2, map[string]string{"a.txt": "x", "c.txt": "y"}, []string{"a.txt", "c.txt"})
	h2, _, err := PayloadHash(dir2)
	require.NoError(t, err)
	require.NotEqual(t, h1, h2)

	// Same names, different content.
	dir3 := t.TempDir()
	writeFiles(t, dir3, map[string]string{"a.txt": "x", "b.txt": "z"}, []string{"a.txt", "b.txt"})
	h3, _, err := PayloadHash(dir3)
	require.NoError(t, err)
	require.NotEqual(t, h1, h3)
}

func TestVerify_EmitParseReEmit(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"payload/manifest.yaml": "type: knowledge",
		"payload/k/doc.md":      "docs",
		"envelope.yaml":         "envelope: {}", // excluded
	}, []string{"payload/manifest.yaml", "payload/k/doc.md", "envelope.yaml"})

	lines, err := GenerateVerify(dir)
	require.NoError(t, err)
	first := FormatVerify(lines)

	parsed, err := ParseVerify(first)
	require.NoError(t, err)
	second := FormatVerify(parsed)
	require.Equal(t, first, second, "emit → parse → re-emit must be byte-identical")

	require.True(t, strings.HasSuffix(first, "\n"), "trailing newline required")
	require.NotContains(t, first, "envelope.yaml")
	require.NotContains(t, first, VerifyFileName)

	// Lines are sorted by path.
	var paths []string
	for _, l := range parsed {
		paths = append(paths, l.Path)
	}
	require.Equal(t, []string{"payload/k/doc.md", "payload/manifest.yaml"}, paths)
}

func makeBundle(t *testing.T) (dir, payloadHash string, payloadSize int64) {
	t.Helper()
	dir = t.TempDir()
	writeFiles(t, dir, map[string]string{
		"payload/manifest.yaml":      "type: knowledge",
		"payload/knowledge/notes.md": "remember everything",
	}, []string{"payload/manifest.yaml", "payload/knowledge/notes.md"})

	var err error
	payloadHash, payloadSize, err = PayloadHash(filepath.Join(dir, "payload"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "envelope.yaml"), []byte("envelope: {}"), 0o644))
	require.NoError(t, WriteVerifyFile(dir))
	return dir, payloadHash, payloadSize
}

func TestVerifyBundle_FreshBundleValid(t *testing.T) {
	dir, hash, size := makeBundle(t)
	rep, err := VerifyBundle(dir, hash, size)
	require.NoError(t, err)
	require.True(t, rep.Valid, "issues: %v", rep.Issues)
	require.Empty(t, rep.Issues)
}

func TestVerifyBundle_TamperedContent(t *testing.T) {
	dir, hash, size := makeBundle(t)
	// Different length edit: HASH_MISMATCH and SIZE_MISMATCH.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "payload", "knowledge", "notes.md"), []byte("forget"), 0o644))

	rep, err := VerifyBundle(dir, hash, size)
	require.NoError(t, err)
	require.False(t, rep.Valid)
	require.ElementsMatch(t, []string{"HASH_MISMATCH", "SIZE_MISMATCH"}, codeStrings(rep))
}

func TestVerifyBundle_TamperedSameLength(t *testing.T) {
	dir, hash, size := makeBundle(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "payload", "knowledge", "notes.md"), []byte("remember everythinG"), 0o644))

	rep, err := VerifyBundle(dir, hash, size)
	require.NoError(t, err)
	require.False(t, rep.Valid)
	require.Equal(t, []string{"HASH_MISMATCH"}, codeStrings(rep))
}

func TestVerifyBundle_MissingAndUnexpected(t *testing.T) {
	dir, hash, size := makeBundle(t)
	require.NoError(t, os.Remove(filepath.Join(dir, "payload", "knowledge", "notes.md")))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "payload", "sneaky.txt"), []byte("planted"), 0o644))

	rep, err := VerifyBundle(dir, hash, size)
	require.NoError(t, err)
	require.False(t, rep.Valid)
	require.Contains(t, codeStrings(rep), "MISSING_FILE")
	require.Contains(t, codeStrings(rep), "UNEXPECTED_FILE")
}

func codeStrings(rep Report) []string {
	var out []string
	for _, c := range rep.Codes() {
		out = append(out, string(c))
	}
	return out
}
