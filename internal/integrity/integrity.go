// Package integrity implements the content-addressing primitives for
// transfer bundles: per-file SHA-256, the deterministic aggregate payload
// hash, and the VERIFY.sha256 manifest.
package integrity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
)

// HashPrefix is prepended to every hex digest stored in envelopes and
// manifests. VERIFY.sha256 lines carry the bare hex.
const HashPrefix = "sha256:"

// hashConcurrency bounds parallel per-file hashing during aggregate
// computation. Determinism comes from combining in sorted order, not from
// the hashing order.
const hashConcurrency = 8

// HashBytes returns "sha256:<64hex>" over b.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return HashPrefix + hex.EncodeToString(sum[:])
}

// HashFile streams path through SHA-256 and returns "sha256:<64hex>".
func HashFile(path string) (string, error) {
	hex, err := fileSHA256Hex(path)
	if err != nil {
		return "", err
	}
	return HashPrefix + hex, nil
}

func fileSHA256Hex(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ListFilesRecursive returns every regular file under dir, relative to dir,
// with "/" separators, sorted lexicographically. Symlinks are not followed.
func ListFilesRecursive(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

// PayloadHash computes the deterministic aggregate hash and total byte size
// of the payload tree: for each file in sorted enumeration order, the bytes
// "<relative-path>\0<per-file-hex-sha256>\n" feed a running SHA-256.
func PayloadHash(payloadDir string) (string, int64, error) {
	files, err := ListFilesRecursive(payloadDir)
	if err != nil {
		return "", 0, err
	}

	var (
		mu     sync.Mutex
		hashes = make(map[string]string, len(files))
		size   int64
	)
	g := new(errgroup.Group)
	g.SetLimit(hashConcurrency)
	for _, rel := range files {
		g.Go(func() error {
			abs := filepath.Join(payloadDir, filepath.FromSlash(rel))
			hexSum, err := fileSHA256Hex(abs)
			if err != nil {
				return err
			}
			info, err := os.Stat(abs)
			if err != nil {
				return err
			}
			mu.Lock()
			hashes[rel] = hexSum
			size += info.Size()
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", 0, err
	}

	h := sha256.New()
	for _, rel := range files {
		fmt.Fprintf(h, "%s\x00%s\n", rel, hashes[rel])
	}
	return HashPrefix + hex.EncodeToString(h.Sum(nil)), size, nil
}

// VerifyLine is one entry of a VERIFY.sha256 manifest.
type VerifyLine struct {
	Hash string // bare 64-char hex
	Path string // bundle-relative, "/" separators
}

// VerifyFileName and EnvelopeFileName are the two bundle files excluded from
// the VERIFY manifest.
const (
	VerifyFileName   = "VERIFY.sha256"
	EnvelopeFileName = "envelope.yaml"
)

// GenerateVerify walks bundleDir (excluding VERIFY.sha256 and envelope.yaml)
// and returns one line per file, sorted by path.
func GenerateVerify(bundleDir string) ([]VerifyLine, error) {
	files, err := ListFilesRecursive(bundleDir)
	if err != nil {
		return nil, err
	}
	lines := make([]VerifyLine, 0, len(files))
	for _, rel := range files {
		if rel == VerifyFileName || rel == EnvelopeFileName {
			continue
		}
		hexSum, err := fileSHA256Hex(filepath.Join(bundleDir, filepath.FromSlash(rel)))
		if err != nil {
			return nil, err
		}
		lines = append(lines, VerifyLine{Hash: hexSum, Path: rel})
	}
	return lines, nil
}

// FormatVerify renders lines as the on-disk VERIFY.sha256 byte sequence:
// "<hex>  <path>\n" per entry, sorted by path, trailing newline.
func FormatVerify(lines []VerifyLine) string {
	sorted := make([]VerifyLine, len(lines))
	copy(sorted, lines)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })

	var b strings.Builder
	for _, l := range sorted {
		b.WriteString(l.Hash)
		b.WriteString("  ")
		b.WriteString(l.Path)
		b.WriteByte('\n')
	}
	return b.String()
}

// ParseVerify parses VERIFY.sha256 content. Blank lines are ignored;
// malformed lines are an error.
func ParseVerify(data string) ([]VerifyLine, error) {
	var lines []VerifyLine
	for _, raw := range strings.Split(data, "\n") {
		if raw == "" {
			continue
		}
		idx := strings.Index(raw, "  ")
		if idx != 64 {
			return nil, fmt.Errorf("malformed verify line: %q", raw)
		}
		lines = append(lines, VerifyLine{Hash: raw[:idx], Path: raw[idx+2:]})
	}
	return lines, nil
}

// WriteVerifyFile generates and writes VERIFY.sha256 into bundleDir.
func WriteVerifyFile(bundleDir string) error {
	lines, err := GenerateVerify(bundleDir)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(bundleDir, VerifyFileName), []byte(FormatVerify(lines)), 0o644)
}
