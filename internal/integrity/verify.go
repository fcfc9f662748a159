package integrity

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/nextlevelbuilder/hqlink/internal/hqerr"
)

// Issue is one verification finding against a bundle.
type Issue struct {
	Code   hqerr.Code `yaml:"code"`
	Path   string     `yaml:"path,omitempty"`
	Detail string     `yaml:"detail,omitempty"`
}

// Report is the outcome of VerifyBundle. Issues carry every discovered
// problem; verification never short-circuits on the first bad hash.
type Report struct {
	Valid  bool    `yaml:"valid"`
	Issues []Issue `yaml:"errors,omitempty"`
}

// Codes returns the distinct issue codes, sorted.
func (r Report) Codes() []hqerr.Code {
	seen := map[hqerr.Code]bool{}
	var codes []hqerr.Code
	for _, is := range r.Issues {
		if !seen[is.Code] {
			seen[is.Code] = true
			codes = append(codes, is.Code)
		}
	}
	sort.Slice(codes, func(i, j int) bool { return codes[i] < codes[j] })
	return codes
}

// VerifyBundle checks a bundle directory against its VERIFY.sha256 manifest
// and the envelope's aggregate payload hash and size. A bundle is valid iff
// every listed file exists with a matching hash, no unexpected files are
// present, and the recomputed payload hash and byte count match the envelope.
func VerifyBundle(bundleDir, wantPayloadHash string, wantPayloadSize int64) (Report, error) {
	var rep Report

	data, err := os.ReadFile(filepath.Join(bundleDir, VerifyFileName))
	if err != nil {
		if os.IsNotExist(err) {
			rep.Issues = append(rep.Issues, Issue{Code: hqerr.CodeMissingFile, Path: VerifyFileName})
			return rep, nil
		}
		return rep, err
	}
	listed, err := ParseVerify(string(data))
	if err != nil {
		rep.Issues = append(rep.Issues, Issue{Code: hqerr.CodeHashMismatch, Path: VerifyFileName, Detail: err.Error()})
		return rep, nil
	}

	expected := make(map[string]string, len(listed))
	for _, l := range listed {
		expected[l.Path] = l.Hash
	}

	// (a) every listed file exists with a matching per-file hash.
	for _, l := range listed {
		abs := filepath.Join(bundleDir, filepath.FromSlash(l.Path))
		got, err := fileSHA256Hex(abs)
		if err != nil {
			if os.IsNotExist(err) {
				rep.Issues = append(rep.Issues, Issue{Code: hqerr.CodeMissingFile, Path: l.Path})
				continue
			}
			return rep, err
		}
		if got != l.Hash {
			rep.Issues = append(rep.Issues, Issue{Code: hqerr.CodeHashMismatch, Path: l.Path})
		}
	}

	// (b) no unexpected files.
	actual, err := ListFilesRecursive(bundleDir)
	if err != nil {
		return rep, err
	}
	for _, rel := range actual {
		if rel == VerifyFileName || rel == EnvelopeFileName {
			continue
		}
		if _, ok := expected[rel]; !ok {
			rep.Issues = append(rep.Issues, Issue{Code: hqerr.CodeUnexpectedFile, Path: rel})
		}
	}

	// (c)+(d) aggregate payload hash and byte count match the envelope.
	payloadDir := filepath.Join(bundleDir, "payload")
	if _, err := os.Stat(payloadDir); err == nil {
		gotHash, gotSize, err := PayloadHash(payloadDir)
		if err != nil {
			return rep, err
		}
		if gotHash != wantPayloadHash {
			rep.Issues = append(rep.Issues, Issue{Code: hqerr.CodeHashMismatch, Path: "payload", Detail: "aggregate payload hash mismatch"})
		}
		if gotSize != wantPayloadSize {
			rep.Issues = append(rep.Issues, Issue{Code: hqerr.CodeSizeMismatch, Path: "payload"})
		}
	} else {
		rep.Issues = append(rep.Issues, Issue{Code: hqerr.CodeMissingFile, Path: "payload"})
	}

	rep.Valid = len(rep.Issues) == 0
	return rep, nil
}
