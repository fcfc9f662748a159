package world

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/hqlink/internal/hqerr"
	"github.com/nextlevelbuilder/hqlink/internal/ids"
	"github.com/nextlevelbuilder/hqlink/internal/integrity"
)

// Exporter builds outbound bundles from the HQ file tree.
type Exporter struct {
	hqRoot string
	log    *Log
	tracer trace.Tracer
}

// NewExporter creates an exporter rooted at the HQ directory.
func NewExporter(hqRoot string, log *Log) *Exporter {
	return &Exporter{hqRoot: hqRoot, log: log, tracer: otel.Tracer("hqlink/world")}
}

// ExportRequest describes a knowledge export.
type ExportRequest struct {
	Paths       []string // files or directories, relative to the HQ root
	Domain      string
	To          string // target peer owner
	Owner       string
	InstanceID  string
	OutputDir   string
	Description string
	Supersedes  string
	Sequence    int    // defaults to 1
	Transport   string // transport label recorded in the envelope
}

// PatternExportRequest describes a worker-pattern export.
type PatternExportRequest struct {
	WorkerID       string
	WorkerDir      string // defaults to "workers/<worker-id>"
	PatternVersion string
	Adaptation     Adaptation
	To             string
	Owner          string
	InstanceID     string
	OutputDir      string
	Description    string
	Supersedes     string
	Sequence       int
	Transport      string
}

// ExportSummary reports a finished export.
type ExportSummary struct {
	TransferID  string
	BundlePath  string
	Envelope    Envelope
	FileCount   int
	PayloadSize int64
}

// ExportKnowledge builds a knowledge bundle: payload copy, manifests,
// hashes, envelope, VERIFY.sha256. The bundle is assembled in a pristine
// temp directory and renamed into place on success.
func (e *Exporter) ExportKnowledge(ctx context.Context, req ExportRequest) (*ExportSummary, error) {
	_, span := e.tracer.Start(ctx, "world.export.knowledge",
		trace.WithAttributes(attribute.String("transfer.to", req.To)))
	defer span.End()

	transferID := ids.NewTransferID()
	tmp, finish, err := e.stageDir(req.OutputDir, transferID)
	if err != nil {
		return nil, err
	}
	defer finish.cleanup()

	var items []ManifestItem
	for _, rel := range req.Paths {
		copied, err := e.copyIntoPayload(tmp, rel)
		if err != nil {
			return nil, err
		}
		items = append(items, copied...)
	}

	manifest := &Manifest{Type: TypeKnowledge, Domain: req.Domain, Items: items}
	env, size, err := e.finishBundle(tmp, transferID, manifest, req.Paths, envelopeFields{
		typ: TypeKnowledge, to: req.To, owner: req.Owner, instanceID: req.InstanceID,
		description: req.Description, supersedes: req.Supersedes, sequence: req.Sequence,
		transport: req.Transport,
	})
	if err != nil {
		return nil, err
	}

	bundlePath, err := finish.commit()
	if err != nil {
		return nil, err
	}
	e.logSent(env)
	return &ExportSummary{
		TransferID:  transferID,
		BundlePath:  bundlePath,
		Envelope:    *env,
		FileCount:   len(items),
		PayloadSize: size,
	}, nil
}

// ExportWorkerPattern builds a worker-pattern bundle rooted at
// payload/worker/ with worker.yaml, skills, and adaptation notes.
func (e *Exporter) ExportWorkerPattern(ctx context.Context, req PatternExportRequest) (*ExportSummary, error) {
	_, span := e.tracer.Start(ctx, "world.export.pattern",
		trace.WithAttributes(attribute.String("pattern.name", req.WorkerID)))
	defer span.End()

	workerDir := req.WorkerDir
	if workerDir == "" {
		workerDir = filepath.Join("workers", req.WorkerID)
	}

	transferID := ids.NewTransferID()
	tmp, finish, err := e.stageDir(req.OutputDir, transferID)
	if err != nil {
		return nil, err
	}
	defer finish.cleanup()

	items, err := e.copyTreeAs(tmp, workerDir, "worker")
	if err != nil {
		return nil, err
	}

	adaptation := req.Adaptation
	adaptation.PatternOrigin = req.Owner
	if err := writeMetadata(tmp, "adaptation.yaml", &adaptation); err != nil {
		return nil, hqerr.New(hqerr.CodeExportIO, "write adaptation notes").WithDetail(err.Error())
	}

	manifest := &Manifest{
		Type:           TypeWorkerPattern,
		PatternName:    req.WorkerID,
		PatternVersion: req.PatternVersion,
		Items:          items,
	}
	env, size, err := e.finishBundle(tmp, transferID, manifest, []string{workerDir}, envelopeFields{
		typ: TypeWorkerPattern, to: req.To, owner: req.Owner, instanceID: req.InstanceID,
		description: req.Description, supersedes: req.Supersedes, sequence: req.Sequence,
		transport: req.Transport,
	})
	if err != nil {
		return nil, err
	}

	bundlePath, err := finish.commit()
	if err != nil {
		return nil, err
	}
	e.logSent(env)
	return &ExportSummary{
		TransferID:  transferID,
		BundlePath:  bundlePath,
		Envelope:    *env,
		FileCount:   len(items),
		PayloadSize: size,
	}, nil
}

type envelopeFields struct {
	typ, to, owner, instanceID, description, supersedes, transport string
	sequence                                                       int
}

// finishBundle writes manifest, provenance, envelope, and VERIFY into the
// staged bundle and returns the envelope.
func (e *Exporter) finishBundle(bundleDir, transferID string, manifest *Manifest, sourcePaths []string, f envelopeFields) (*Envelope, int64, error) {
	if err := WriteManifest(bundleDir, manifest); err != nil {
		return nil, 0, hqerr.New(hqerr.CodeExportIO, "write manifest").WithDetail(err.Error())
	}
	prov := &Provenance{
		Owner:       f.owner,
		InstanceID:  f.instanceID,
		GeneratedAt: ids.Now(),
		SourcePaths: sourcePaths,
	}
	if err := writeMetadata(bundleDir, "provenance.yaml", prov); err != nil {
		return nil, 0, hqerr.New(hqerr.CodeExportIO, "write provenance").WithDetail(err.Error())
	}

	payloadHash, payloadSize, err := integrity.PayloadHash(filepath.Join(bundleDir, "payload"))
	if err != nil {
		return nil, 0, hqerr.New(hqerr.CodeExportIO, "hash payload").WithDetail(err.Error())
	}

	sequence := f.sequence
	if sequence < 1 {
		sequence = 1
	}
	env := &Envelope{
		ID:          transferID,
		Type:        f.typ,
		From:        f.owner,
		To:          f.to,
		Timestamp:   ids.Now(),
		Version:     EnvelopeVersion,
		Description: f.description,
		PayloadHash: payloadHash,
		PayloadSize: payloadSize,
		Supersedes:  f.supersedes,
		Sequence:    sequence,
		Transport:   f.transport,
	}
	if err := WriteEnvelope(bundleDir, env); err != nil {
		return nil, 0, hqerr.New(hqerr.CodeExportIO, "write envelope").WithDetail(err.Error())
	}
	if err := integrity.WriteVerifyFile(bundleDir); err != nil {
		return nil, 0, hqerr.New(hqerr.CodeExportIO, "write VERIFY.sha256").WithDetail(err.Error())
	}
	return env, payloadSize, nil
}

func (e *Exporter) logSent(env *Envelope) {
	if e.log == nil {
		return
	}
	err := e.log.Append(LogEntry{
		Event:     EventSent,
		ID:        env.ID,
		Direction: DirectionOutbound,
		Type:      env.Type,
		Peer:      env.To,
	})
	if err != nil {
		// The bundle exists; a log failure must not fail the export.
		fmt.Fprintf(os.Stderr, "warning: transfer log append failed: %v\n", err)
	}
}

// staging moves a finished temp bundle into its final location.
type staging struct {
	tmp   string
	final string
	done  bool
}

func (s *staging) commit() (string, error) {
	if err := os.Rename(s.tmp, s.final); err != nil {
		return "", hqerr.New(hqerr.CodeExportIO, "finalize bundle").WithDetail(err.Error())
	}
	s.done = true
	return s.final, nil
}

func (s *staging) cleanup() {
	if !s.done {
		os.RemoveAll(s.tmp)
	}
}

// stageDir creates the pristine temp directory the bundle is assembled in.
func (e *Exporter) stageDir(outputDir, transferID string) (string, *staging, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return "", nil, hqerr.New(hqerr.CodeExportIO, "create output directory").WithDetail(err.Error())
	}
	tmp, err := os.MkdirTemp(outputDir, ".txfr-stage-")
	if err != nil {
		return "", nil, hqerr.New(hqerr.CodeExportIO, "create staging directory").WithDetail(err.Error())
	}
	if err := os.MkdirAll(filepath.Join(tmp, "payload"), 0o755); err != nil {
		os.RemoveAll(tmp)
		return "", nil, hqerr.New(hqerr.CodeExportIO, "create payload directory").WithDetail(err.Error())
	}
	return tmp, &staging{tmp: tmp, final: filepath.Join(outputDir, transferID)}, nil
}

// copyIntoPayload copies one input path (file or directory) into the
// payload, preserving its in-HQ relative path.
func (e *Exporter) copyIntoPayload(bundleDir, rel string) ([]ManifestItem, error) {
	src := filepath.Join(e.hqRoot, filepath.FromSlash(rel))
	info, err := os.Lstat(src)
	if err != nil {
		return nil, hqerr.Newf(hqerr.CodeExportIO, "input path %q unreadable", rel).WithDetail(err.Error())
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return nil, hqerr.Newf(hqerr.CodeExportIO, "input path %q is a symlink", rel)
	}
	if info.IsDir() {
		var items []ManifestItem
		err := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.Type().IsRegular() {
				return nil
			}
			sub, err := filepath.Rel(e.hqRoot, path)
			if err != nil {
				return err
			}
			item, err := e.copyPayloadFile(bundleDir, path, filepath.ToSlash(sub), filepath.ToSlash(sub))
			if err != nil {
				return err
			}
			items = append(items, *item)
			return nil
		})
		if err != nil {
			if hqerr.CodeOf(err) != "" {
				return nil, err
			}
			return nil, hqerr.Newf(hqerr.CodeExportIO, "walk %q failed", rel).WithDetail(err.Error())
		}
		return items, nil
	}

	item, err := e.copyPayloadFile(bundleDir, src, filepath.ToSlash(rel), filepath.ToSlash(rel))
	if err != nil {
		return nil, err
	}
	return []ManifestItem{*item}, nil
}

// copyTreeAs copies the tree at srcRel (relative to the HQ root) into the
// payload under destRoot, e.g. workers/backend-dev → payload/worker/.
func (e *Exporter) copyTreeAs(bundleDir, srcRel, destRoot string) ([]ManifestItem, error) {
	src := filepath.Join(e.hqRoot, filepath.FromSlash(srcRel))
	var items []ManifestItem
	err := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		sub, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		srcPath, err := filepath.Rel(e.hqRoot, path)
		if err != nil {
			return err
		}
		item, err := e.copyPayloadFile(bundleDir, path, destRoot+"/"+filepath.ToSlash(sub), filepath.ToSlash(srcPath))
		if err != nil {
			return err
		}
		items = append(items, *item)
		return nil
	})
	if err != nil {
		if hqerr.CodeOf(err) != "" {
			return nil, err
		}
		return nil, hqerr.Newf(hqerr.CodeExportIO, "walk %q failed", srcRel).WithDetail(err.Error())
	}
	return items, nil
}

// copyPayloadFile copies one file into payload/<destRel> and returns its
// manifest item.
func (e *Exporter) copyPayloadFile(bundleDir, src, destRel, sourcePath string) (*ManifestItem, error) {
	dst := filepath.Join(bundleDir, "payload", filepath.FromSlash(destRel))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return nil, hqerr.New(hqerr.CodeExportIO, "create payload subdirectory").WithDetail(err.Error())
	}
	if err := copyFile(src, dst); err != nil {
		return nil, hqerr.Newf(hqerr.CodeExportIO, "copy %q", sourcePath).WithDetail(err.Error())
	}
	hash, err := integrity.HashFile(dst)
	if err != nil {
		return nil, hqerr.Newf(hqerr.CodeExportIO, "hash %q", destRel).WithDetail(err.Error())
	}
	info, err := os.Stat(dst)
	if err != nil {
		return nil, hqerr.Newf(hqerr.CodeExportIO, "stat %q", destRel).WithDetail(err.Error())
	}
	return &ManifestItem{Path: destRel, Hash: hash, Size: info.Size(), SourcePath: sourcePath}, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
