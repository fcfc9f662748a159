package world

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/hqlink/internal/bus"
	"github.com/nextlevelbuilder/hqlink/internal/hqerr"
	"github.com/nextlevelbuilder/hqlink/internal/integrity"
	"github.com/nextlevelbuilder/hqlink/pkg/protocol"
)

// Conflict flags a local path that would diverge on integration.
type Conflict struct {
	LocalPath   string `yaml:"local-path"`
	Description string `yaml:"description"`
}

// Preview is the operator-facing inspection of an inbound bundle.
type Preview struct {
	Envelope     *Envelope        `yaml:"envelope"`
	Verification integrity.Report `yaml:"verification"`
	Conflicts    []Conflict       `yaml:"conflicts"`
	Adaptation   *Adaptation      `yaml:"adaptation,omitempty"`
	Summary      string           `yaml:"summary"`
}

// Importer previews, stages, rejects, and quarantines inbound bundles.
type Importer struct {
	hqRoot string
	log    *Log
	bus    bus.Publisher
	tracer trace.Tracer
}

// NewImporter creates an importer for the HQ rooted at hqRoot.
func NewImporter(hqRoot string, log *Log, b bus.Publisher) *Importer {
	return &Importer{hqRoot: hqRoot, log: log, bus: b, tracer: otel.Tracer("hqlink/world")}
}

func (i *Importer) inboxDir(env *Envelope) string {
	return filepath.Join(i.hqRoot, "workspace", "world", "inbox", env.From, env.Type, env.ID)
}

func (i *Importer) quarantineDir(transferID string) string {
	return filepath.Join(i.hqRoot, "workspace", "world", "quarantine", transferID)
}

// PreviewBundle inspects a bundle without touching the live tree: envelope,
// full integrity verification (never short-circuiting), manifest, conflict
// scan, and adaptation notes for worker patterns.
func (i *Importer) PreviewBundle(ctx context.Context, bundlePath string) (*Preview, error) {
	_, span := i.tracer.Start(ctx, "world.preview")
	defer span.End()

	env, err := ReadEnvelope(bundlePath)
	if err != nil {
		return nil, hqerr.New(hqerr.CodeTxfrManifest, "bundle envelope unreadable").WithDetail(err.Error())
	}
	span.SetAttributes(attribute.String("transfer.id", env.ID))

	report, err := integrity.VerifyBundle(bundlePath, env.PayloadHash, env.PayloadSize)
	if err != nil {
		return nil, err
	}

	p := &Preview{Envelope: env, Verification: report, Conflicts: []Conflict{}}

	manifest, err := ReadManifest(bundlePath)
	if err != nil {
		return nil, hqerr.New(hqerr.CodeTxfrManifest, "payload manifest unreadable").WithDetail(err.Error())
	}
	if err := checkManifestAgainstVerify(bundlePath, manifest); err != nil {
		return nil, err
	}

	if env.Type == TypeWorkerPattern {
		if adaptation, err := ReadAdaptation(bundlePath); err == nil {
			p.Adaptation = adaptation
		}
	}

	conflicts, err := i.scanConflicts(bundlePath, manifest)
	if err != nil {
		return nil, err
	}
	p.Conflicts = conflicts

	p.Summary = summarize(env, report, len(conflicts))
	return p, nil
}

// checkManifestAgainstVerify treats a manifest item absent from
// VERIFY.sha256 as a malformed manifest.
func checkManifestAgainstVerify(bundlePath string, manifest *Manifest) error {
	data, err := os.ReadFile(filepath.Join(bundlePath, integrity.VerifyFileName))
	if err != nil {
		return nil // the missing VERIFY file is already a verification issue
	}
	lines, err := integrity.ParseVerify(string(data))
	if err != nil {
		return nil
	}
	listed := make(map[string]bool, len(lines))
	for _, l := range lines {
		listed[l.Path] = true
	}
	for _, item := range manifest.Items {
		if !listed["payload/"+item.Path] {
			return hqerr.Newf(hqerr.CodeTxfrManifest,
				"manifest lists %q but VERIFY.sha256 does not", item.Path)
		}
	}
	return nil
}

// scanConflicts compares manifest items against the local tree and the
// integration history.
func (i *Importer) scanConflicts(bundlePath string, manifest *Manifest) ([]Conflict, error) {
	conflicts := []Conflict{}
	for _, item := range manifest.Items {
		if item.SourcePath == "" {
			continue
		}
		localPath := filepath.Join(i.hqRoot, filepath.FromSlash(item.SourcePath))
		localHash, err := integrity.HashFile(localPath)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		if localHash != item.Hash {
			conflicts = append(conflicts, Conflict{
				LocalPath:   item.SourcePath,
				Description: "local differs from incoming",
			})
		}
		if i.log != nil {
			prior, err := i.log.LastIntegration(item.SourcePath)
			if err != nil {
				return nil, err
			}
			if prior != nil && prior.IntegrationHash != "" && prior.IntegrationHash != localHash {
				conflicts = append(conflicts, Conflict{
					LocalPath:   item.SourcePath,
					Description: "modified since integration",
				})
			}
		}
	}
	return conflicts, nil
}

func summarize(env *Envelope, report integrity.Report, conflictCount int) string {
	status := "integrity verified"
	if !report.Valid {
		codes := make([]string, 0, len(report.Codes()))
		for _, c := range report.Codes() {
			codes = append(codes, string(c))
		}
		status = "integrity FAILED (" + strings.Join(codes, ", ") + ")"
	}
	s := fmt.Sprintf("%s bundle %s from %s, sequence %d, %s, %d conflict(s).",
		env.Type, env.ID, env.From, env.Sequence, status, conflictCount)
	if env.Supersedes != "" {
		s += fmt.Sprintf(" Supersedes %s.", env.Supersedes)
	}
	return s
}

// Stage copies an approved bundle into the world inbox atomically and logs
// received + approved. Integration into the live tree is a separate
// operator action.
func (i *Importer) Stage(ctx context.Context, bundlePath, approvedBy string) (string, error) {
	_, span := i.tracer.Start(ctx, "world.stage")
	defer span.End()

	env, err := ReadEnvelope(bundlePath)
	if err != nil {
		return "", hqerr.New(hqerr.CodeTxfrManifest, "bundle envelope unreadable").WithDetail(err.Error())
	}

	dest := i.inboxDir(env)
	parent := filepath.Dir(dest)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return "", hqerr.New(hqerr.CodeTxfrStageIO, "create inbox directory").WithDetail(err.Error())
	}
	tmp, err := os.MkdirTemp(parent, ".stage-")
	if err != nil {
		return "", hqerr.New(hqerr.CodeTxfrStageIO, "create staging directory").WithDetail(err.Error())
	}
	defer os.RemoveAll(tmp)

	if err := copyTree(bundlePath, tmp); err != nil {
		return "", hqerr.New(hqerr.CodeTxfrStageIO, "copy bundle").WithDetail(err.Error())
	}
	if err := os.Rename(tmp, dest); err != nil {
		return "", hqerr.New(hqerr.CodeTxfrStageIO, "finalize staged bundle").WithDetail(err.Error())
	}

	i.refreshPeerManifest(env)

	base := LogEntry{ID: env.ID, Direction: DirectionInbound, Type: env.Type, Peer: env.From}
	received := base
	received.Event = EventReceived
	if err := i.log.Append(received); err != nil {
		return dest, err
	}
	approved := base
	approved.Event = EventApproved
	approved.StagedTo = dest
	approved.ApprovedBy = approvedBy
	if err := i.log.Append(approved); err != nil {
		return dest, err
	}

	if i.bus != nil {
		i.bus.Publish(bus.Event{Name: protocol.EventTransferStaged, Payload: map[string]any{
			"id": env.ID, "type": env.Type, "peer": env.From, "staged-to": dest,
		}})
	}
	return dest, nil
}

// Reject records the rejection and leaves nothing on disk.
func (i *Importer) Reject(ctx context.Context, bundlePath, reason string) error {
	env, err := ReadEnvelope(bundlePath)
	if err != nil {
		return hqerr.New(hqerr.CodeTxfrManifest, "bundle envelope unreadable").WithDetail(err.Error())
	}
	return i.log.Append(LogEntry{
		Event:     EventRejected,
		ID:        env.ID,
		Direction: DirectionInbound,
		Type:      env.Type,
		Peer:      env.From,
		Reason:    reason,
	})
}

// Quarantine moves a verification-failed bundle aside for later forensics
// and logs the failure codes.
func (i *Importer) Quarantine(ctx context.Context, bundlePath string, report integrity.Report) (string, error) {
	env, err := ReadEnvelope(bundlePath)
	if err != nil {
		return "", hqerr.New(hqerr.CodeTxfrManifest, "bundle envelope unreadable").WithDetail(err.Error())
	}

	dest := i.quarantineDir(env.ID)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", hqerr.New(hqerr.CodeTxfrStageIO, "create quarantine directory").WithDetail(err.Error())
	}
	if err := os.Rename(bundlePath, dest); err != nil {
		// Cross-device move: fall back to copy + remove.
		if copyErr := copyTree(bundlePath, dest); copyErr != nil {
			return "", hqerr.New(hqerr.CodeTxfrStageIO, "quarantine bundle").WithDetail(copyErr.Error())
		}
		os.RemoveAll(bundlePath)
	}

	codes := make([]string, 0, len(report.Codes()))
	for _, c := range report.Codes() {
		codes = append(codes, string(c))
	}
	detail := make([]string, 0, len(report.Issues))
	for _, is := range report.Issues {
		detail = append(detail, fmt.Sprintf("%s %s", is.Code, is.Path))
	}
	return dest, i.log.Append(LogEntry{
		Event:       EventQuarantined,
		ID:          env.ID,
		Direction:   DirectionInbound,
		Type:        env.Type,
		Peer:        env.From,
		ErrorCode:   strings.Join(codes, ","),
		ErrorDetail: strings.Join(detail, "; "),
	})
}

// Integrate copies a staged bundle's payload files into the live tree at
// their source paths. Divergent local content fails with ERR_TXFR_CONFLICT
// unless force is set. Each written file is logged as integrated with its
// integration hash.
func (i *Importer) Integrate(ctx context.Context, stagedPath string, force bool) error {
	env, err := ReadEnvelope(stagedPath)
	if err != nil {
		return hqerr.New(hqerr.CodeTxfrManifest, "bundle envelope unreadable").WithDetail(err.Error())
	}
	manifest, err := ReadManifest(stagedPath)
	if err != nil {
		return hqerr.New(hqerr.CodeTxfrManifest, "payload manifest unreadable").WithDetail(err.Error())
	}

	if !force {
		conflicts, err := i.scanConflicts(stagedPath, manifest)
		if err != nil {
			return err
		}
		if len(conflicts) > 0 {
			return hqerr.Newf(hqerr.CodeTxfrConflict,
				"%d local path(s) diverge; resolve or force", len(conflicts))
		}
	}

	for _, item := range manifest.Items {
		if item.SourcePath == "" {
			continue
		}
		src := filepath.Join(stagedPath, "payload", filepath.FromSlash(item.Path))
		dst := filepath.Join(i.hqRoot, filepath.FromSlash(item.SourcePath))
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return hqerr.New(hqerr.CodeTxfrStageIO, "create target directory").WithDetail(err.Error())
		}
		if err := copyFile(src, dst); err != nil {
			return hqerr.Newf(hqerr.CodeTxfrStageIO, "integrate %q", item.SourcePath).WithDetail(err.Error())
		}
		if err := i.log.Append(LogEntry{
			Event:           EventIntegrated,
			ID:              env.ID,
			Direction:       DirectionInbound,
			Type:            env.Type,
			Peer:            env.From,
			IntegratedTo:    item.SourcePath,
			IntegrationHash: item.Hash,
		}); err != nil {
			return err
		}
	}

	if i.bus != nil {
		i.bus.Publish(bus.Event{Name: protocol.EventTransferIntegrated, Payload: map[string]any{
			"id": env.ID, "type": env.Type, "peer": env.From,
		}})
	}
	return nil
}

// refreshPeerManifest updates the cached capability manifest for the
// sending peer.
func (i *Importer) refreshPeerManifest(env *Envelope) {
	dir := filepath.Join(i.hqRoot, "workspace", "world", "peers", env.From)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return
	}
	content := fmt.Sprintf("owner: %s\nlast-transfer: %s\nlast-seen: %s\ntransport: %s\n",
		env.From, env.ID, env.Timestamp, env.Transport)
	os.WriteFile(filepath.Join(dir, "manifest"), []byte(content), 0o644)
}

// copyTree copies every regular file under src into dst, preserving
// relative paths.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		return copyFile(path, target)
	})
}
