package world

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/hqlink/internal/bus"
	"github.com/nextlevelbuilder/hqlink/internal/hqerr"
	"github.com/nextlevelbuilder/hqlink/internal/ids"
	"github.com/nextlevelbuilder/hqlink/internal/integrity"
	"github.com/nextlevelbuilder/hqlink/pkg/protocol"
)

// newHQ lays out a minimal HQ root with one knowledge file.
func newHQ(t *testing.T) (root string) {
	t.Helper()
	root = t.TempDir()
	kdir := filepath.Join(root, "knowledge", "testing")
	require.NoError(t, os.MkdirAll(kdir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(kdir, "e2e-patterns.md"), []byte("# E2E patterns\nalways seed state\n"), 0o644))
	return root
}

func newLog(t *testing.T, root string) *Log {
	t.Helper()
	lg, err := NewLog(filepath.Join(root, "workspace", "world", "log"))
	require.NoError(t, err)
	return lg
}

func exportKnowledge(t *testing.T, root string, lg *Log, seq int, supersedes string) *ExportSummary {
	t.Helper()
	exp := NewExporter(root, lg)
	sum, err := exp.ExportKnowledge(context.Background(), ExportRequest{
		Paths:      []string{"knowledge/testing/e2e-patterns.md"},
		Domain:     "testing",
		To:         "alex",
		Owner:      "stefan",
		InstanceID: "stefan-hq-primary",
		OutputDir:  filepath.Join(root, "workspace", "world", "outbox"),
		Supersedes: supersedes,
		Sequence:   seq,
		Transport:  "slack",
	})
	require.NoError(t, err)
	return sum
}

func TestExportKnowledge_BundleShape(t *testing.T) {
	root := newHQ(t)
	lg := newLog(t, root)
	sum := exportKnowledge(t, root, lg, 1, "")

	require.True(t, ids.ValidTransferID(sum.TransferID))
	require.Equal(t, 1, sum.FileCount)

	// Layout per the bundle contract.
	for _, rel := range []string{
		"envelope.yaml",
		"VERIFY.sha256",
		"payload/manifest.yaml",
		"payload/knowledge/testing/e2e-patterns.md",
		"payload/metadata/provenance.yaml",
	} {
		_, err := os.Stat(filepath.Join(sum.BundlePath, filepath.FromSlash(rel)))
		require.NoError(t, err, rel)
	}

	env, err := ReadEnvelope(sum.BundlePath)
	require.NoError(t, err)
	require.Equal(t, TypeKnowledge, env.Type)
	require.Equal(t, "stefan", env.From)
	require.Equal(t, "alex", env.To)
	require.Equal(t, EnvelopeVersion, env.Version)
	require.Equal(t, 1, env.Sequence)
	require.Equal(t, "slack", env.Transport)

	m, err := ReadManifest(sum.BundlePath)
	require.NoError(t, err)
	require.Equal(t, "testing", m.Domain)
	require.Len(t, m.Items, 1)
	require.Equal(t, "knowledge/testing/e2e-patterns.md", m.Items[0].Path)
	require.Equal(t, "knowledge/testing/e2e-patterns.md", m.Items[0].SourcePath)

	// Fresh exports always verify.
	rep, err := integrity.VerifyBundle(sum.BundlePath, env.PayloadHash, env.PayloadSize)
	require.NoError(t, err)
	require.True(t, rep.Valid, "issues: %v", rep.Issues)

	// A sent entry landed in the transfer log.
	entries, err := lg.ReadAll()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, EventSent, entries[0].Event)
	require.Equal(t, sum.TransferID, entries[0].ID)
	require.Equal(t, DirectionOutbound, entries[0].Direction)
	require.Equal(t, "alex", entries[0].Peer)
}

func TestRoundTrip_PreviewStage(t *testing.T) {
	rootA := newHQ(t)
	logA := newLog(t, rootA)
	sum := exportKnowledge(t, rootA, logA, 1, "")

	// HQ-B receives the bundle.
	rootB := t.TempDir()
	logB := newLog(t, rootB)
	b := bus.New()
	var staged []string
	b.Subscribe("test", func(ev bus.Event) {
		if ev.Name == protocol.EventTransferStaged {
			staged = append(staged, ev.Name)
		}
	})
	imp := NewImporter(rootB, logB, b)

	p, err := imp.PreviewBundle(context.Background(), sum.BundlePath)
	require.NoError(t, err)
	require.True(t, p.Verification.Valid)
	require.Empty(t, p.Conflicts)
	require.Contains(t, p.Summary, "knowledge")
	require.Contains(t, p.Summary, "sequence 1")

	dest, err := imp.Stage(context.Background(), sum.BundlePath, "alex")
	require.NoError(t, err)
	require.Equal(t,
		filepath.Join(rootB, "workspace", "world", "inbox", "stefan", "knowledge", sum.TransferID),
		dest)

	// Staged payload file matches the original byte-for-byte.
	origHash, err := integrity.HashFile(filepath.Join(rootA, "knowledge", "testing", "e2e-patterns.md"))
	require.NoError(t, err)
	stagedHash, err := integrity.HashFile(filepath.Join(dest, "payload", "knowledge", "testing", "e2e-patterns.md"))
	require.NoError(t, err)
	require.Equal(t, origHash, stagedHash)

	// HQ-B's log has received + approved; HQ-A's has sent.
	entriesB, err := logB.ReadAll()
	require.NoError(t, err)
	require.Len(t, entriesB, 2)
	require.Equal(t, EventReceived, entriesB[0].Event)
	require.Equal(t, EventApproved, entriesB[1].Event)
	require.Equal(t, "alex", entriesB[1].ApprovedBy)
	require.Equal(t, dest, entriesB[1].StagedTo)

	require.Len(t, staged, 1)

	// Peer capability manifest cache refreshed.
	_, err = os.Stat(filepath.Join(rootB, "workspace", "world", "peers", "stefan", "manifest"))
	require.NoError(t, err)
}

func TestPreview_TamperedBundle(t *testing.T) {
	root := newHQ(t)
	lg := newLog(t, root)
	sum := exportKnowledge(t, root, lg, 1, "")

	target := filepath.Join(sum.BundlePath, "payload", "knowledge", "testing", "e2e-patterns.md")
	require.NoError(t, os.WriteFile(target, []byte("tampered!"), 0o644))

	imp := NewImporter(t.TempDir(), newLog(t, t.TempDir()), nil)
	p, err := imp.PreviewBundle(context.Background(), sum.BundlePath)
	require.NoError(t, err, "preview reports, never fails, on bad integrity")
	require.False(t, p.Verification.Valid)

	var hashPaths []string
	for _, is := range p.Verification.Issues {
		if is.Code == hqerr.CodeHashMismatch {
			hashPaths = append(hashPaths, is.Path)
		}
	}
	require.Contains(t, hashPaths, "payload/knowledge/testing/e2e-patterns.md")
	require.Contains(t, p.Summary, "FAILED")
}

func TestChainTransfer_SupersedesInSummary(t *testing.T) {
	root := newHQ(t)
	lg := newLog(t, root)
	first := exportKnowledge(t, root, lg, 1, "")
	require.Equal(t, "", first.Envelope.Supersedes)

	second := exportKnowledge(t, root, lg, 2, first.TransferID)
	require.Equal(t, 2, second.Envelope.Sequence)
	require.Equal(t, first.TransferID, second.Envelope.Supersedes)

	imp := NewImporter(t.TempDir(), newLog(t, t.TempDir()), nil)
	p, err := imp.PreviewBundle(context.Background(), second.BundlePath)
	require.NoError(t, err)
	require.Contains(t, p.Summary, "sequence 2")
	require.Contains(t, p.Summary, "Supersedes "+first.TransferID)
}

func TestPreview_ConflictDetection(t *testing.T) {
	rootA := newHQ(t)
	sum := exportKnowledge(t, rootA, newLog(t, rootA), 1, "")

	// HQ-B has its own divergent copy at the same path.
	rootB := newHQ(t)
	require.NoError(t, os.WriteFile(
		filepath.Join(rootB, "knowledge", "testing", "e2e-patterns.md"),
		[]byte("locally edited\n"), 0o644))

	imp := NewImporter(rootB, newLog(t, rootB), nil)
	p, err := imp.PreviewBundle(context.Background(), sum.BundlePath)
	require.NoError(t, err)
	require.Len(t, p.Conflicts, 1)
	require.Equal(t, "knowledge/testing/e2e-patterns.md", p.Conflicts[0].LocalPath)
	require.Equal(t, "local differs from incoming", p.Conflicts[0].Description)
}

func TestPreview_ModifiedSinceIntegration(t *testing.T) {
	rootA := newHQ(t)
	sum := exportKnowledge(t, rootA, newLog(t, rootA), 1, "")

	rootB := newHQ(t)
	logB := newLog(t, rootB)
	// Same content as incoming, but the log says a different hash was
	// integrated earlier: the local copy moved since then.
	require.NoError(t, logB.Append(LogEntry{
		Event:           EventIntegrated,
		ID:              "txfr-000000000000",
		Direction:       DirectionInbound,
		Type:            TypeKnowledge,
		Peer:            "stefan",
		IntegratedTo:    "knowledge/testing/e2e-patterns.md",
		IntegrationHash: "sha256:0000000000000000000000000000000000000000000000000000000000000000",
	}))

	imp := NewImporter(rootB, logB, nil)
	p, err := imp.PreviewBundle(context.Background(), sum.BundlePath)
	require.NoError(t, err)
	require.Len(t, p.Conflicts, 1)
	require.Equal(t, "modified since integration", p.Conflicts[0].Description)
}

func TestReject_LogsAndLeavesNothing(t *testing.T) {
	rootA := newHQ(t)
	sum := exportKnowledge(t, rootA, newLog(t, rootA), 1, "")

	rootB := t.TempDir()
	logB := newLog(t, rootB)
	imp := NewImporter(rootB, logB, nil)
	require.NoError(t, imp.Reject(context.Background(), sum.BundlePath, "not wanted"))

	entries, err := logB.ReadAll()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, EventRejected, entries[0].Event)
	require.Equal(t, "not wanted", entries[0].Reason)

	_, err = os.Stat(filepath.Join(rootB, "workspace", "world", "inbox"))
	require.True(t, os.IsNotExist(err))
}

func TestQuarantine_MovesBundle(t *testing.T) {
	rootA := newHQ(t)
	sum := exportKnowledge(t, rootA, newLog(t, rootA), 1, "")
	require.NoError(t, os.WriteFile(
		filepath.Join(sum.BundlePath, "payload", "knowledge", "testing", "e2e-patterns.md"),
		[]byte("evil"), 0o644))

	rootB := t.TempDir()
	logB := newLog(t, rootB)
	imp := NewImporter(rootB, logB, nil)

	p, err := imp.PreviewBundle(context.Background(), sum.BundlePath)
	require.NoError(t, err)
	require.False(t, p.Verification.Valid)

	dest, err := imp.Quarantine(context.Background(), sum.BundlePath, p.Verification)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(rootB, "workspace", "world", "quarantine", sum.TransferID), dest)

	_, err = os.Stat(sum.BundlePath)
	require.True(t, os.IsNotExist(err), "quarantine moves, not copies")
	_, err = os.Stat(filepath.Join(dest, "envelope.yaml"))
	require.NoError(t, err)

	entries, err := logB.ReadAll()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, EventQuarantined, entries[0].Event)
	require.Contains(t, entries[0].ErrorCode, "HASH_MISMATCH")
}

func TestIntegrate(t *testing.T) {
	rootA := newHQ(t)
	sum := exportKnowledge(t, rootA, newLog(t, rootA), 1, "")

	rootB := t.TempDir()
	logB := newLog(t, rootB)
	imp := NewImporter(rootB, logB, nil)
	dest, err := imp.Stage(context.Background(), sum.BundlePath, "alex")
	require.NoError(t, err)

	require.NoError(t, imp.Integrate(context.Background(), dest, false))

	integrated := filepath.Join(rootB, "knowledge", "testing", "e2e-patterns.md")
	data, err := os.ReadFile(integrated)
	require.NoError(t, err)
	require.Contains(t, string(data), "E2E patterns")

	entries, err := logB.ReadAll()
	require.NoError(t, err)
	last := entries[len(entries)-1]
	require.Equal(t, EventIntegrated, last.Event)
	require.Equal(t, "knowledge/testing/e2e-patterns.md", last.IntegratedTo)
	require.NotEmpty(t, last.IntegrationHash)

	// Re-integrating after a local edit without force is a conflict.
	require.NoError(t, os.WriteFile(integrated, []byte("diverged"), 0o644))
	err = imp.Integrate(context.Background(), dest, false)
	require.Equal(t, hqerr.CodeTxfrConflict, hqerr.CodeOf(err))

	require.NoError(t, imp.Integrate(context.Background(), dest, true))
}

func TestWorkerPatternExport(t *testing.T) {
	root := t.TempDir()
	wdir := filepath.Join(root, "workers", "backend-dev")
	require.NoError(t, os.MkdirAll(filepath.Join(wdir, "skills"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(wdir, "worker.yaml"), []byte("id: backend-dev\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(wdir, "skills", "deploy.md"), []byte("# deploy\n"), 0o644))

	lg := newLog(t, root)
	exp := NewExporter(root, lg)
	sum, err := exp.ExportWorkerPattern(context.Background(), PatternExportRequest{
		WorkerID:       "backend-dev",
		PatternVersion: "1.2.0",
		To:             "alex",
		Owner:          "stefan",
		InstanceID:     "stefan-hq-primary",
		OutputDir:      filepath.Join(root, "out"),
		Transport:      "linear",
		Adaptation: Adaptation{
			Requires: AdaptationRequires{Knowledge: []string{"testing"}, Tools: []string{"docker"}},
			CustomizationPoints: []CustomizationPoint{
				{Field: "workspace", Guidance: "point at your repo", Priority: "high"},
			},
			NotIncluded:    []string{"credentials"},
			EvolutionNotes: "tuned for monorepos",
		},
	})
	require.NoError(t, err)

	m, err := ReadManifest(sum.BundlePath)
	require.NoError(t, err)
	require.Equal(t, TypeWorkerPattern, m.Type)
	require.Equal(t, "backend-dev", m.PatternName)
	require.Equal(t, "1.2.0", m.PatternVersion)

	paths := map[string]bool{}
	for _, it := range m.Items {
		paths[it.Path] = true
	}
	require.True(t, paths["worker/worker.yaml"])
	require.True(t, paths["worker/skills/deploy.md"])

	a, err := ReadAdaptation(sum.BundlePath)
	require.NoError(t, err)
	require.Equal(t, "stefan", a.PatternOrigin)
	require.Equal(t, []string{"testing"}, a.Requires.Knowledge)
	require.Len(t, a.CustomizationPoints, 1)

	env, err := ReadEnvelope(sum.BundlePath)
	require.NoError(t, err)
	rep, err := integrity.VerifyBundle(sum.BundlePath, env.PayloadHash, env.PayloadSize)
	require.NoError(t, err)
	require.True(t, rep.Valid, "issues: %v", rep.Issues)

	// Preview surfaces the adaptation notes.
	imp := NewImporter(t.TempDir(), newLog(t, t.TempDir()), nil)
	p, err := imp.PreviewBundle(context.Background(), sum.BundlePath)
	require.NoError(t, err)
	require.NotNil(t, p.Adaptation)
}

func TestManifestNotInVerify_IsManifestError(t *testing.T) {
	root := newHQ(t)
	sum := exportKnowledge(t, root, newLog(t, root), 1, "")

	// Add a phantom item to the manifest without touching VERIFY.
	m, err := ReadManifest(sum.BundlePath)
	require.NoError(t, err)
	m.Items = append(m.Items, ManifestItem{Path: "knowledge/phantom.md", Hash: "sha256:00", Size: 1})
	require.NoError(t, WriteManifest(sum.BundlePath, m))

	imp := NewImporter(t.TempDir(), newLog(t, t.TempDir()), nil)
	_, err = imp.PreviewBundle(context.Background(), sum.BundlePath)
	require.Equal(t, hqerr.CodeTxfrManifest, hqerr.CodeOf(err))
}

func TestExport_MissingInputFails(t *testing.T) {
	root := t.TempDir()
	exp := NewExporter(root, newLog(t, root))
	_, err := exp.ExportKnowledge(context.Background(), ExportRequest{
		Paths: []string{"knowledge/absent.md"}, Domain: "x", To: "alex",
		Owner: "stefan", InstanceID: "hq", OutputDir: filepath.Join(root, "out"),
	})
	require.Equal(t, hqerr.CodeExportIO, hqerr.CodeOf(err))
	// Nothing half-written is left behind.
	entries, _ := os.ReadDir(filepath.Join(root, "out"))
	require.Empty(t, entries)
}

func TestLog_TornTrailingRecordDropped(t *testing.T) {
	dir := t.TempDir()
	lg, err := NewLog(dir)
	require.NoError(t, err)
	require.NoError(t, lg.Append(LogEntry{Event: EventSent, ID: "txfr-aaaaaaaaaaaa", Direction: DirectionOutbound, Type: TypeKnowledge, Peer: "alex"}))

	day := time.Now().UTC().Format("2006-01-02")
	path := filepath.Join(dir, day+".yaml")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"timestamp":"2026-08-01T00:00:00Z","event":"rec`) // torn
	require.NoError(t, err)
	require.NoError(t, f.Close())

	entries, err := lg.ReadDay(day)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, EventSent, entries[0].Event)
}
