// Package world implements the cross-HQ transfer engine: content-addressed
// bundle export, inbound preview/staging/quarantine, and the append-only
// transfer log.
package world

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/moby/sys/atomicwriter"
	"gopkg.in/yaml.v3"
)

// Bundle types.
const (
	TypeKnowledge     = "knowledge"
	TypeWorkerPattern = "worker-pattern"
)

// EnvelopeVersion is the only bundle format version this engine produces
// and consumes.
const EnvelopeVersion = "v1"

// Envelope is the outer metadata of every bundle, stored in envelope.yaml
// under a top-level "envelope:" key.
type Envelope struct {
	ID          string `yaml:"id"`
	Type        string `yaml:"type"`
	From        string `yaml:"from"`
	To          string `yaml:"to"`
	Timestamp   string `yaml:"timestamp"`
	Version     string `yaml:"version"`
	Description string `yaml:"description,omitempty"`
	PayloadHash string `yaml:"payload-hash"`
	PayloadSize int64  `yaml:"payload-size"`
	Supersedes  string `yaml:"supersedes"`
	Sequence    int    `yaml:"sequence"`
	Transport   string `yaml:"transport"`
}

type envelopeDoc struct {
	Envelope Envelope `yaml:"envelope"`
}

// ReadEnvelope loads envelope.yaml from a bundle directory.
func ReadEnvelope(bundleDir string) (*Envelope, error) {
	data, err := os.ReadFile(filepath.Join(bundleDir, "envelope.yaml"))
	if err != nil {
		return nil, err
	}
	var doc envelopeDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("envelope.yaml: %w", err)
	}
	return &doc.Envelope, nil
}

// WriteEnvelope writes envelope.yaml into a bundle directory.
func WriteEnvelope(bundleDir string, env *Envelope) error {
	data, err := yaml.Marshal(envelopeDoc{Envelope: *env})
	if err != nil {
		return err
	}
	return atomicwriter.WriteFile(filepath.Join(bundleDir, "envelope.yaml"), data, 0o644)
}

// ManifestItem is one payload file with its authoritative hash and size.
type ManifestItem struct {
	Path       string `yaml:"path"` // payload-relative, "/" separators
	Hash       string `yaml:"hash"` // "sha256:<hex>"
	Size       int64  `yaml:"size"`
	SourcePath string `yaml:"source-path,omitempty"` // in-HQ relative origin
}

// Manifest is the per-file authoritative record of a bundle payload.
// Knowledge manifests carry Domain; worker-pattern manifests carry
// PatternName and PatternVersion.
type Manifest struct {
	Type           string         `yaml:"type"`
	Domain         string         `yaml:"domain,omitempty"`
	PatternName    string         `yaml:"pattern-name,omitempty"`
	PatternVersion string         `yaml:"pattern-version,omitempty"`
	Items          []ManifestItem `yaml:"items"`
}

// ReadManifest loads payload/manifest.yaml from a bundle directory.
func ReadManifest(bundleDir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(bundleDir, "payload", "manifest.yaml"))
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("manifest.yaml: %w", err)
	}
	return &m, nil
}

// WriteManifest writes payload/manifest.yaml into a bundle directory.
func WriteManifest(bundleDir string, m *Manifest) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return err
	}
	return atomicwriter.WriteFile(filepath.Join(bundleDir, "payload", "manifest.yaml"), data, 0o644)
}

// Provenance records who produced the bundle and from what.
type Provenance struct {
	Owner       string   `yaml:"owner"`
	InstanceID  string   `yaml:"instance-id"`
	GeneratedAt string   `yaml:"generated-at"`
	SourcePaths []string `yaml:"source-paths"`
}

// CustomizationPoint flags a field of a shipped pattern the receiving
// operator should adapt.
type CustomizationPoint struct {
	Field    string `yaml:"field"`
	Guidance string `yaml:"guidance"`
	Priority string `yaml:"priority"` // low | medium | high
}

// AdaptationRequires lists what a pattern needs on the receiving side.
type AdaptationRequires struct {
	Knowledge []string `yaml:"knowledge,omitempty"`
	Tools     []string `yaml:"tools,omitempty"`
}

// Adaptation is the worker-pattern adaptation note sheet.
type Adaptation struct {
	Requires            AdaptationRequires   `yaml:"requires"`
	CustomizationPoints []CustomizationPoint `yaml:"customization-points,omitempty"`
	NotIncluded         []string             `yaml:"not-included,omitempty"`
	EvolutionNotes      string               `yaml:"evolution-notes,omitempty"`
	PatternOrigin       string               `yaml:"pattern-origin"`
}

func metadataDir(bundleDir string) string {
	return filepath.Join(bundleDir, "payload", "metadata")
}

// ReadAdaptation loads payload/metadata/adaptation.yaml, present on
// worker-pattern bundles only.
func ReadAdaptation(bundleDir string) (*Adaptation, error) {
	data, err := os.ReadFile(filepath.Join(metadataDir(bundleDir), "adaptation.yaml"))
	if err != nil {
		return nil, err
	}
	var a Adaptation
	if err := yaml.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("adaptation.yaml: %w", err)
	}
	return &a, nil
}

func writeMetadata(bundleDir, name string, v any) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(metadataDir(bundleDir), 0o755); err != nil {
		return err
	}
	return atomicwriter.WriteFile(filepath.Join(metadataDir(bundleDir), name), data, 0o644)
}
