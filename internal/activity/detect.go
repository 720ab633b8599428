package activity

import (
	"context"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/roach88/transformflow/internal/ir"
)

// Change detection reasons.
const (
	ReasonNoArtifact = "No existing approved code"
	ReasonUnchanged  = "Mapping and data schema unchanged since last approval"
	ReasonChanged    = "Mapping or data schema changed since last approval"
)

// schemaSampleRows bounds how many data rows inform a column's kind.
const schemaSampleRows = 100

// Fingerprinter digests the inputs of a transformation.
type Fingerprinter interface {
	Fingerprint(ctx context.Context, mappingRef, dataRef string) (string, error)
}

// FileFingerprinter resolves refs as paths under Root.
//
// The mapping is digested byte for byte. For CSV and TSV data only the
// schema counts: column names and the kind of value each column holds in
// the first rows. A new data drop with the same layout keeps its
// fingerprint. Other data files are digested byte for byte.
type FileFingerprinter struct {
	Root string
}

// Fingerprint implements Fingerprinter.
func (f FileFingerprinter) Fingerprint(ctx context.Context, mappingRef, dataRef string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	mapping, err := f.hashFile(mappingRef)
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	var data []string
	switch strings.ToLower(filepath.Ext(dataRef)) {
	case ".csv":
		data, err = f.schema(dataRef, ',')
	case ".tsv":
		data, err = f.schema(dataRef, '\t')
	default:
		var sum string
		sum, err = f.hashFile(dataRef)
		data = []string{sum}
	}
	if err != nil {
		return "", err
	}
	return ir.Fingerprint(append([]string{mapping}, data...)...), nil
}

func (f FileFingerprinter) hashFile(ref string) (string, error) {
	path, err := f.resolve(ref)
	if err != nil {
		return "", err
	}
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("fingerprint %s: %w", ref, err)
	}
	defer file.Close()

	h := sha256.New()
	if _, err := io.Copy(h, file); err != nil {
		return "", fmt.Errorf("fingerprint %s: %w", ref, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// schema returns one "name:kind" entry per column of a delimited file.
func (f FileFingerprinter) schema(ref string, comma rune) ([]string, error) {
	path, err := f.resolve(ref)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("fingerprint %s: %w", ref, err)
	}
	defer file.Close()

	r := csv.NewReader(file)
	r.Comma = comma
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("fingerprint %s: no header row", ref)
	}
	if err != nil {
		return nil, fmt.Errorf("fingerprint %s: %w", ref, err)
	}

	kinds := make([]columnKind, len(header))
	for n := 0; n < schemaSampleRows; n++ {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("fingerprint %s: %w", ref, err)
		}
		for i := range kinds {
			if i < len(rec) {
				kinds[i] = kinds[i].merge(kindOf(rec[i]))
			}
		}
	}

	out := make([]string, len(header))
	for i, name := range header {
		if i == 0 {
			name = strings.TrimPrefix(name, "\ufeff")
		}
		out[i] = strings.TrimSpace(name) + ":" + kinds[i].String()
	}
	return out, nil
}

// columnKind is the widest kind of value seen in a column.
type columnKind int

const (
	kindEmpty columnKind = iota
	kindBool
	kindInteger
	kindNumber
	kindText
)

func (k columnKind) String() string {
	switch k {
	case kindBool:
		return "bool"
	case kindInteger:
		return "integer"
	case kindNumber:
		return "number"
	case kindText:
		return "text"
	default:
		return "empty"
	}
}

func kindOf(v string) columnKind {
	v = strings.TrimSpace(v)
	if v == "" {
		return kindEmpty
	}
	if _, err := strconv.ParseInt(v, 10, 64); err == nil {
		return kindInteger
	}
	if _, err := strconv.ParseFloat(v, 64); err == nil {
		return kindNumber
	}
	if _, err := strconv.ParseBool(v); err == nil {
		return kindBool
	}
	return kindText
}

func (k columnKind) merge(o columnKind) columnKind {
	switch {
	case k == kindEmpty:
		return o
	case o == kindEmpty, k == o:
		return k
	case (k == kindInteger && o == kindNumber) || (k == kindNumber && o == kindInteger):
		return kindNumber
	default:
		return kindText
	}
}

// resolve maps ref into Root. Refs that escape Root are rejected.
func (f FileFingerprinter) resolve(ref string) (string, error) {
	root := f.Root
	if root == "" {
		root = "."
	}
	clean := filepath.Clean("/" + filepath.FromSlash(ref))
	path := filepath.Join(root, clean)
	rel, err := filepath.Rel(root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("fingerprint %s: ref outside root", ref)
	}
	return path, nil
}

// ChangeDetector decides whether a client's approved artifact can be
// reused. An artifact is reused only when the fingerprint of the current
// mapping and data schema matches the one recorded at approval.
type ChangeDetector struct {
	artifacts ArtifactRepository
	fp        Fingerprinter
	logger    *zap.Logger
}

// NewChangeDetector creates a detector. A nil fingerprinter makes every
// existing artifact look changed.
func NewChangeDetector(artifacts ArtifactRepository, fp Fingerprinter, logger *zap.Logger) *ChangeDetector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChangeDetector{artifacts: artifacts, fp: fp, logger: logger}
}

// DetectChange implements the detect-change activity.
func (d *ChangeDetector) DetectChange(ctx context.Context, call Call, in ir.DetectChangeInput) (ir.ChangeReport, error) {
	var fingerprint string
	if d.fp != nil {
		fp, err := d.fp.Fingerprint(ctx, in.MappingRef, in.DataRef)
		if err != nil {
			return ir.ChangeReport{}, err
		}
		fingerprint = fp
	}

	existing, err := d.artifacts.GetArtifact(ctx, in.ClientID)
	if err != nil {
		return ir.ChangeReport{}, fmt.Errorf("load approved artifact: %w", err)
	}

	rep := ir.ChangeReport{NeedsRegeneration: true, Fingerprint: fingerprint}
	switch {
	case existing == nil:
		rep.Reason = ReasonNoArtifact
	case fingerprint != "" && existing.Fingerprint == fingerprint:
		rep.NeedsRegeneration = false
		rep.Reason = ReasonUnchanged
		rep.Existing = existing
	default:
		rep.Reason = ReasonChanged
	}

	d.logger.Debug("change detected",
		zap.String("instance_id", call.InstanceID),
		zap.String("client_id", in.ClientID),
		zap.Bool("needs_regeneration", rep.NeedsRegeneration),
	)
	return rep, nil
}
