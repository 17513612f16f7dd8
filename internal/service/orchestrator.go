package service

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/yiimnta/Pseudonymization-for-Whole-Slide-Image/internal/barcode"
	"github.com/yiimnta/Pseudonymization-for-Whole-Slide-Image/internal/container"
	"github.com/yiimnta/Pseudonymization-for-Whole-Slide-Image/internal/errs"
	"github.com/yiimnta/Pseudonymization-for-Whole-Slide-Image/internal/label"
	"github.com/yiimnta/Pseudonymization-for-Whole-Slide-Image/internal/models"
	"github.com/yiimnta/Pseudonymization-for-Whole-Slide-Image/internal/surrogate"
	"github.com/yiimnta/Pseudonymization-for-Whole-Slide-Image/internal/vault"
)

// VerifyPolicy decides what happens when a label carries no barcode.
type VerifyPolicy string

const (
	// VerifyStrict fails when the label has no barcode.
	VerifyStrict VerifyPolicy = "strict"
	// VerifyLenient proceeds when the label has no barcode. An unreadable or
	// mismatching barcode still fails.
	VerifyLenient VerifyPolicy = "lenient"
)

// ErrPathNotAllowed reports a record path outside the input directory.
var ErrPathNotAllowed = errors.New("path not allowed")

// Layouts of container timestamps.
const (
	aperioDateTime = "01/02/06 15:04:05"
	aperioDate     = "01/02/06"
	tiffDateTime   = "2006:01:02 15:04:05"
)

// Mappings is the mapping store as used by the orchestrator.
type Mappings interface {
	RegisterOrGet(ctx context.Context, original models.SlideIdentity, makeSurrogate SurrogateFunc) (*models.PseudonymMapping, error)
	ResolveByPseudonym(ctx context.Context, pseudonymID string) (*models.PseudonymMapping, error)
	ResolveBySurrogate(ctx context.Context, id string) (*models.PseudonymMapping, error)
}

// SurrogateGenerator produces surrogate identities.
type SurrogateGenerator interface {
	Surrogate(ctx context.Context, original models.SlideIdentity) (models.SlideIdentity, error)
}

// JobRepository journals rewrites.
type JobRepository interface {
	Create(ctx context.Context, job models.RewriteJob) error
	Finish(ctx context.Context, id string, status models.JobStatus, sourceDigest, outputDigest string) error
}

// Backups keeps what a rewrite removes.
type Backups interface {
	Seal(ctx context.Context, b vault.Backup) (string, error)
	Find(ctx context.Context, pseudonymID, outputDigest string) (*vault.Backup, error)
}

// Outcome is the result of a pseudonymisation.
type Outcome struct {
	Surrogate    models.SlideIdentity `json:"surrogate"`
	PseudonymID  string               `json:"pseudonym_id"`
	OutputPath   string               `json:"output_path"`
	SourceDigest string               `json:"source_digest"`
	OutputDigest string               `json:"output_digest"`
	BackupKey    string               `json:"backup_key,omitempty"`
	JobID        string               `json:"job_id,omitempty"`
}

// RestoreOutcome is the result of restoring a pseudonymised container.
type RestoreOutcome struct {
	Original     models.SlideIdentity `json:"original"`
	OutputPath   string               `json:"output_path"`
	OutputDigest string               `json:"output_digest"`
	// Exact reports that the restored file is byte-identical to the
	// container that was pseudonymised.
	Exact bool `json:"exact"`
}

// Orchestrator pseudonymises slide containers and reverses the mapping.
type Orchestrator struct {
	Mappings   Mappings
	Surrogates SurrogateGenerator
	Rewriter   *container.Rewriter
	Labels     label.Renderer
	// Vault and Jobs are optional.
	Vault Backups
	Jobs  JobRepository

	// InputDir confines relative record paths; empty accepts any path.
	InputDir string
	// OutputDir receives pseudonymised containers; empty writes next to the source.
	OutputDir string
	Verify    VerifyPolicy

	Log      *zap.Logger
	NewJobID func() string
	Now      func() time.Time
}

// NewOrchestrator wires an Orchestrator with strict verification.
func NewOrchestrator(mappings Mappings, surrogates SurrogateGenerator, log *zap.Logger) *Orchestrator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{
		Mappings:   mappings,
		Surrogates: surrogates,
		Rewriter:   container.NewRewriter(log),
		Verify:     VerifyStrict,
		Log:        log,
		NewJobID:   uuid.NewString,
		Now:        time.Now,
	}
}

// Pseudonymise registers record, rewrites its container under the surrogate
// identity and returns the surrogate. The label barcode is checked against
// record before anything is stored.
//
//	ctx:      context for cancellation and deadlines
//	operator: who requested the run, recorded in the job journal
//	record:   the original identity; Path names the container
func (o *Orchestrator) Pseudonymise(ctx context.Context, operator string, record models.SlideIdentity) (*Outcome, error) {
	const op = "service.Pseudonymise"

	src, err := o.resolveInput(record.Path)
	if err != nil {
		return nil, err
	}
	c, err := container.ParseFile(src)
	if err != nil {
		return nil, err
	}
	labels, err := o.verifyLabels(src, c, record)
	if err != nil {
		return nil, err
	}

	m, err := o.Mappings.RegisterOrGet(ctx, record, func(ctx context.Context) (models.SlideIdentity, error) {
		return o.Surrogates.Surrogate(ctx, record)
	})
	if err != nil {
		return nil, err
	}

	plan, backup, err := o.plan(src, c, labels, m)
	if err != nil {
		return nil, err
	}
	dst, err := o.outputPath(src, m.Surrogate)
	if err != nil {
		return nil, err
	}

	out := &Outcome{Surrogate: m.Surrogate, PseudonymID: m.PseudonymID, OutputPath: dst}
	if o.Jobs != nil {
		out.JobID = o.NewJobID()
		err := o.Jobs.Create(ctx, models.RewriteJob{
			ID: out.JobID, PseudonymID: m.PseudonymID, Operator: operator,
			Status: models.JobPending, CreatedAt: o.Now().UTC(),
		})
		if err != nil {
			return nil, fmt.Errorf("%s: journal: %w", op, err)
		}
	}

	res, err := o.Rewriter.Rewrite(ctx, src, dst, plan)
	if err != nil {
		o.finish(out.JobID, models.JobFailed, "", "")
		return nil, err
	}
	out.SourceDigest, out.OutputDigest = res.SourceDigest, res.OutputDigest

	if o.Vault != nil {
		backup.PseudonymID = m.PseudonymID
		backup.SourceDigest = res.SourceDigest
		backup.OutputDigest = res.OutputDigest
		backup.CreatedAt = o.Now().Unix()
		if out.BackupKey, err = o.Vault.Seal(ctx, backup); err != nil {
			if rmErr := os.Remove(dst); rmErr != nil {
				o.Log.Error("failed to remove unbacked output", zap.String("path", dst), zap.Error(rmErr))
			}
			o.finish(out.JobID, models.JobFailed, res.SourceDigest, "")
			return nil, fmt.Errorf("%s: backup: %w", op, err)
		}
	}
	o.finish(out.JobID, models.JobDone, res.SourceDigest, res.OutputDigest)

	o.Log.Info("slide pseudonymised",
		zap.String("pseudonym_id", m.PseudonymID),
		zap.String("operator", operator),
		zap.String("output", dst),
		zap.Int("tag_edits", len(plan.Tags)),
		zap.Int("plane_edits", len(plan.Planes)),
	)
	return out, nil
}

// DePseudonymise returns the original identity of a surrogate record. The
// record's id may be the surrogate id or the pseudonym id.
func (o *Orchestrator) DePseudonymise(ctx context.Context, record models.SlideIdentity) (*models.SlideIdentity, error) {
	const op = "service.DePseudonymise"
	if record.ID == "" {
		return nil, errs.New(op, errs.ErrNotFound, "record has no id")
	}
	m, err := o.Mappings.ResolveBySurrogate(ctx, record.ID)
	if errors.Is(err, errs.ErrNotFound) {
		m, err = o.Mappings.ResolveByPseudonym(ctx, record.ID)
	}
	if err != nil {
		return nil, err
	}
	original := m.Original
	return &original, nil
}

// Restore rewrites a pseudonymised container back to its original tags and
// label using the vault backup taken when it was produced. An empty dst
// writes the original file name next to src.
func (o *Orchestrator) Restore(ctx context.Context, pseudonymID, src, dst string) (*RestoreOutcome, error) {
	const op = "service.Restore"
	if o.Vault == nil {
		return nil, fmt.Errorf("%s: no vault configured", op)
	}
	m, err := o.Mappings.ResolveByPseudonym(ctx, pseudonymID)
	if err != nil {
		return nil, err
	}
	if src, err = o.resolveInput(src); err != nil {
		return nil, err
	}
	digest, err := container.FileDigest(src)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	b, err := o.Vault.Find(ctx, pseudonymID, digest)
	if err != nil {
		return nil, err
	}

	var plan container.Plan
	for _, t := range b.Tags {
		plan.Tags = append(plan.Tags, container.TagEdit{IFD: t.IFD, Tag: t.Tag, Value: t.Value})
	}
	for _, p := range b.Planes {
		plan.Planes = append(plan.Planes, container.PlaneEdit{IFD: p.IFD, Strips: p.Strips, Compression: p.Compression})
	}
	if dst == "" {
		name := path.Base(strings.ReplaceAll(m.Original.Path, "\\", "/"))
		if name == "" || name == "." || name == "/" {
			name = m.PseudonymID + filepath.Ext(src)
		}
		dst = filepath.Join(filepath.Dir(src), name)
	}

	res, err := o.Rewriter.Rewrite(ctx, src, dst, plan)
	if err != nil {
		return nil, err
	}
	o.Log.Info("slide restored",
		zap.String("pseudonym_id", pseudonymID),
		zap.String("output", dst),
		zap.Bool("exact", res.OutputDigest == b.SourceDigest),
	)
	return &RestoreOutcome{
		Original:     m.Original,
		OutputPath:   dst,
		OutputDigest: res.OutputDigest,
		Exact:        res.OutputDigest == b.SourceDigest,
	}, nil
}

func (o *Orchestrator) finish(jobID string, status models.JobStatus, sourceDigest, outputDigest string) {
	if o.Jobs == nil || jobID == "" {
		return
	}
	// The run's own context may already be cancelled.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := o.Jobs.Finish(ctx, jobID, status, sourceDigest, outputDigest); err != nil {
		o.Log.Error("failed to finish rewrite job", zap.String("job_id", jobID), zap.Error(err))
	}
}

func (o *Orchestrator) resolveInput(p string) (string, error) {
	const op = "service.resolveInput"
	if strings.TrimSpace(p) == "" {
		return "", errs.New(op, errs.ErrNotFound, "record has no container path")
	}
	p = filepath.FromSlash(p)
	if o.InputDir == "" {
		return p, nil
	}
	if filepath.IsAbs(p) {
		return "", fmt.Errorf("%s: %w: absolute path %q outside the input directory", op, ErrPathNotAllowed, p)
	}
	full := filepath.Join(o.InputDir, p)
	rel, err := filepath.Rel(o.InputDir, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%s: %w: path %q escapes the input directory", op, ErrPathNotAllowed, p)
	}
	return full, nil
}

func (o *Orchestrator) outputPath(src string, s models.SlideIdentity) (string, error) {
	name := path.Base(strings.ReplaceAll(s.Path, "\\", "/"))
	if s.Path == "" {
		name = s.ID + filepath.Ext(src)
	}
	dir := o.OutputDir
	if dir == "" {
		dir = filepath.Dir(src)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	dst := filepath.Join(dir, name)
	if filepath.Clean(dst) == filepath.Clean(src) {
		return "", fmt.Errorf("output %s would replace its source", dst)
	}
	return dst, nil
}

// verifyLabels checks every label barcode against record and returns the
// planes to replace: the labels plus any rewritable macro that shows the
// barcode.
func (o *Orchestrator) verifyLabels(src string, c *container.Container, record models.SlideIdentity) ([]*container.Plane, error) {
	const op = "service.verifyLabels"
	labels := c.PlanesOf(container.KindLabel)
	if len(labels) == 0 && o.Verify != VerifyLenient {
		return nil, errs.New(op, errs.ErrBarcodeNotFound, "container has no label plane")
	}
	if len(labels) == 0 {
		o.Log.Warn("container has no label plane", zap.String("path", src))
	}

	f, err := os.Open(src)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	want := barcode.PayloadFor(record)
	for _, p := range labels {
		if err := p.Rewritable(); err != nil {
			return nil, err
		}
		img, err := container.ReadPixels(f, c.Size, p)
		if err != nil {
			return nil, err
		}
		got, err := label.Read(img)
		switch {
		case errors.Is(err, errs.ErrBarcodeNotFound) && o.Verify == VerifyLenient:
			o.Log.Warn("label has no barcode", zap.String("path", src), zap.Int("ifd", p.IFD))
			continue
		case err != nil:
			return nil, err
		}
		if err := got.Match(want); err != nil {
			return nil, err
		}
	}

	targets := labels
	for _, p := range c.PlanesOf(container.KindMacro) {
		found, err := o.macroShowsBarcode(f, src, c, p, want)
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}
		if err := p.Rewritable(); err != nil {
			return nil, errs.New(op, errs.ErrUnsupportedPlaneLayout,
				"macro IFD %d shows the barcode in pixels that cannot be rewritten: %v", p.IFD, err)
		}
		targets = append(targets, p)
	}
	if len(targets) == 0 {
		return nil, nil
	}
	return targets, nil
}

// macroShowsBarcode reports whether macro p carries a barcode matching want.
// Macros the decoder cannot read are logged and skipped.
func (o *Orchestrator) macroShowsBarcode(f *os.File, src string, c *container.Container, p *container.Plane, want barcode.Payload) (bool, error) {
	var (
		img image.Image
		err error
	)
	switch {
	case p.Rewritable() == nil:
		if img, err = container.ReadPixels(f, c.Size, p); err != nil {
			return false, err
		}
	case p.Compression == container.CompressionJPEG:
		img, err = c.DecodeJPEG(f, p)
	default:
		err = errs.New("service.verifyLabels", errs.ErrUnsupportedPlaneLayout, "compression %d", p.Compression)
	}
	if err != nil {
		o.Log.Warn("macro plane not inspected", zap.String("path", src), zap.Int("ifd", p.IFD), zap.Error(err))
		return false, nil
	}

	got, err := label.Read(img)
	if err != nil {
		// A macro is a photograph; a barcode that does not decode cleanly is
		// treated as absent.
		return false, nil
	}
	if err := got.Match(want); err != nil {
		return false, err
	}
	return true, nil
}

// plan builds the edits that move c to the surrogate identity of m and the
// backup of everything they overwrite.
func (o *Orchestrator) plan(src string, c *container.Container, labels []*container.Plane, m *models.PseudonymMapping) (container.Plan, vault.Backup, error) {
	var (
		plan   container.Plan
		backup vault.Backup
	)
	delta, shift := timeOffset(m)
	edit := func(d *container.IFD, tag uint16, value string) {
		e, ok := d.Entry(tag)
		if !ok || e.Type != container.TypeASCII || e.String() == value {
			return
		}
		plan.Tags = append(plan.Tags, container.TagEdit{IFD: d.Index, Tag: tag, Value: value})
		backup.Tags = append(backup.Tags, vault.TagValue{IFD: d.Index, Tag: tag, Value: e.String()})
	}

	for _, d := range c.IFDs {
		if e, ok := d.Entry(container.TagImageDescription); ok {
			desc := container.ParseDescription(e.String())
			if desc.IsAperio() {
				scrubDescription(desc, m.Surrogate, delta, shift)
				edit(d, container.TagImageDescription, desc.String())
			}
		}
		edit(d, container.TagDocumentName, path.Base(strings.ReplaceAll(m.Surrogate.Path, "\\", "/")))
		if e, ok := d.Entry(container.TagDateTime); ok {
			v := ""
			if shift {
				if s, err := surrogate.ShiftBy(e.String(), tiffDateTime, delta); err == nil {
					v = s
				}
			}
			edit(d, container.TagDateTime, v)
		}
		edit(d, container.TagArtist, "")
		edit(d, container.TagHostComputer, "")
	}

	if len(labels) == 0 {
		return plan, backup, nil
	}
	f, err := os.Open(src)
	if err != nil {
		return plan, backup, err
	}
	defer f.Close()
	for _, p := range labels {
		strips, err := container.ReadStrips(f, c.Size, p)
		if err != nil {
			return plan, backup, err
		}
		backup.Planes = append(backup.Planes, vault.PlaneData{IFD: p.IFD, Compression: p.Compression, Strips: strips})
		identity := m.Surrogate
		plan.Planes = append(plan.Planes, container.PlaneEdit{
			IFD: p.IFD,
			Pixels: func(p *container.Plane, _ image.Image) (image.Image, error) {
				return o.Labels.Render(p.Width, p.Height, identity)
			},
		})
	}
	return plan, backup, nil
}

// timeOffset returns the shift between the original and surrogate
// acquisition times. ok is false when either is missing or unparseable.
func timeOffset(m *models.PseudonymMapping) (time.Duration, bool) {
	if m.Original.AcquiredAt == "" || m.Surrogate.AcquiredAt == "" {
		return 0, false
	}
	d, err := surrogate.Offset(m.Original.AcquiredAt, m.Surrogate.AcquiredAt)
	return d, err == nil
}

// scrubDescription rewrites the identifying fields of an Aperio description.
// Timestamps that cannot be shifted are dropped.
func scrubDescription(desc *container.Description, s models.SlideIdentity, delta time.Duration, shift bool) {
	stem := strings.TrimSuffix(path.Base(strings.ReplaceAll(s.Path, "\\", "/")), path.Ext(s.Path))
	if s.Path == "" {
		stem = s.ID
	}
	desc.Set("Filename", stem)
	desc.Set("Title", s.Name)

	date, hasDate := desc.Get("Date")
	tm, hasTime := desc.Get("Time")
	switch {
	case !hasDate:
		desc.Delete("Time")
	case !shift:
		desc.Delete("Date")
		desc.Delete("Time")
	case hasTime:
		v, err := surrogate.ShiftBy(date+" "+tm, aperioDateTime, delta)
		if err != nil {
			desc.Delete("Date")
			desc.Delete("Time")
			break
		}
		d, t, _ := strings.Cut(v, " ")
		desc.Set("Date", d)
		desc.Set("Time", t)
	default:
		v, err := surrogate.ShiftBy(date, aperioDate, delta)
		if err != nil {
			desc.Delete("Date")
			break
		}
		desc.Set("Date", v)
	}
	desc.Delete("Time Zone")
	desc.Delete("User")
}
