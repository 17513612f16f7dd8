package main

import (
	"os"
	"path/filepath"
	"time"

	"github.com/yiimnta/Pseudonymization-for-Whole-Slide-Image/internal/container"
	"github.com/yiimnta/Pseudonymization-for-Whole-Slide-Image/internal/label"
	"github.com/yiimnta/Pseudonymization-for-Whole-Slide-Image/internal/models"
)

// Aperio writes Date and Time in these layouts.
const (
	aperioDateTime = "01/02/06 15:04:05"
	recordLayout   = "03:04PM 02.01.2006"
)

type planeSummary struct {
	IFD         int            `json:"ifd"`
	Kind        container.Kind `json:"kind"`
	Level       int            `json:"level,omitempty"`
	Width       int            `json:"width"`
	Height      int            `json:"height"`
	Compression uint16         `json:"compression"`
	Tiled       bool           `json:"tiled"`
}

type labelSummary struct {
	IFD        int    `json:"ifd"`
	ID         string `json:"id,omitempty"`
	AcquiredAt string `json:"acquired_at,omitempty"`
	Stain      string `json:"stain,omitempty"`
	Tissue     string `json:"tissue,omitempty"`
	Error      string `json:"error,omitempty"`
}

type inspectReport struct {
	Path     string             `json:"path"`
	Size     int64              `json:"size"`
	ScanInfo container.ScanInfo `json:"scan_info"`
	Planes   []planeSummary     `json:"planes"`
	Labels   []labelSummary     `json:"labels,omitempty"`
}

// inspectFile summarises the identity-bearing content of a container.
// Relative paths resolve against inputDir when it is set.
func inspectFile(path, inputDir string) (*inspectReport, error) {
	full := path
	if inputDir != "" && !filepath.IsAbs(path) {
		full = filepath.Join(inputDir, path)
	}
	c, err := container.ParseFile(full)
	if err != nil {
		return nil, err
	}
	report := &inspectReport{Path: path, Size: c.Size, ScanInfo: container.ExtractScanInfo(c)}
	for _, p := range c.Planes {
		report.Planes = append(report.Planes, planeSummary{
			IFD: p.IFD, Kind: p.Kind, Level: p.Level,
			Width: p.Width, Height: p.Height, Compression: p.Compression, Tiled: p.Tiled,
		})
	}

	labels := c.PlanesOf(container.KindLabel)
	if len(labels) == 0 {
		return report, nil
	}
	f, err := os.Open(full)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	for _, p := range labels {
		s := labelSummary{IFD: p.IFD}
		img, err := container.ReadPixels(f, c.Size, p)
		if err == nil {
			payload, rerr := label.Read(img)
			if rerr == nil {
				s.ID, s.AcquiredAt, s.Stain, s.Tissue = payload.ID, payload.AcquiredAt, payload.Stain, payload.Tissue
			}
			err = rerr
		}
		if err != nil {
			s.Error = err.Error()
		}
		report.Labels = append(report.Labels, s)
	}
	return report, nil
}

// suggest derives a record from the barcode and the scanner description.
func (r *inspectReport) suggest() models.SlideIdentity {
	rec := models.SlideIdentity{Name: r.ScanInfo.Title, Path: r.Path}
	for _, l := range r.Labels {
		if l.Error == "" {
			rec.ID, rec.AcquiredAt, rec.Stain, rec.Tissue = l.ID, l.AcquiredAt, l.Stain, l.Tissue
			break
		}
	}
	if rec.AcquiredAt == "" && r.ScanInfo.Date != "" && r.ScanInfo.Time != "" {
		if t, err := time.Parse(aperioDateTime, r.ScanInfo.Date+" "+r.ScanInfo.Time); err == nil {
			rec.AcquiredAt = t.Format(recordLayout)
		}
	}
	return rec
}
