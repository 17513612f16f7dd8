// Package models defines the core data structures for slide identities and pseudonym mappings.
package models

import "time"

// SlideIdentity is the set of fields that jointly identify a slide's provenance.
type SlideIdentity struct {
	// ID is the case or slide identifier.
	ID string `json:"id" cbor:"id"`
	// Name is the display name of the slide.
	Name string `json:"name" cbor:"name"`
	// AcquiredAt is the free-text acquisition timestamp.
	AcquiredAt string `json:"acquired_at" cbor:"acquired_at"`
	// Stain is the staining protocol (e.g. "Ki67").
	Stain string `json:"stain" cbor:"stain"`
	// Tissue is the tissue type.
	Tissue string `json:"tissue" cbor:"tissue"`
	// Path is the location of the slide container.
	Path string `json:"path" cbor:"path"`
}

// PseudonymMapping pairs an original identity with its surrogate.
type PseudonymMapping struct {
	// PseudonymID is the unique identifier of the mapping.
	PseudonymID string `json:"pseudonym_id"`
	// Original is the identity as it was submitted.
	Original SlideIdentity `json:"original"`
	// Surrogate is the identity that replaces Original in shared data.
	Surrogate SlideIdentity `json:"surrogate"`
	// CreatedAt is when the mapping was first registered.
	CreatedAt time.Time `json:"created_at"`
}

// KeyMode selects which fields of an original identity form its uniqueness key.
type KeyMode string

const (
	// KeyByCaseID keys mappings by the original ID alone.
	KeyByCaseID KeyMode = "case_id"
	// KeyByTuple keys mappings by every identity field.
	KeyByTuple KeyMode = "tuple"
)

// JobStatus is the state of a rewrite job.
type JobStatus string

const (
	// JobPending marks a job whose rewrite has not finished.
	JobPending JobStatus = "pending"
	// JobDone marks a job whose output passed validation and was renamed into place.
	JobDone JobStatus = "done"
	// JobFailed marks a job that left no output.
	JobFailed JobStatus = "failed"
)

// RewriteJob is a journal entry for one container rewrite.
type RewriteJob struct {
	ID           string    `json:"id"`
	PseudonymID  string    `json:"pseudonym_id"`
	Operator     string    `json:"operator"`
	SourceDigest string    `json:"source_digest"`
	OutputDigest string    `json:"output_digest"`
	Status       JobStatus `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
}
