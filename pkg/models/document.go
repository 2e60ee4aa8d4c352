package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SerialNumber is a per-project, monotonically issued document serial.
type SerialNumber int64

// DocumentStatus distinguishes certified documents from void allocations.
type DocumentStatus string

const (
	DocumentStatusCertified DocumentStatus = "certified"
	// DocumentStatusVoid marks a serial whose storage write failed. The record
	// is kept for audit and is never reported as valid.
	DocumentStatusVoid DocumentStatus = "void"
)

// DocumentRecord is an immutable certified (or void) document.
type DocumentRecord struct {
	ID               uuid.UUID      `json:"id"`
	ProjectID        uuid.UUID      `json:"project_id"`
	Serial           SerialNumber   `json:"serial"`
	SerialCode       string         `json:"serial_code"`
	OriginalFilename string         `json:"original_filename"`
	StorageKey       string         `json:"-"`
	UploadedBy       uuid.UUID      `json:"uploaded_by"`
	UploadedAt       time.Time      `json:"uploaded_at"`
	Status           DocumentStatus `json:"status"`
	VoidReason       string         `json:"void_reason,omitempty"`
}

// IsVoid reports whether the record is a void allocation.
func (d *DocumentRecord) IsVoid() bool {
	return d.Status == DocumentStatusVoid
}

// FormatSerialCode builds the globally unique, human-readable serial code,
// e.g. "ACME-1A2B3C4D-0007".
func FormatSerialCode(ownerCode, projectShortID string, serial SerialNumber) string {
	return fmt.Sprintf("%s-%s-%04d", NormalizeCompanyCode(ownerCode), strings.ToUpper(projectShortID), serial)
}

// SafeFilename replaces every character outside [A-Za-z0-9._-] with '_'.
func SafeFilename(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "document.pdf"
	}
	return b.String()
}

// StorageKeyFor derives the object key of a certified document.
func StorageKeyFor(projectID uuid.UUID, serialCode, filename string) string {
	return fmt.Sprintf("projects/%s/%s_%s", projectID, serialCode, SafeFilename(filename))
}

// VerificationResult is the public answer for a verification request.
type VerificationResult struct {
	Query      string        `json:"query"`
	NoSerial   bool          `json:"no_serial,omitempty"`
	Valid      bool          `json:"valid"`
	FileExists bool          `json:"file_exists"`
	Ambiguous  bool          `json:"ambiguous,omitempty"`
	DocumentID *uuid.UUID    `json:"document_id"`
	ProjectID  *uuid.UUID    `json:"project_id,omitempty"`
	Serial     *SerialNumber `json:"serial,omitempty"`
	SerialCode string        `json:"serial_code,omitempty"`
	Filename   string        `json:"filename,omitempty"`
	UploadedAt *time.Time    `json:"uploaded_at,omitempty"`
}
