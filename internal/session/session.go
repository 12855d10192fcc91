// Package session defines capture sessions and the legal moves between
// their statuses.
package session

import (
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle state of a session
type Status string

const (
	StatusCreated       Status = "created"
	StatusExtracting    Status = "extracting"
	StatusExtracted     Status = "extracted"
	StatusExtractFailed Status = "extract_failed"
	StatusExporting     Status = "exporting"
	StatusExported      Status = "exported"
	StatusExportFailed  Status = "export_failed"
)

// Failure reasons recorded in ErrorMessage
const (
	ReasonCancelled = "cancelled"
	ReasonTimeout   = "timeout"
)

var ErrInvalidTransition = errors.New("invalid session transition")

var transitions = map[Status][]Status{
	StatusCreated:       {StatusExtracting},
	StatusExtracting:    {StatusExtracted, StatusExtractFailed},
	StatusExtractFailed: {StatusExtracting},
	StatusExtracted:     {StatusExporting},
	StatusExporting:     {StatusExported, StatusExportFailed},
	StatusExportFailed:  {StatusExporting},
	StatusExported:      nil,
}

// Session is one capture of a register image through to export
type Session struct {
	ID           string    `json:"id"`
	SchemaID     string    `json:"schemaId"`
	Status       Status    `json:"status"`
	OCRProvider  string    `json:"ocrProvider"`
	RowCount     int       `json:"rowCount"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Terminal reports whether no transition leaves s
func (s Status) Terminal() bool {
	return s.Valid() && len(transitions[s]) == 0
}

// CanTransition reports whether from → to is an edge of the lifecycle graph
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CheckTransition returns ErrInvalidTransition when from → to is not legal
func CheckTransition(from, to Status) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// Sources returns every status with an edge into to
func Sources(to Status) []Status {
	var from []Status
	for _, s := range []Status{
		StatusCreated, StatusExtracting, StatusExtracted, StatusExtractFailed,
		StatusExporting, StatusExported, StatusExportFailed,
	} {
		if CanTransition(s, to) {
			from = append(from, s)
		}
	}
	return from
}
