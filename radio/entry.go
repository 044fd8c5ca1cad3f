package radio

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

var (
	ErrNotRunning       = errors.New("radio is not running")
	ErrInvalidCandidate = errors.New("invalid candidate")
)

type Kind string

const (
	KindFile Kind = "file"
	KindLink Kind = "link"
)

// Candidate is a submission that has not been admitted yet. Build one with
// NewFileCandidate or NewLinkCandidate.
type Candidate struct {
	Kind        Kind
	SubmitterID string
	Nick        string
	Label       string
	Locator     string
	Ext         string

	// UploadID is a token chosen by the client so that a later submission
	// can name this one as its ParentID before it has been admitted.
	UploadID string
	ParentID string
}

// NewFileCandidate describes an uploaded file. The file at path is owned by
// the radio once the candidate is admitted or parked waiting for its parent.
func NewFileCandidate(submitterID, nick, label, path string) (Candidate, error) {
	c := Candidate{
		Kind:        KindFile,
		SubmitterID: submitterID,
		Nick:        nick,
		Label:       label,
		Locator:     path,
		Ext:         strings.ToLower(filepath.Ext(label)),
	}
	return c, c.validate()
}

func NewLinkCandidate(submitterID, nick, label, url string) (Candidate, error) {
	if label == "" {
		label = url
	}
	c := Candidate{
		Kind:        KindLink,
		SubmitterID: submitterID,
		Nick:        nick,
		Label:       label,
		Locator:     url,
	}
	return c, c.validate()
}

// WithUpload returns a copy of c carrying the client's correlation tokens.
func (c Candidate) WithUpload(uploadID, parentID string) Candidate {
	c.UploadID = uploadID
	c.ParentID = parentID
	return c
}

func (c Candidate) validate() error {
	switch {
	case c.Kind != KindFile && c.Kind != KindLink:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidCandidate, c.Kind)
	case c.SubmitterID == "":
		return fmt.Errorf("%w: missing submitter", ErrInvalidCandidate)
	case c.Locator == "":
		return fmt.Errorf("%w: missing locator", ErrInvalidCandidate)
	case c.Label == "":
		return fmt.Errorf("%w: missing label", ErrInvalidCandidate)
	case c.ParentID != "" && c.ParentID == c.UploadID:
		return fmt.Errorf("%w: submission cannot follow itself", ErrInvalidCandidate)
	}
	return nil
}

// owned reports whether the locator is a local resource the radio deletes
// on retirement.
func (c Candidate) owned() bool {
	return c.Kind == KindFile
}

// Entry is an admitted candidate.
type Entry struct {
	Candidate

	ID         string
	Priority   int
	AdmittedAt time.Time

	// doomed is set when the head was cancelled or cleared; the advance
	// loop retires it with this reason once the engine lets go.
	doomed RetireReason
}

type RetireReason string

const (
	ReasonPlayed    RetireReason = "played"
	ReasonCancelled RetireReason = "cancelled"
	ReasonCleared   RetireReason = "cleared"
	ReasonStopped   RetireReason = "stopped"
	ReasonDropped   RetireReason = "dropped"
)

type Outcome int

const (
	Admitted Outcome = iota + 1
	Deferred
)

func (o Outcome) String() string {
	switch o {
	case Admitted:
		return "admitted"
	case Deferred:
		return "deferred"
	}
	return "unknown"
}

// Result is what Submit returns when the radio is running. Entry is only
// set when Outcome is Admitted.
type Result struct {
	Outcome Outcome
	Entry   Entry
}
