// Package progress carries archival lifecycle events from the pipeline to
// pluggable sinks (logs, Prometheus, outcome notifications).
package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the milestone an Event represents.
type Stage string

// Supported archival stages.
const (
	StageArchiveStart    Stage = "ARCHIVE_START"
	StageWaybackDone     Stage = "WAYBACK_DONE"
	StageBookmarkDone    Stage = "BOOKMARK_DONE"
	StageBookmarkSkipped Stage = "BOOKMARK_SKIPPED"
	StageArchiveDone     Stage = "ARCHIVE_DONE"
	StageArchiveError    Stage = "ARCHIVE_ERROR"
)

// Terminal reports whether the stage closes out a request.
func (s Stage) Terminal() bool {
	return s == StageArchiveDone || s == StageArchiveError
}

// StatusClass is a coarse HTTP response grouping.
type StatusClass string

// Supported HTTP status classes.
const (
	Status2xx   StatusClass = "2xx"
	Status3xx   StatusClass = "3xx"
	Status4xx   StatusClass = "4xx"
	Status5xx   StatusClass = "5xx"
	StatusOther StatusClass = "other"
)

// Event is one step of a single archive request.
type Event struct {
	// RequestID ties together all events of one Archive call.
	RequestID [16]byte
	TS        time.Time
	Stage     Stage
	// Trigger says who asked: command, auto, api or cli.
	Trigger string
	// Site is the lowercase host of the submitted URL.
	Site        string
	URL         string
	ArchivedURL string
	StatusCode  int
	StatusClass StatusClass
	// Kind is the failure classification on ARCHIVE_ERROR.
	Kind string
	Dur  time.Duration
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RequestID == [16]byte{} {
		return errors.New("request id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageArchiveStart, StageBookmarkSkipped, StageArchiveDone:
	case StageWaybackDone, StageBookmarkDone:
		if e.StatusClass == "" {
			return fmt.Errorf("%s requires status class", e.Stage)
		}
	case StageArchiveError:
		if e.Kind == "" {
			return errors.New("archive error requires kind")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// RequestUUID converts the binary request ID back to a uuid.UUID.
func (e Event) RequestUUID() uuid.UUID {
	return uuid.UUID(e.RequestID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}

// ClassifyStatus groups HTTP status codes.
func ClassifyStatus(code int) StatusClass {
	switch {
	case code >= 200 && code < 300:
		return Status2xx
	case code >= 300 && code < 400:
		return Status3xx
	case code >= 400 && code < 500:
		return Status4xx
	case code >= 500 && code < 600:
		return Status5xx
	default:
		return StatusOther
	}
}
