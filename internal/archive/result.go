package archive

import "fmt"

// ErrorKind classifies why an archive request failed.
type ErrorKind int

// Failure kinds. KindNone marks a successful result.
const (
	KindNone ErrorKind = iota
	KindUpstreamRejected
	KindMissingRedirect
	KindConnectionFailed
	KindTimedOut
	KindUnclassified
)

var kindNames = map[ErrorKind]string{
	KindNone:             "none",
	KindUpstreamRejected: "upstream_rejected",
	KindMissingRedirect:  "missing_redirect",
	KindConnectionFailed: "connection_failed",
	KindTimedOut:         "timed_out",
	KindUnclassified:     "unclassified",
}

func (k ErrorKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// MarshalText renders the kind by name in JSON payloads.
func (k ErrorKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Stage names the external call that decided the outcome.
type Stage string

// Pipeline stages.
const (
	StageWayback  Stage = "wayback"
	StageBookmark Stage = "bookmark"
)

// Result is the single outcome of one Archive call. Message holds the
// human-readable text shown to chat users.
type Result struct {
	Succeeded   bool      `json:"succeeded"`
	Kind        ErrorKind `json:"kind"`
	Stage       Stage     `json:"stage"`
	Message     string    `json:"message"`
	URL         string    `json:"url"`
	ArchivedURL string    `json:"archived_url,omitempty"`
	Bookmarked  bool      `json:"bookmarked"`
	StatusCode  int       `json:"status_code,omitempty"`
}

// Pair returns the (succeeded, message) view of the result.
func (r Result) Pair() (bool, string) {
	return r.Succeeded, r.Message
}

// Err returns nil for a success, otherwise a *Failure carrying the kind.
func (r Result) Err() error {
	if r.Succeeded {
		return nil
	}
	return &Failure{Kind: r.Kind, Stage: r.Stage, Message: r.Message}
}

// Failure is the error form of an unsuccessful Result.
type Failure struct {
	Kind    ErrorKind
	Stage   Stage
	Message string
}

func (f *Failure) Error() string {
	return f.Message
}

// Is matches the kind sentinels below, so errors.Is(err, ErrTimedOut) works.
func (f *Failure) Is(target error) bool {
	k, ok := target.(kindSentinel)
	return ok && ErrorKind(k) == f.Kind
}

type kindSentinel ErrorKind

func (k kindSentinel) Error() string {
	return ErrorKind(k).String()
}

// Sentinels for errors.Is against Result.Err.
var (
	ErrUpstreamRejected error = kindSentinel(KindUpstreamRejected)
	ErrMissingRedirect  error = kindSentinel(KindMissingRedirect)
	ErrConnectionFailed error = kindSentinel(KindConnectionFailed)
	ErrTimedOut         error = kindSentinel(KindTimedOut)
	ErrUnclassified     error = kindSentinel(KindUnclassified)
)
