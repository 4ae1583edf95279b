package license

import (
	"errors"
	"net/url"
	"strings"
	"time"
)

// Link relations used by the lifecycle. A license document may carry
// additional relations; they are preserved but not interpreted.
const (
	RelStatus      = "status"
	RelPublication = "publication"
	RelHint        = "hint"
)

var (
	// ErrMalformedDocument indicates a license or status document missing
	// required fields. It is fatal to the parse, never to the store.
	ErrMalformedDocument = errors.New("license: malformed document")
)

// Rights capture the quantitative and temporal limits granted by a
// license. Nil counters mean the corresponding use is unlimited.
type Rights struct {
	Print *int
	Copy  *int
	Start *time.Time
	End   *time.Time
}

// User identifies the person a license was issued to. All fields are
// optional; UserID keys passphrase lookups when present.
type User struct {
	ID    string
	Email string
	Name  string
}

// Link ties a relation name to a target URL.
type Link struct {
	Rel       string
	Href      string
	Type      string
	Title     string
	Templated bool
	Profile   string
}

// License is the immutable value representation of a license document.
// Instances are produced by Parse and never mutated afterwards; the
// durable projection of a license lives in the store.
type License struct {
	ID       string
	Provider string
	Issued   time.Time
	Updated  *time.Time
	Rights   Rights
	User     User
	Links    []Link

	raw []byte
}

// Link returns the first link carrying the requested relation.
func (l License) Link(rel string) (Link, bool) {
	for _, link := range l.Links {
		if link.Rel == rel {
			return link, true
		}
	}
	return Link{}, false
}

// StatusLink returns the link used to fetch the license's status document.
func (l License) StatusLink() (Link, bool) {
	return l.Link(RelStatus)
}

// PublicationLink returns the link used to download the protected content
// package.
func (l License) PublicationLink() (Link, bool) {
	return l.Link(RelPublication)
}

// Raw returns the document bytes the license was parsed from.
func (l License) Raw() []byte {
	return l.raw
}

func validIdentifier(value string) bool {
	return strings.TrimSpace(value) != ""
}

func validProvider(value string) bool {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return false
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return false
	}
	return parsed.Scheme != ""
}
