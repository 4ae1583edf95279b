package status

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/velumreader/rights/internal/license"
)

// Status labels a rights server may report for a license.
const (
	StatusReady     = "ready"
	StatusActive    = "active"
	StatusRevoked   = "revoked"
	StatusReturned  = "returned"
	StatusCancelled = "cancelled"
	StatusExpired   = "expired"
)

// Action link relations defined by the status document protocol.
const (
	RelRegister = "register"
	RelRenew    = "renew"
	RelReturn   = "return"
	RelLicense  = "license"
)

// ErrLinkUnavailable indicates the status document lacks the action link
// required for the requested operation. The operation is unsupported for
// this license right now; nothing else is wrong with the document.
var ErrLinkUnavailable = errors.New("status: action link unavailable")

var knownStatuses = map[string]struct{}{
	StatusReady:     {},
	StatusActive:    {},
	StatusRevoked:   {},
	StatusReturned:  {},
	StatusCancelled: {},
	StatusExpired:   {},
}

// KnownStatus reports whether the label is one the protocol defines.
func KnownStatus(label string) bool {
	_, ok := knownStatuses[label]
	return ok
}

// BlocksDecryption reports whether a license in the given state must be
// treated as having exhausted its usage rights. The expired state is
// governed separately by rights.end.
func BlocksDecryption(label string) bool {
	switch label {
	case StatusRevoked, StatusReturned, StatusCancelled:
		return true
	default:
		return false
	}
}

// Link is one entry of a status document's link set.
type Link struct {
	Href      string `json:"href"`
	Type      string `json:"type,omitempty"`
	Title     string `json:"title,omitempty"`
	Templated bool   `json:"templated,omitempty"`
	Profile   string `json:"profile,omitempty"`
}

// Updated carries the server-side modification timestamps of the license
// and of the status document itself.
type Updated struct {
	License *time.Time `json:"license,omitempty"`
	Status  *time.Time `json:"status,omitempty"`
}

// PotentialRights describes how far the license could be extended by a
// renewal.
type PotentialRights struct {
	End *time.Time `json:"end,omitempty"`
}

// Event is one entry of the status document's audit trail.
type Event struct {
	Type      string     `json:"type,omitempty"`
	Name      string     `json:"name,omitempty"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
	DeviceID  string     `json:"id,omitempty"`
}

// Document is the ephemeral representation of a fetched status document.
// It is parsed, consulted, and discarded; only the status label is
// projected into the license store.
type Document struct {
	LicenseID       string            `json:"id"`
	Status          string            `json:"status"`
	Message         string            `json:"message,omitempty"`
	Updated         *Updated          `json:"updated,omitempty"`
	Links           map[string][]Link `json:"links,omitempty"`
	DeviceCount     int               `json:"device_count,omitempty"`
	PotentialRights *PotentialRights  `json:"potential_rights,omitempty"`
	Events          []Event           `json:"events,omitempty"`
}

// Parse decodes raw status document bytes. It fails with
// license.ErrMalformedDocument when the payload is not valid JSON, the
// license id is absent, or the status label is missing or unknown.
func Parse(raw []byte) (Document, error) {
	var document Document
	if err := json.Unmarshal(raw, &document); err != nil {
		return Document{}, fmt.Errorf("%w: %v", license.ErrMalformedDocument, err)
	}

	document.LicenseID = strings.TrimSpace(document.LicenseID)
	document.Status = strings.TrimSpace(document.Status)

	if document.LicenseID == "" {
		return Document{}, fmt.Errorf("%w: missing id", license.ErrMalformedDocument)
	}
	if document.Status == "" {
		return Document{}, fmt.Errorf("%w: missing status", license.ErrMalformedDocument)
	}
	if !KnownStatus(document.Status) {
		return Document{}, fmt.Errorf("%w: unknown status %q", license.ErrMalformedDocument, document.Status)
	}

	return document, nil
}

// Link returns the first link registered under the relation.
func (d Document) Link(rel string) (Link, bool) {
	links := d.Links[rel]
	if len(links) == 0 {
		return Link{}, false
	}
	return links[0], true
}

// ActionURL resolves the action link for the relation into an absolute
// URL, expanding the template (or appending the query) with the supplied
// parameters. A missing link yields ErrLinkUnavailable.
func (d Document) ActionURL(rel string, params url.Values) (string, error) {
	link, ok := d.Link(rel)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrLinkUnavailable, rel)
	}
	return ResolveLink(link.Href, link.Templated, params)
}

// ResolveLink produces an absolute URL from an action link target. For
// templated targets only the variables named in the {?...} expression are
// expanded; for plain targets every supplied parameter is appended.
func ResolveLink(href string, templated bool, params url.Values) (string, error) {
	target := strings.TrimSpace(href)
	if target == "" {
		return "", fmt.Errorf("%w: empty target", ErrLinkUnavailable)
	}

	if templated {
		target = expandQueryTemplate(target, params)
	}

	parsed, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("status: invalid action link %q: %w", href, err)
	}
	if !parsed.IsAbs() {
		return "", fmt.Errorf("status: action link %q is not absolute", href)
	}

	if !templated && len(params) > 0 {
		query := parsed.Query()
		for key, values := range params {
			for _, value := range values {
				query.Add(key, value)
			}
		}
		parsed.RawQuery = query.Encode()
	}

	return parsed.String(), nil
}

// expandQueryTemplate implements the form-style query expansion used by
// status documents, e.g. "https://x/renew{?end,id,name}". Variables
// absent from params are dropped; any other template expression is left
// untouched.
func expandQueryTemplate(target string, params url.Values) string {
	opening := strings.Index(target, "{?")
	if opening < 0 {
		return target
	}
	closing := strings.Index(target[opening:], "}")
	if closing < 0 {
		return target
	}
	closing += opening

	names := strings.Split(target[opening+2:closing], ",")
	query := url.Values{}
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		for _, value := range params[name] {
			query.Add(name, value)
		}
	}

	prefix := target[:opening]
	suffix := target[closing+1:]
	encoded := query.Encode()
	if encoded == "" {
		return prefix + suffix
	}

	separator := "?"
	if strings.Contains(prefix, "?") {
		separator = "&"
	}
	return prefix + separator + encoded + suffix
}
