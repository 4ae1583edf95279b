package license

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type documentPayload struct {
	ID       string         `json:"id"`
	Issued   string         `json:"issued"`
	Updated  string         `json:"updated,omitempty"`
	Provider string         `json:"provider"`
	Rights   *rightsPayload `json:"rights,omitempty"`
	User     *userPayload   `json:"user,omitempty"`
	Links    []linkPayload  `json:"links,omitempty"`
}

type rightsPayload struct {
	Print *int   `json:"print,omitempty"`
	Copy  *int   `json:"copy,omitempty"`
	Start string `json:"start,omitempty"`
	End   string `json:"end,omitempty"`
}

type userPayload struct {
	ID    string `json:"id,omitempty"`
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
}

type linkPayload struct {
	Rel       string `json:"rel"`
	Href      string `json:"href"`
	Type      string `json:"type,omitempty"`
	Title     string `json:"title,omitempty"`
	Templated bool   `json:"templated,omitempty"`
	Profile   string `json:"profile,omitempty"`
}

// Parse decodes raw license document bytes into a License value. It fails
// with ErrMalformedDocument when the document is not valid JSON or when
// id, provider, or issued are absent or invalid.
func Parse(raw []byte) (License, error) {
	var payload documentPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return License{}, fmt.Errorf("%w: %v", ErrMalformedDocument, err)
	}

	if !validIdentifier(payload.ID) {
		return License{}, fmt.Errorf("%w: missing id", ErrMalformedDocument)
	}
	if !validProvider(payload.Provider) {
		return License{}, fmt.Errorf("%w: missing or invalid provider", ErrMalformedDocument)
	}

	issued, err := parseRequiredTime(payload.Issued)
	if err != nil {
		return License{}, fmt.Errorf("%w: issued: %v", ErrMalformedDocument, err)
	}

	updated, err := parseOptionalTime(payload.Updated)
	if err != nil {
		return License{}, fmt.Errorf("%w: updated: %v", ErrMalformedDocument, err)
	}

	rights, err := parseRights(payload.Rights)
	if err != nil {
		return License{}, err
	}

	user := User{}
	if payload.User != nil {
		user = User{
			ID:    strings.TrimSpace(payload.User.ID),
			Email: strings.TrimSpace(payload.User.Email),
			Name:  strings.TrimSpace(payload.User.Name),
		}
	}

	links := make([]Link, 0, len(payload.Links))
	for _, link := range payload.Links {
		if strings.TrimSpace(link.Rel) == "" || strings.TrimSpace(link.Href) == "" {
			continue
		}
		links = append(links, Link{
			Rel:       strings.TrimSpace(link.Rel),
			Href:      strings.TrimSpace(link.Href),
			Type:      link.Type,
			Title:     link.Title,
			Templated: link.Templated,
			Profile:   link.Profile,
		})
	}

	rawCopy := make([]byte, len(raw))
	copy(rawCopy, raw)

	return License{
		ID:       strings.TrimSpace(payload.ID),
		Provider: strings.TrimSpace(payload.Provider),
		Issued:   issued,
		Updated:  updated,
		Rights:   rights,
		User:     user,
		Links:    links,
		raw:      rawCopy,
	}, nil
}

func parseRights(payload *rightsPayload) (Rights, error) {
	if payload == nil {
		return Rights{}, nil
	}

	start, err := parseOptionalTime(payload.Start)
	if err != nil {
		return Rights{}, fmt.Errorf("%w: rights.start: %v", ErrMalformedDocument, err)
	}
	end, err := parseOptionalTime(payload.End)
	if err != nil {
		return Rights{}, fmt.Errorf("%w: rights.end: %v", ErrMalformedDocument, err)
	}

	rights := Rights{Start: start, End: end}
	if payload.Print != nil {
		if *payload.Print < 0 {
			return Rights{}, fmt.Errorf("%w: rights.print is negative", ErrMalformedDocument)
		}
		value := *payload.Print
		rights.Print = &value
	}
	if payload.Copy != nil {
		if *payload.Copy < 0 {
			return Rights{}, fmt.Errorf("%w: rights.copy is negative", ErrMalformedDocument)
		}
		value := *payload.Copy
		rights.Copy = &value
	}
	return rights, nil
}

func parseRequiredTime(value string) (time.Time, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	parsed, err := time.Parse(time.RFC3339, trimmed)
	if err != nil {
		return time.Time{}, err
	}
	return parsed.UTC(), nil
}

func parseOptionalTime(value string) (*time.Time, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}
	parsed, err := time.Parse(time.RFC3339, trimmed)
	if err != nil {
		return nil, err
	}
	utc := parsed.UTC()
	return &utc, nil
}
