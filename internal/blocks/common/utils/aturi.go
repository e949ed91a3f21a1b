package utils

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidDID   = errors.New("invalid did")
	ErrInvalidATURI = errors.New("invalid at-uri")
)

// ATURI is the parsed form of at://<authority>/<collection>/<rkey>.
type ATURI struct {
	Authority  string
	Collection string
	RecordKey  string
}

func (u ATURI) String() string {
	var b strings.Builder
	b.WriteString("at://")
	b.WriteString(u.Authority)
	if u.Collection != "" {
		b.WriteString("/")
		b.WriteString(u.Collection)
		if u.RecordKey != "" {
			b.WriteString("/")
			b.WriteString(u.RecordKey)
		}
	}
	return b.String()
}

// ParseDID splits a DID into its method and method-specific identifier.
func ParseDID(did string) (method, id string, err error) {
	parts := strings.SplitN(did, ":", 3)
	if len(parts) != 3 || parts[0] != "did" || parts[1] == "" || parts[2] == "" {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidDID, did)
	}
	for _, r := range parts[1] {
		if r < 'a' || r > 'z' {
			return "", "", fmt.Errorf("%w: method %q", ErrInvalidDID, parts[1])
		}
	}
	if strings.ContainsAny(parts[2], " /?#") {
		return "", "", fmt.Errorf("%w: identifier %q", ErrInvalidDID, parts[2])
	}
	return parts[1], parts[2], nil
}

// IsDID reports whether s parses as a DID.
func IsDID(s string) bool {
	_, _, err := ParseDID(s)
	return err == nil
}

// ParseATURI parses an AT-URI. Query strings and fragments are rejected.
func ParseATURI(raw string) (ATURI, error) {
	rest, ok := strings.CutPrefix(raw, "at://")
	if !ok || rest == "" || strings.ContainsAny(rest, "?#") {
		return ATURI{}, fmt.Errorf("%w: %q", ErrInvalidATURI, raw)
	}
	parts := strings.Split(rest, "/")
	if len(parts) > 3 {
		return ATURI{}, fmt.Errorf("%w: too many segments in %q", ErrInvalidATURI, raw)
	}
	for _, p := range parts[1:] {
		if p == "" {
			return ATURI{}, fmt.Errorf("%w: empty segment in %q", ErrInvalidATURI, raw)
		}
	}
	u := ATURI{Authority: parts[0]}
	if len(parts) > 1 {
		u.Collection = parts[1]
	}
	if len(parts) > 2 {
		u.RecordKey = parts[2]
	}
	return u, nil
}

// ListCreator extracts the creator DID from a list AT-URI
// (at://<did>/app.bsky.graph.list/<rkey>).
func ListCreator(listURI string) (string, error) {
	u, err := ParseATURI(listURI)
	if err != nil {
		return "", err
	}
	if !IsDID(u.Authority) {
		return "", fmt.Errorf("%w: authority %q is not a did", ErrInvalidATURI, u.Authority)
	}
	if u.RecordKey == "" {
		return "", fmt.Errorf("%w: %q has no record key", ErrInvalidATURI, listURI)
	}
	return u.Authority, nil
}
