// Package issueid encodes and decodes human-facing issue identifiers such as
// ENG-42 and derives the collaborative room key for an issue.
//
// Everything here is pure. Changing DocumentKey output is a breaking
// migration: existing rooms would no longer be found.
package issueid

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var ErrMalformedIdentifier = errors.New("malformed issue identifier")

// DisplayID is the canonical PREFIX-NUMBER form.
type DisplayID string

func (d DisplayID) String() string {
	return string(d)
}

// Parsed is a decoded display identifier.
type Parsed struct {
	Prefix string
	Number int64
}

func (p Parsed) DisplayID() DisplayID {
	return Encode(p.Prefix, p.Number)
}

var (
	displayPattern       = regexp.MustCompile(`^([A-Z][A-Z0-9]*)-(\d+)$`)
	workspaceCodePattern = regexp.MustCompile(`^[A-Z][A-Z0-9]{1,9}$`)
	spaceCodePattern     = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9]*$`)
)

func Encode(prefix string, number int64) DisplayID {
	return DisplayID(prefix + "-" + strconv.FormatInt(number, 10))
}

func Decode(value string) (Parsed, error) {
	match := displayPattern.FindStringSubmatch(value)
	if match == nil {
		return Parsed{}, fmt.Errorf("%w: %q", ErrMalformedIdentifier, value)
	}
	number, err := strconv.ParseInt(match[2], 10, 64)
	if err != nil || number <= 0 {
		return Parsed{}, fmt.Errorf("%w: %q", ErrMalformedIdentifier, value)
	}
	return Parsed{Prefix: match[1], Number: number}, nil
}

// ValidWorkspaceCode reports whether code can be used as a workspace prefix:
// 2-10 uppercase alphanumerics starting with a letter.
func ValidWorkspaceCode(code string) bool {
	return workspaceCodePattern.MatchString(code)
}

// ValidSpaceCode reports whether a user-chosen space code produces a
// decodable prefix once upper-cased. Only ASCII letters and digits are
// accepted, so the stored code and its prefix compare equal case-insensitively
// in the database as well.
func ValidSpaceCode(code string) bool {
	return spaceCodePattern.MatchString(strings.TrimSpace(code))
}

// SpacePrefix is the display prefix for a user-chosen space code.
func SpacePrefix(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Codec derives room keys. The namespace keeps keys of different workspaces
// (and different deployments sharing a room store) apart.
type Codec struct {
	namespace string
}

func NewCodec(namespace string) Codec {
	return Codec{namespace: strings.TrimSuffix(namespace, ":")}
}

// Scoped returns a codec whose keys live under the given workspace.
func (c Codec) Scoped(workspaceID string) Codec {
	return Codec{namespace: c.namespace + ":" + workspaceID}
}

func (c Codec) Namespace() string {
	return c.namespace
}

func (c Codec) DocumentKey(id DisplayID) string {
	return c.namespace + ":" + string(id)
}

// ParseDocumentKey splits a key produced by Scoped(workspaceID).DocumentKey
// back into the workspace id and the display identifier.
func (c Codec) ParseDocumentKey(key string) (workspaceID string, id DisplayID, err error) {
	rest, ok := strings.CutPrefix(key, c.namespace+":")
	if !ok {
		return "", "", fmt.Errorf("%w: key %q outside namespace %q", ErrMalformedIdentifier, key, c.namespace)
	}
	idx := strings.LastIndex(rest, ":")
	if idx <= 0 {
		return "", "", fmt.Errorf("%w: key %q has no workspace", ErrMalformedIdentifier, key)
	}
	parsed, err := Decode(rest[idx+1:])
	if err != nil {
		return "", "", err
	}
	return rest[:idx], parsed.DisplayID(), nil
}

// IsDocumentKey reports whether ref looks like a room key of this codec
// rather than a bare display identifier.
func (c Codec) IsDocumentKey(ref string) bool {
	return strings.HasPrefix(ref, c.namespace+":")
}
