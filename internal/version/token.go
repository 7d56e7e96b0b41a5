// Package version implements the version tokens used for published documents
// and for change request file changes.
//
// Published tokens are assigned by the document store and look like "2.1".
// File change tokens are derived from a baseline and carry the
// "filechange-" prefix, for example "filechange-3.1". Both families share
// one ordering so a file change can be compared with the live document.
package version

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const FileChangePrefix = "filechange-"

var ErrNotPublished = errors.New("version token is not a published token")

type family uint8

const (
	familyNone family = iota
	familyPublished
	familyFileChange
)

// Token is a comparable version identifier. The zero value means "no
// version" and sorts before every other token.
type Token struct {
	family family
	major  int
	minor  int
}

// Zero is the token of a document that does not exist yet.
var Zero = Token{}

type MalformedTokenError struct {
	Input  string
	Reason string
}

func (e *MalformedTokenError) Error() string {
	return fmt.Sprintf("malformed version token %q: %s", e.Input, e.Reason)
}

func Published(major, minor int) Token {
	return Token{family: familyPublished, major: major, minor: minor}
}

func FileChange(major, minor int) Token {
	return Token{family: familyFileChange, major: major, minor: minor}
}

// Parse reads a token in either family. The empty string parses to Zero.
func Parse(input string) (Token, error) {
	raw := strings.TrimSpace(input)
	if raw == "" {
		return Zero, nil
	}
	fam := familyPublished
	if strings.HasPrefix(raw, FileChangePrefix) {
		fam = familyFileChange
		raw = strings.TrimPrefix(raw, FileChangePrefix)
	}
	majorText, minorText, ok := strings.Cut(raw, ".")
	if !ok {
		return Zero, &MalformedTokenError{Input: input, Reason: "missing minor component"}
	}
	major, err := parseComponent(majorText)
	if err != nil {
		return Zero, &MalformedTokenError{Input: input, Reason: "major: " + err.Error()}
	}
	minor, err := parseComponent(minorText)
	if err != nil {
		return Zero, &MalformedTokenError{Input: input, Reason: "minor: " + err.Error()}
	}
	return Token{family: fam, major: major, minor: minor}, nil
}

// MustParse is Parse for tokens known at compile time. It panics with a
// *MalformedTokenError.
func MustParse(input string) Token {
	token, err := Parse(input)
	if err != nil {
		panic(err)
	}
	return token
}

func parseComponent(text string) (int, error) {
	if text == "" {
		return 0, errors.New("empty")
	}
	for _, r := range text {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("unexpected character %q", r)
		}
	}
	value, err := strconv.Atoi(text)
	if err != nil {
		return 0, err
	}
	return value, nil
}

func (t Token) String() string {
	switch t.family {
	case familyPublished:
		return fmt.Sprintf("%d.%d", t.major, t.minor)
	case familyFileChange:
		return fmt.Sprintf("%s%d.%d", FileChangePrefix, t.major, t.minor)
	default:
		return ""
	}
}

func (t Token) IsZero() bool       { return t.family == familyNone }
func (t Token) IsPublished() bool  { return t.family == familyPublished }
func (t Token) IsFileChange() bool { return t.family == familyFileChange }
func (t Token) Major() int         { return t.major }
func (t Token) Minor() int         { return t.minor }

// FromMerge reports whether the token was minted by a minor bump, which is
// how merges and rebases derive their versions.
func (t Token) FromMerge() bool {
	return t.family == familyFileChange && t.minor > 1
}

// Compare orders by numbers first. On equal numbers a published token sorts
// before the file change derived from it.
func (t Token) Compare(other Token) int {
	if t.IsZero() || other.IsZero() {
		switch {
		case t.IsZero() && other.IsZero():
			return 0
		case t.IsZero():
			return -1
		default:
			return 1
		}
	}
	if t.major != other.major {
		return cmpInt(t.major, other.major)
	}
	if t.minor != other.minor {
		return cmpInt(t.minor, other.minor)
	}
	return cmpInt(int(t.family), int(other.family))
}

func (t Token) Less(other Token) bool  { return t.Compare(other) < 0 }
func (t Token) After(other Token) bool { return t.Compare(other) > 0 }

func Max(a, b Token) Token {
	if a.Compare(b) >= 0 {
		return a
	}
	return b
}

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// NextPublished returns the token a store assigns to the next commit after t.
func (t Token) NextPublished(minorEdit bool) Token {
	if t.IsZero() {
		return Published(1, 1)
	}
	if minorEdit {
		return Published(t.major, t.minor+1)
	}
	return Published(t.major+1, 1)
}

// NextFileChangeVersion derives the version of a file change from its
// baseline. A minor bump is used for merges and rebases, a major bump for
// a fresh author edit. The result is always strictly greater than baseline.
func NextFileChangeVersion(baseline Token, minorEdit bool) Token {
	if minorEdit {
		minor := baseline.minor
		if minor < 1 {
			minor = 1
		}
		return FileChange(baseline.major, minor+1)
	}
	return FileChange(baseline.major+1, 1)
}

// NextFileChangeVersionString is NextFileChangeVersion over the string form.
// A malformed baseline is a programming error and panics.
func NextFileChangeVersionString(baseline string, minorEdit bool) string {
	return NextFileChangeVersion(MustParse(baseline), minorEdit).String()
}

func (t Token) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *Token) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

func (t Token) Value() (driver.Value, error) {
	if t.IsZero() {
		return nil, nil
	}
	return t.String(), nil
}

func (t *Token) Scan(src any) error {
	switch value := src.(type) {
	case nil:
		*t = Zero
		return nil
	case string:
		return t.UnmarshalText([]byte(value))
	case []byte:
		return t.UnmarshalText(value)
	default:
		return fmt.Errorf("scan version token: unsupported type %T", src)
	}
}
