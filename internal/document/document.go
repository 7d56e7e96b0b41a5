// Package document holds the immutable document snapshot shared by the
// stores, the merge engine and change request file changes.
package document

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
)

var ErrNotFound = errors.New("document not found")

// Reference identifies a document in the store, optionally in a locale.
type Reference struct {
	ID     string `json:"id"`
	Locale string `json:"locale,omitempty"`
}

func (r Reference) String() string {
	if r.Locale == "" {
		return r.ID
	}
	return r.ID + ";" + r.Locale
}

func (r Reference) IsZero() bool {
	return r.ID == ""
}

func ParseReference(input string) (Reference, error) {
	id, locale, _ := strings.Cut(strings.TrimSpace(input), ";")
	if id == "" {
		return Reference{}, fmt.Errorf("parse document reference %q: empty id", input)
	}
	return Reference{ID: id, Locale: locale}, nil
}

// Document is an immutable snapshot. A nil *Document stands for a document
// that does not exist, either because it was never created or because a
// change deletes it.
type Document struct {
	title      string
	content    string
	properties map[string]string
}

func New(title, content string, properties map[string]string) *Document {
	return &Document{
		title:      title,
		content:    content,
		properties: copyProperties(properties),
	}
}

func (d *Document) Title() string   { return d.title }
func (d *Document) Content() string { return d.content }

// Lines splits the content on "\n". Empty content has no lines.
func (d *Document) Lines() []string {
	return SplitLines(d.content)
}

func (d *Document) Property(key string) (string, bool) {
	value, ok := d.properties[key]
	return value, ok
}

func (d *Document) Properties() map[string]string {
	return copyProperties(d.properties)
}

func (d *Document) PropertyKeys() []string {
	return slices.Sorted(maps.Keys(d.properties))
}

func (d *Document) WithTitle(title string) *Document {
	next := d.clone()
	next.title = title
	return next
}

func (d *Document) WithContent(content string) *Document {
	next := d.clone()
	next.content = content
	return next
}

func (d *Document) WithProperty(key, value string) *Document {
	next := d.clone()
	if next.properties == nil {
		next.properties = make(map[string]string)
	}
	next.properties[key] = value
	return next
}

func (d *Document) WithoutProperty(key string) *Document {
	next := d.clone()
	delete(next.properties, key)
	return next
}

func (d *Document) clone() *Document {
	return &Document{
		title:      d.title,
		content:    d.content,
		properties: copyProperties(d.properties),
	}
}

// Equal treats two nil documents as equal.
func Equal(a, b *Document) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.title == b.title && a.content == b.content && maps.Equal(a.properties, b.properties)
}

// Hash is a stable digest of the document, empty for nil.
func Hash(d *Document) string {
	if d == nil {
		return ""
	}
	payload, _ := json.Marshal(d.wire())
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

func SplitLines(content string) []string {
	if content == "" {
		return nil
	}
	return strings.Split(content, "\n")
}

func JoinLines(lines []string) string {
	return strings.Join(lines, "\n")
}

type wireDocument struct {
	Title      string            `json:"title"`
	Content    string            `json:"content"`
	Properties map[string]string `json:"properties,omitempty"`
}

func (d *Document) wire() wireDocument {
	return wireDocument{Title: d.title, Content: d.content, Properties: d.properties}
}

func (d *Document) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.wire())
}

func (d *Document) UnmarshalJSON(data []byte) error {
	var wire wireDocument
	if err := json.Unmarshal(data, &wire); err != nil {
		return fmt.Errorf("decode document: %w", err)
	}
	d.title = wire.Title
	d.content = wire.Content
	d.properties = copyProperties(wire.Properties)
	return nil
}

func copyProperties(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	return maps.Clone(in)
}
