package bqrs

import (
	"fmt"
	"strings"
	"time"
)

// Kind is a result column type.
type Kind string

const (
	KindString  Kind = "String"
	KindInteger Kind = "Integer"
	KindFloat   Kind = "Float"
	KindBoolean Kind = "Boolean"
	KindDate    Kind = "Date"
	KindEntity  Kind = "Entity"
)

var kindCodes = map[string]Kind{
	"s": KindString,
	"i": KindInteger,
	"f": KindFloat,
	"b": KindBoolean,
	"d": KindDate,
	"e": KindEntity,
}

// ParseKind accepts the single-letter codes `bqrs info` emits and the full
// names `bqrs decode` emits.
func ParseKind(value string) (Kind, error) {
	value = strings.TrimSpace(value)
	if kind, ok := kindCodes[strings.ToLower(value)]; ok {
		return kind, nil
	}
	for _, kind := range kindCodes {
		if strings.EqualFold(value, string(kind)) {
			return kind, nil
		}
	}
	return "", fmt.Errorf("unknown column kind %q", value)
}

// Column describes one result column.
type Column struct {
	Name string
	Kind Kind
}

// Schema describes one result set in a BQRS file.
type Schema struct {
	Name    string
	Rows    int64
	Columns []Column
	// PageOffsets holds the byte offset of each page when the info document
	// was requested with a page size.
	PageOffsets []int64
	PageSize    int
}

// Pages reports how many pages the result set spans.
func (s Schema) Pages() int {
	if len(s.PageOffsets) > 0 {
		return len(s.PageOffsets)
	}
	if s.Rows > 0 {
		return 1
	}
	return 0
}

// Info is the decoded `bqrs info` document.
type Info struct {
	ResultSets           []Schema
	CompatibleQueryKinds []string
}

// DefaultResultSetName is the result set a select clause produces.
const DefaultResultSetName = "#select"

// ResultSet looks up a schema by name. An empty name picks #select, or the
// only result set when there is just one.
func (i *Info) ResultSet(name string) (Schema, bool) {
	if name == "" {
		if s, ok := i.ResultSet(DefaultResultSetName); ok {
			return s, true
		}
		if len(i.ResultSets) == 1 {
			return i.ResultSets[0], true
		}
		return Schema{}, false
	}
	for _, s := range i.ResultSets {
		if s.Name == name {
			return s, true
		}
	}
	return Schema{}, false
}

// Names lists the result set names.
func (i *Info) Names() []string {
	names := make([]string, 0, len(i.ResultSets))
	for _, s := range i.ResultSets {
		names = append(names, s.Name)
	}
	return names
}

// Location is a source range. A zero StartLine marks a whole-file location.
type Location struct {
	URI         string `json:"uri"`
	StartLine   int    `json:"startLine"`
	StartColumn int    `json:"startColumn"`
	EndLine     int    `json:"endLine"`
	EndColumn   int    `json:"endColumn"`
}

// IsWholeFile reports whether the location names a file without a range.
func (l Location) IsWholeFile() bool {
	return l.StartLine == 0 && l.StartColumn == 0 && l.EndLine == 0 && l.EndColumn == 0
}

// Path strips the file scheme from URI.
func (l Location) Path() string {
	path := strings.TrimPrefix(l.URI, "file://")
	return strings.TrimPrefix(path, "file:")
}

func (l Location) String() string {
	if l.IsWholeFile() {
		return l.Path()
	}
	return fmt.Sprintf("%s:%d:%d", l.Path(), l.StartLine, l.StartColumn)
}

// Entity is a database entity with an optional label, id, and location.
type Entity struct {
	Label string
	ID    *int64
	URL   *Location
}

// Value is one typed cell.
type Value struct {
	Kind    Kind
	Text    string
	Integer int64
	Float   float64
	Boolean bool
	Date    time.Time
	Entity  *Entity
}

// Tuple is one result row.
type Tuple []Value

// ResultSet is one decoded page of a result set.
type ResultSet struct {
	Name      string
	Columns   []Column
	Tuples    []Tuple
	TotalRows int64
	Page      int
	// Next is the following page number, or zero on the last page.
	Next int
}

// HasMore reports whether another page follows.
func (r *ResultSet) HasMore() bool {
	return r.Next > 0
}
