package bqrs

import (
	"bytes"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/segmentio/encoding/json"
)

type rawColumn struct {
	Name string `json:"name"`
	Kind string `json:"kind"`
}

type rawPagination struct {
	StepSize int     `json:"step-size"`
	Offsets  []int64 `json:"offsets"`
}

type rawSchema struct {
	Name       string         `json:"name"`
	Rows       int64          `json:"rows"`
	Columns    []rawColumn    `json:"columns"`
	Pagination *rawPagination `json:"pagination"`
}

type rawInfo struct {
	ResultSets           []rawSchema `json:"resultSets"`
	CompatibleQueryKinds []string    `json:"compatibleQueryKinds"`
}

type rawResultSet struct {
	Columns []rawColumn         `json:"columns"`
	Tuples  [][]json.RawMessage `json:"tuples"`
}

type rawEntity struct {
	Label *string         `json:"label"`
	ID    *int64          `json:"id"`
	URL   json.RawMessage `json:"url"`
}

// ParseInfo decodes a `bqrs info --format=json` document.
func ParseInfo(data []byte) (*Info, error) {
	var raw rawInfo
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse bqrs info: %w", err)
	}
	info := &Info{CompatibleQueryKinds: raw.CompatibleQueryKinds}
	for _, rs := range raw.ResultSets {
		columns, err := parseColumns(rs.Columns)
		if err != nil {
			return nil, fmt.Errorf("parse bqrs info: result set %q: %w", rs.Name, err)
		}
		schema := Schema{Name: rs.Name, Rows: rs.Rows, Columns: columns}
		if rs.Pagination != nil {
			schema.PageSize = rs.Pagination.StepSize
			schema.PageOffsets = rs.Pagination.Offsets
		}
		info.ResultSets = append(info.ResultSets, schema)
	}
	return info, nil
}

// ParseResultSet decodes a `bqrs decode --format=json` document. An empty
// name accepts a document holding exactly one result set.
func ParseResultSet(data []byte, name string) (*ResultSet, error) {
	var doc map[string]rawResultSet
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse bqrs results: %w", err)
	}
	if name == "" {
		if len(doc) != 1 {
			return nil, fmt.Errorf("parse bqrs results: expected one result set, found %d", len(doc))
		}
		for key := range doc {
			name = key
		}
	}
	raw, ok := doc[name]
	if !ok {
		return nil, fmt.Errorf("parse bqrs results: result set %q not present", name)
	}

	columns, err := parseColumns(raw.Columns)
	if err != nil {
		return nil, fmt.Errorf("parse bqrs results: %w", err)
	}
	rs := &ResultSet{Name: name, Columns: columns, Tuples: make([]Tuple, 0, len(raw.Tuples))}
	for row, cells := range raw.Tuples {
		if len(columns) > 0 && len(cells) != len(columns) {
			return nil, fmt.Errorf("parse bqrs results: row %d has %d cells, want %d", row, len(cells), len(columns))
		}
		tuple := make(Tuple, len(cells))
		for col, cell := range cells {
			kind := Kind("")
			if col < len(columns) {
				kind = columns[col].Kind
			}
			value, err := parseValue(kind, cell)
			if err != nil {
				return nil, fmt.Errorf("parse bqrs results: row %d column %d: %w", row, col, err)
			}
			tuple[col] = value
		}
		rs.Tuples = append(rs.Tuples, tuple)
	}
	rs.TotalRows = int64(len(rs.Tuples))
	return rs, nil
}

func parseColumns(raw []rawColumn) ([]Column, error) {
	columns := make([]Column, 0, len(raw))
	for _, c := range raw {
		kind, err := ParseKind(c.Kind)
		if err != nil {
			return nil, err
		}
		columns = append(columns, Column{Name: c.Name, Kind: kind})
	}
	return columns, nil
}

func parseValue(kind Kind, raw json.RawMessage) (Value, error) {
	raw = bytes.TrimSpace(raw)
	if kind == "" {
		kind = guessKind(raw)
	}
	value := Value{Kind: kind}
	var err error
	switch kind {
	case KindString:
		err = json.Unmarshal(raw, &value.Text)
	case KindInteger:
		value.Integer, err = strconv.ParseInt(string(raw), 10, 64)
	case KindFloat:
		value.Float, err = strconv.ParseFloat(string(raw), 64)
	case KindBoolean:
		err = json.Unmarshal(raw, &value.Boolean)
	case KindDate:
		if err = json.Unmarshal(raw, &value.Text); err == nil {
			if parsed, perr := time.Parse(time.RFC3339Nano, value.Text); perr == nil {
				value.Date = parsed
			}
		}
	case KindEntity:
		value.Entity, err = parseEntity(raw)
	default:
		err = fmt.Errorf("unsupported kind %q", kind)
	}
	if err != nil {
		return Value{}, fmt.Errorf("%s value %s: %w", kind, raw, err)
	}
	return value, nil
}

func guessKind(raw json.RawMessage) Kind {
	if len(raw) == 0 {
		return KindString
	}
	switch raw[0] {
	case '{':
		return KindEntity
	case '"':
		return KindString
	case 't', 'f':
		return KindBoolean
	}
	if bytes.ContainsAny(raw, ".eE") {
		return KindFloat
	}
	return KindInteger
}

func parseEntity(raw json.RawMessage) (*Entity, error) {
	// Entities decoded with --entities=string only are plain strings.
	if len(raw) > 0 && raw[0] == '"' {
		var label string
		if err := json.Unmarshal(raw, &label); err != nil {
			return nil, err
		}
		return &Entity{Label: label}, nil
	}
	var re rawEntity
	if err := json.Unmarshal(raw, &re); err != nil {
		return nil, err
	}
	entity := &Entity{ID: re.ID}
	if re.Label != nil {
		entity.Label = *re.Label
	}
	if len(re.URL) > 0 && !bytes.Equal(re.URL, []byte("null")) {
		loc, err := parseLocation(re.URL)
		if err != nil {
			return nil, err
		}
		entity.URL = loc
	}
	return entity, nil
}

var lineColumnURL = regexp.MustCompile(`^(.*):(\d+):(\d+):(\d+):(\d+)$`)

// parseLocation accepts the object form and the string form
// `file:/path:startLine:startColumn:endLine:endColumn`.
func parseLocation(raw json.RawMessage) (*Location, error) {
	if raw[0] != '"' {
		var loc Location
		if err := json.Unmarshal(raw, &loc); err != nil {
			return nil, err
		}
		return &loc, nil
	}
	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		return nil, err
	}
	m := lineColumnURL.FindStringSubmatch(text)
	if m == nil {
		return &Location{URI: text}, nil
	}
	loc := &Location{URI: m[1]}
	loc.StartLine, _ = strconv.Atoi(m[2])
	loc.StartColumn, _ = strconv.Atoi(m[3])
	loc.EndLine, _ = strconv.Atoi(m[4])
	loc.EndColumn, _ = strconv.Atoi(m[5])
	return loc, nil
}
