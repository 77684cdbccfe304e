package bqrs

import (
	"strconv"
	"strings"
	"time"
)

// FormatCell renders a value for a table cell. Entities render as their
// label followed by the location when one is known.
func FormatCell(v Value) string {
	switch v.Kind {
	case KindString:
		return v.Text
	case KindInteger:
		return strconv.FormatInt(v.Integer, 10)
	case KindFloat:
		return strconv.FormatFloat(v.Float, 'g', -1, 64)
	case KindBoolean:
		return strconv.FormatBool(v.Boolean)
	case KindDate:
		if !v.Date.IsZero() {
			return v.Date.Format(time.DateTime)
		}
		return v.Text
	case KindEntity:
		return formatEntity(v.Entity)
	default:
		return ""
	}
}

func formatEntity(e *Entity) string {
	if e == nil {
		return ""
	}
	label := strings.TrimSpace(e.Label)
	if label == "" && e.ID != nil {
		label = "#" + strconv.FormatInt(*e.ID, 10)
	}
	if e.URL == nil || e.URL.URI == "" {
		return label
	}
	if label == "" {
		return e.URL.String()
	}
	return label + " (" + e.URL.String() + ")"
}

// FormatTuple renders every cell of a row.
func FormatTuple(t Tuple) []string {
	out := make([]string, len(t))
	for i, v := range t {
		out[i] = FormatCell(v)
	}
	return out
}

// Header returns display names for the columns, numbering unnamed ones.
func Header(columns []Column) []string {
	out := make([]string, len(columns))
	for i, c := range columns {
		if c.Name != "" {
			out[i] = c.Name
			continue
		}
		out[i] = "[" + strconv.Itoa(i) + "]"
	}
	return out
}
