package bqrs

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"qlbridge/internal/codeql"
	"qlbridge/internal/logging"
	"qlbridge/internal/services"
)

const component = "bqrs"

// CLI is the part of the codeql client the decoder needs.
type CLI interface {
	BQRSInfo(ctx context.Context, path string, pageSize int) ([]byte, error)
	BQRSDecode(ctx context.Context, path string, opts codeql.DecodeOptions) ([]byte, error)
}

// Decoder reads result files page by page.
type Decoder struct {
	cli      CLI
	pageSize int
	entities []string
	logger   *slog.Logger
}

// NewDecoder returns a decoder that reads pageSize rows at a time and asks
// the CLI for the given entity columns (url, string, id, or all).
func NewDecoder(cli CLI, pageSize int, entities []string, logger *slog.Logger) *Decoder {
	if pageSize <= 0 {
		pageSize = 100
	}
	if len(entities) == 0 {
		entities = []string{"url", "string"}
	}
	return &Decoder{
		cli:      cli,
		pageSize: pageSize,
		entities: entities,
		logger:   logging.NewComponentLogger(logger, component),
	}
}

// PageSize is the number of rows per decoded page.
func (d *Decoder) PageSize() int { return d.pageSize }

// Info reads the schemas and page offsets of a result file.
func (d *Decoder) Info(ctx context.Context, path string) (*Info, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, services.Wrap(services.ErrValidation, component, "info", "empty result path", nil)
	}
	data, err := d.cli.BQRSInfo(ctx, path, d.pageSize)
	if err != nil {
		return nil, err
	}
	info, err := ParseInfo(data)
	if err != nil {
		return nil, services.Wrap(services.ErrExternalTool, component, "info", path, err)
	}
	return info, nil
}

// Decode reads one page of a result set. An empty resultSet selects the
// default one; page numbers start at zero.
func (d *Decoder) Decode(ctx context.Context, path, resultSet string, page int) (*ResultSet, error) {
	if page < 0 {
		return nil, services.Wrap(services.ErrValidation, component, "decode", fmt.Sprintf("invalid page %d", page), nil)
	}
	info, err := d.Info(ctx, path)
	if err != nil {
		return nil, err
	}
	schema, ok := info.ResultSet(resultSet)
	if !ok {
		return nil, services.Wrap(services.ErrNotFound, component, "decode",
			fmt.Sprintf("result set %q not found (available: %s)", resultSet, strings.Join(info.Names(), ", ")), nil)
	}

	if schema.Rows == 0 {
		if page > 0 {
			return nil, pageOutOfRange(page, 0)
		}
		return &ResultSet{Name: schema.Name, Columns: schema.Columns, Tuples: []Tuple{}}, nil
	}
	pages := schema.Pages()
	if page >= pages {
		return nil, pageOutOfRange(page, pages)
	}

	opts := codeql.DecodeOptions{
		ResultSet: schema.Name,
		Entities:  d.entities,
	}
	if len(schema.PageOffsets) > 0 {
		opts.StartAt = schema.PageOffsets[page]
		opts.Rows = d.pageSize
	}
	data, err := d.cli.BQRSDecode(ctx, path, opts)
	if err != nil {
		return nil, err
	}
	rs, err := ParseResultSet(data, schema.Name)
	if err != nil {
		return nil, services.Wrap(services.ErrExternalTool, component, "decode", path, err)
	}
	if len(rs.Columns) == 0 {
		rs.Columns = schema.Columns
	}
	rs.TotalRows = schema.Rows
	rs.Page = page
	if page+1 < pages {
		rs.Next = page + 1
	}
	d.logger.Debug("decoded result page",
		logging.String("result_set", schema.Name),
		logging.Int("page", page),
		logging.Int("rows", len(rs.Tuples)),
		logging.Int64("total_rows", schema.Rows),
	)
	return rs, nil
}

func pageOutOfRange(page, pages int) error {
	return services.Wrap(services.ErrNotFound, component, "decode", fmt.Sprintf("page %d out of range (%d pages)", page, pages), nil)
}
