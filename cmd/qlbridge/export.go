package main

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"qlbridge/internal/bqrs"
	"qlbridge/internal/fileutil"
	"qlbridge/internal/history"
	"qlbridge/internal/textutil"
)

// exportCSV decodes every page of resultSet and writes it to a CSV file in
// dir named after the query and result set. It returns the file path and the
// number of rows written.
func exportCSV(ctx context.Context, decoder *bqrs.Decoder, run *history.Run, resultSet, dir string) (string, int, error) {
	first, err := decoder.Decode(ctx, run.OutputPath, resultSet, 0)
	if err != nil {
		return "", 0, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", 0, fmt.Errorf("create export directory: %w", err)
	}
	name := fmt.Sprintf("%s-%s-%s.csv",
		textutil.SanitizeFileName(run.QueryName),
		textutil.SanitizeToken(first.Name),
		shortID(run.ID),
	)
	target := filepath.Join(dir, name)

	rows := 0
	err = fileutil.WriteAtomic(target, 0o644, func(out io.Writer) error {
		w := csv.NewWriter(out)
		if err := w.Write(bqrs.Header(first.Columns)); err != nil {
			return fmt.Errorf("write csv header: %w", err)
		}
		for page := first; ; {
			for _, tuple := range page.Tuples {
				if err := w.Write(bqrs.FormatTuple(tuple)); err != nil {
					return fmt.Errorf("write csv row: %w", err)
				}
				rows++
			}
			if !page.HasMore() {
				break
			}
			next, err := decoder.Decode(ctx, run.OutputPath, first.Name, page.Next)
			if err != nil {
				return err
			}
			page = next
		}
		w.Flush()
		return w.Error()
	})
	if err != nil {
		return "", 0, err
	}
	return target, rows, nil
}
