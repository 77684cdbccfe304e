package bqrs

import (
	"context"
	"errors"
	"testing"

	"qlbridge/internal/codeql"
	"qlbridge/internal/services"
)

type stubCLI struct {
	info      string
	page      string
	pageSizes []int
	decodes   []codeql.DecodeOptions
}

func (s *stubCLI) BQRSInfo(_ context.Context, _ string, pageSize int) ([]byte, error) {
	s.pageSizes = append(s.pageSizes, pageSize)
	return []byte(s.info), nil
}

func (s *stubCLI) BQRSDecode(_ context.Context, _ string, opts codeql.DecodeOptions) ([]byte, error) {
	s.decodes = append(s.decodes, opts)
	return []byte(s.page), nil
}

func TestDecoderPaging(t *testing.T) {
	cli := &stubCLI{info: sampleInfo, page: samplePage}
	dec := NewDecoder(cli, 2, nil, nil)
	ctx := context.Background()

	first, err := dec.Decode(ctx, "/r.bqrs", "", 0)
	if err != nil {
		t.Fatalf("Decode page 0: %v", err)
	}
	if first.TotalRows != 3 || first.Next != 1 || !first.HasMore() {
		t.Fatalf("unexpected paging %+v", first)
	}
	second, err := dec.Decode(ctx, "/r.bqrs", "#select", 1)
	if err != nil {
		t.Fatalf("Decode page 1: %v", err)
	}
	if second.HasMore() {
		t.Fatal("last page should not report more")
	}

	if cli.pageSizes[0] != 2 {
		t.Fatalf("expected info to request page size 2, got %v", cli.pageSizes)
	}
	if cli.decodes[0].StartAt != 12 || cli.decodes[1].StartAt != 310 || cli.decodes[1].Rows != 2 {
		t.Fatalf("unexpected decode options %+v", cli.decodes)
	}
	if got := cli.decodes[0].Entities; len(got) != 2 || got[0] != "url" {
		t.Fatalf("unexpected default entities %v", got)
	}
}

func TestDecoderEmptyResultSetSkipsDecode(t *testing.T) {
	cli := &stubCLI{info: sampleInfo}
	rs, err := NewDecoder(cli, 2, nil, nil).Decode(context.Background(), "/r.bqrs", "edges", 0)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(rs.Tuples) != 0 || len(rs.Columns) != 2 || rs.HasMore() {
		t.Fatalf("unexpected empty result %+v", rs)
	}
	if len(cli.decodes) != 0 {
		t.Fatal("empty result set should not be decoded")
	}
}

func TestDecoderErrors(t *testing.T) {
	dec := NewDecoder(&stubCLI{info: sampleInfo, page: samplePage}, 2, nil, nil)
	ctx := context.Background()

	if _, err := dec.Decode(ctx, "/r.bqrs", "missing", 0); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected not found for result set, got %v", err)
	}
	if _, err := dec.Decode(ctx, "/r.bqrs", "", 5); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected not found for page, got %v", err)
	}
	if _, err := dec.Decode(ctx, "/r.bqrs", "", -1); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := dec.Info(ctx, " "); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error for empty path, got %v", err)
	}
}

func TestDecoderWithoutPagination(t *testing.T) {
	cli := &stubCLI{
		info: `{"resultSets":[{"name":"#select","rows":2,"columns":[{"kind":"s"}]}]}`,
		page: `{"#select":{"columns":[{"kind":"String"}],"tuples":[["a"],["b"]]}}`,
	}
	rs, err := NewDecoder(cli, 50, []string{"all"}, nil).Decode(context.Background(), "/r.bqrs", "", 0)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(rs.Tuples) != 2 || rs.HasMore() {
		t.Fatalf("unexpected result %+v", rs)
	}
	if cli.decodes[0].Rows != 0 || cli.decodes[0].StartAt != 0 {
		t.Fatalf("expected whole-set decode, got %+v", cli.decodes[0])
	}
}
