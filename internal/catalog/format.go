// Package catalog reads and writes stock item files for the admin surface.
package catalog

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/Jinniwidyaballukh/pbs-bot-tele/internal/stock"
)

type Format string

const (
	FormatCSV Format = "csv"
	FormatTXT Format = "txt"
)

func ParseFormat(s string) (Format, bool) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatCSV, FormatTXT:
		return f, true
	}
	return "", false
}

// Defaults fill what a file leaves out.
type Defaults struct {
	ProductCode string
	Batch       string
	Notes       string
}

var csvColumns = []string{"product_code", "item_data", "status", "notes", "batch"}

// ParseCSV reads a headed CSV. Columns may come in any order; product_code may
// be missing when d.ProductCode is set. Any bad row rejects the whole file.
func ParseCSV(r io.Reader, d Defaults) ([]stock.Item, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, &stock.ValidationError{Field: "file", Reason: "no header row"}
	}
	if err != nil {
		return nil, &stock.ValidationError{Field: "file", Reason: err.Error()}
	}
	idx := map[string]int{}
	for i, h := range header {
		idx[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))] = i
	}
	if _, ok := idx["item_data"]; !ok {
		return nil, &stock.ValidationError{Field: "header", Reason: "item_data column required"}
	}
	if _, ok := idx["product_code"]; !ok && d.ProductCode == "" {
		return nil, &stock.ValidationError{Field: "header", Reason: "product_code column or product context required"}
	}

	var out []stock.Item
	for row := 2; ; row++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, rowError(row, err.Error())
		}
		col := func(name string) string {
			i, ok := idx[name]
			if !ok || i >= len(rec) {
				return ""
			}
			return strings.TrimSpace(rec[i])
		}
		if allBlank(rec) {
			continue
		}

		it := stock.Item{
			ProductCode: orDefault(col("product_code"), d.ProductCode),
			Data:        col("item_data"),
			Batch:       orDefault(col("batch"), d.Batch),
			Notes:       orDefault(col("notes"), d.Notes),
			Status:      stock.ItemAvailable,
		}
		if it.ProductCode == "" {
			return nil, rowError(row, "empty product_code")
		}
		if it.Data == "" {
			return nil, rowError(row, "empty item_data")
		}
		if s := col("status"); s != "" {
			st, ok := stock.ParseItemStatus(strings.ToLower(s))
			if !ok || (st != stock.ItemAvailable && st != stock.ItemError) {
				return nil, rowError(row, fmt.Sprintf("status %q not importable", s))
			}
			it.Status = st
		}
		out = append(out, it)
	}
	if len(out) == 0 {
		return nil, &stock.ValidationError{Field: "file", Reason: "no data rows"}
	}
	return out, nil
}

// ParseTXT reads one item payload per non-empty line for d.ProductCode.
func ParseTXT(r io.Reader, d Defaults) ([]stock.Item, error) {
	if d.ProductCode == "" {
		return nil, &stock.ValidationError{Field: "product_code", Reason: "product context required"}
	}
	var out []stock.Item
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		out = append(out, stock.Item{
			ProductCode: d.ProductCode,
			Data:        line,
			Status:      stock.ItemAvailable,
			Batch:       d.Batch,
			Notes:       d.Notes,
		})
	}
	if err := sc.Err(); err != nil {
		return nil, &stock.ValidationError{Field: "file", Reason: err.Error()}
	}
	if len(out) == 0 {
		return nil, &stock.ValidationError{Field: "file", Reason: "no items"}
	}
	return out, nil
}

func Parse(f Format, r io.Reader, d Defaults) ([]stock.Item, error) {
	if f == FormatTXT {
		return ParseTXT(r, d)
	}
	return ParseCSV(r, d)
}

var exportHeader = []string{"Product Code", "Item Data", "Status", "Batch", "Notes", "Created At"}

// WriteCSV writes items with every cell quoted.
func WriteCSV(w io.Writer, items []stock.Item) error {
	bw := bufio.NewWriter(w)
	writeRow := func(cells []string) {
		for i, c := range cells {
			if i > 0 {
				bw.WriteByte(',')
			}
			bw.WriteByte('"')
			bw.WriteString(strings.ReplaceAll(c, `"`, `""`))
			bw.WriteByte('"')
		}
		bw.WriteByte('\n')
	}
	writeRow(exportHeader)
	for _, it := range items {
		writeRow([]string{
			it.ProductCode,
			it.Data,
			string(it.Status),
			it.Batch,
			it.Notes,
			it.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	return bw.Flush()
}

// WriteTXT writes one item payload per line.
func WriteTXT(w io.Writer, items []stock.Item) error {
	bw := bufio.NewWriter(w)
	for _, it := range items {
		bw.WriteString(it.Data)
		bw.WriteByte('\n')
	}
	return bw.Flush()
}

func Write(f Format, w io.Writer, items []stock.Item) error {
	if f == FormatTXT {
		return WriteTXT(w, items)
	}
	return WriteCSV(w, items)
}

func rowError(row int, reason string) error {
	return &stock.ValidationError{Field: fmt.Sprintf("row %d", row), Reason: reason}
}

func allBlank(rec []string) bool {
	for _, c := range rec {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

func orDefault(v, def string) string {
	if v != "" {
		return v
	}
	return def
}
