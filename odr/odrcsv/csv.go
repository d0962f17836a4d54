// Package odrcsv loads (x, y) observation tables from CSV files, the
// on-disk format used by odrfit's command-line front end.
package odrcsv

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
)

// Table is a loaded CSV file: nx explanatory columns followed by ny
// response columns, both block widths given by the caller of Load.
type Table struct {
	ColNames []string
	X        [][]float64
	Y        [][]float64
}

// Load reads path as CSV: the first row is a header, every remaining row
// holds nx+ny numeric fields. Blank lines are skipped.
func Load(path string, nx, ny int) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("odrcsv: open %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("odrcsv: read header: %w", err)
	}
	if len(header) != nx+ny {
		return nil, fmt.Errorf("odrcsv: header has %d columns, expected %d (nx=%d + ny=%d)", len(header), nx+ny, nx, ny)
	}

	t := &Table{ColNames: header}
	rowNum := 1
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("odrcsv: read row %d: %w", rowNum+1, err)
		}
		rowNum++
		if len(record) == 1 && record[0] == "" {
			continue
		}
		if len(record) != nx+ny {
			return nil, fmt.Errorf("odrcsv: row %d: expected %d columns, got %d", rowNum, nx+ny, len(record))
		}

		xrow := make([]float64, nx)
		for j := 0; j < nx; j++ {
			v, err := strconv.ParseFloat(record[j], 64)
			if err != nil {
				return nil, fmt.Errorf("odrcsv: row %d col %d (%q): %w", rowNum, j+1, record[j], err)
			}
			xrow[j] = v
		}
		yrow := make([]float64, ny)
		for j := 0; j < ny; j++ {
			v, err := strconv.ParseFloat(record[nx+j], 64)
			if err != nil {
				return nil, fmt.Errorf("odrcsv: row %d col %d (%q): %w", rowNum, nx+j+1, record[nx+j], err)
			}
			yrow[j] = v
		}
		t.X = append(t.X, xrow)
		t.Y = append(t.Y, yrow)
	}

	if len(t.X) == 0 {
		return nil, fmt.Errorf("odrcsv: no data rows in %s", path)
	}
	return t, nil
}
