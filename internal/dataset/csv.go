package dataset

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// ParseCSV parses delimited text. The delimiter is sniffed among , ; tab and |.
// Non UTF-8 input is decoded as Windows-1252, which covers Brazilian exports.
func ParseCSV(name string, data []byte) (*Table, error) {
	data, err := toUTF8(data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", name, err)
	}

	delim := sniffDelimiter(data)
	r := csv.NewReader(bytes.NewReader(data))
	r.Comma = delim
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	r.ReuseRecord = false

	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse csv %s: %w", name, err)
	}
	records = dropBlankRecords(records)
	if len(records) == 0 {
		return nil, fmt.Errorf("%s: %w", name, ErrEmpty)
	}
	return FromRecords(name, records[0], records[1:], delim != ',')
}

func toUTF8(data []byte) ([]byte, error) {
	data = bytes.TrimPrefix(data, utf8BOM)
	if utf8.Valid(data) {
		return data, nil
	}
	return charmap.Windows1252.NewDecoder().Bytes(data)
}

// sniffDelimiter picks the candidate that appears most often, and the same
// number of times, across the first lines.
func sniffDelimiter(data []byte) rune {
	lines := strings.Split(string(data), "\n")
	if len(lines) > 10 {
		lines = lines[:10]
	}
	best, bestScore := ',', 0
	for _, d := range []rune{',', ';', '\t', '|'} {
		score, first, consistent := 0, -1, true
		for _, line := range lines {
			line = strings.TrimRight(line, "\r")
			if strings.TrimSpace(line) == "" {
				continue
			}
			n := countOutsideQuotes(line, d)
			if first < 0 {
				first = n
			} else if n != first {
				consistent = false
			}
			score += n
		}
		if first <= 0 {
			continue
		}
		if consistent {
			score *= 2
		}
		if score > bestScore {
			best, bestScore = d, score
		}
	}
	return best
}

func countOutsideQuotes(line string, d rune) int {
	n, quoted := 0, false
	for _, r := range line {
		switch {
		case r == '"':
			quoted = !quoted
		case r == d && !quoted:
			n++
		}
	}
	return n
}

func dropBlankRecords(records [][]string) [][]string {
	out := records[:0]
	for _, rec := range records {
		blank := true
		for _, f := range rec {
			if strings.TrimSpace(f) != "" {
				blank = false
				break
			}
		}
		if !blank {
			out = append(out, rec)
		}
	}
	return out
}
