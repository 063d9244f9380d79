package parsing

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cuongbtq/toolmeter/internal/domain"
)

// WordsPerPage is used to derive a page count for formats without explicit pages
const WordsPerPage = 500

// Document is the normalized form of an uploaded file
type Document struct {
	Format   string
	Text     string
	Words    int
	Pages    int
	Duration time.Duration
}

// UnsupportedFormatError is returned for file extensions no parser handles
type UnsupportedFormatError struct {
	Filename  string
	Extension string
}

func (e *UnsupportedFormatError) Error() string {
	if e.Extension == "" {
		return fmt.Sprintf("unsupported format: %q has no extension", e.Filename)
	}
	return fmt.Sprintf("unsupported format %q for file %q", e.Extension, e.Filename)
}

// Parse normalizes data according to the extension of filename
func Parse(data []byte, filename string) (*Document, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	parse, ok := parsers[ext]
	if !ok {
		return nil, &UnsupportedFormatError{Filename: filename, Extension: ext}
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, domain.NewValidationError("file", "%s is empty", filename)
	}
	if !utf8.Valid(data) {
		return nil, domain.NewValidationError("file", "%s is not valid UTF-8 text", filename)
	}

	doc, err := parse(data)
	if err != nil {
		return nil, domain.NewValidationError("file", "%s: %v", filename, err)
	}
	doc.Format = strings.TrimPrefix(ext, ".")
	doc.Words = len(strings.Fields(doc.Text))
	if doc.Pages == 0 {
		doc.Pages = pagesFor(doc.Words)
	}
	return doc, nil
}

// Supported reports whether Parse accepts filename
func Supported(filename string) bool {
	_, ok := parsers[strings.ToLower(filepath.Ext(filename))]
	return ok
}

var parsers = map[string]func([]byte) (*Document, error){
	".txt":  parsePlain,
	".md":   parsePlain,
	".csv":  parseCSV,
	".json": parseJSON,
	".vtt":  parseCues,
	".srt":  parseCues,
}

func pagesFor(words int) int {
	if words <= 0 {
		return 1
	}
	return (words + WordsPerPage - 1) / WordsPerPage
}

// parsePlain treats form feeds as explicit page breaks
func parsePlain(data []byte) (*Document, error) {
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	doc := &Document{Text: strings.ReplaceAll(text, "\f", "\n")}
	if n := strings.Count(strings.TrimRight(text, "\f\n "), "\f"); n > 0 {
		doc.Pages = n + 1
	}
	return doc, nil
}

func parseCSV(data []byte) (*Document, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("invalid csv: %w", err)
	}

	var sb strings.Builder
	for _, rec := range records {
		sb.WriteString(strings.Join(rec, " "))
		sb.WriteByte('\n')
	}
	return &Document{Text: sb.String()}, nil
}

// parseJSON keeps the string values of the document as its text
func parseJSON(data []byte) (*Document, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("invalid json: %w", err)
	}

	var parts []string
	var walk func(any)
	walk = func(v any) {
		switch t := v.(type) {
		case string:
			parts = append(parts, t)
		case []any:
			for _, e := range t {
				walk(e)
			}
		case map[string]any:
			for _, e := range t {
				walk(e)
			}
		}
	}
	walk(v)
	return &Document{Text: strings.Join(parts, "\n")}, nil
}

var cueTiming = regexp.MustCompile(`^\s*((?:\d+:)?\d{1,2}:\d{2}[.,]\d{1,3})\s*-->\s*((?:\d+:)?\d{1,2}:\d{2}[.,]\d{1,3})`)

// parseCues reads WebVTT and SubRip cues. The duration is the end of the last cue.
func parseCues(data []byte) (*Document, error) {
	var (
		sb    strings.Builder
		end   time.Duration
		cues  int
		inCue bool
	)

	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(strings.TrimPrefix(sc.Text(), "\ufeff"))

		if m := cueTiming.FindStringSubmatch(line); m != nil {
			cueEnd, err := parseTimestamp(m[2])
			if err != nil {
				return nil, err
			}
			if cueEnd > end {
				end = cueEnd
			}
			cues++
			inCue = true
			continue
		}
		if line == "" {
			inCue = false
			continue
		}
		if !inCue {
			// WEBVTT header, NOTE blocks and SRT sequence numbers
			continue
		}
		sb.WriteString(line)
		sb.WriteByte('\n')
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read transcript: %w", err)
	}
	if cues == 0 {
		return nil, fmt.Errorf("no cues found")
	}

	return &Document{Text: sb.String(), Duration: end, Pages: 1}, nil
}

// parseTimestamp accepts hh:mm:ss.mmm, mm:ss.mmm and the SRT comma separator
func parseTimestamp(s string) (time.Duration, error) {
	s = strings.Replace(s, ",", ".", 1)
	whole, frac, _ := strings.Cut(s, ".")

	parts := strings.Split(whole, ":")
	var total time.Duration
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return 0, fmt.Errorf("invalid timestamp %q", s)
		}
		total = total*60 + time.Duration(n)
	}
	total *= time.Second

	if frac != "" {
		for len(frac) < 3 {
			frac += "0"
		}
		ms, err := strconv.Atoi(frac[:3])
		if err != nil {
			return 0, fmt.Errorf("invalid timestamp %q", s)
		}
		total += time.Duration(ms) * time.Millisecond
	}
	return total, nil
}
