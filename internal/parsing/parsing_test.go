package parsing

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/cuongbtq/toolmeter/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleVTT = `WEBVTT

NOTE produced by the recorder

00:00:01.000 --> 00:00:04.500
Hello and welcome.

00:01:02.250 --> 00:02:10.000
Today we talk about ledgers.
`

const sampleSRT = `1
00:00:01,000 --> 00:00:03,000
First line

2
01:00:00,000 --> 01:30:00,500
Second line
`

func TestParse(t *testing.T) {
	tests := []struct {
		name         string
		filename     string
		data         string
		wantFormat   string
		wantWords    int
		wantPages    int
		wantDuration time.Duration
		wantText     string
	}{
		{name: "plain text", filename: "notes.TXT", data: "one two three", wantFormat: "txt", wantWords: 3, wantPages: 1},
		{name: "form feeds are pages", filename: "report.txt", data: "a\fb\fc\f", wantFormat: "txt", wantWords: 3, wantPages: 3},
		{name: "long text", filename: "book.md", data: strings.Repeat("word ", 1001), wantFormat: "md", wantWords: 1001, wantPages: 3},
		{name: "csv", filename: "table.csv", data: "name,city\nann,oslo\n", wantFormat: "csv", wantWords: 4, wantPages: 1},
		{name: "json strings", filename: "doc.json", data: `{"title":"big news","n":3,"tags":["x"]}`, wantFormat: "json", wantWords: 3, wantPages: 1},
		{name: "vtt", filename: "talk.vtt", data: sampleVTT, wantFormat: "vtt", wantWords: 8, wantPages: 1, wantDuration: 2*time.Minute + 10*time.Second, wantText: "Hello and welcome.\nToday we talk about ledgers.\n"},
		{name: "srt", filename: "film.srt", data: sampleSRT, wantFormat: "srt", wantWords: 4, wantPages: 1, wantDuration: 90*time.Minute + 500*time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc, err := Parse([]byte(tt.data), tt.filename)
			require.NoError(t, err)
			assert.Equal(t, tt.wantFormat, doc.Format)
			assert.Equal(t, tt.wantWords, doc.Words)
			assert.Equal(t, tt.wantPages, doc.Pages)
			assert.Equal(t, tt.wantDuration, doc.Duration)
			if tt.wantText != "" {
				assert.Equal(t, tt.wantText, doc.Text)
			}
		})
	}
}

func TestParse_Errors(t *testing.T) {
	t.Run("unsupported extension", func(t *testing.T) {
		_, err := Parse([]byte("%PDF-1.7"), "scan.pdf")
		var unsupported *UnsupportedFormatError
		require.True(t, errors.As(err, &unsupported))
		assert.Equal(t, ".pdf", unsupported.Extension)
	})

	t.Run("no extension", func(t *testing.T) {
		_, err := Parse([]byte("x"), "README")
		var unsupported *UnsupportedFormatError
		assert.True(t, errors.As(err, &unsupported))
	})

	invalid := []struct {
		name     string
		filename string
		data     string
	}{
		{name: "empty", filename: "a.txt", data: "  \n"},
		{name: "binary", filename: "a.txt", data: "\xff\xfe\x00"},
		{name: "broken json", filename: "a.json", data: `{"a":`},
		{name: "broken csv", filename: "a.csv", data: "a,\"b\n"},
		{name: "transcript without cues", filename: "a.vtt", data: "WEBVTT\n\njust text\n"},
	}
	for _, tt := range invalid {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.data), tt.filename)
			var validation *domain.ValidationError
			assert.True(t, errors.As(err, &validation), "got %v", err)
		})
	}
}

func TestSupported(t *testing.T) {
	assert.True(t, Supported("a.SRT"))
	assert.False(t, Supported("a.docx"))
}
