package tools

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/cuongbtq/toolmeter/internal/domain"
	"github.com/cuongbtq/toolmeter/internal/parsing"
	"github.com/cuongbtq/toolmeter/internal/processor"
)

const (
	maxTranscriptBytes = 5 << 20
	// bytesPerMinute and wordsPerMinute approximate spoken length when no timing is known
	bytesPerMinute = 1000
	wordsPerMinute = 150
)

var transcriptFormats = map[string]bool{".vtt": true, ".srt": true, ".txt": true}

type transcriptInput struct {
	Filename string `json:"filename"`
	Content  string `json:"content"`
}

func (in *transcriptInput) Validate() error {
	if in.Filename == "" {
		return domain.NewValidationError("filename", "is required")
	}
	if !transcriptFormats[strings.ToLower(filepath.Ext(in.Filename))] {
		return domain.NewValidationError("filename", "transcripts must be .vtt, .srt or .txt: %s", in.Filename)
	}
	if strings.TrimSpace(in.Content) == "" {
		return domain.NewValidationError("content", "is required")
	}
	if len(in.Content) > maxTranscriptBytes {
		return domain.NewValidationError("content", "transcript larger than %d bytes", maxTranscriptBytes)
	}
	return nil
}

// spokenMinutes rounds up; a transcript always counts as at least one minute
func spokenMinutes(doc *parsing.Document) int64 {
	var minutes int64
	if doc.Duration > 0 {
		minutes = ceilDiv(int64(doc.Duration), int64(time.Minute))
	} else {
		minutes = ceilDiv(int64(doc.Words), wordsPerMinute)
	}
	if minutes < 1 {
		minutes = 1
	}
	return minutes
}

// NewTranscriptAnalysis charges per spoken minute
func NewTranscriptAnalysis(tool processor.Tool) processor.Processor {
	return processor.NewTyped(SlugTranscriptAnalysis,
		func(in transcriptInput) (int64, error) {
			minutes := ceilDiv(int64(len(in.Content)), bytesPerMinute)
			if minutes < 1 {
				minutes = 1
			}
			return tool.Cost(minutes), nil
		},
		func(ctx context.Context, job *domain.ToolJob, in transcriptInput) (*processor.Result, error) {
			if err := checkContext(ctx); err != nil {
				return nil, err
			}

			doc, err := parsing.Parse([]byte(in.Content), in.Filename)
			if err != nil {
				return nil, domain.Permanent(err)
			}

			minutes := spokenMinutes(doc)
			return result(job, tool.Cost(minutes), map[string]any{
				"format":           doc.Format,
				"duration_seconds": int64(doc.Duration / time.Second),
				"minutes":          minutes,
				"words":            doc.Words,
				"words_per_minute": int64(doc.Words) / minutes,
			})
		},
	)
}
