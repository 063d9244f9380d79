package tools

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/cuongbtq/toolmeter/internal/domain"
	"github.com/cuongbtq/toolmeter/internal/processor"
)

const maxTextRunes = 100_000

type textInput struct {
	Text string `json:"text"`
}

func (in *textInput) Validate() error {
	if strings.TrimSpace(in.Text) == "" {
		return domain.NewValidationError("text", "is required")
	}
	if utf8.RuneCountInString(in.Text) > maxTextRunes {
		return domain.NewValidationError("text", "longer than %d characters", maxTextRunes)
	}
	return nil
}

func countSentences(text string) int {
	n := 0
	inSentence := false
	for _, r := range text {
		switch r {
		case '.', '!', '?':
			if inSentence {
				n++
				inSentence = false
			}
		default:
			if !strings.ContainsRune(" \t\r\n", r) {
				inSentence = true
			}
		}
	}
	if inSentence {
		n++
	}
	return n
}

// NewTextAnalysis is a flat-rate tool
func NewTextAnalysis(tool processor.Tool) processor.Processor {
	return processor.NewTyped(SlugTextAnalysis,
		func(in textInput) (int64, error) {
			return tool.Cost(0), nil
		},
		func(ctx context.Context, job *domain.ToolJob, in textInput) (*processor.Result, error) {
			if err := checkContext(ctx); err != nil {
				return nil, err
			}

			words := strings.Fields(in.Text)
			letters := 0
			for _, w := range words {
				letters += utf8.RuneCountInString(w)
			}
			avg := 0.0
			if len(words) > 0 {
				avg = float64(letters) / float64(len(words))
			}

			return result(job, tool.Cost(0), map[string]any{
				"words":               len(words),
				"sentences":           countSentences(in.Text),
				"characters":          utf8.RuneCountInString(in.Text),
				"average_word_length": avg,
			})
		},
	)
}
