package tools

import (
	"context"
	"encoding/base64"

	"github.com/cuongbtq/toolmeter/internal/domain"
	"github.com/cuongbtq/toolmeter/internal/parsing"
	"github.com/cuongbtq/toolmeter/internal/processor"
)

const (
	maxDocumentBytes = 10 << 20
	// bytesPerPage turns an upload size into a page estimate before parsing
	bytesPerPage = 3000
)

type documentInput struct {
	Filename      string `json:"filename"`
	ContentBase64 string `json:"content_base64"`

	content []byte
}

func (in *documentInput) Validate() error {
	if in.Filename == "" {
		return domain.NewValidationError("filename", "is required")
	}
	if !parsing.Supported(in.Filename) {
		return domain.NewValidationError("filename", "unsupported document format: %s", in.Filename)
	}
	if in.ContentBase64 == "" {
		return domain.NewValidationError("content_base64", "is required")
	}

	content, err := base64.StdEncoding.DecodeString(in.ContentBase64)
	if err != nil {
		return domain.NewValidationError("content_base64", "invalid base64: %v", err)
	}
	if len(content) > maxDocumentBytes {
		return domain.NewValidationError("content_base64", "document larger than %d bytes", maxDocumentBytes)
	}
	in.content = content
	return nil
}

// NewDocumentAnalysis charges per parsed page. The estimate is derived from the upload size,
// so the final cost may differ in either direction.
func NewDocumentAnalysis(tool processor.Tool) processor.Processor {
	return processor.NewTyped(SlugDocumentAnalysis,
		func(in documentInput) (int64, error) {
			pages := ceilDiv(int64(len(in.content)), bytesPerPage)
			if pages < 1 {
				pages = 1
			}
			return tool.Cost(pages), nil
		},
		func(ctx context.Context, job *domain.ToolJob, in documentInput) (*processor.Result, error) {
			if err := checkContext(ctx); err != nil {
				return nil, err
			}

			doc, err := parsing.Parse(in.content, in.Filename)
			if err != nil {
				return nil, domain.Permanent(err)
			}

			return result(job, tool.Cost(int64(doc.Pages)), map[string]any{
				"format":     doc.Format,
				"pages":      doc.Pages,
				"words":      doc.Words,
				"characters": len([]rune(doc.Text)),
			})
		},
	)
}
