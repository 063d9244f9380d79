package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cuongbtq/toolmeter/internal/domain"
	"github.com/cuongbtq/toolmeter/internal/processor"
	"github.com/cuongbtq/toolmeter/internal/storagekey"
)

// Built-in tool slugs
const (
	SlugDocumentAnalysis   = "document-analysis"
	SlugTranscriptAnalysis = "transcript-analysis"
	SlugTextAnalysis       = "text-analysis"
)

const publicTenant = "public"

// Processors builds the built-in processors for every catalog entry that has one.
// Catalog entries without a built-in are left to Registry.MustCover to report.
func Processors(catalog processor.Catalog) []processor.Processor {
	var out []processor.Processor
	for _, slug := range catalog.Slugs() {
		tool := catalog[slug]
		switch slug {
		case SlugDocumentAnalysis:
			out = append(out, NewDocumentAnalysis(tool))
		case SlugTranscriptAnalysis:
			out = append(out, NewTranscriptAnalysis(tool))
		case SlugTextAnalysis:
			out = append(out, NewTextAnalysis(tool))
		}
	}
	return out
}

// artifactKey is where the job's result document is stored
func artifactKey(job *domain.ToolJob) (string, error) {
	tenant := publicTenant
	if job.TenantID != nil && *job.TenantID != "" {
		tenant = *job.TenantID
	}

	user := job.OwnerID
	if strings.HasPrefix(user, "anon:") && job.SessionID != nil {
		user = "anon-" + *job.SessionID
	}

	key, err := storagekey.Key(tenant, user, storagekey.PurposeResults, job.ID+".json")
	if err != nil {
		return "", domain.Permanent(fmt.Errorf("failed to name result artifact: %w", err))
	}
	return key, nil
}

func result(job *domain.ToolJob, cost int64, fields map[string]any) (*processor.Result, error) {
	key, err := artifactKey(job)
	if err != nil {
		return nil, err
	}
	fields["artifact_key"] = key

	out, err := json.Marshal(fields)
	if err != nil {
		return nil, domain.Permanent(fmt.Errorf("failed to encode output: %w", err))
	}
	return &processor.Result{Output: out, ActualCost: cost}, nil
}

func ceilDiv(n, d int64) int64 {
	if n <= 0 {
		return 0
	}
	return (n + d - 1) / d
}

func checkContext(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return domain.Transient(err)
	}
	return nil
}
