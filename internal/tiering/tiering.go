// Package tiering compresses large tool responses into a bounded
// extractive summary plus a content id that expands back to the full
// payload. Summaries are deterministic: the same payload and budget
// always produce the same text apart from the content id.
package tiering

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nugget/convmem/internal/tokens"
)

// ContentStore persists full payloads. Satisfied by *expandable.Store.
type ContentStore interface {
	Put(ctx context.Context, sessionID, toolName string, payload []byte, tokenCount int) (string, error)
}

// Result is the outcome of [Builder.Tier].
type Result struct {
	Summary   string
	ContentID string // empty when the payload fit the budget
	// ReductionRatio is 1 - len(Summary)/len(payload). Observability only.
	ReductionRatio float64
	PayloadTokens  int
	SummaryTokens  int
}

// Tiered reports whether the payload was stored and summarized.
func (r Result) Tiered() bool { return r.ContentID != "" }

// maxExcerptLines bounds how much of each section body is quoted.
const maxExcerptLines = 6

// footerSlack absorbs estimator drift when footer and body are counted
// separately.
const footerSlack = 8

// maxTitleRunes bounds each section title listed in the omission footer.
const maxTitleRunes = 40

// Builder produces tiered responses.
type Builder struct {
	store  ContentStore
	est    tokens.Estimator
	logger *slog.Logger
}

// New creates a Builder. A nil estimator selects [tokens.Heuristic].
func New(store ContentStore, est tokens.Estimator, logger *slog.Logger) *Builder {
	if est == nil {
		est = tokens.Heuristic{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{store: store, est: est, logger: logger}
}

// Estimator returns the token estimator in use.
func (b *Builder) Estimator() tokens.Estimator { return b.est }

// Tier returns payload unchanged when it fits budget. Otherwise it stores
// payload and returns a summary bounded by budget that always ends with
// the content id, even if the id line alone exceeds a tiny budget.
func (b *Builder) Tier(ctx context.Context, sessionID, toolName string, payload []byte, budget int) (Result, error) {
	payloadTokens := b.est.Estimate(string(payload))
	if payloadTokens <= budget {
		return Result{
			Summary:       string(payload),
			PayloadTokens: payloadTokens,
			SummaryTokens: payloadTokens,
		}, nil
	}

	id, err := b.store.Put(ctx, sessionID, toolName, payload, payloadTokens)
	if err != nil {
		return Result{}, fmt.Errorf("store payload: %w", err)
	}

	summary := b.Summarize(toolName, id, payload, payloadTokens, budget)
	res := Result{
		Summary:        summary,
		ContentID:      id,
		ReductionRatio: reduction(len(summary), len(payload)),
		PayloadTokens:  payloadTokens,
		SummaryTokens:  b.est.Estimate(summary),
	}

	b.logger.Debug("response tiered",
		"tool", toolName,
		"content_id", id,
		"payload_tokens", payloadTokens,
		"summary_tokens", res.SummaryTokens,
		"reduction", fmt.Sprintf("%.3f", res.ReductionRatio),
	)
	return res, nil
}

// Summarize builds the extractive summary for an already stored payload.
func (b *Builder) Summarize(toolName, contentID string, payload []byte, payloadTokens, budget int) string {
	sections, outline := Parse(payload)

	header := fmt.Sprintf("[%s output tiered: ~%d tokens, %d bytes]\n"+
		"Outline: %d sections, %d list items, %d code blocks, %d lines\n",
		toolName, payloadTokens, len(payload),
		outline.Sections, outline.ListItems, outline.CodeBlocks, outline.Lines)

	var sb strings.Builder
	sb.WriteString(header)

	footer := func(omitted int) string {
		var f strings.Builder
		if omitted > 0 {
			fmt.Fprintf(&f, "\n[%d more sections omitted]", omitted)
			if titles := titlesOf(sections[len(sections)-omitted:], 8); titles != "" {
				fmt.Fprintf(&f, ": %s", titles)
			}
			f.WriteString("\n")
		}
		fmt.Fprintf(&f, "\nFull content: expand_memory(content_id=%q)\n", contentID)
		return f.String()
	}
	used := b.est.Estimate(header)

	// Each candidate is checked against the footer that would follow it,
	// which lists the titles still left out after it.
	included := 0
	for _, s := range sections {
		excerpt := "\n" + excerptOf(s) + "\n"
		cost := b.est.Estimate(excerpt)
		reserve := b.est.Estimate(footer(len(sections)-included-1)) + footerSlack
		if used+cost+reserve > budget {
			break
		}
		sb.WriteString(excerpt)
		used += cost
		included++
	}

	sb.WriteString(footer(len(sections) - included))
	return sb.String()
}

// excerptOf returns the heading plus the first few non-blank lines of a
// section, marking truncation.
func excerptOf(s Section) string {
	lines := strings.Split(s.Body, "\n")
	var kept []string
	for _, l := range lines {
		if strings.TrimSpace(l) == "" {
			continue
		}
		kept = append(kept, l)
		if len(kept) == maxExcerptLines {
			break
		}
	}
	out := strings.Join(kept, "\n")
	if nonBlank(lines) > len(kept) {
		out += "\n..."
	}
	return out
}

func nonBlank(lines []string) int {
	n := 0
	for _, l := range lines {
		if strings.TrimSpace(l) != "" {
			n++
		}
	}
	return n
}

func titlesOf(sections []Section, limit int) string {
	var titles []string
	for _, s := range sections {
		if s.Title == "" {
			continue
		}
		if len(titles) == limit {
			titles = append(titles, "...")
			break
		}
		titles = append(titles, fmt.Sprintf("%q", clip(s.Title, maxTitleRunes)))
	}
	return strings.Join(titles, ", ")
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func reduction(summaryLen, payloadLen int) float64 {
	if payloadLen == 0 {
		return 0
	}
	return 1 - float64(summaryLen)/float64(payloadLen)
}
