package postprocess

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// SummaryItem is one transcript line submitted for summarization.
type SummaryItem struct {
	Text        string `json:"text"`
	Translation string `json:"translation,omitempty"`
}

// Summary describes a whole conversation.
type Summary struct {
	Scene     string   `json:"scene"`
	Topic     string   `json:"topic"`
	KeyPoints []string `json:"keyPoints"`
	Summary   string   `json:"summary"`
	// Fallback is true when the summary was built without the LLM.
	Fallback bool `json:"fallback"`
}

const (
	summarySystem    = "You summarize conversation transcripts. Reply with a single JSON object and nothing else."
	maxSummaryItems  = 200
	fallbackPoints   = 3
	fallbackTopicLen = 8
)

// Summarize describes items with the LLM. Fewer than two usable items, or any
// LLM failure, yields a deterministic summary built from the items alone.
func (p *Processor) Summarize(ctx context.Context, items []SummaryItem, language string) Summary {
	items = usableItems(items)
	if len(items) < 2 {
		return fallbackSummary(items)
	}
	if len(items) > maxSummaryItems {
		items = items[len(items)-maxSummaryItems:]
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	start := time.Now()
	s, err := p.summarize(ctx, items, language)
	p.record("summary", err, start)
	if err != nil {
		log.Warn().Err(err).Str("backend", p.llm.Name()).Int("items", len(items)).Msg("Summary failed, using fallback")
		return fallbackSummary(items)
	}
	return s
}

func (p *Processor) summarize(ctx context.Context, items []SummaryItem, language string) (Summary, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return Summary{}, err
	}
	defer p.sem.Release(1)

	var b strings.Builder
	b.WriteString("Conversation:\n")
	for i, it := range items {
		fmt.Fprintf(&b, "%d. %s", i+1, it.Text)
		if it.Translation != "" {
			fmt.Fprintf(&b, " (%s)", it.Translation)
		}
		b.WriteByte('\n')
	}
	fmt.Fprintf(&b, "\nDescribe the scene, the main topic, up to five key points and a short summary, written in %s.\n", languageOrAuto(language))
	b.WriteString(`Output JSON: {"scene": "...", "topic": "...", "key_points": ["..."], "summary": "..."}`)

	reply, err := p.llm.Complete(ctx, summarySystem, b.String())
	if err != nil {
		return Summary{}, err
	}
	var r struct {
		Scene     string   `json:"scene"`
		Topic     string   `json:"topic"`
		KeyPoints []string `json:"key_points"`
		Summary   string   `json:"summary"`
	}
	if err := decodeReply(reply, &r); err != nil {
		return Summary{}, err
	}
	if strings.TrimSpace(r.Summary) == "" {
		return Summary{}, fmt.Errorf("empty summary")
	}
	if r.KeyPoints == nil {
		r.KeyPoints = []string{}
	}
	return Summary{Scene: r.Scene, Topic: r.Topic, KeyPoints: r.KeyPoints, Summary: r.Summary}, nil
}

func usableItems(items []SummaryItem) []SummaryItem {
	out := make([]SummaryItem, 0, len(items))
	for _, it := range items {
		it.Text = strings.TrimSpace(it.Text)
		if it.Text != "" {
			out = append(out, it)
		}
	}
	return out
}

// fallbackSummary depends only on items, so repeated calls agree.
func fallbackSummary(items []SummaryItem) Summary {
	s := Summary{Scene: "conversation", KeyPoints: []string{}, Fallback: true}
	if len(items) == 0 {
		s.Summary = "No speech was transcribed."
		return s
	}

	words := strings.Fields(items[0].Text)
	if len(words) > fallbackTopicLen {
		words = words[:fallbackTopicLen]
	}
	s.Topic = strings.Join(words, " ")

	for i := 0; i < len(items) && i < fallbackPoints; i++ {
		s.KeyPoints = append(s.KeyPoints, items[i].Text)
	}
	s.Summary = fmt.Sprintf("%d transcribed sentence(s) beginning with %q.", len(items), items[0].Text)
	return s
}
