package postprocess

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"realtime-transcribe-backend/internal/errs"
	"realtime-transcribe-backend/internal/models"
	"realtime-transcribe-backend/internal/observability/logging"
	"realtime-transcribe-backend/internal/observability/metrics"
	"realtime-transcribe-backend/internal/observability/tracing"
)

// Config bounds the overlay.
type Config struct {
	// Wait is how long a final is held back for its overlay.
	Wait time.Duration
	// Timeout bounds the whole overlay, including time spent waiting for a
	// semaphore slot.
	Timeout       time.Duration
	MaxConcurrent int
	Metrics       *metrics.Metrics
}

// Request is one final transcript to post-process.
type Request struct {
	SessionID      string
	SegmentID      uint64
	Text           string
	Language       string
	TargetLanguage string
	Keywords       []string
	Refine         bool
	History        []string
	// Scene is optional background for refinement and translation.
	Scene *models.SceneContext
}

func (r Request) needsLLM() bool {
	return r.Refine || r.TargetLanguage != ""
}

// Processor runs refinement and translation concurrently on a process-wide
// semaphore, separate from the recognition workers.
type Processor struct {
	llm     LLM
	sem     *semaphore.Weighted
	cfg     Config
	metrics *metrics.Metrics
}

func New(llm LLM, cfg Config) *Processor {
	if llm == nil {
		llm = Noop{}
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 8
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 8 * time.Second
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.DefaultMetrics
	}
	return &Processor{
		llm:     llm,
		sem:     semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		cfg:     cfg,
		metrics: cfg.Metrics,
	}
}

// Name returns the backend name.
func (p *Processor) Name() string {
	return p.llm.Name()
}

// Apply runs Process with the bounded wait. When the overlay finishes within
// Wait it is returned and pending is false. Otherwise pending is true and
// late is called with the overlay once it completes. The overlay outlives
// ctx's cancellation but not its values.
func (p *Processor) Apply(ctx context.Context, req Request, late func(models.Overlay)) (overlay *models.Overlay, pending bool) {
	octx := context.WithoutCancel(ctx)
	done := make(chan models.Overlay, 1)
	go func() { done <- p.Process(octx, req) }()

	t := time.NewTimer(p.cfg.Wait)
	defer t.Stop()
	select {
	case ov := <-done:
		return &ov, false
	case <-t.C:
		go func() { late(<-done) }()
		return nil, true
	}
}

// Process computes the overlay for one final. It never fails: a failed stage
// sets its unavailable flag and is logged as a post-processing failure.
func (p *Processor) Process(ctx context.Context, req Request) (ov models.Overlay) {
	ov.MatchedKeywords = MatchKeywords(req.Text, req.Keywords)
	defer func() { ov.KeywordMatch = len(ov.MatchedKeywords) > 0 }()

	if !req.needsLLM() || strings.TrimSpace(req.Text) == "" {
		return ov
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()
	ctx, span := tracing.StartSpan(ctx, "postprocess.overlay",
		attribute.String("session.id", req.SessionID),
		attribute.Int64("segment.id", int64(req.SegmentID)),
		attribute.String("llm.backend", p.llm.Name()),
		attribute.Bool("refine", req.Refine),
		attribute.String("target_language", req.TargetLanguage),
	)
	defer func() {
		if ov.RefineUnavailable || ov.TranslateUnavailable {
			span.SetStatus(codes.Error, "overlay incomplete")
		}
		span.End()
	}()

	if err := p.sem.Acquire(ctx, 1); err != nil {
		ov.RefineUnavailable = req.Refine
		ov.TranslateUnavailable = req.TargetLanguage != ""
		p.fail(ctx, req, "acquire", err)
		return ov
	}
	defer p.sem.Release(1)

	var (
		g          errgroup.Group
		refined    refineReply
		refineErr  error
		translated string
		transErr   error
	)
	if req.Refine {
		g.Go(func() error {
			start := time.Now()
			refined, refineErr = p.refine(ctx, req)
			p.record("refine", refineErr, start)
			return nil
		})
	}
	if req.TargetLanguage != "" {
		g.Go(func() error {
			start := time.Now()
			translated, transErr = p.translate(ctx, req)
			p.record("translate", transErr, start)
			return nil
		})
	}
	_ = g.Wait()

	if req.Refine {
		if refineErr != nil {
			ov.RefineUnavailable = true
			p.fail(ctx, req, "refine", refineErr)
		} else {
			ov.Refined = refined.RefinedText
			ov.MatchedKeywords = mergeKeywords(ov.MatchedKeywords, refined.MatchedKeywords, req.Keywords)
			ov.IsContinuation = refined.IsContinuation
			ov.ContinuationReason = refined.ContinuationReason
		}
	}
	if req.TargetLanguage != "" {
		if transErr != nil {
			ov.TranslateUnavailable = true
			p.fail(ctx, req, "translate", transErr)
		} else {
			ov.Translated = translated
		}
	}
	return ov
}

func (p *Processor) record(stage string, err error, start time.Time) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	p.metrics.RecordPostProcess(stage, outcome, time.Since(start).Seconds())
}

func (p *Processor) fail(ctx context.Context, req Request, stage string, err error) {
	err = errs.ForSegment(fmt.Errorf("%s: %w", stage, err), errs.KindPostProcessing, req.SegmentID)
	logger := tracing.Logger(ctx, logging.WithSegment(req.SessionID, req.SegmentID))
	logger.Warn().
		Err(err).
		Str("stage", stage).
		Str("backend", p.llm.Name()).
		Msg("Post-processing failed")
}

type refineReply struct {
	RefinedText        string   `json:"refined_text"`
	IsKeywordMatch     bool     `json:"is_keyword_match"`
	MatchedKeywords    []string `json:"matched_keywords"`
	IsContinuation     bool     `json:"is_continuation"`
	ContinuationReason string   `json:"continuation_reason"`
}

const refineSystem = "You clean up speech recognition output. Reply with a single JSON object and nothing else."

func (p *Processor) refine(ctx context.Context, req Request) (refineReply, error) {
	var b strings.Builder
	writeScene(&b, req.Scene)
	if len(req.History) > 0 {
		b.WriteString("Previous sentences:\n")
		for i, h := range req.History {
			fmt.Fprintf(&b, "%d. %s\n", i+1, h)
		}
	}
	if len(req.Keywords) > 0 {
		fmt.Fprintf(&b, "Keywords the user cares about: %s\n", strings.Join(req.Keywords, ", "))
	}
	fmt.Fprintf(&b, "Current text (%s): %s\n\n", languageOrAuto(req.Language), req.Text)
	b.WriteString("Tasks:\n")
	b.WriteString("1. Decide whether the current text mentions any keyword, including variants and misrecognized spellings.\n")
	if last := lastSentence(req.History); last != "" {
		fmt.Fprintf(&b, "2. Decide whether the current text continues the last previous sentence (%q) because that sentence was cut off too early. Consider no other kind of relation. If so, give a very short reason.\n", last)
		b.WriteString("3. Fix recognition errors, typos and grammar without changing the meaning. If the text is a continuation, return the last previous sentence and the current text joined as one corrected sentence; otherwise return only the corrected current text.\n\n")
	} else {
		b.WriteString("2. The current text has no previous sentence, so it is not a continuation.\n")
		b.WriteString("3. Fix recognition errors, typos and grammar in the current text without changing its meaning.\n\n")
	}
	if req.Scene != nil {
		b.WriteString("Keep the corrections consistent with the conversation context.\n\n")
	}
	b.WriteString(`Output JSON: {"refined_text": "...", "is_keyword_match": true|false, "matched_keywords": ["..."], "is_continuation": true|false, "continuation_reason": "..."}`)

	reply, err := p.llm.Complete(ctx, refineSystem, b.String())
	if err != nil {
		return refineReply{}, err
	}
	var r refineReply
	if err := decodeReply(reply, &r); err != nil {
		return refineReply{}, err
	}
	if strings.TrimSpace(r.RefinedText) == "" {
		r.RefinedText = req.Text
	}
	if lastSentence(req.History) == "" {
		r.IsContinuation, r.ContinuationReason = false, ""
	}
	if !r.IsContinuation {
		r.ContinuationReason = ""
	}
	return r, nil
}

func lastSentence(history []string) string {
	if len(history) == 0 {
		return ""
	}
	return strings.TrimSpace(history[len(history)-1])
}

// writeScene adds the conversation context block, if any.
func writeScene(b *strings.Builder, sc *models.SceneContext) {
	if sc == nil {
		return
	}
	b.WriteString("Conversation context:\n")
	if sc.Scene != "" {
		fmt.Fprintf(b, "Scene: %s\n", sc.Scene)
	}
	if sc.Topic != "" {
		fmt.Fprintf(b, "Topic: %s\n", sc.Topic)
	}
	if len(sc.KeyPoints) > 0 {
		fmt.Fprintf(b, "Key points: %s\n", strings.Join(sc.KeyPoints, "; "))
	}
	if sc.Summary != "" {
		fmt.Fprintf(b, "Summary: %s\n", sc.Summary)
	}
	b.WriteString("\n")
}

const translateSystem = "You translate speech transcripts. Reply with a single JSON object and nothing else."

func (p *Processor) translate(ctx context.Context, req Request) (string, error) {
	var b strings.Builder
	writeScene(&b, req.Scene)
	fmt.Fprintf(&b, "Translate the following %s text into %s.\n\nText: %s\n\nOutput JSON: {\"translation\": \"...\"}",
		languageOrAuto(req.Language), req.TargetLanguage, req.Text)
	prompt := b.String()

	reply, err := p.llm.Complete(ctx, translateSystem, prompt)
	if err != nil {
		return "", err
	}
	var r struct {
		Translation string `json:"translation"`
	}
	if err := decodeReply(reply, &r); err != nil {
		return "", err
	}
	if strings.TrimSpace(r.Translation) == "" {
		return "", fmt.Errorf("empty translation")
	}
	return r.Translation, nil
}

func languageOrAuto(lang string) string {
	if lang == "" {
		return "auto-detected language"
	}
	return lang
}

// mergeKeywords adds the LLM's matches to the direct ones. Only keywords the
// user actually configured are accepted.
func mergeKeywords(direct, fromLLM, configured []string) []string {
	seen := make(map[string]bool, len(direct))
	out := append([]string(nil), direct...)
	for _, k := range direct {
		seen[strings.ToLower(k)] = true
	}
	allowed := make(map[string]string, len(configured))
	for _, k := range configured {
		allowed[strings.ToLower(k)] = k
	}
	for _, k := range fromLLM {
		orig, ok := allowed[strings.ToLower(strings.TrimSpace(k))]
		if !ok || seen[strings.ToLower(orig)] {
			continue
		}
		seen[strings.ToLower(orig)] = true
		out = append(out, orig)
	}
	return out
}
