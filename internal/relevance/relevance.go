// Package relevance decides whether an inbound message is worth matching
// at all.
//
// The score combines three factors: domain-indicator content hits, sender
// trust, and attachment type, as a configurable weighted sum (defaults are
// content-dominant). The scorer is read-only against the pattern store and
// never fails the call: a store outage degrades to a built-in minimal
// indicator set with a confidence penalty.
package relevance

import (
	"context"
	"fmt"
	"time"

	"github.com/dealdesk/matchbox/internal/config"
	"github.com/dealdesk/matchbox/internal/extract"
	"github.com/dealdesk/matchbox/internal/mail"
	"github.com/dealdesk/matchbox/internal/store"
)

// Labels for the classification outcome.
const (
	LabelRelevant   = "relevant"
	LabelIrrelevant = "irrelevant"
)

// Result is the relevance classification for one message.
type Result struct {
	Label      string   `json:"label"`
	Confidence float64  `json:"confidence"`
	Reasoning  []string `json:"reasoning"`
	Degraded   bool     `json:"degraded,omitempty"`
}

// Relevant reports whether the message cleared the threshold.
func (r Result) Relevant() bool { return r.Label == LabelRelevant }

// fallbackPatterns is the minimal built-in indicator set used when the
// pattern store is unreachable.
var fallbackPatterns = []*store.ContentPattern{
	{Term: "loan", Confidence: 0.8},
	{Term: "credit", Confidence: 0.8},
	{Term: "statement", Confidence: 0.7},
	{Term: "invoice", Confidence: 0.7},
	{Term: "term", Confidence: 0.6},
	{Term: "sheet", Confidence: 0.6},
	{Term: "portfolio", Confidence: 0.6},
	{Term: "fund", Confidence: 0.6},
}

// Engine scores message relevance against the pattern store.
type Engine struct {
	store store.Store
	cfg   config.Matching
}

// NewEngine creates a relevance engine.
func NewEngine(st store.Store, cfg config.Matching) *Engine {
	return &Engine{store: st, cfg: cfg}
}

// Score classifies one message. Missing subject/body/sender are treated as
// empty strings; a fully empty message simply scores low. The only store
// calls are bounded by the configured query timeout.
func (e *Engine) Score(ctx context.Context, msg mail.Message) Result {
	res := Result{}

	qctx, cancel := e.queryContext(ctx)
	defer cancel()

	patterns, err := e.store.ListPatterns(qctx)
	if err != nil {
		res.Degraded = true
		res.Reasoning = append(res.Reasoning,
			"pattern store unavailable, using built-in indicators")
		patterns = fallbackPatterns
	}

	content := contentScore(msg, patterns)
	res.Reasoning = append(res.Reasoning,
		fmt.Sprintf("content indicators: %.2f (weight %.2f)", content, e.cfg.ContentWeight))

	trust := e.senderTrust(qctx, msg, &res)
	res.Reasoning = append(res.Reasoning,
		fmt.Sprintf("sender trust: %.2f (weight %.2f)", trust, e.cfg.SenderWeight))

	attach := e.attachmentScore(msg)
	res.Reasoning = append(res.Reasoning,
		fmt.Sprintf("attachment types: %.2f (weight %.2f)", attach, e.cfg.AttachmentWeight))

	score := content*e.cfg.ContentWeight +
		trust*e.cfg.SenderWeight +
		attach*e.cfg.AttachmentWeight

	if res.Degraded {
		score -= e.cfg.DegradedPenalty
		res.Reasoning = append(res.Reasoning,
			fmt.Sprintf("degraded penalty: -%.2f", e.cfg.DegradedPenalty))
	}
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}

	res.Confidence = score
	// Inclusive threshold: a score exactly at the line is relevant.
	if score >= e.cfg.RelevanceThreshold {
		res.Label = LabelRelevant
	} else {
		res.Label = LabelIrrelevant
	}
	res.Reasoning = append(res.Reasoning,
		fmt.Sprintf("final %.3f vs threshold %.2f → %s", score, e.cfg.RelevanceThreshold, res.Label))
	return res
}

// contentScore is the confidence-weighted share of stored indicators
// present in the subject+body token set, capped at 1.0.
func contentScore(msg mail.Message, patterns []*store.ContentPattern) float64 {
	if len(patterns) == 0 {
		return 0
	}
	tokens := extract.TokenSet(msg.Subject + " " + msg.Body)

	var matched float64
	for _, p := range patterns {
		if _, ok := tokens[p.Term]; ok {
			matched += p.Confidence
		}
	}
	score := matched / float64(len(patterns))
	if score > 1 {
		score = 1
	}
	return score
}

func (e *Engine) senderTrust(ctx context.Context, msg mail.Message, res *Result) float64 {
	email := msg.NormalizedSender()
	if email == "" {
		return e.cfg.UnknownSenderTrust
	}

	rec, err := e.store.GetSender(ctx, email)
	if err != nil {
		res.Degraded = true
		res.Reasoning = append(res.Reasoning, "sender lookup failed, treating as unknown")
		return e.cfg.UnknownSenderTrust
	}
	if rec == nil {
		return e.cfg.UnknownSenderTrust
	}
	return rec.Trust
}

// attachmentScore is 1.0 when any attachment extension is on the
// allow-list, else 0.
func (e *Engine) attachmentScore(msg mail.Message) float64 {
	for _, att := range msg.Attachments {
		ext := att.Ext()
		for _, allowed := range e.cfg.AllowedExtensions {
			if ext == allowed {
				return 1.0
			}
		}
	}
	return 0
}

func (e *Engine) queryContext(ctx context.Context) (context.Context, context.CancelFunc) {
	secs := e.cfg.QueryTimeoutSecs
	if secs <= 0 {
		secs = 5
	}
	return context.WithTimeout(ctx, time.Duration(secs)*time.Second)
}
