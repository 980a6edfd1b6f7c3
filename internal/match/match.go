// Package match orchestrates attachment-to-profile matching.
//
// For a relevant message the engine extracts terms, gathers candidate
// profiles from the pattern store with prioritized queries, scores every
// candidate against every active rule per attachment, and keeps the single
// best profile per attachment filename. The engine is read-only against
// the store; its output is transient and request-scoped.
package match

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/dealdesk/matchbox/internal/config"
	"github.com/dealdesk/matchbox/internal/extract"
	"github.com/dealdesk/matchbox/internal/mail"
	"github.com/dealdesk/matchbox/internal/rules"
	"github.com/dealdesk/matchbox/internal/store"
)

// Match is the final verdict for one attachment.
type Match struct {
	Filename      string             `json:"attachment_filename"`
	ProfileID     string             `json:"entity_id"`
	Confidence    float64            `json:"confidence"`
	Contributions map[string]float64 `json:"reasoning"`
	Reasoning     []string           `json:"reasoning_trace"`
}

// candidate is an ephemeral per-(profile, attachment) score. Never
// persisted.
type candidate struct {
	profile *store.AssetProfile
	agg     rules.Aggregate
}

// Engine runs the matching pipeline.
type Engine struct {
	store store.Store
	rules *rules.Engine
	cfg   config.Matching
	logf  func(format string, args ...any)
}

// NewEngine creates a matcher wired to the store. The rule engine is
// constructed from the same config so floor and name-gate settings agree.
func NewEngine(st store.Store, cfg config.Matching) *Engine {
	e := &Engine{
		store: st,
		rules: rules.NewEngine(cfg.RuleFloor, cfg.ExactNameMinWords),
		cfg:   cfg,
		logf:  log.Printf,
	}
	e.rules.SetLogf(e.logfWrapper)
	return e
}

// SetLogf installs a logger; tests use this to capture skip events.
func (e *Engine) SetLogf(logf func(format string, args ...any)) {
	if logf != nil {
		e.logf = logf
		e.rules.SetLogf(logf)
	}
}

func (e *Engine) logfWrapper(format string, args ...any) {
	e.logf(format, args...)
}

// Match evaluates one message's attachments. Callers invoke it only for
// messages the relevance scorer accepted. A failed lookup for one
// candidate skips that candidate; the call errors only when every store
// query failed.
func (e *Engine) Match(ctx context.Context, msg mail.Message) ([]Match, error) {
	attachments := dedupeAttachments(msg.Attachments)
	if len(attachments) == 0 {
		return nil, nil
	}

	qctx, cancel := e.withTimeout(ctx)
	stored, err := e.store.ListRules(qctx)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("loading rules: %w", err)
	}

	sender := e.lookupSender(ctx, msg)

	// Global term set: subject+body plus every attachment filename, with
	// NER entity mentions from the subject as supplements.
	global := globalTerms(msg, attachments)

	candidates, err := e.gatherCandidates(ctx, global)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil // no candidates is not an error
	}

	var out []Match
	for _, att := range attachments {
		in := rules.Input{
			Message: msg,
			Terms:   extract.Terms(msg.Subject, msg.Body, att.Filename),
			Sender:  sender,
		}

		best := e.bestCandidate(stored, candidates, in)
		if best == nil {
			continue // nothing above threshold for this attachment
		}
		out = append(out, Match{
			Filename:      att.Filename,
			ProfileID:     best.profile.ID,
			Confidence:    best.agg.Score,
			Contributions: best.agg.Contributions,
			Reasoning:     best.agg.Reasoning,
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Filename < out[j].Filename })
	return out, nil
}

// bestCandidate scores every candidate for one attachment and returns the
// winner, or nil when nothing clears the (inclusive) threshold. Ties break
// on higher sender-association contribution, then smallest profile id.
func (e *Engine) bestCandidate(storedRules []*store.MatchRule, candidates map[string]*store.AssetProfile, in rules.Input) *candidate {
	var best *candidate
	for _, id := range sortedIDs(candidates) {
		profile := candidates[id]
		agg := e.rules.Score(storedRules, profile, in)
		if agg.Score < e.cfg.MatchThreshold {
			continue
		}
		c := &candidate{profile: profile, agg: agg}
		if best == nil || better(c, best) {
			best = c
		}
	}
	return best
}

// better reports whether a beats b under the deterministic ordering.
func better(a, b *candidate) bool {
	if a.agg.Score != b.agg.Score {
		return a.agg.Score > b.agg.Score
	}
	sa := a.agg.Contributions[store.RuleSenderAssoc]
	sb := b.agg.Contributions[store.RuleSenderAssoc]
	if sa != sb {
		return sa > sb
	}
	return a.profile.ID < b.profile.ID
}

// gatherCandidates partitions terms into priority terms (present verbatim
// in some stored keyword list) and general terms, then queries the store
// asymmetrically: priority terms get an effectively unbounded budget,
// while only the first N general terms are searched with a tight limit —
// generic financial vocabulary is too noisy to search broadly.
func (e *Engine) gatherCandidates(ctx context.Context, terms []string) (map[string]*store.AssetProfile, error) {
	var priority, general []string
	for _, term := range terms {
		qctx, cancel := e.withTimeout(ctx)
		known, err := e.store.KeywordKnown(qctx, term)
		cancel()
		if err != nil {
			// Partition lookups are advisory; a failed one demotes the
			// term to general rather than aborting the batch.
			e.logf("match: keyword lookup for %q failed, treating as general: %v", term, err)
			known = false
		}
		if known {
			priority = append(priority, term)
		} else {
			general = append(general, term)
		}
	}
	if len(general) > e.cfg.GeneralTermCount {
		general = general[:e.cfg.GeneralTermCount]
	}

	candidates := make(map[string]*store.AssetProfile)
	queries, failures := 0, 0

	search := func(term string, limit int) {
		queries++
		qctx, cancel := e.withTimeout(ctx)
		profiles, err := e.store.SearchProfiles(qctx, term, limit)
		cancel()
		if err != nil {
			failures++
			e.logf("match: candidate lookup for %q failed, skipping: %v", term, err)
			return
		}
		for _, p := range profiles {
			candidates[p.ID] = p
		}
	}

	for _, term := range priority {
		search(term, e.cfg.PriorityTermLimit)
	}
	for _, term := range general {
		search(term, e.cfg.GeneralTermLimit)
	}

	if queries > 0 && failures == queries {
		return nil, fmt.Errorf("pattern store unreachable: all %d candidate queries failed", queries)
	}
	return candidates, nil
}

func (e *Engine) lookupSender(ctx context.Context, msg mail.Message) *store.SenderRecord {
	email := msg.NormalizedSender()
	if email == "" {
		return nil
	}
	qctx, cancel := e.withTimeout(ctx)
	rec, err := e.store.GetSender(qctx, email)
	cancel()
	if err != nil {
		e.logf("match: sender lookup for %s failed, treating as unknown: %v", email, err)
		return nil
	}
	return rec
}

// withTimeout bounds one store query. Store queries are the only
// suspension points in the pipeline; a hung store degrades instead of
// stalling the whole batch.
func (e *Engine) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	secs := e.cfg.QueryTimeoutSecs
	if secs <= 0 {
		secs = 5
	}
	return context.WithTimeout(ctx, time.Duration(secs)*time.Second)
}

// dedupeAttachments keeps the first occurrence of each filename.
func dedupeAttachments(atts []mail.Attachment) []mail.Attachment {
	seen := make(map[string]struct{}, len(atts))
	out := make([]mail.Attachment, 0, len(atts))
	for _, a := range atts {
		if a.Filename == "" {
			continue
		}
		if _, ok := seen[a.Filename]; ok {
			continue
		}
		seen[a.Filename] = struct{}{}
		out = append(out, a)
	}
	return out
}

func globalTerms(msg mail.Message, atts []mail.Attachment) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(terms []string) {
		for _, t := range terms {
			if _, ok := seen[t]; ok {
				continue
			}
			seen[t] = struct{}{}
			out = append(out, t)
		}
	}

	add(extract.Terms(msg.Subject, msg.Body, ""))
	for _, att := range atts {
		add(extract.Tokenize(att.Filename))
	}
	add(extract.EntityTerms(msg.Subject))

	sort.Strings(out)
	return out
}

func sortedIDs(m map[string]*store.AssetProfile) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
