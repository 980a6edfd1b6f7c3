// Package rules implements the weighted matching heuristics Matchbox
// evaluates against each candidate asset profile.
//
// Every rule type satisfies one contract: given a candidate profile and
// the evaluated message context, return a raw score in [0,1] plus a
// human-readable explanation. The engine multiplies raw scores by each
// rule's stored weight and sums the contributions, capping the aggregate
// at 1.0 — evidence accumulates and saturates at certainty. The sum is
// order-independent by construction and the tests hold it to that.
package rules

import (
	"fmt"
	"math"
	"sort"

	"github.com/dealdesk/matchbox/internal/mail"
	"github.com/dealdesk/matchbox/internal/store"
)

// Input is the message context shared by every rule evaluation.
type Input struct {
	Message mail.Message
	// Terms is the combined normalized term set from subject, body and the
	// attachment filename under evaluation.
	Terms []string
	// Sender is the stored record for the message sender, nil when unknown.
	Sender *store.SenderRecord
}

// TermSet returns Terms as a membership set.
func (in Input) TermSet() map[string]struct{} {
	set := make(map[string]struct{}, len(in.Terms))
	for _, t := range in.Terms {
		set[t] = struct{}{}
	}
	return set
}

// Rule evaluates one heuristic. Raw scores are always in [0,1]; the stored
// weight is applied by the engine, never by the rule itself.
type Rule interface {
	Type() string
	Evaluate(rule *store.MatchRule, profile *store.AssetProfile, in Input) (raw float64, explanation string)
}

// Aggregate is the scored outcome for one (profile, attachment) pair.
type Aggregate struct {
	Score         float64
	Contributions map[string]float64
	Reasoning     []string
}

// Engine holds the closed set of rule evaluators. New heuristics are added
// by registering a new Rule implementation, not by loosening stored rows.
type Engine struct {
	evaluators map[string]Rule
	floor      float64
	logf       func(format string, args ...any)
}

// NewEngine builds an engine with the built-in rule set. Rules whose stored
// confidence is below floor are retired: excluded from evaluation but never
// deleted.
func NewEngine(floor float64, minNameWords int) *Engine {
	e := &Engine{
		evaluators: make(map[string]Rule),
		floor:      floor,
		logf:       func(string, ...any) {},
	}
	e.Register(&ExactName{MinWords: minNameWords})
	e.Register(&KeywordOverlap{})
	e.Register(&SenderAssociation{})
	return e
}

// Register adds or replaces the evaluator for a rule type.
func (e *Engine) Register(r Rule) {
	e.evaluators[r.Type()] = r
}

// SetLogf installs a logger for skipped-rule events.
func (e *Engine) SetLogf(logf func(format string, args ...any)) {
	if logf != nil {
		e.logf = logf
	}
}

// Score runs every usable stored rule against the candidate profile and
// accumulates weighted contributions. Zero-weight rules are a no-op,
// retired rules are excluded, and stored rows with no registered evaluator
// are skipped and logged.
func (e *Engine) Score(stored []*store.MatchRule, profile *store.AssetProfile, in Input) Aggregate {
	agg := Aggregate{Contributions: make(map[string]float64)}

	// Deterministic evaluation order. The sum is order-independent; the
	// reasoning list should be too.
	ordered := make([]*store.MatchRule, len(stored))
	copy(ordered, stored)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Type < ordered[j].Type })

	for _, rule := range ordered {
		if rule.Weight == 0 {
			continue
		}
		if !rule.Active(e.floor) {
			continue
		}
		eval, ok := e.evaluators[rule.Type]
		if !ok {
			e.logf("rules: no evaluator for stored rule type %q, skipping", rule.Type)
			continue
		}

		raw, explanation := eval.Evaluate(rule, profile, in)
		raw = clamp01(raw)
		contribution := raw * rule.Weight

		agg.Contributions[rule.Type] = contribution
		agg.Reasoning = append(agg.Reasoning,
			fmt.Sprintf("%s: %s → %.3f × weight %.2f = %.3f",
				rule.Type, explanation, raw, rule.Weight, contribution))
		agg.Score += contribution
	}

	agg.Score = clamp01(agg.Score)
	return agg
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
