// Package lifecycle runs maintenance sweeps over the pattern store.
//
// Three policies:
//   - idle-rule-decay: rules not evaluated within the idle window lose a
//     slice of confidence per sweep; a rule decayed below the floor stops
//     participating in matching until feedback reinforces it again
//   - stale-feedback: pending feedback older than the threshold is flagged
//     for operator attention (report-only, never auto-applied)
//   - vacuum: compacts the database once it grows past the size threshold
//
// Every sweep supports dry-run: the report lists what would change without
// touching the store.
package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/dealdesk/matchbox/internal/config"
	"github.com/dealdesk/matchbox/internal/store"
)

// Action is one policy decision, applied or proposed.
type Action struct {
	Policy   string  `json:"policy"`
	Action   string  `json:"action"`
	RuleType string  `json:"rule_type,omitempty"`
	Target   string  `json:"target,omitempty"`
	FromConf float64 `json:"from_confidence,omitempty"`
	ToConf   float64 `json:"to_confidence,omitempty"`
	Reason   string  `json:"reason"`
	Applied  bool    `json:"applied"`
}

// Report is the outcome of one sweep.
type Report struct {
	DryRun     bool     `json:"dry_run"`
	Scanned    int      `json:"scanned"`
	Applied    int      `json:"applied"`
	Actions    []Action `json:"actions"`
	PolicyRuns struct {
		IdleRuleDecay int `json:"idle_rule_decay"`
		StaleFeedback int `json:"stale_feedback"`
		Vacuum        int `json:"vacuum"`
	} `json:"policy_runs"`
}

// Runner executes the maintenance policies against one store.
type Runner struct {
	st       store.Store
	sqlite   *store.SQLiteStore
	policies config.Lifecycle
	now      time.Time
}

// NewRunner creates a sweep runner. The runner needs raw SQL access, so
// only the SQLite store is supported.
func NewRunner(st store.Store, policies config.Lifecycle) (*Runner, error) {
	sqlite, ok := st.(*store.SQLiteStore)
	if !ok {
		return nil, fmt.Errorf("lifecycle runner requires sqlite store")
	}
	return &Runner{st: st, sqlite: sqlite, policies: policies, now: time.Now().UTC()}, nil
}

// Run executes every policy once and returns the combined report.
func (r *Runner) Run(ctx context.Context, dryRun bool) (*Report, error) {
	report := &Report{DryRun: dryRun, Actions: make([]Action, 0, 16)}

	actions, scanned, err := r.applyIdleRuleDecay(ctx, dryRun)
	if err != nil {
		return nil, err
	}
	report.Scanned += scanned
	report.PolicyRuns.IdleRuleDecay = len(actions)
	report.Actions = append(report.Actions, actions...)

	actions, scanned, err = r.flagStaleFeedback(ctx)
	if err != nil {
		return nil, err
	}
	report.Scanned += scanned
	report.PolicyRuns.StaleFeedback = len(actions)
	report.Actions = append(report.Actions, actions...)

	actions, err = r.maybeVacuum(ctx, dryRun)
	if err != nil {
		return nil, err
	}
	report.PolicyRuns.Vacuum = len(actions)
	report.Actions = append(report.Actions, actions...)

	for _, a := range report.Actions {
		if a.Applied {
			report.Applied++
		}
	}
	return report, nil
}

// applyIdleRuleDecay decays rules that have not been evaluated within the
// idle window. Counters are untouched: decay is not a failure, just the
// absence of evidence. Decay can push a rule below the matching floor, at
// which point it sits out of scoring until feedback revives it.
func (r *Runner) applyIdleRuleDecay(ctx context.Context, dryRun bool) ([]Action, int, error) {
	cfg := r.policies
	rows, err := r.sqlite.GetDB().QueryContext(ctx, `
		SELECT rule_type, confidence, COALESCE(last_used, created_at)
		FROM rules
		WHERE confidence > 0`)
	if err != nil {
		return nil, 0, fmt.Errorf("query idle-rule candidates: %w", err)
	}
	defer rows.Close()

	actions := []Action{}
	scanned := 0
	for rows.Next() {
		var ruleType string
		var confidence float64
		var lastActiveRaw string
		if err := rows.Scan(&ruleType, &confidence, &lastActiveRaw); err != nil {
			return nil, scanned, fmt.Errorf("scan idle-rule row: %w", err)
		}
		lastActive, err := parseSQLiteTime(lastActiveRaw)
		if err != nil {
			return nil, scanned, fmt.Errorf("parse idle-rule last_active %q: %w", lastActiveRaw, err)
		}
		scanned++

		days := int(r.now.Sub(lastActive).Hours() / 24)
		if days < cfg.IdleRuleDays {
			continue
		}

		to := confidence - cfg.IdleRuleDecay
		if to < 0 {
			to = 0
		}
		actions = append(actions, Action{
			Policy:   "idle-rule-decay",
			Action:   "confidence_decay",
			RuleType: ruleType,
			FromConf: confidence,
			ToConf:   to,
			Reason:   fmt.Sprintf("idle_days=%d >= %d", days, cfg.IdleRuleDays),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, scanned, err
	}

	if !dryRun {
		for i := range actions {
			_, err := r.sqlite.GetDB().ExecContext(ctx,
				`UPDATE rules SET confidence = ?, updated_at = ? WHERE rule_type = ?`,
				actions[i].ToConf, r.now, actions[i].RuleType)
			if err != nil {
				actions[i].Reason += "; apply_error: " + err.Error()
			} else {
				actions[i].Applied = true
			}
		}
	}
	return actions, scanned, nil
}

// flagStaleFeedback reports pending feedback that has been waiting longer
// than the threshold. The sweep never applies feedback itself; that stays
// the integrator's job.
func (r *Runner) flagStaleFeedback(ctx context.Context) ([]Action, int, error) {
	cutoff := r.now.AddDate(0, 0, -r.policies.StaleFeedbackDays)
	rows, err := r.sqlite.GetDB().QueryContext(ctx, `
		SELECT id, created_at
		FROM feedback
		WHERE applied_at IS NULL
		ORDER BY created_at ASC`)
	if err != nil {
		return nil, 0, fmt.Errorf("query stale feedback: %w", err)
	}
	defer rows.Close()

	actions := []Action{}
	scanned := 0
	for rows.Next() {
		var id string
		var createdAt time.Time
		if err := rows.Scan(&id, &createdAt); err != nil {
			return nil, scanned, fmt.Errorf("scan stale feedback row: %w", err)
		}
		scanned++
		if !createdAt.Before(cutoff) {
			continue
		}
		actions = append(actions, Action{
			Policy: "stale-feedback",
			Action: "flag",
			Target: id,
			Reason: fmt.Sprintf("pending since %s (> %d days)",
				createdAt.Format("2006-01-02"), r.policies.StaleFeedbackDays),
		})
	}
	return actions, scanned, rows.Err()
}

// maybeVacuum compacts the database when it exceeds the size threshold.
func (r *Runner) maybeVacuum(ctx context.Context, dryRun bool) ([]Action, error) {
	stats, err := r.st.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading store stats: %w", err)
	}
	if r.policies.VacuumAboveBytes <= 0 || stats.DBSizeBytes < r.policies.VacuumAboveBytes {
		return nil, nil
	}

	act := Action{
		Policy: "vacuum",
		Action: "vacuum",
		Reason: fmt.Sprintf("db_size=%d >= %d", stats.DBSizeBytes, r.policies.VacuumAboveBytes),
	}
	if !dryRun {
		if err := r.st.Vacuum(ctx); err != nil {
			act.Reason += "; apply_error: " + err.Error()
		} else {
			act.Applied = true
		}
	}
	return []Action{act}, nil
}

// parseSQLiteTime parses timestamps coming back from SQL expressions,
// where the driver no longer knows the column type.
func parseSQLiteTime(raw string) (time.Time, error) {
	layouts := []string{
		"2006-01-02 15:04:05",
		"2006-01-02 15:04:05.999999999",
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02 15:04:05.999999999 -0700 MST",
		time.RFC3339,
		time.RFC3339Nano,
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp format")
}
