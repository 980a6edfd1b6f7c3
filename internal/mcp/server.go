// Package mcp provides a Model Context Protocol server for matchbox.
//
// It exposes the matching pipeline (relevance check, attachment matching,
// feedback submission, profile management, stats, maintenance sweeps) as
// MCP tools over stdio, plus pattern-store statistics and recent profiles
// as MCP resources.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/dealdesk/matchbox/internal/config"
	"github.com/dealdesk/matchbox/internal/feedback"
	"github.com/dealdesk/matchbox/internal/lifecycle"
	"github.com/dealdesk/matchbox/internal/mail"
	"github.com/dealdesk/matchbox/internal/match"
	"github.com/dealdesk/matchbox/internal/observe"
	"github.com/dealdesk/matchbox/internal/relevance"
	"github.com/dealdesk/matchbox/internal/store"
)

// ServerConfig holds configuration for the MCP server.
type ServerConfig struct {
	Store     store.Store
	Matching  config.Matching
	Lifecycle config.Lifecycle
	Version   string
}

// dbMu serializes all MCP tool calls that touch the database.
// The mcp-go library dispatches handlers concurrently via goroutines.
// SQLite (even with WAL) supports only one writer at a time, and concurrent
// reads during writes can return stale results. A global mutex ensures
// correct ordering: feedback lands before the next match sees its effect.
var dbMu sync.Mutex

// NewServer creates a configured MCP server with all matchbox tools and
// resources.
func NewServer(cfg ServerConfig) *server.MCPServer {
	ver := cfg.Version
	if ver == "" {
		ver = "dev"
	}

	s := server.NewMCPServer(
		"Matchbox",
		ver,
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(true, false),
	)

	relevanceEngine := relevance.NewEngine(cfg.Store, cfg.Matching)
	matchEngine := match.NewEngine(cfg.Store, cfg.Matching)
	integrator := feedback.NewIntegrator(cfg.Store, cfg.Matching)
	observeEngine := observe.NewEngine(cfg.Store, cfg.Matching)

	registerRelevanceTool(s, relevanceEngine)
	registerMatchTool(s, relevanceEngine, matchEngine)
	registerFeedbackTool(s, integrator)
	registerProfileTool(s, cfg.Store)
	registerStatsTool(s, observeEngine)
	registerSweepTool(s, cfg.Store, cfg.Lifecycle)

	registerStatsResource(s, observeEngine)
	registerProfilesResource(s, cfg.Store)

	return s
}

// messageFromRequest builds a mail.Message from the common tool arguments.
func messageFromRequest(req mcp.CallToolRequest) mail.Message {
	msg := mail.Message{}
	if v, err := req.RequireString("subject"); err == nil {
		msg.Subject = v
	}
	if v, err := req.RequireString("sender"); err == nil {
		msg.Sender = v
	}
	if v, err := req.RequireString("body"); err == nil {
		msg.Body = v
	}
	if v, err := req.RequireString("attachments"); err == nil {
		for _, name := range strings.Split(v, ",") {
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			msg.Attachments = append(msg.Attachments, mail.Attachment{Filename: name})
		}
	}
	return msg
}

// --- Tools ---

func registerRelevanceTool(s *server.MCPServer, engine *relevance.Engine) {
	tool := mcp.NewTool("matchbox_relevance",
		mcp.WithDescription("Classify an inbound email message as relevant or irrelevant to deal workflows. Returns the label, confidence and per-factor reasoning."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithString("subject",
			mcp.Description("Message subject line"),
		),
		mcp.WithString("sender",
			mcp.Description("Sender email address"),
		),
		mcp.WithString("body",
			mcp.Description("Message body text"),
		),
		mcp.WithString("attachments",
			mcp.Description("Comma-separated attachment filenames"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		res := engine.Score(ctx, messageFromRequest(req))
		data, _ := json.MarshalIndent(res, "", "  ")
		return mcp.NewToolResultText(string(data)), nil
	})
}

func registerMatchTool(s *server.MCPServer, rel *relevance.Engine, eng *match.Engine) {
	tool := mcp.NewTool("matchbox_match",
		mcp.WithDescription("Classify a message and match its attachments to known asset profiles. Irrelevant messages are returned unmatched; relevant ones get at most one suggestion per attachment, with per-rule reasoning."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithString("subject",
			mcp.Description("Message subject line"),
		),
		mcp.WithString("sender",
			mcp.Description("Sender email address"),
		),
		mcp.WithString("body",
			mcp.Description("Message body text"),
		),
		mcp.WithString("attachments",
			mcp.Description("Comma-separated attachment filenames"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		msg := messageFromRequest(req)
		res := rel.Score(ctx, msg)

		payload := map[string]interface{}{
			"relevance": res,
			"matches":   []match.Match{},
		}
		if res.Relevant() {
			matches, err := eng.Match(ctx, msg)
			if err != nil {
				return mcp.NewToolResultError(fmt.Sprintf("match error: %v", err)), nil
			}
			if matches != nil {
				payload["matches"] = matches
			}
		}

		data, _ := json.MarshalIndent(payload, "", "  ")
		return mcp.NewToolResultText(string(data)), nil
	})
}

func registerFeedbackTool(s *server.MCPServer, integrator *feedback.Integrator) {
	tool := mcp.NewTool("matchbox_feedback",
		mcp.WithDescription("Submit feedback on a match suggestion. Approvals reinforce the rules that fired; corrections weaken them and teach the right profile new keywords. Replaying the same feedback id is a no-op."),
		mcp.WithReadOnlyHintAnnotation(false),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithString("attachment",
			mcp.Required(),
			mcp.Description("Attachment filename the feedback refers to"),
		),
		mcp.WithString("category",
			mcp.Required(),
			mcp.Description("Feedback category"),
			mcp.Enum("approval", "correction", "not-applicable"),
		),
		mcp.WithString("correct_profile",
			mcp.Description("Profile id the attachment actually belongs to. Omit for not-applicable."),
		),
		mcp.WithString("suggested_profile",
			mcp.Description("Profile id the engine originally suggested, if any"),
		),
		mcp.WithString("fired_rules",
			mcp.Description("Comma-separated rule types that contributed to the original suggestion (from the match reasoning)"),
		),
		mcp.WithString("sender",
			mcp.Description("Sender address of the originating message"),
		),
		mcp.WithString("reason",
			mcp.Description("Free-text explanation; corrections mine it for new keywords"),
		),
		mcp.WithString("message_ref",
			mcp.Description("Originating message identifier"),
		),
		mcp.WithString("feedback_id",
			mcp.Description("Idempotency key. Generated when omitted."),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		attachment, err := req.RequireString("attachment")
		if err != nil {
			return mcp.NewToolResultError("attachment is required"), nil
		}
		category, err := req.RequireString("category")
		if err != nil {
			return mcp.NewToolResultError("category is required"), nil
		}

		fb := &store.FeedbackRecord{
			ID:         uuid.New().String(),
			Attachment: attachment,
			Category:   category,
		}
		if v, err := req.RequireString("feedback_id"); err == nil && v != "" {
			fb.ID = v
		}
		if v, err := req.RequireString("correct_profile"); err == nil && v != "" {
			fb.CorrectProfile = &v
		}
		if v, err := req.RequireString("reason"); err == nil {
			fb.Reason = v
		}
		if v, err := req.RequireString("message_ref"); err == nil {
			fb.MessageRef = v
		}

		var matched *match.Match
		if v, err := req.RequireString("suggested_profile"); err == nil && v != "" {
			matched = &match.Match{
				Filename:      attachment,
				ProfileID:     v,
				Contributions: map[string]float64{},
			}
			if rulesArg, err := req.RequireString("fired_rules"); err == nil {
				for _, rt := range strings.Split(rulesArg, ",") {
					rt = strings.TrimSpace(rt)
					if rt != "" {
						matched.Contributions[rt] = 1
					}
				}
			}
		}

		sender := ""
		if v, err := req.RequireString("sender"); err == nil {
			sender = v
		}

		report, err := integrator.Apply(ctx, fb, matched, sender)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("feedback error: %v", err)), nil
		}

		data, _ := json.MarshalIndent(report, "", "  ")
		return mcp.NewToolResultText(string(data)), nil
	})
}

func registerProfileTool(s *server.MCPServer, st store.Store) {
	tool := mcp.NewTool("matchbox_profile",
		mcp.WithDescription("Create or update an asset profile: the named entity attachments are matched against."),
		mcp.WithReadOnlyHintAnnotation(false),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithString("id",
			mcp.Required(),
			mcp.Description("Stable profile identifier, e.g. I3_CREDIT"),
		),
		mcp.WithString("name",
			mcp.Required(),
			mcp.Description("Human-readable profile name"),
		),
		mcp.WithString("keywords",
			mcp.Description("Comma-separated keywords associated with the profile"),
		),
		mcp.WithString("category",
			mcp.Description("Profile category, e.g. credit, real-estate"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		id, err := req.RequireString("id")
		if err != nil {
			return mcp.NewToolResultError("id is required"), nil
		}
		name, err := req.RequireString("name")
		if err != nil {
			return mcp.NewToolResultError("name is required"), nil
		}

		profile := &store.AssetProfile{ID: id, Name: name}
		if v, err := req.RequireString("keywords"); err == nil {
			for _, kw := range strings.Split(v, ",") {
				if kw = strings.TrimSpace(kw); kw != "" {
					profile.Keywords = append(profile.Keywords, kw)
				}
			}
		}
		if v, err := req.RequireString("category"); err == nil {
			profile.Category = v
		}

		if err := st.UpsertProfile(ctx, profile); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("profile error: %v", err)), nil
		}

		data, _ := json.MarshalIndent(map[string]interface{}{
			"id":       profile.ID,
			"keywords": profile.Keywords,
			"message":  fmt.Sprintf("Profile %s stored", profile.ID),
		}, "", "  ")
		return mcp.NewToolResultText(string(data)), nil
	})
}

func registerStatsTool(s *server.MCPServer, engine *observe.Engine) {
	tool := mcp.NewTool("matchbox_stats",
		mcp.WithDescription("Get pattern-store statistics: profile/sender/rule counts, rule health with success rates, feedback backlog, storage size and guardrail alerts."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		stats, err := engine.GetStats(ctx)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("stats error: %v", err)), nil
		}

		data, _ := json.MarshalIndent(stats, "", "  ")
		return mcp.NewToolResultText(string(data)), nil
	})
}

func registerSweepTool(s *server.MCPServer, st store.Store, policies config.Lifecycle) {
	tool := mcp.NewTool("matchbox_sweep",
		mcp.WithDescription("Run a maintenance sweep: decay idle rules, flag stale pending feedback, vacuum an oversized store. Defaults to dry-run."),
		mcp.WithReadOnlyHintAnnotation(false),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithBoolean("apply",
			mcp.Description("Apply the sweep instead of reporting what would change (default: false)"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		apply := false
		if v, err := req.RequireBool("apply"); err == nil {
			apply = v
		}

		runner, err := lifecycle.NewRunner(st, policies)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("sweep error: %v", err)), nil
		}
		report, err := runner.Run(ctx, !apply)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("sweep error: %v", err)), nil
		}

		data, _ := json.MarshalIndent(report, "", "  ")
		return mcp.NewToolResultText(string(data)), nil
	})
}

// --- Resources ---

func registerStatsResource(s *server.MCPServer, engine *observe.Engine) {
	resource := mcp.NewResource(
		"matchbox://stats",
		"Pattern Store Statistics",
		mcp.WithResourceDescription("Record counts, rule health and feedback backlog for the pattern store."),
		mcp.WithMIMEType("application/json"),
	)

	s.AddResource(resource, func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		stats, err := engine.GetStats(ctx)
		if err != nil {
			return nil, fmt.Errorf("reading stats resource: %w", err)
		}

		data, _ := json.MarshalIndent(stats, "", "  ")
		return []mcp.ResourceContents{
			mcp.TextResourceContents{URI: req.Params.URI, MIMEType: "application/json", Text: string(data)},
		}, nil
	})
}

func registerProfilesResource(s *server.MCPServer, st store.Store) {
	resource := mcp.NewResource(
		"matchbox://profiles",
		"Asset Profiles",
		mcp.WithResourceDescription("Known asset profiles with their keyword lists."),
		mcp.WithMIMEType("application/json"),
	)

	s.AddResource(resource, func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		profiles, err := st.ListProfiles(ctx, 50, 0)
		if err != nil {
			return nil, fmt.Errorf("reading profiles resource: %w", err)
		}

		payload := map[string]interface{}{
			"profiles": profiles,
			"count":    len(profiles),
		}
		data, _ := json.MarshalIndent(payload, "", "  ")
		return []mcp.ResourceContents{
			mcp.TextResourceContents{URI: req.Params.URI, MIMEType: "application/json", Text: string(data)},
		}, nil
	})
}
