package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/server"

	"github.com/dealdesk/matchbox/internal/config"
	"github.com/dealdesk/matchbox/internal/feedback"
	"github.com/dealdesk/matchbox/internal/lifecycle"
	"github.com/dealdesk/matchbox/internal/mail"
	"github.com/dealdesk/matchbox/internal/match"
	mcpserver "github.com/dealdesk/matchbox/internal/mcp"
	"github.com/dealdesk/matchbox/internal/observe"
	"github.com/dealdesk/matchbox/internal/relevance"
	"github.com/dealdesk/matchbox/internal/store"
)

const version = "0.1.0-dev"

func main() {
	// Local .env is a convenience for development setups; absence is fine.
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(0)
	}

	var err error
	switch os.Args[1] {
	case "match":
		err = runMatch(os.Args[2:])
	case "relevance":
		err = runRelevance(os.Args[2:])
	case "feedback":
		err = runFeedback(os.Args[2:])
	case "profile":
		err = runProfile(os.Args[2:])
	case "rules":
		err = runRules(os.Args[2:])
	case "seed":
		err = runSeed(os.Args[2:])
	case "stats":
		err = runStats(os.Args[2:])
	case "sweep":
		err = runSweep(os.Args[2:])
	case "serve":
		err = runServe(os.Args[2:])
	case "version", "--version", "-v":
		fmt.Printf("matchbox %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// resolveCommon strips the shared --db/--config flags and resolves the
// runtime configuration from what remains.
func resolveCommon(args []string) (config.Config, []string, error) {
	var rest []string
	opts := config.Options{}
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--db":
			if i+1 >= len(args) {
				return config.Config{}, nil, fmt.Errorf("--db requires a path")
			}
			i++
			opts.CLIDBPath = args[i]
		case "--config":
			if i+1 >= len(args) {
				return config.Config{}, nil, fmt.Errorf("--config requires a path")
			}
			i++
			opts.ConfigPath = args[i]
		default:
			rest = append(rest, args[i])
		}
	}
	cfg, err := config.Resolve(opts)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, rest, nil
}

func openStore(cfg config.Config) (store.Store, error) {
	return store.NewStore(store.Config{DBPath: cfg.DBPath.Value})
}

// parseMessage builds a mail.Message from CLI flags. --json reads the
// whole message from a file ("-" for stdin) instead.
func parseMessage(args []string) (mail.Message, []string, error) {
	msg := mail.Message{}
	var rest []string

	need := func(i int, flag string) error {
		if i+1 >= len(args) {
			return fmt.Errorf("%s requires a value", flag)
		}
		return nil
	}

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--subject", "-s":
			if err := need(i, args[i]); err != nil {
				return msg, nil, err
			}
			i++
			msg.Subject = args[i]
		case "--sender", "-f":
			if err := need(i, args[i]); err != nil {
				return msg, nil, err
			}
			i++
			msg.Sender = args[i]
		case "--body", "-b":
			if err := need(i, args[i]); err != nil {
				return msg, nil, err
			}
			i++
			msg.Body = args[i]
		case "--attach", "-a":
			if err := need(i, args[i]); err != nil {
				return msg, nil, err
			}
			i++
			msg.Attachments = append(msg.Attachments, mail.Attachment{Filename: args[i]})
		case "--json":
			if err := need(i, args[i]); err != nil {
				return msg, nil, err
			}
			i++
			data, err := readInput(args[i])
			if err != nil {
				return msg, nil, err
			}
			if err := json.Unmarshal(data, &msg); err != nil {
				return msg, nil, fmt.Errorf("parsing message json: %w", err)
			}
		default:
			rest = append(rest, args[i])
		}
	}
	return msg, rest, nil
}

func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

func printJSON(v any) {
	data, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(data))
}

func runMatch(args []string) error {
	cfg, args, err := resolveCommon(args)
	if err != nil {
		return err
	}
	msg, _, err := parseMessage(args)
	if err != nil {
		return err
	}

	s, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer s.Close()

	ctx := context.Background()
	res := relevance.NewEngine(s, cfg.Matching).Score(ctx, msg)

	out := struct {
		Relevance relevance.Result `json:"relevance"`
		Matches   []match.Match    `json:"matches"`
	}{Relevance: res, Matches: []match.Match{}}

	if res.Relevant() {
		matches, err := match.NewEngine(s, cfg.Matching).Match(ctx, msg)
		if err != nil {
			return fmt.Errorf("matching: %w", err)
		}
		if matches != nil {
			out.Matches = matches
		}
	}
	printJSON(out)
	return nil
}

func runRelevance(args []string) error {
	cfg, args, err := resolveCommon(args)
	if err != nil {
		return err
	}
	msg, _, err := parseMessage(args)
	if err != nil {
		return err
	}

	s, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer s.Close()

	printJSON(relevance.NewEngine(s, cfg.Matching).Score(context.Background(), msg))
	return nil
}

func runFeedback(args []string) error {
	cfg, args, err := resolveCommon(args)
	if err != nil {
		return err
	}

	fb := &store.FeedbackRecord{ID: uuid.New().String()}
	var suggested, firedRules, sender string

	for i := 0; i < len(args); i++ {
		flag := args[i]
		if i+1 >= len(args) {
			return fmt.Errorf("%s requires a value", flag)
		}
		i++
		val := args[i]
		switch flag {
		case "--id":
			fb.ID = val
		case "--attachment":
			fb.Attachment = val
		case "--category":
			fb.Category = val
		case "--profile":
			fb.CorrectProfile = &val
		case "--suggested":
			suggested = val
		case "--rules":
			firedRules = val
		case "--sender":
			sender = val
		case "--reason":
			fb.Reason = val
		case "--message-ref":
			fb.MessageRef = val
		default:
			return fmt.Errorf("unknown flag: %s", flag)
		}
	}
	if fb.Attachment == "" || fb.Category == "" {
		return fmt.Errorf("usage: matchbox feedback --attachment <file> --category approval|correction|not-applicable [--profile <id>] [--suggested <id>] [--rules <r1,r2>] [--sender <email>] [--reason <text>]")
	}

	var matched *match.Match
	if suggested != "" {
		matched = &match.Match{
			Filename:      fb.Attachment,
			ProfileID:     suggested,
			Contributions: map[string]float64{},
		}
		for _, rt := range strings.Split(firedRules, ",") {
			if rt = strings.TrimSpace(rt); rt != "" {
				matched.Contributions[rt] = 1
			}
		}
	}

	s, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer s.Close()

	report, err := feedback.NewIntegrator(s, cfg.Matching).Apply(context.Background(), fb, matched, sender)
	if err != nil {
		return err
	}
	printJSON(report)
	return nil
}

func runProfile(args []string) error {
	cfg, args, err := resolveCommon(args)
	if err != nil {
		return err
	}
	if len(args) == 0 {
		return fmt.Errorf("usage: matchbox profile <add|list|show> [flags]")
	}
	action := args[0]
	args = args[1:]

	s, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer s.Close()
	ctx := context.Background()

	switch action {
	case "add":
		profile := &store.AssetProfile{}
		for i := 0; i < len(args); i++ {
			flag := args[i]
			if i+1 >= len(args) {
				return fmt.Errorf("%s requires a value", flag)
			}
			i++
			val := args[i]
			switch flag {
			case "--id":
				profile.ID = val
			case "--name":
				profile.Name = val
			case "--keywords":
				for _, kw := range strings.Split(val, ",") {
					if kw = strings.TrimSpace(kw); kw != "" {
						profile.Keywords = append(profile.Keywords, kw)
					}
				}
			case "--category":
				profile.Category = val
			default:
				return fmt.Errorf("unknown flag: %s", flag)
			}
		}
		if profile.ID == "" || profile.Name == "" {
			return fmt.Errorf("usage: matchbox profile add --id <id> --name <name> [--keywords a,b] [--category c]")
		}
		if err := s.UpsertProfile(ctx, profile); err != nil {
			return err
		}
		fmt.Printf("Profile %s stored (%d keyword(s))\n", profile.ID, len(profile.Keywords))
		return nil

	case "list":
		profiles, err := s.ListProfiles(ctx, 100, 0)
		if err != nil {
			return err
		}
		printJSON(profiles)
		return nil

	case "show":
		if len(args) == 0 {
			return fmt.Errorf("usage: matchbox profile show <id>")
		}
		profile, err := s.GetProfile(ctx, args[0])
		if err != nil {
			return err
		}
		if profile == nil {
			return fmt.Errorf("profile %s not found", args[0])
		}
		printJSON(profile)
		return nil

	default:
		return fmt.Errorf("unknown profile action: %s", action)
	}
}

func runRules(args []string) error {
	cfg, _, err := resolveCommon(args)
	if err != nil {
		return err
	}

	s, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer s.Close()

	rules, err := s.ListRules(context.Background())
	if err != nil {
		return err
	}
	type ruleRow struct {
		Type         string  `json:"type"`
		Confidence   float64 `json:"confidence"`
		Weight       float64 `json:"weight"`
		Retired      bool    `json:"retired"`
		SuccessCount int64   `json:"success_count"`
		FailureCount int64   `json:"failure_count"`
	}
	out := make([]ruleRow, 0, len(rules))
	for _, r := range rules {
		out = append(out, ruleRow{
			Type:         r.Type,
			Confidence:   r.Confidence,
			Weight:       r.Weight,
			Retired:      !r.Active(cfg.Matching.RuleFloor),
			SuccessCount: r.SuccessCount,
			FailureCount: r.FailureCount,
		})
	}
	printJSON(out)
	return nil
}

// runSeed installs the built-in rule set and content indicators into a
// fresh store. Re-running it resets rule confidence to the defaults.
func runSeed(args []string) error {
	cfg, _, err := resolveCommon(args)
	if err != nil {
		return err
	}

	s, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer s.Close()
	ctx := context.Background()

	rules := []*store.MatchRule{
		{Type: store.RuleExactName, Confidence: 0.9, Weight: 0.8},
		{Type: store.RuleKeywordHit, Confidence: 0.8, Weight: 0.7},
		{Type: store.RuleSenderAssoc, Confidence: 0.3, Weight: 0.5},
	}
	for _, r := range rules {
		if err := s.UpsertRule(ctx, r); err != nil {
			return fmt.Errorf("seeding rule %s: %w", r.Type, err)
		}
	}

	patterns := []*store.ContentPattern{
		{Term: "loan", Confidence: 0.8},
		{Term: "credit", Confidence: 0.8},
		{Term: "statement", Confidence: 0.7},
		{Term: "invoice", Confidence: 0.7},
		{Term: "term", Confidence: 0.6},
		{Term: "sheet", Confidence: 0.6},
		{Term: "portfolio", Confidence: 0.6},
		{Term: "fund", Confidence: 0.6},
	}
	for _, p := range patterns {
		if err := s.UpsertPattern(ctx, p); err != nil {
			return fmt.Errorf("seeding pattern %s: %w", p.Term, err)
		}
	}

	fmt.Printf("Seeded %d rule(s) and %d content pattern(s)\n", len(rules), len(patterns))
	return nil
}

func runStats(args []string) error {
	cfg, _, err := resolveCommon(args)
	if err != nil {
		return err
	}

	s, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer s.Close()

	stats, err := observe.NewEngine(s, cfg.Matching).GetStats(context.Background())
	if err != nil {
		return err
	}
	printJSON(stats)
	return nil
}

func runSweep(args []string) error {
	cfg, args, err := resolveCommon(args)
	if err != nil {
		return err
	}

	apply := false
	daemon := false
	for _, arg := range args {
		switch arg {
		case "--apply":
			apply = true
		case "--daemon":
			daemon = true
		default:
			return fmt.Errorf("unknown flag: %s", arg)
		}
	}

	s, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer s.Close()

	if daemon {
		sched, err := lifecycle.NewScheduler(s, cfg.Lifecycle)
		if err != nil {
			return err
		}
		sched.Start()
		defer sched.Stop()
		fmt.Printf("Sweep daemon running (%s). Ctrl-C to stop.\n", cfg.Lifecycle.Schedule)
		select {} // run until killed
	}

	runner, err := lifecycle.NewRunner(s, cfg.Lifecycle)
	if err != nil {
		return err
	}
	report, err := runner.Run(context.Background(), !apply)
	if err != nil {
		return err
	}
	printJSON(report)
	return nil
}

func runServe(args []string) error {
	cfg, _, err := resolveCommon(args)
	if err != nil {
		return err
	}

	s, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer s.Close()

	srv := mcpserver.NewServer(mcpserver.ServerConfig{
		Store:     s,
		Matching:  cfg.Matching,
		Lifecycle: cfg.Lifecycle,
		Version:   version,
	})
	return server.ServeStdio(srv)
}

func printUsage() {
	fmt.Printf(`matchbox %s — Memory-driven email-to-asset matching engine

Usage:
  matchbox <command> [arguments]

Commands:
  match               Classify a message and match its attachments
  relevance           Classify a message as relevant or irrelevant
  feedback            Submit feedback on a match suggestion
  profile <action>    Manage asset profiles (add, list, show)
  rules               List matching rules with learned confidence
  seed                Install default rules and content indicators
  stats               Show pattern-store statistics and rule health
  sweep               Run a maintenance sweep (dry-run by default)
  serve               Run the MCP server over stdio
  version             Print version

Message Flags (match, relevance):
  -s, --subject       Message subject line
  -f, --sender        Sender email address
  -b, --body          Message body text
  -a, --attach        Attachment filename (repeatable)
      --json <file>   Read the whole message as JSON ("-" for stdin)

Shared Flags:
  --db <path>         Pattern store path (default ~/.matchbox/matchbox.db)
  --config <path>     Config file path (default ~/.matchbox/config.yaml)

Sweep Flags:
  --apply             Apply changes instead of reporting them
  --daemon            Keep running sweeps on the configured schedule
`, version)
}
