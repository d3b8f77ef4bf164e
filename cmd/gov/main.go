package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"govline/internal/audit"
	"govline/internal/config"
	"govline/internal/db"
	"govline/internal/domain"
	"govline/internal/gate"
	"govline/internal/migrate"
	"govline/internal/orchestrator"
	"govline/internal/phase"
	"govline/internal/rca"
	"govline/internal/repo"
)

var rootCmd = &cobra.Command{
	Use:   "gov",
	Short: "Govline CLI",
	Long: `Govline governs directives through a fixed phase pipeline and turns
failure events into deduplicated incident records.
Core concepts:
- Workspace: your .govline box holding the single SQLite datastore.
- Directive: a unit of governed work; it moves LEAD -> PLAN -> EXEC -> VERIFICATION -> APPROVAL.
- Gate: every phase ends in a gate; all of its requirements must pass before the next phase starts.
- Checkpoint: a failed run leaves one so the retry resumes at the failed phase.
- Decision log: diary of every default the system took without a human; view with 'gov log tail'.
- Incident: a deduplicated failure record; repeats of the same failure signature bump a counter instead of opening a second incident.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("GOVLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().Bool("force", false, "re-validate phases already completed")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("force", rootCmd.PersistentFlags().Lookup("force"))
}

func registerCommands() {
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(phasesCmd())
	rootCmd.AddCommand(directiveCmd())
	rootCmd.AddCommand(rdCmd())
	rootCmd.AddCommand(incidentCmd())
	rootCmd.AddCommand(eventCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(reportCmd())
	rootCmd.AddCommand(retroCmd())
	rootCmd.AddCommand(configCmd())
}

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <directive-id>",
		Short: "Run the phase pipeline for a directive",
		Long: `Runs every phase gate for the directive in order. The command exits 0
only when all five gates pass with zero violations; a gate failure leaves a
checkpoint and the next run resumes at the failed phase.

` + phaseHelp(),
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOrchestrator(cmd.Context(), func(ctx context.Context, o *orchestrator.Orchestrator) error {
				res, err := o.Run(ctx, args[0], viper.GetBool("force"))
				if perr := printJSONOrTable(res); perr != nil && err == nil {
					return perr
				}
				return err
			})
		},
	}
	return cmd
}

func phaseHelp() string {
	var b strings.Builder
	b.WriteString("Phases and gate requirements:\n")
	for _, p := range phase.Sequence {
		fmt.Fprintf(&b, "  %s:\n", p)
		for _, r := range phase.Requirements(p) {
			fmt.Fprintf(&b, "    - %s\n", r)
		}
	}
	return b.String()
}

func phasesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "phases",
		Short: "List phases and their gate requirements",
		RunE: func(cmd *cobra.Command, args []string) error {
			if viper.GetBool("json") {
				out := map[string][]phase.Requirement{}
				for _, p := range phase.Sequence {
					out[string(p)] = phase.Requirements(p)
				}
				return printJSON(out)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Phase", "Requirement", "Mode"})
			for _, p := range phase.Sequence {
				for _, r := range phase.Requirements(p) {
					mode := "fail-closed"
					if phase.Assumable(r) {
						mode = "fail-open"
					}
					tw.AppendRow(table.Row{p, r, mode})
				}
			}
			tw.Render()
			return nil
		},
	}
	return cmd
}

func directiveCmd() *cobra.Command {
	d := &cobra.Command{Use: "directive", Short: "Manage directives"}
	d.AddCommand(directiveCreateCmd())
	d.AddCommand(directiveListCmd())
	d.AddCommand(directiveShowCmd())
	d.AddCommand(directiveUpdateCmd())
	return d
}

func directiveCreateCmd() *cobra.Command {
	var id, title, status, priority, description, objectives string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a directive",
		RunE: func(cmd *cobra.Command, args []string) error {
			if title == "" {
				return fmt.Errorf("--title required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if id == "" {
					id = uuid.NewString()
				}
				now := time.Now().UTC().Format(time.RFC3339)
				d := domain.Directive{
					ID:          id,
					Title:       title,
					Status:      status,
					Priority:    priority,
					Description: description,
					Objectives:  objectives,
					CreatedAt:   now,
					UpdatedAt:   now,
				}
				if err := r.InsertDirective(ctx, d); err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "directive id (generated if empty)")
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&status, "status", "pending", "status")
	cmd.Flags().StringVar(&priority, "priority", "", "priority")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().StringVar(&objectives, "objectives", "", "strategic objectives")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func directiveListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List directives",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListDirectives(ctx, status)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Phase", "Priority"})
				for _, d := range items {
					tw.AppendRow(table.Row{d.ID, d.Title, d.Status, d.CurrentPhase, d.Priority})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	return cmd
}

func directiveShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a directive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				d, err := r.GetDirective(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	return cmd
}

func directiveUpdateCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update a directive's status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if status == "" {
				return fmt.Errorf("--status required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				now := time.Now().UTC().Format(time.RFC3339)
				if err := r.UpdateDirectiveProgress(ctx, args[0], "", status, now); err != nil {
					return err
				}
				d, err := r.GetDirective(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "new status")
	return cmd
}

func rdCmd() *cobra.Command {
	rd := &cobra.Command{Use: "rd", Short: "Manage requirements documents"}
	rd.AddCommand(rdShowCmd())
	rd.AddCommand(rdApproveCmd())
	return rd
}

func rdShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <directive-id>",
		Short: "Show the requirements document for a directive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				doc, err := r.GetRequirementsDocument(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(doc)
			})
		},
	}
	return cmd
}

func rdApproveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approve <directive-id>",
		Short: "Approve the requirements document for a directive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				now := time.Now().UTC().Format(time.RFC3339)
				if err := r.SetRequirementsDocumentStatus(ctx, args[0], "approved", now); err != nil {
					return err
				}
				doc, err := r.GetRequirementsDocument(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(doc)
			})
		},
	}
	return cmd
}

func incidentCmd() *cobra.Command {
	in := &cobra.Command{Use: "incident", Short: "Manage incidents"}
	in.AddCommand(incidentListCmd())
	in.AddCommand(incidentShowCmd())
	in.AddCommand(incidentReviewCmd())
	in.AddCommand(incidentResolveCmd())
	return in
}

func incidentListCmd() *cobra.Command {
	var directiveID, status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List incidents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListIncidents(ctx, directiveID, status)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Signature", "Tier", "Status", "Recurrences", "Confidence"})
				for _, in := range items {
					tw.AppendRow(table.Row{in.ID, in.FailureSignature, in.TriggerTier, in.Status, in.RecurrenceCount, in.Confidence})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&directiveID, "directive", "", "directive id filter")
	cmd.Flags().StringVar(&status, "status", "", "status filter (OPEN, IN_REVIEW, RESOLVED)")
	return cmd
}

func incidentShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show an incident",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				in, err := r.GetIncident(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(in)
			})
		},
	}
	return cmd
}

func incidentReviewCmd() *cobra.Command {
	return setIncidentStatusCmd("review", "Move an incident to IN_REVIEW", "IN_REVIEW")
}

func incidentResolveCmd() *cobra.Command {
	return setIncidentStatusCmd("resolve", "Resolve an incident", "RESOLVED")
}

func setIncidentStatusCmd(use, short, status string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				now := time.Now().UTC().Format(time.RFC3339)
				if err := r.SetIncidentStatus(ctx, args[0], status, now); err != nil {
					return err
				}
				in, err := r.GetIncident(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(in)
			})
		},
	}
	return cmd
}

func eventCmd() *cobra.Command {
	ev := &cobra.Command{
		Use:   "event",
		Short: "Submit failure events",
		Long:  "Failure events are classified against trigger thresholds; events that trigger open an incident, or bump the recurrence counter of the open incident with the same failure signature.",
	}
	ev.AddCommand(eventSubTaskCmd())
	ev.AddCommand(eventTestCmd())
	ev.AddCommand(eventQualityCmd())
	ev.AddCommand(eventHandoffCmd())
	return ev
}

func eventSubTaskCmd() *cobra.Command {
	var ev rca.SubTaskEvent
	cmd := &cobra.Command{
		Use:   "subtask",
		Short: "Report a blocked or failed sub-task",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRCA(cmd.Context(), func(ctx context.Context, e *rca.Engine) error {
				in, created, err := e.HandleSubTask(ctx, ev)
				if err != nil {
					return err
				}
				return printIncidentOutcome(in, created)
			})
		},
	}
	cmd.Flags().StringVar(&ev.DirectiveID, "directive", "", "directive id")
	cmd.Flags().StringVar(&ev.TaskID, "task", "", "sub-task id")
	cmd.Flags().StringVar(&ev.Status, "status", "FAILED", "BLOCKED or FAILED")
	cmd.Flags().IntVar(&ev.Confidence, "confidence", 0, "reporter confidence 0-100")
	cmd.Flags().StringVar(&ev.ErrorMessage, "error", "", "error message")
	cmd.Flags().StringVar(&ev.StackTrace, "stack-trace", "", "stack trace")
	_ = cmd.MarkFlagRequired("directive")
	_ = cmd.MarkFlagRequired("task")
	return cmd
}

func eventTestCmd() *cobra.Command {
	var ev rca.TestFailureEvent
	var lastPassed string
	cmd := &cobra.Command{
		Use:   "test",
		Short: "Report a failing test",
		RunE: func(cmd *cobra.Command, args []string) error {
			if lastPassed != "" {
				t, err := time.Parse(time.RFC3339, lastPassed)
				if err != nil {
					return fmt.Errorf("parse --last-passed: %w", err)
				}
				ev.LastPassedAt = t
			}
			return withRCA(cmd.Context(), func(ctx context.Context, e *rca.Engine) error {
				in, created, err := e.HandleTestFailure(ctx, ev)
				if err != nil {
					return err
				}
				return printIncidentOutcome(in, created)
			})
		},
	}
	cmd.Flags().StringVar(&ev.DirectiveID, "directive", "", "directive id")
	cmd.Flags().StringVar(&ev.TestName, "test", "", "test name")
	cmd.Flags().StringVar(&lastPassed, "last-passed", "", "when the test last passed (RFC3339)")
	cmd.Flags().StringVar(&ev.ErrorMessage, "error", "", "error message")
	cmd.Flags().StringVar(&ev.StackTrace, "stack-trace", "", "stack trace")
	_ = cmd.MarkFlagRequired("directive")
	_ = cmd.MarkFlagRequired("test")
	return cmd
}

func eventQualityCmd() *cobra.Command {
	var ev rca.QualityScoreEvent
	cmd := &cobra.Command{
		Use:   "quality",
		Short: "Report a quality score movement",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRCA(cmd.Context(), func(ctx context.Context, e *rca.Engine) error {
				in, created, err := e.HandleQualityScore(ctx, ev)
				if err != nil {
					return err
				}
				return printIncidentOutcome(in, created)
			})
		},
	}
	cmd.Flags().StringVar(&ev.DirectiveID, "directive", "", "directive id")
	cmd.Flags().StringVar(&ev.Scope, "scope", "", "scored scope")
	cmd.Flags().IntVar(&ev.Previous, "previous", 0, "previous score")
	cmd.Flags().IntVar(&ev.Current, "current", 0, "current score")
	_ = cmd.MarkFlagRequired("directive")
	_ = cmd.MarkFlagRequired("scope")
	return cmd
}

func eventHandoffCmd() *cobra.Command {
	var ev rca.HandoffRejectionEvent
	cmd := &cobra.Command{
		Use:   "handoff",
		Short: "Report a rejected handoff",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRCA(cmd.Context(), func(ctx context.Context, e *rca.Engine) error {
				in, created, err := e.HandleHandoffRejection(ctx, ev)
				if err != nil {
					return err
				}
				return printIncidentOutcome(in, created)
			})
		},
	}
	cmd.Flags().StringVar(&ev.DirectiveID, "directive", "", "directive id")
	cmd.Flags().StringVar(&ev.HandoffType, "type", "", "handoff type")
	cmd.Flags().IntVar(&ev.RejectionCount, "count", 1, "rejection count")
	cmd.Flags().StringVar(&ev.Reason, "reason", "", "rejection reason")
	_ = cmd.MarkFlagRequired("directive")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func printIncidentOutcome(in domain.Incident, created bool) error {
	if in.ID == "" {
		if viper.GetBool("json") {
			return printJSON(map[string]any{"triggered": false})
		}
		fmt.Println("event below trigger threshold, no incident")
		return nil
	}
	if !viper.GetBool("json") {
		if created {
			fmt.Printf("opened incident %s (tier %d)\n", in.ID, in.TriggerTier)
		} else {
			fmt.Printf("recurrence %d on incident %s\n", in.RecurrenceCount, in.ID)
		}
	}
	return printJSONOrTable(in)
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Inspect the decision log"}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	var directiveID, decisionType string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail decision log entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				entries, err := r.LatestDecisions(ctx, n, directiveID, decisionType)
				if err != nil {
					return err
				}
				return printJSONOrTable(entries)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of entries")
	cmd.Flags().StringVar(&directiveID, "directive", "", "directive id filter")
	cmd.Flags().StringVar(&decisionType, "type", "", "decision type filter")
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <directive-id>",
		Short: "Show pipeline status for a directive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				d, err := r.GetDirective(ctx, args[0])
				if err != nil {
					return err
				}
				completions, err := r.ListPhaseCompletions(ctx, d.ID)
				if err != nil {
					return err
				}
				violations, err := r.ListViolations(ctx, d.ID)
				if err != nil {
					return err
				}
				open, err := r.ListIncidents(ctx, d.ID, "OPEN")
				if err != nil {
					return err
				}
				out := map[string]any{
					"directive":      d,
					"completions":    completions,
					"violations":     violations,
					"open_incidents": len(open),
				}
				cp, err := r.GetCheckpoint(ctx, d.ID)
				if err == nil {
					out["checkpoint"] = cp
				} else if !errors.Is(err, repo.ErrNotFound) {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Directive: %s (%s)\n", d.ID, d.Status)
				done := map[string]bool{}
				for _, c := range completions {
					done[c.Phase] = true
				}
				for _, p := range phase.Sequence {
					mark := " "
					if done[string(p)] {
						mark = "x"
					}
					fmt.Printf("  [%s] %s\n", mark, p)
				}
				if c, ok := out["checkpoint"].(domain.Checkpoint); ok {
					fmt.Printf("Checkpoint: %s at %s\n", c.State, c.Phase)
				}
				fmt.Printf("Violations: %d, open incidents: %d\n", len(violations), len(open))
				return nil
			})
		},
	}
	return cmd
}

func reportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report <session-id>",
		Short: "Show the compliance report for a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				rep, err := r.GetComplianceReport(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(rep)
			})
		},
	}
	return cmd
}

func retroCmd() *cobra.Command {
	rt := &cobra.Command{Use: "retro", Short: "Manage retrospectives"}
	rt.AddCommand(retroAddCmd())
	return rt
}

func retroAddCmd() *cobra.Command {
	var directiveID, sessionID, learnings string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Record a retrospective for a directive",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				t := domain.Retrospective{
					ID:          uuid.NewString(),
					DirectiveID: directiveID,
					SessionID:   sessionID,
					Learnings:   learnings,
					CompletedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := r.InsertRetrospective(ctx, t); err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&directiveID, "directive", "", "directive id")
	cmd.Flags().StringVar(&sessionID, "session", "", "session id")
	cmd.Flags().StringVar(&learnings, "learnings", "", "what the run taught")
	_ = cmd.MarkFlagRequired("directive")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage workspace config"}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configInitCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
	return cmd
}

func configInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default govline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	return cmd
}

// --- helpers ---

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func withOrchestrator(ctx context.Context, fn func(context.Context, *orchestrator.Orchestrator) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	o := &orchestrator.Orchestrator{
		Repo:  r,
		Audit: audit.Writer{DB: conn},
		Gate: gate.Validator{
			Repo:            r,
			Workspace:       workspace,
			ApplicationRoot: cfg.Exec.ApplicationRoot,
		},
		Config:    cfg,
		Workspace: workspace,
		Log:       slog.New(slog.NewTextHandler(os.Stderr, nil)),
	}
	return fn(ctx, o)
}

func withRCA(ctx context.Context, fn func(context.Context, *rca.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	e := rca.NewEngine(r, audit.Writer{DB: conn}, slog.New(slog.NewTextHandler(os.Stderr, nil)))
	return fn(ctx, e)
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
