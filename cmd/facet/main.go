package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"facet/internal/config"
	"facet/internal/db"
	"facet/internal/engine"
	"facet/internal/engine/auth"
	"facet/internal/events"
	"facet/internal/migrate"
	"facet/internal/repo"
	"facet/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "facet",
	Short: "Facet CLI",
	Long: `Facet decomposes large issues into a tree of scored sub-issues worked on
by a fleet of anonymous workers.

- Workspace: the .facet directory holding the database; facet.yml tunes it.
- Inputs: issue statements submitted by users; the generator turns each into
  a root issue via a generation task.
- Issues: tree nodes with granularity, complexity and scope scores.
- Tasks: units of work (subdivision, analysis, evaluation, proposition,
  extrapolation) claimed by workers under a timeout lease.
- Workers: earn a fresh single-use usage key for every few completed tasks.
- Workflows: private multi-step pipelines with typed dataset outputs.`,
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
	viper.SetEnvPrefix("FACET")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(issueCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(scriptCmd())
	rootCmd.AddCommand(workflowCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(tickCmd())
	rootCmd.AddCommand(serveCmd())
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show queue status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				counts, err := e.Repo.CountTasksByStatus(ctx)
				if err != nil {
					return err
				}
				issues, err := e.Repo.ListIssues(ctx)
				if err != nil {
					return err
				}
				out := map[string]any{
					"task_counts": counts,
					"issues":      len(issues),
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Issues: %d\n", len(issues))
				fmt.Println("Tasks:")
				for status, c := range counts {
					fmt.Printf("  %s: %d\n", status, c)
				}
				return nil
			})
		},
	}
	return cmd
}

func issueCmd() *cobra.Command {
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Manage issues",
		Long:  "Issues form the decomposition tree. Submit a statement and the scheduler generates a root issue, then subdivides, analyzes, evaluates and extrapolates it one task at a time.",
	}
	issue.AddCommand(issueSubmitCmd())
	issue.AddCommand(issueListCmd())
	issue.AddCommand(issueShowCmd())
	issue.AddCommand(issueTreeCmd())
	return issue
}

func issueSubmitCmd() *cobra.Command {
	var title, issueContext string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit an issue statement",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				in, err := e.SubmitInput(ctx, title, issueContext)
				if err != nil {
					return err
				}
				return printJSONOrIndent(in)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "issue title")
	cmd.Flags().StringVar(&issueContext, "context", "", "issue context")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func issueListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List issues",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListIssues(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Gran", "Name", "Complexity", "Scope", "Analyzed"})
				for _, is := range items {
					tw.AppendRow(table.Row{is.ID, is.Granularity, is.Name, is.ComplexityScore, is.ScopeScore, is.AnalysisDone})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func issueShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show an issue with its artifacts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid issue id %q", args[0])
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				is, err := e.Repo.GetIssue(ctx, id)
				if err != nil {
					return err
				}
				insights, err := e.Repo.ListInsights(ctx, id)
				if err != nil {
					return err
				}
				proposals, err := e.Repo.ListProposals(ctx, id)
				if err != nil {
					return err
				}
				extrapolations, err := e.Repo.ListExtrapolations(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrIndent(map[string]any{
					"issue":          is,
					"insights":       insights,
					"proposals":      proposals,
					"extrapolations": extrapolations,
				})
			})
		},
	}
	return cmd
}

func issueTreeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tree",
		Short: "Show the decomposition tree",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				roots, err := e.IssueTree(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(roots)
				}
				for _, r := range roots {
					printIssueTree(r, "", true)
				}
				return nil
			})
		},
	}
	return cmd
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Inspect tasks",
	}
	task.AddCommand(taskListCmd())
	return task
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tasks, err := e.Repo.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Issue", "Input", "Status", "Worker", "Updated"})
				for _, t := range tasks {
					tw.AppendRow(table.Row{
						t.ID, t.TaskTypeID, int64OrDash(t.IssueID), int64OrDash(t.UserInputID),
						t.Status, int64OrDash(t.WorkerID), t.UpdatedDate,
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().Int64Var(&f.TaskTypeID, "type", 0, "task type id filter")
	cmd.Flags().Int64Var(&f.IssueID, "issue", 0, "issue id filter")
	return cmd
}

func workerCmd() *cobra.Command {
	worker := &cobra.Command{
		Use:   "worker",
		Short: "Manage workers",
	}
	worker.AddCommand(workerAddCmd())
	worker.AddCommand(workerListCmd())
	worker.AddCommand(workerKeyCmd())
	return worker
}

func workerAddCmd() *cobra.Command {
	var name, scriptFile string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			script, err := os.ReadFile(scriptFile)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, key, err := e.RegisterWorker(ctx, name, string(script))
				if err != nil {
					return err
				}
				return printJSONOrIndent(map[string]any{"worker": w, "key": key})
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "worker name")
	cmd.Flags().StringVar(&scriptFile, "script", "", "path to the worker's client script")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("script")
	return cmd
}

func workerListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListWorkers(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Counter", "Created"})
				for _, w := range items {
					tw.AppendRow(table.Row{w.ID, w.Name, w.TaskCounter, w.CreatedDate})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func workerKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mint-key <worker-id>",
		Short: "Mint a usage key for a worker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid worker id %q", args[0])
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				key, err := e.MintWorkerKey(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrIndent(map[string]any{"worker_id": id, "key": key})
			})
		},
	}
	return cmd
}

func scriptCmd() *cobra.Command {
	script := &cobra.Command{
		Use:   "script",
		Short: "Client script attestation",
	}
	script.AddCommand(&cobra.Command{
		Use:   "hash <file>",
		Short: "Print the allow-list hash of a client script",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			fmt.Println(auth.ScriptHash(string(data)))
			return nil
		},
	})
	return script
}

func workflowCmd() *cobra.Command {
	wf := &cobra.Command{
		Use:   "workflow",
		Short: "Inspect workflows",
	}
	wf.AddCommand(&cobra.Command{
		Use:   "list <worker-id>",
		Short: "List a worker's workflows",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid worker id %q", args[0])
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListWorkflows(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrIndent(items)
			})
		},
	})
	return wf
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage facet.yml",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default facet.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrIndent(e.Config)
			})
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate facet.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.Load(workspace)
			if err == nil {
				err = cfg.Validate()
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	logc := &cobra.Command{
		Use:   "log",
		Short: "Event log",
	}
	logc.AddCommand(logTailCmd())
	return logc
}

func logTailCmd() *cobra.Command {
	var n int
	var after int64
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.EventsAfter(ctx, n, after)
				if err != nil {
					return err
				}
				return printJSONOrIndent(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().Int64Var(&after, "after", 0, "events after this id")
	return cmd
}

func tickCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tick",
		Short: "Run a single scheduler cycle",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.Tick(ctx); err != nil {
					return err
				}
				counts, err := e.Repo.CountTasksByStatus(ctx)
				if err != nil {
					return err
				}
				return printJSONOrIndent(counts)
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var noScheduler bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server and scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			e.Sink = &events.Fanout{}
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("FACET_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("FACET_JWT_SECRET is required for admin bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			schedCtx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			if !noScheduler {
				go engine.RunScheduler(schedCtx, e)
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Facet API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&noScheduler, "no-scheduler", false, "serve the API without the background scheduler")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
}

func int64OrDash(v *int64) any {
	if v == nil {
		return "-"
	}
	return *v
}

func printJSONOrIndent(v any) error {
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

func printIssueTree(n *engine.IssueNode, prefix string, last bool) {
	connector := "├── "
	newPrefix := prefix + "│   "
	if last {
		connector = "└── "
		newPrefix = prefix + "    "
	}
	fmt.Printf("%s%s%s [g%d c%d s%d]\n", prefix, connector, n.Name, n.Granularity, n.ComplexityScore, n.ScopeScore)
	for i, c := range n.Children {
		printIssueTree(c, newPrefix, i == len(n.Children)-1)
	}
}
