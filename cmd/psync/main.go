package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"portalsync/internal/config"
	"portalsync/internal/db"
	"portalsync/internal/domain"
	"portalsync/internal/engine"
	"portalsync/internal/migrate"
	"portalsync/internal/repo"
	"portalsync/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "psync",
	Short: "Portalsync CLI",
	Long: `Portalsync publishes property listings to external real-estate portals.
- Publish job: one attempt to get a property onto a portal; it moves
  pending -> validating -> publishing -> published, or ends failed/cancelled.
- Validation: each portal declares required and recommended fields; a missing
  required field fails the job before any portal call.
- Credentials: per tenant OAuth tokens, refreshed before they expire.
- Metrics: views, inquiries and favorites pulled from each portal on a schedule.
- Event log: every transition, view with 'psync events tail'.`,
	SilenceUsage: true,
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
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("PSYNC")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().StringP("tenant", "t", "", "tenant id")
	rootCmd.PersistentFlags().String("config", "", "config file (default <workspace>/portalsync.yml)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("tenant", rootCmd.PersistentFlags().Lookup("tenant"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(propertyCmd())
	rootCmd.AddCommand(publishCmd())
	rootCmd.AddCommand(unpublishCmd())
	rootCmd.AddCommand(retryCmd())
	rootCmd.AddCommand(cancelCmd())
	rootCmd.AddCommand(jobsCmd())
	rootCmd.AddCommand(validateCmd())
	rootCmd.AddCommand(metricsCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(tokenCmd())
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				v, err := migrate.Version(ctx, r.DB)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]int{"version": v})
				}
				fmt.Printf("schema at version %d\n", v)
				return nil
			})
		},
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage the service config",
		Long:  "The service config (portalsync.yml) sets retry policy, credential refresh, the metrics schedule, the portals and the webhooks.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default config to the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath()
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := loadConfig()
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
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show job counts per state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				counts, err := r.CountJobsByState(ctx, viper.GetString("tenant"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(counts)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"State", "Jobs"})
				for _, s := range []domain.JobState{domain.JobPending, domain.JobValidating, domain.JobPublishing, domain.JobPublished, domain.JobFailed, domain.JobUnpublished, domain.JobExpired, domain.JobCancelled} {
					tw.AppendRow(table.Row{s, counts[s]})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func propertyCmd() *cobra.Command {
	prop := &cobra.Command{Use: "property", Short: "Manage the property mirror"}
	prop.AddCommand(propertyImportCmd())
	prop.AddCommand(propertyShowCmd())
	return prop
}

func propertyImportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import properties from a JSON or YAML file",
		RunE: func(cmd *cobra.Command, args []string) error {
			props, err := readProperties(file)
			if err != nil {
				return err
			}
			tenant := viper.GetString("tenant")
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				for i, p := range props {
					if p.TenantID == "" {
						p.TenantID = tenant
					}
					if p.ID == "" || p.TenantID == "" {
						return fmt.Errorf("property %d: id and tenant are required", i)
					}
					if p.UpdatedAt.IsZero() {
						p.UpdatedAt = time.Now().UTC()
					}
					if err := r.UpsertProperty(ctx, p); err != nil {
						return fmt.Errorf("property %s: %w", p.ID, err)
					}
				}
				fmt.Printf("imported %d properties\n", len(props))
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "file with a list of properties")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func propertyShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <property-id>",
		Short: "Show a mirrored property",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, err := requireTenant()
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				p, err := r.GetProperty(ctx, tenant, args[0])
				if err != nil {
					return err
				}
				return printJSON(p)
			})
		},
	}
}

// readProperties accepts a list of property objects. YAML keys follow the JSON names.
func readProperties(path string) ([]domain.Property, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yml", ".yaml":
		var raw []map[string]any
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		if data, err = json.Marshal(raw); err != nil {
			return nil, err
		}
	}
	var props []domain.Property
	if err := json.Unmarshal(data, &props); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return props, nil
}

func publishCmd() *cobra.Command {
	var portalID string
	var now bool
	cmd := &cobra.Command{
		Use:   "publish <property-id>",
		Short: "Create a publish job",
		Long:  "Creates a pending job. A running 'psync serve' picks it up; --now processes it in this process instead.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, err := requireTenant()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				j, err := e.Publish(ctx, engine.PublishOptions{TenantID: tenant, PropertyID: args[0], Portal: portalID})
				if err != nil {
					return err
				}
				if now {
					if err := e.Process(ctx, j.ID); err != nil {
						return err
					}
					if j, err = e.Repo.GetJob(ctx, tenant, j.ID); err != nil {
						return err
					}
				}
				return printJob(j)
			})
		},
	}
	cmd.Flags().StringVarP(&portalID, "portal", "p", "", "portal id")
	cmd.Flags().BoolVar(&now, "now", false, "process the job before returning")
	_ = cmd.MarkFlagRequired("portal")
	return cmd
}

func unpublishCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unpublish <job-id>",
		Short: "Remove a published listing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, err := requireTenant()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				j, err := e.Unpublish(ctx, tenant, args[0])
				if err != nil {
					return err
				}
				return printJob(j)
			})
		},
	}
}

func retryCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "retry <job-id>",
		Short: "Retry a failed job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, err := requireTenant()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				j, err := e.Retry(ctx, tenant, args[0], force)
				if err != nil {
					return err
				}
				return printJob(j)
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "reset the attempt count")
	return cmd
}

func cancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a pending job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, err := requireTenant()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				j, err := e.Cancel(ctx, tenant, args[0])
				if err != nil {
					return err
				}
				return printJob(j)
			})
		},
	}
}

func jobsCmd() *cobra.Command {
	jobs := &cobra.Command{Use: "jobs", Short: "Inspect publish jobs"}
	jobs.AddCommand(jobsListCmd())
	jobs.AddCommand(jobsShowCmd())
	return jobs
}

func jobsListCmd() *cobra.Command {
	var f repo.JobFilter
	var states []string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.TenantID = viper.GetString("tenant")
			for _, s := range states {
				st, err := domain.ParseJobState(strings.TrimSpace(s))
				if err != nil {
					return err
				}
				f.States = append(f.States, st)
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				jobs, err := r.ListJobs(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(jobs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Tenant", "Property", "Portal", "State", "Attempts", "Error", "Listing"})
				for _, j := range jobs {
					errKind := ""
					if j.Error != nil {
						errKind = string(j.Error.Kind)
					}
					tw.AppendRow(table.Row{j.ID, j.TenantID, j.PropertyID, j.Portal, j.State, fmt.Sprintf("%d/%d", j.AttemptCount, j.MaxAttempts), errKind, j.PortalListingID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.PropertyID, "property", "", "property filter")
	cmd.Flags().StringVar(&f.Portal, "portal", "", "portal filter")
	cmd.Flags().StringSliceVar(&states, "state", nil, "state filter (repeatable)")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "maximum rows")
	return cmd
}

func jobsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <job-id>",
		Short: "Show a job with its validation and metrics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				j, err := r.GetJob(ctx, viper.GetString("tenant"), args[0])
				if err != nil {
					return err
				}
				out := map[string]any{"job": j}
				if m, err := r.MetricsByJob(ctx, j.ID); err == nil {
					out["metrics"] = m
				} else if !errors.Is(err, repo.ErrNotFound) {
					return err
				}
				return printJSON(out)
			})
		},
	}
}

func validateCmd() *cobra.Command {
	var portalID string
	cmd := &cobra.Command{
		Use:   "validate <property-id>",
		Short: "Check a property against a portal schema",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, err := requireTenant()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := e.Preview(ctx, tenant, args[0], portalID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(v)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Field", "Portal field", "Requirement", "Status", "Message"})
				for _, m := range v.Mappings {
					tw.AppendRow(table.Row{m.Field, m.PortalField, m.Requirement, m.Status, m.Message})
				}
				tw.Render()
				fmt.Printf("valid: %t\n", v.IsValid)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&portalID, "portal", "p", "", "portal id")
	_ = cmd.MarkFlagRequired("portal")
	return cmd
}

func metricsCmd() *cobra.Command {
	m := &cobra.Command{Use: "metrics", Short: "Portal engagement metrics"}
	m.AddCommand(&cobra.Command{
		Use:   "sync",
		Short: "Run one metrics sweep now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s *services) error {
				res, err := s.Metrics.Sync(ctx, viper.GetString("tenant"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("synced %d of %d listings, %d errors\n", res.Synced, res.Total, res.Errors)
				return nil
			})
		},
	})
	return m
}

func eventsCmd() *cobra.Command {
	evts := &cobra.Command{Use: "events", Short: "Inspect the event log"}
	evts.AddCommand(eventsTailCmd())
	return evts
}

func eventsTailCmd() *cobra.Command {
	var n int
	var evtType, jobID string
	var follow bool
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant := viper.GetString("tenant")
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.LatestEventsFrom(ctx, n, 0, tenant, evtType, jobID)
				if err != nil {
					return err
				}
				var cursor int64
				for i := len(items) - 1; i >= 0; i-- {
					printEvent(items[i])
					cursor = items[i].ID
				}
				if !follow {
					return nil
				}
				if cursor == 0 {
					if cursor, err = r.LatestEventID(ctx, tenant); err != nil {
						return err
					}
				}
				tick := time.NewTicker(time.Second)
				defer tick.Stop()
				for {
					select {
					case <-ctx.Done():
						return nil
					case <-tick.C:
					}
					next, err := r.EventsAfter(ctx, 100, cursor, tenant)
					if err != nil {
						return err
					}
					for _, evt := range next {
						cursor = evt.ID
						if (evtType != "" && evt.Type != evtType) || (jobID != "" && evt.JobID != jobID) {
							continue
						}
						printEvent(evt)
					}
				}
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&jobID, "job", "", "job id filter")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep printing new events")
	return cmd
}

func tokenCmd() *cobra.Command {
	var subject string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign an API bearer token for a tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, err := requireTenant()
			if err != nil {
				return err
			}
			rt, err := config.LoadRuntime()
			if err != nil {
				return err
			}
			if rt.JWTSecret == "" {
				return fmt.Errorf("PSYNC_JWT_SECRET is required to sign tokens")
			}
			tok, err := server.SignToken(rt.JWTSecret, tenant, subject, ttl)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "token subject (defaults to the tenant)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

// --- helpers ---

func configPath() string {
	if p := viper.GetString("config"); p != "" {
		return p
	}
	return config.Path(viper.GetString("workspace"))
}

func loadConfig() (*config.Config, error) {
	if p := viper.GetString("config"); p != "" {
		return config.FromFile(p)
	}
	return config.LoadOptional(viper.GetString("workspace"))
}

func requireTenant() (string, error) {
	tenant := strings.TrimSpace(viper.GetString("tenant"))
	if tenant == "" {
		return "", fmt.Errorf("--tenant is required")
	}
	return tenant, nil
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(ctx, conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func withServices(ctx context.Context, fn func(context.Context, *services) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	rt, err := config.LoadRuntime()
	if err != nil {
		return err
	}
	logger, err := newLogger(rt.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()
	conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(ctx, conn); err != nil {
		return err
	}
	s, err := buildServices(ctx, conn, cfg, rt, logger)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(ctx, s)
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	return withServices(ctx, func(ctx context.Context, s *services) error {
		return fn(ctx, s.Engine)
	})
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("PSYNC_LOG_LEVEL: %w", err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = lvl
	return cfg.Build()
}

func printJob(j domain.PublishJob) error {
	if viper.GetBool("json") {
		return printJSON(j)
	}
	fmt.Printf("%s  %s/%s  %s", j.ID, j.PropertyID, j.Portal, j.State)
	if j.Error != nil {
		fmt.Printf("  (%s: %s)", j.Error.Kind, j.Error.Message)
	}
	if j.PortalURL != "" {
		fmt.Printf("  %s", j.PortalURL)
	}
	fmt.Println()
	return nil
}

func printEvent(evt domain.Event) {
	if viper.GetBool("json") {
		_ = printJSON(evt)
		return
	}
	fmt.Printf("%d  %s  %s  %s  %s  %s\n", evt.ID, evt.TS.Format(time.RFC3339), evt.TenantID, evt.Type, evt.JobID, evt.Payload)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
