// Command opsctl is the operator CLI for the crew queue, the event bus and the action draft inbox.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"agency-core/internal/app"
	"agency-core/internal/config"
	"agency-core/internal/models"
	"agency-core/internal/queue"
	"agency-core/internal/store"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

type cli struct {
	v *viper.Viper
}

func newRootCmd() *cobra.Command {
	c := &cli{v: viper.New()}
	c.v.SetEnvPrefix("OPSCTL")
	c.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	c.v.AutomaticEnv()

	root := &cobra.Command{
		Use:           "opsctl",
		Short:         "Operate the crew queue, event bus and action drafts",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().Bool("json", false, "output JSON")
	root.PersistentFlags().String("redis-url", "", "redis URL (defaults to REDIS_URL)")
	root.PersistentFlags().String("postgres-dsn", "", "postgres DSN (defaults to POSTGRES_DSN)")
	_ = c.v.BindPFlag("json", root.PersistentFlags().Lookup("json"))
	_ = c.v.BindPFlag("redis-url", root.PersistentFlags().Lookup("redis-url"))
	_ = c.v.BindPFlag("postgres-dsn", root.PersistentFlags().Lookup("postgres-dsn"))

	root.AddCommand(c.dlqCmd(), c.queueCmd(), c.eventsCmd(), c.draftsCmd(), c.auditCmd(), c.contentCmd())
	return root
}

func (c *cli) config() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}
	if v := c.v.GetString("redis-url"); v != "" {
		cfg.RedisURL = v
	}
	if v := c.v.GetString("postgres-dsn"); v != "" {
		cfg.PostgresDSN = v
	}
	return cfg, nil
}

func (c *cli) withQueue(ctx context.Context, fn func(context.Context, *queue.RedisQueue) error) error {
	cfg, err := c.config()
	if err != nil {
		return err
	}
	if cfg.RedisURL == "" {
		return fmt.Errorf("no redis configured: set REDIS_URL or --redis-url")
	}
	pool := queue.NewPool(cfg.RedisURL, cfg.ConnectTimeout)
	defer pool.Close()
	return fn(ctx, queue.NewRedisQueue(pool, cfg))
}

func (c *cli) withStore(ctx context.Context, fn func(context.Context, *store.Store) error) error {
	cfg, err := c.config()
	if err != nil {
		return err
	}
	st, err := store.Open(ctx, cfg.PostgresDSN)
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(ctx, st)
}

func (c *cli) withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	cfg, err := c.config()
	if err != nil {
		return err
	}
	a, err := app.Build(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func (c *cli) print(w io.Writer, v any, render func(table.Writer)) error {
	if c.v.GetBool("json") {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	render(tw)
	tw.Render()
	return nil
}

func (c *cli) dlqCmd() *cobra.Command {
	dlq := &cobra.Command{Use: "dlq", Short: "Inspect and replay dead-lettered jobs"}

	var limit int64
	list := &cobra.Command{
		Use:   "list",
		Short: "List dead-lettered jobs, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withQueue(cmd.Context(), func(ctx context.Context, q *queue.RedisQueue) error {
				items, err := q.DLQPeek(ctx, limit)
				if err != nil {
					return err
				}
				return c.print(cmd.OutOrStdout(), items, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"ID", "Type", "Priority", "Attempts", "Failed At", "Error"})
					for _, d := range items {
						tw.AppendRow(table.Row{d.Job.ID, d.Job.Type, d.Job.Priority.String(), d.Job.Attempts, d.FailedAt.Format(time.RFC3339), truncate(d.Error, 60)})
					}
				})
			})
		},
	}
	list.Flags().Int64Var(&limit, "limit", 50, "maximum entries")

	replay := &cobra.Command{
		Use:   "replay <job-id>",
		Short: "Re-queue a dead-lettered job with a fresh attempt budget",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withQueue(cmd.Context(), func(ctx context.Context, q *queue.RedisQueue) error {
				h, err := q.Replay(ctx, args[0])
				if err != nil {
					return err
				}
				return c.print(cmd.OutOrStdout(), h, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"ID", "Type", "Priority"})
					tw.AppendRow(table.Row{h.ID, h.Type, h.Priority.String()})
				})
			})
		},
	}
	dlq.AddCommand(list, replay)
	return dlq
}

func (c *cli) queueCmd() *cobra.Command {
	q := &cobra.Command{Use: "queue", Short: "Queue diagnostics"}
	q.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show ready, in-flight, scheduled and dead-letter counts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withQueue(cmd.Context(), func(ctx context.Context, rq *queue.RedisQueue) error {
				st, err := rq.Stats(ctx)
				if err != nil {
					return err
				}
				return c.print(cmd.OutOrStdout(), st, func(tw table.Writer) { renderStats(tw, st) })
			})
		},
	})
	return q
}

func renderStats(tw table.Writer, st queue.Stats) {
	tw.AppendHeader(table.Row{"Queue", "Jobs"})
	for _, p := range models.Priorities {
		tw.AppendRow(table.Row{"ready:" + p.String(), st.Ready[p.String()]})
	}
	tw.AppendSeparator()
	tw.AppendRow(table.Row{"in_flight", st.InFlight})
	tw.AppendRow(table.Row{"scheduled", st.Scheduled})
	tw.AppendRow(table.Row{"dead_lettered", st.DeadLettered})
}

func (c *cli) eventsCmd() *cobra.Command {
	ev := &cobra.Command{Use: "events", Short: "Drain and inspect the event bus"}

	var limit int
	process := &cobra.Command{
		Use:   "process",
		Short: "Process pending events in creation order",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Events.Process(ctx, limit)
				if err != nil {
					return err
				}
				return c.print(cmd.OutOrStdout(), res, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"Fetched", "Processed", "Failed"})
					tw.AppendRow(table.Row{res.Fetched, res.Processed, res.Failed})
				})
			})
		},
	}
	process.Flags().IntVar(&limit, "limit", 25, "batch size (max 200)")

	reprocess := &cobra.Command{
		Use:   "reprocess <event-id>",
		Short: "Reset one event and run its handler again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				e, err := a.Events.Reprocess(ctx, args[0])
				if err != nil {
					return err
				}
				return c.print(cmd.OutOrStdout(), e, func(tw table.Writer) { renderEvents(tw, []models.Event{e}) })
			})
		},
	}

	var status string
	var listLimit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List recent events",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withStore(cmd.Context(), func(ctx context.Context, st *store.Store) error {
				evs, err := st.ListEvents(ctx, store.EventFilter{Status: status, Limit: listLimit})
				if err != nil {
					return err
				}
				return c.print(cmd.OutOrStdout(), evs, func(tw table.Writer) { renderEvents(tw, evs) })
			})
		},
	}
	list.Flags().StringVar(&status, "status", "", "pending, processed or error")
	list.Flags().IntVar(&listLimit, "limit", 50, "maximum entries")

	ev.AddCommand(process, reprocess, list)
	return ev
}

func renderEvents(tw table.Writer, evs []models.Event) {
	tw.AppendHeader(table.Row{"ID", "Type", "Status", "Attempts", "Created", "Error"})
	for _, e := range evs {
		msg := ""
		if e.ErrorMessage != nil {
			msg = truncate(*e.ErrorMessage, 60)
		}
		tw.AppendRow(table.Row{e.ID, e.Type, e.Status, e.Attempts, e.CreatedAt.Format(time.RFC3339), msg})
	}
}

func (c *cli) draftsCmd() *cobra.Command {
	dr := &cobra.Command{Use: "drafts", Short: "Action draft inbox"}
	var f store.DraftFilter
	list := &cobra.Command{
		Use:   "list",
		Short: "List action drafts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withStore(cmd.Context(), func(ctx context.Context, st *store.Store) error {
				f.Role = strings.ToLower(strings.TrimSpace(f.Role))
				list, err := st.ListDrafts(ctx, f)
				if err != nil {
					return err
				}
				return c.print(cmd.OutOrStdout(), list, func(tw table.Writer) { renderDrafts(tw, list) })
			})
		},
	}
	list.Flags().StringVar(&f.Role, "role", "", "executive role filter")
	list.Flags().StringVar(&f.Status, "status", "", "draft, executed or cancelled")
	list.Flags().IntVar(&f.Limit, "limit", 50, "maximum entries")

	var olderThan time.Duration
	var actor string
	resolve := &cobra.Command{
		Use:   "resolve <draft-id>",
		Short: "Close a draft whose claim was abandoned mid-execution, without running it again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				st, err := a.Drafts.ResolveStale(ctx, args[0], actor, olderThan)
				if err != nil {
					return err
				}
				return c.print(cmd.OutOrStdout(), st, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"ID", "Status", "Claimed", "Result"})
					tw.AppendRow(table.Row{st.ID, st.Status, formatTime(st.ClaimedAt), st.ExecutionResult.Error})
				})
			})
		},
	}
	resolve.Flags().DurationVar(&olderThan, "older-than", 10*time.Minute, "minimum claim age")
	resolve.Flags().StringVar(&actor, "actor", "opsctl", "actor recorded in the audit trail")

	dr.AddCommand(list, resolve)
	return dr
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339)
}

func renderDrafts(tw table.Writer, list []models.ActionDraft) {
	tw.AppendHeader(table.Row{"ID", "Role", "Action", "Title", "Status", "Executable", "Created", "Claimed"})
	for _, d := range list {
		tw.AppendRow(table.Row{d.ID, d.ExecutiveRole, d.ActionType, truncate(d.Title, 40), d.Status, d.IsExecutable,
			d.CreatedAt.Format(time.RFC3339), formatTime(d.ClaimedAt)})
	}
}

func (c *cli) auditCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "audit <subject>",
		Short: "Show the audit trail of a subject such as job:<id> or draft:<id>",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withStore(cmd.Context(), func(ctx context.Context, st *store.Store) error {
				trail, err := st.AuditTrail(ctx, args[0], limit)
				if err != nil {
					return err
				}
				return c.print(cmd.OutOrStdout(), trail, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"At", "Event", "Actor", "Detail"})
					for _, a := range trail {
						tw.AppendRow(table.Row{a.Recorded.Format(time.RFC3339), a.Event, a.ActorID, truncate(a.Detail, 80)})
					}
				})
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum entries")
	return cmd
}

func (c *cli) contentCmd() *cobra.Command {
	content := &cobra.Command{Use: "content", Short: "Generated content history"}
	var limit int
	recent := &cobra.Command{
		Use:   "recent <client-id>",
		Short: "Show the latest orchestration outcomes for a client",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withStore(cmd.Context(), func(ctx context.Context, st *store.Store) error {
				recs, err := st.RecentContent(ctx, args[0], limit)
				if err != nil {
					return err
				}
				return c.print(cmd.OutOrStdout(), recs, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"Request", "Demand", "Topic", "Score", "Passed", "Iterations", "Created"})
					for _, r := range recs {
						score := "-"
						if r.Score != nil {
							score = fmt.Sprintf("%.1f", *r.Score)
						}
						tw.AppendRow(table.Row{r.RequestID, r.DemandType, truncate(r.Topic, 40), score, r.Passed, r.Iterations, r.CreatedAt.Format(time.RFC3339)})
					}
				})
			})
		},
	}
	recent.Flags().IntVar(&limit, "limit", 20, "maximum entries")
	content.AddCommand(recent)
	return content
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

