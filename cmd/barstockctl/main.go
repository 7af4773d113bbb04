package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/barstock/barstock/cmd/barstockctl/cli"
	"github.com/barstock/barstock/internal/app"
	"github.com/barstock/barstock/internal/platform/cache"
	"github.com/barstock/barstock/internal/platform/db"
	"github.com/barstock/barstock/migrations"
)

const usage = `usage: barstockctl <command> [flags]

commands:
  migrate                         apply pending schema migrations
  audit [-repair] [-limit n]      find records whose opening differs from the previous closing
  resume -location -product -day  re-propagate a chain from a day
  backfill-cost [-location id]    copy catalog cost onto records with a zero unit cost
  cache-bust                      invalidate cached catalog entries
  jobs trigger <name> [-repair]   enqueue ledger:chain_audit or maintenance:idempotency_cleanup
  jobs stats                      show queue sizes
  jobs retries                    list resume tasks awaiting retry
`

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		_, _ = fmt.Fprint(stderr, usage)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "load config: %v\n", err)
		return 1
	}
	logger := app.NewLogger(cfg)

	switch args[0] {
	case "migrate":
		return runMigrate(ctx, cfg, logger, stdout, stderr)
	case "audit", "resume", "backfill-cost", "cache-bust":
		return runLedger(ctx, cfg, logger, args, stdout, stderr)
	case "jobs":
		return runJobs(ctx, cfg, args[1:], stdout, stderr)
	default:
		_, _ = fmt.Fprint(stderr, usage)
		return 2
	}
}

func runMigrate(ctx context.Context, cfg *app.Config, logger *slog.Logger, stdout, stderr io.Writer) int {
	pool, err := db.New(ctx, cfg.PGDSN, db.Options{MaxConns: 2})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "migrate: %v\n", err)
		return 1
	}
	defer pool.Close()
	applied, err := migrations.Up(ctx, pool, logger)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "migrate: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "Applied %d migration(s).\n", len(applied))
	return 0
}

func runLedger(ctx context.Context, cfg *app.Config, logger *slog.Logger, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet(args[0], flag.ContinueOnError)
	fs.SetOutput(stderr)
	jsonOut := fs.Bool("json", false, "print JSON")
	repair := fs.Bool("repair", false, "re-propagate broken chains (audit)")
	limit := fs.Int("limit", 0, "maximum breaks to report (audit)")
	location := fs.Int64("location", 0, "location id")
	product := fs.Int64("product", 0, "product id (resume)")
	day := fs.String("day", "", "day to resume from, YYYY-MM-DD (resume)")
	actor := fs.Int64("actor", 0, "actor id recorded on rewritten records (resume)")
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}

	pool, err := db.New(ctx, cfg.PGDSN, db.Options{MaxConns: cfg.PGMaxConns})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "%s: %v\n", args[0], err)
		return 1
	}
	defer pool.Close()
	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "%s: %v\n", args[0], err)
		return 1
	}
	defer func() {
		_ = redisClient.Close()
	}()

	ledgerApp := app.NewLedger(app.LedgerDeps{Config: cfg, Logger: logger, Pool: pool, Redis: redisClient})
	if args[0] == "cache-bust" {
		version, err := ledgerApp.Catalog.Bump(ctx)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "cache-bust: %v\n", err)
			return 1
		}
		_, _ = fmt.Fprintf(stdout, "Catalog cache now at version %d.\n", version)
		return 0
	}

	ops, err := cli.NewLedgerOpsCLI(ledgerApp.Service)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err)
		return 1
	}
	out := cli.Output{JSONOutput: *jsonOut, Stdout: stdout, Stderr: stderr}
	switch args[0] {
	case "audit":
		return ops.AuditCommand(ctx, cli.AuditOptions{Repair: *repair, Limit: *limit, Output: out})
	case "resume":
		return ops.ResumeCommand(ctx, cli.ResumeOptions{
			LocationID: *location, ProductID: *product, FromDay: *day, ActorID: *actor, Output: out,
		})
	default:
		return ops.BackfillCommand(ctx, cli.BackfillOptions{LocationID: *location, Output: out})
	}
}

func runJobs(ctx context.Context, cfg *app.Config, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		_, _ = fmt.Fprint(stderr, usage)
		return 2
	}
	jobsCLI, err := cli.NewJobsCLI(cfg.RedisAddr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "jobs: %v\n", err)
		return 1
	}
	defer func() {
		_ = jobsCLI.Close()
	}()

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	switch args[0] {
	case "trigger":
		if len(args) < 2 {
			_, _ = fmt.Fprintln(stderr, "jobs trigger: job name required")
			return 2
		}
		fs := flag.NewFlagSet("trigger", flag.ContinueOnError)
		fs.SetOutput(stderr)
		repair := fs.Bool("repair", false, "repair broken chains (ledger:chain_audit)")
		if err := fs.Parse(args[2:]); err != nil {
			return 2
		}
		info, err := jobsCLI.Trigger(ctx, args[1], *repair)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "jobs trigger: %v\n", err)
			return 1
		}
		_, _ = fmt.Fprintf(stdout, "Enqueued %s as %s on queue %s.\n", info.Type, info.ID, info.Queue)
		return 0
	case "stats":
		stats, err := jobsCLI.InspectQueues(ctx)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "jobs stats: %v\n", err)
			return 1
		}
		_ = enc.Encode(stats)
		return 0
	case "retries":
		tasks, err := jobsCLI.ListRetries(ctx, 20)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "jobs retries: %v\n", err)
			return 1
		}
		for _, t := range tasks {
			_, _ = fmt.Fprintf(stdout, "%s retry %d/%d next %s: %s\n",
				t.ID, t.Retried, t.MaxRetry, t.NextProcessAt.Format("2006-01-02 15:04:05"), t.LastErr)
		}
		return 0
	default:
		_, _ = fmt.Fprint(stderr, usage)
		return 2
	}
}
