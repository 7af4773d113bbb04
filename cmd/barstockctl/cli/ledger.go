package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/barstock/barstock/internal/ledger"
)

// LedgerOps is the slice of the ledger service the operator commands drive.
type LedgerOps interface {
	AuditChains(ctx context.Context, repair bool, limit int) (ledger.AuditReport, error)
	ResumePropagation(ctx context.Context, chain ledger.ChainKey, fromDay time.Time, actorID int64) (ledger.Record, error)
	BackfillUnitCost(ctx context.Context, locationID *int64) (int, error)
	Calendar() ledger.Calendar
}

// LedgerOpsCLI runs maintenance commands against the ledger.
type LedgerOpsCLI struct {
	ops LedgerOps
}

// NewLedgerOpsCLI constructs the helper.
func NewLedgerOpsCLI(ops LedgerOps) (*LedgerOpsCLI, error) {
	if ops == nil {
		return nil, errors.New("ledger cli: service required")
	}
	return &LedgerOpsCLI{ops: ops}, nil
}

// Output configures where and how a command reports.
type Output struct {
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
}

func (o *Output) defaults() {
	if o.Stdout == nil {
		o.Stdout = os.Stdout
	}
	if o.Stderr == nil {
		o.Stderr = os.Stderr
	}
}

// AuditOptions defines flags for the audit command.
type AuditOptions struct {
	Repair bool
	Limit  int
	Output
}

// AuditSummary is the JSON form of an audit run.
type AuditSummary struct {
	OK       bool         `json:"ok"`
	Breaks   []AuditBreak `json:"breaks"`
	Repaired int          `json:"repaired"`
	Failed   int          `json:"failed"`
}

// AuditBreak describes one broken link.
type AuditBreak struct {
	LocationID  int64   `json:"location_id"`
	ProductID   int64   `json:"product_id"`
	Day         string  `json:"day"`
	Opening     float64 `json:"opening"`
	PrevDay     string  `json:"prev_day"`
	PrevClosing float64 `json:"prev_closing"`
}

// AuditCommand checks chain links. It exits 10 when unrepaired breaks remain.
func (c *LedgerOpsCLI) AuditCommand(ctx context.Context, opts AuditOptions) int {
	opts.defaults()
	report, err := c.ops.AuditChains(ctx, opts.Repair, opts.Limit)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "audit: %v\n", err)
		return 1
	}
	summary := buildAuditSummary(report, opts.Repair)
	if opts.JSONOutput {
		if err := json.NewEncoder(opts.Stdout).Encode(summary); err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "audit: encode json: %v\n", err)
			return 1
		}
	} else {
		renderAuditHuman(opts.Stdout, summary, opts.Repair)
	}
	if !summary.OK {
		return 10
	}
	return 0
}

func buildAuditSummary(report ledger.AuditReport, repair bool) AuditSummary {
	breaks := make([]AuditBreak, 0, len(report.Breaks))
	for _, b := range report.Breaks {
		breaks = append(breaks, AuditBreak{
			LocationID:  b.Chain.LocationID,
			ProductID:   b.Chain.ProductID,
			Day:         b.Day.Format(ledger.DayLayout),
			Opening:     b.Opening,
			PrevDay:     b.PrevDay.Format(ledger.DayLayout),
			PrevClosing: b.PrevClosing,
		})
	}
	ok := len(breaks) == 0
	if repair {
		ok = report.Failed == 0
	}
	return AuditSummary{OK: ok, Breaks: breaks, Repaired: report.Repaired, Failed: report.Failed}
}

func renderAuditHuman(out io.Writer, summary AuditSummary, repair bool) {
	if len(summary.Breaks) == 0 {
		_, _ = fmt.Fprintln(out, "All chains are consistent.")
		return
	}
	_, _ = fmt.Fprintf(out, "%d broken link(s):\n", len(summary.Breaks))
	for _, b := range summary.Breaks {
		_, _ = fmt.Fprintf(out, " - location %d product %d: opening %g on %s, closing %g on %s\n",
			b.LocationID, b.ProductID, b.Opening, b.Day, b.PrevClosing, b.PrevDay)
	}
	if repair {
		_, _ = fmt.Fprintf(out, "Repaired %d chain(s), %d failed.\n", summary.Repaired, summary.Failed)
	}
}

// ResumeOptions defines flags for the resume command.
type ResumeOptions struct {
	LocationID int64
	ProductID  int64
	FromDay    string
	ActorID    int64
	Output
}

// ResumeCommand re-propagates one chain from a day.
func (c *LedgerOpsCLI) ResumeCommand(ctx context.Context, opts ResumeOptions) int {
	opts.defaults()
	if opts.LocationID <= 0 || opts.ProductID <= 0 {
		_, _ = fmt.Fprintln(opts.Stderr, "resume: --location and --product are required and must be positive")
		return 1
	}
	day, err := c.ops.Calendar().Parse(strings.TrimSpace(opts.FromDay))
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "resume: invalid day %q (expected %s)\n", opts.FromDay, ledger.DayLayout)
		return 1
	}
	chain := ledger.ChainKey{LocationID: opts.LocationID, ProductID: opts.ProductID}
	rec, err := c.ops.ResumePropagation(ctx, chain, day, opts.ActorID)
	if err != nil {
		var failure *ledger.ConsistencyFailure
		if errors.As(err, &failure) {
			_, _ = fmt.Fprintf(opts.Stderr, "resume: interrupted again, rerun from %s: %v\n",
				failure.ResumeDay().Format(ledger.DayLayout), failure.Err)
			return 2
		}
		_, _ = fmt.Fprintf(opts.Stderr, "resume: %v\n", err)
		return 1
	}
	if opts.JSONOutput {
		_ = json.NewEncoder(opts.Stdout).Encode(map[string]any{
			"chain":   chain.String(),
			"day":     rec.Day.Format(ledger.DayLayout),
			"opening": rec.Opening,
			"closing": rec.Closing,
		})
		return 0
	}
	_, _ = fmt.Fprintf(opts.Stdout, "Chain %s propagated from %s (opening %g, closing %g).\n",
		chain, rec.Day.Format(ledger.DayLayout), rec.Opening, rec.Closing)
	return 0
}

// BackfillOptions defines flags for the backfill-cost command.
type BackfillOptions struct {
	LocationID int64
	Output
}

// BackfillCommand fills zero unit costs from the catalog.
func (c *LedgerOpsCLI) BackfillCommand(ctx context.Context, opts BackfillOptions) int {
	opts.defaults()
	var location *int64
	if opts.LocationID > 0 {
		location = &opts.LocationID
	}
	updated, err := c.ops.BackfillUnitCost(ctx, location)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "backfill-cost: %v\n", err)
		return 1
	}
	if opts.JSONOutput {
		_ = json.NewEncoder(opts.Stdout).Encode(map[string]int{"updated": updated})
		return 0
	}
	_, _ = fmt.Fprintf(opts.Stdout, "Updated unit cost on %d record(s).\n", updated)
	return 0
}
