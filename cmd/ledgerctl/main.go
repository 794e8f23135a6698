// Command ledgerctl inspects the persisted ledger without touching the
// running service: balances, settlement audit, snapshot encoding and the
// payment dead-letter list.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-compute-ledger/internal/codec"
	"github.com/0gfoundation/0g-compute-ledger/internal/counters"
	"github.com/0gfoundation/0g-compute-ledger/internal/ledger"
	"github.com/0gfoundation/0g-compute-ledger/internal/payout"
	"github.com/0gfoundation/0g-compute-ledger/internal/snapshot"
)

const usage = `usage: ledgerctl [--redis addr] <command>

commands:
  balances   print every account in the last snapshot
  audit      re-check every settlement in the last snapshot
  diag       dump the snapshot in CBOR diagnostic notation
  meta       print snapshot metadata
  dlq        list dead-lettered payments
  counters   print service counters
`

var errNoSnapshot = errors.New("no snapshot saved yet")

func main() {
	fs := pflag.NewFlagSet("ledgerctl", pflag.ContinueOnError)
	addr := fs.String("redis", envOr("REDIS_ADDR", "localhost:6379"), "Redis address")
	password := fs.String("redis-password", os.Getenv("REDIS_PASSWORD"), "Redis password")
	fs.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	if err := fs.Parse(os.Args[1:]); err != nil || fs.NArg() != 1 {
		fs.Usage()
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rdb := redis.NewClient(&redis.Options{Addr: *addr, Password: *password})
	defer rdb.Close()

	if err := run(ctx, rdb, fs.Arg(0), os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "ledgerctl:", err)
		os.Exit(1)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func run(ctx context.Context, rdb *redis.Client, cmd string, out io.Writer) error {
	store := snapshot.NewStore(rdb, zap.NewNop())
	switch cmd {
	case "balances":
		st, err := load(ctx, store)
		if err != nil {
			return err
		}
		return printBalances(out, st)
	case "audit":
		st, err := load(ctx, store)
		if err != nil {
			return err
		}
		return audit(out, st)
	case "diag":
		raw, err := store.Raw(ctx)
		if errors.Is(err, redis.Nil) {
			return errNoSnapshot
		}
		if err != nil {
			return err
		}
		diag, err := codec.Diagnose(raw)
		if err != nil {
			return fmt.Errorf("diagnose: %w", err)
		}
		fmt.Fprintln(out, diag)
		return nil
	case "meta":
		m, err := store.LoadMeta(ctx)
		if errors.Is(err, redis.Nil) {
			return errNoSnapshot
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "schema:   %d\n", m.SchemaVersion)
		fmt.Fprintf(out, "saved_at: %s\n", m.SavedAt.Format(time.RFC3339))
		fmt.Fprintf(out, "bytes:    %d\n", m.Bytes)
		return nil
	case "dlq":
		letters, err := payout.DeadLetters(ctx, rdb)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "TX\tIDENTITY\tAMOUNT\tSTATUS\tAT\tERROR")
		for _, d := range letters {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n",
				d.TxID, d.Identity, d.Amount, d.Status, d.At.Format(time.RFC3339), d.Error)
		}
		return tw.Flush()
	case "counters":
		all, err := counters.New(rdb, zap.NewNop()).All(ctx)
		if err != nil {
			return err
		}
		names := make([]string, 0, len(all))
		for k := range all {
			names = append(names, k)
		}
		sort.Strings(names)
		for _, k := range names {
			fmt.Fprintf(out, "%-32s %d\n", k, all[k])
		}
		return nil
	}
	return fmt.Errorf("unknown command %q", cmd)
}

func load(ctx context.Context, store *snapshot.Store) (ledger.State, error) {
	st, found, err := store.Load(ctx)
	if err != nil {
		return ledger.State{}, err
	}
	if !found {
		return ledger.State{}, errNoSnapshot
	}
	return st, nil
}

func printBalances(out io.Writer, st ledger.State) error {
	ids := make([]string, 0, len(st.Balances))
	for id := range st.Balances {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "IDENTITY\tAVAILABLE\tESCROWED\tHELD\tEARNINGS")
	var avail, escrowed, held uint64
	for _, id := range ids {
		b := st.Balances[id]
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\n", id, b.Available, b.Escrowed, b.Held, b.TotalEarnings)
		avail += b.Available
		escrowed += b.Escrowed
		held += b.Held
	}
	fmt.Fprintf(tw, "TOTAL\t%d\t%d\t%d\t\n", avail, escrowed, held)
	if st.Halted {
		fmt.Fprintf(tw, "\nHALTED: %s\n", st.HaltReason)
	}
	return tw.Flush()
}

// audit restores st into a scratch ledger (applying any schema migrations)
// and re-checks every settlement against its receipt.
func audit(out io.Writer, st ledger.State) error {
	l := ledger.New(ledger.Options{}, zap.NewNop())
	if err := l.Restore(st); err != nil {
		return err
	}
	bad := l.AuditAll()
	fmt.Fprintf(out, "receipts: %d  settlements: %d  inconsistent: %d\n",
		len(st.Receipts), len(st.Settlements), len(bad))
	for _, id := range bad {
		fmt.Fprintf(out, "  %s\n", id)
	}
	if len(bad) > 0 {
		return fmt.Errorf("%d inconsistent settlements", len(bad))
	}
	return nil
}
