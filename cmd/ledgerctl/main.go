// Command ledgerctl operates on a ledger store directly, without ledgerd.
//
//	ledgerctl [-config file] [-as identity] [-v] <command> [flags]
//
// Commands: create, add-stage, transfer, finalize, show, history, list.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"coffeeledger/internal/app"
	"coffeeledger/internal/config"
	"coffeeledger/internal/core"
	"coffeeledger/pkg/domain"
)

// callerEnv supplies the caller identity when -as is not given.
const callerEnv = "COFFEELEDGER_CALLER"

var errUsage = errors.New("usage")

type env struct {
	svc    *core.Service
	caller domain.Identity
	out    io.Writer
	errOut io.Writer
}

type command struct {
	summary string
	mutates bool
	run     func(ctx context.Context, e *env, args []string) error
}

var commands = map[string]command{
	"create":    {"create a batch", true, cmdCreate},
	"add-stage": {"append a stage as the current holder", true, cmdAddStage},
	"transfer":  {"hand custody to a new holder", true, cmdTransfer},
	"finalize":  {"finalize a batch as its creator", true, cmdFinalize},
	"show":      {"print a batch as JSON", false, cmdShow},
	"history":   {"print a batch timeline", false, cmdHistory},
	"list":      {"list batches created or held by an identity", false, cmdList},
}

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("ledgerctl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "path to YAML configuration file")
	as := fs.String("as", os.Getenv(callerEnv), "caller identity (default $"+callerEnv+")")
	verbose := fs.Bool("v", false, "log service activity to stderr")
	fs.Usage = func() { usage(fs, stderr) }
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() == 0 {
		usage(fs, stderr)
		return 2
	}
	name := fs.Arg(0)
	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintf(stderr, "ledgerctl: unknown command %q\n", name)
		usage(fs, stderr)
		return 2
	}
	caller := domain.Identity(strings.TrimSpace(*as))
	if cmd.mutates && caller.IsZero() {
		fmt.Fprintf(stderr, "ledgerctl: %s requires -as or $%s\n", name, callerEnv)
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "ledgerctl: %v\n", err)
		return 1
	}
	cfg.Metrics.Backend = config.MetricsNone
	if !*verbose {
		cfg.Log.Level = "error"
	}
	a, err := app.Build(ctx, cfg, cfg.Log.NewLogger(stderr))
	if err != nil {
		fmt.Fprintf(stderr, "ledgerctl: %v\n", err)
		return 1
	}
	defer func() { _ = a.Close(context.Background()) }()

	err = cmd.run(ctx, &env{svc: a.Service, caller: caller, out: stdout, errOut: stderr}, fs.Args()[1:])
	switch {
	case err == nil:
		return 0
	case errors.Is(err, errUsage), errors.Is(err, flag.ErrHelp):
		return 2
	default:
		fmt.Fprintf(stderr, "ledgerctl %s: %v\n", name, err)
		return 1
	}
}

func usage(fs *flag.FlagSet, w io.Writer) {
	fmt.Fprintln(w, "usage: ledgerctl [flags] <command> [command flags]")
	fs.PrintDefaults()
	fmt.Fprintln(w, "commands:")
	names := make([]string, 0, len(commands))
	for n := range commands {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		fmt.Fprintf(w, "  %-10s %s\n", n, commands[n].summary)
	}
}

func newFlags(name string, e *env) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(e.errOut)
	return fs
}

func parse(fs *flag.FlagSet, args []string, required ...string) error {
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	for _, name := range required {
		if f := fs.Lookup(name); f == nil || strings.TrimSpace(f.Value.String()) == "" {
			fmt.Fprintf(fs.Output(), "%s: -%s is required\n", fs.Name(), name)
			return errUsage
		}
	}
	return nil
}

// resolveBatch accepts a batch address or a batch id.
func resolveBatch(svc *core.Service, ref string) string {
	if _, ok := svc.GetBatch(ref); ok {
		return ref
	}
	return domain.BatchAddress(ref)
}

func cmdCreate(ctx context.Context, e *env, args []string) error {
	fs := newFlags("create", e)
	id := fs.String("id", "", "batch id (1-32 bytes)")
	producer := fs.String("producer", "", "producer name")
	holder := fs.String("holder", "", "initial holder (defaults to the caller)")
	hash := fs.String("hash", "", "batch data fingerprint")
	if err := parse(fs, args, "id", "hash"); err != nil {
		return err
	}
	initial := domain.Identity(*holder)
	if initial.IsZero() {
		initial = e.caller
	}
	batch, res, err := e.svc.CreateBatch(ctx, domain.NewBatch{ID: *id, ProducerName: *producer, BatchDataHash: *hash, InitialHolder: initial}, e.caller)
	if err != nil {
		return err
	}
	printWarnings(e.errOut, res)
	return printJSON(e.out, batch)
}

func cmdAddStage(ctx context.Context, e *env, args []string) error {
	fs := newFlags("add-stage", e)
	ref := fs.String("batch", "", "batch address or id")
	name := fs.String("name", "", "stage name")
	hash := fs.String("hash", "", "stage data fingerprint")
	if err := parse(fs, args, "batch", "name", "hash"); err != nil {
		return err
	}
	stage, res, err := e.svc.AddStage(ctx, resolveBatch(e.svc, *ref), *name, *hash, e.caller)
	if err != nil {
		return err
	}
	printWarnings(e.errOut, res)
	return printJSON(e.out, stage)
}

func cmdTransfer(ctx context.Context, e *env, args []string) error {
	fs := newFlags("transfer", e)
	ref := fs.String("batch", "", "batch address or id")
	to := fs.String("to", "", "new holder")
	if err := parse(fs, args, "batch", "to"); err != nil {
		return err
	}
	batch, res, err := e.svc.TransferCustody(ctx, resolveBatch(e.svc, *ref), domain.Identity(*to), e.caller)
	if err != nil {
		return err
	}
	printWarnings(e.errOut, res)
	return printJSON(e.out, batch)
}

func cmdFinalize(ctx context.Context, e *env, args []string) error {
	fs := newFlags("finalize", e)
	ref := fs.String("batch", "", "batch address or id")
	if err := parse(fs, args, "batch"); err != nil {
		return err
	}
	batch, res, err := e.svc.FinalizeBatch(ctx, resolveBatch(e.svc, *ref), e.caller)
	if err != nil {
		return err
	}
	printWarnings(e.errOut, res)
	return printJSON(e.out, batch)
}

func cmdShow(ctx context.Context, e *env, args []string) error {
	fs := newFlags("show", e)
	ref := fs.String("batch", "", "batch address or id")
	if err := parse(fs, args, "batch"); err != nil {
		return err
	}
	batch, stages, err := e.svc.BatchHistory(ctx, resolveBatch(e.svc, *ref))
	if err != nil {
		return err
	}
	if stages == nil {
		stages = []domain.Stage{}
	}
	return printJSON(e.out, struct {
		Batch  domain.Batch   `json:"batch"`
		Stages []domain.Stage `json:"stages"`
	}{batch, stages})
}

func cmdHistory(ctx context.Context, e *env, args []string) error {
	fs := newFlags("history", e)
	ref := fs.String("batch", "", "batch address or id")
	if err := parse(fs, args, "batch"); err != nil {
		return err
	}
	batch, stages, err := e.svc.BatchHistory(ctx, resolveBatch(e.svc, *ref))
	if err != nil {
		return err
	}
	renderTimeline(e.out, batch, stages)
	return nil
}

func cmdList(_ context.Context, e *env, args []string) error {
	fs := newFlags("list", e)
	user := fs.String("user", string(e.caller), "identity to list batches for (defaults to the caller)")
	if err := parse(fs, args, "user"); err != nil {
		return err
	}
	for _, b := range e.svc.ListBatchesFor(domain.Identity(*user)) {
		renderSummary(e.out, b)
	}
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
