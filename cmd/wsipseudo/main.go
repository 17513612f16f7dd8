// Command wsipseudo pseudonymises whole-slide images from the command line,
// either against a local mapping database or through the API server.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	flag "github.com/spf13/pflag"
	"github.com/tidwall/jsonc"
	"go.uber.org/zap"

	"github.com/yiimnta/Pseudonymization-for-Whole-Slide-Image/internal/app"
	"github.com/yiimnta/Pseudonymization-for-Whole-Slide-Image/internal/client"
	"github.com/yiimnta/Pseudonymization-for-Whole-Slide-Image/internal/config"
	"github.com/yiimnta/Pseudonymization-for-Whole-Slide-Image/internal/logger"
	"github.com/yiimnta/Pseudonymization-for-Whole-Slide-Image/internal/models"
)

// Exit codes.
const (
	exitOK    = 0
	exitError = 1
	exitUsage = 2
)

// errUsage marks a malformed command line.
var errUsage = errors.New("usage")

type cli struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
	getenv func(string) string
}

type command struct {
	usage string
	run   func(c *cli, ctx context.Context, args []string) error
}

var commands = map[string]command{
	"pseudonymise":          {"[record flags] <path>", (*cli).pseudonymise},
	"depseudonymise":        {"<surrogate-id | pseudonym-id>", (*cli).dePseudonymise},
	"restore":               {"--pseudonym <id> <src> [dst]", (*cli).restore},
	"mapping":               {"<pseudonym-id>", (*cli).mapping},
	"inspect":               {"<path>", (*cli).inspect},
	"whoami":                {"", (*cli).whoAmI},
	"remote-pseudonymise":   {"[record flags] <path on the server>", (*cli).remotePseudonymise},
	"remote-depseudonymise": {"<surrogate-id | pseudonym-id>", (*cli).remoteDePseudonymise},
	"remote-restore":        {"--pseudonym <id> <path on the server>", (*cli).remoteRestore},
	"remote-mapping":        {"<pseudonym-id>", (*cli).remoteMapping},
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr, os.Getenv)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer, getenv func(string) string) int {
	if len(args) == 0 || args[0] == "help" || args[0] == "-h" || args[0] == "--help" {
		usage(stderr)
		return exitUsage
	}
	cmd, ok := commands[args[0]]
	if !ok {
		fmt.Fprintf(stderr, "unknown command %q\n\n", args[0])
		usage(stderr)
		return exitUsage
	}
	c := &cli{stdin: stdin, stdout: stdout, stderr: stderr, getenv: getenv}
	if err := cmd.run(c, ctx, args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitUsage
		}
		fmt.Fprintf(stderr, "%s: %v\n", args[0], err)
		if errors.Is(err, errUsage) {
			fmt.Fprintf(stderr, "usage: wsipseudo %s %s\n", args[0], cmd.usage)
			return exitUsage
		}
		return exitError
	}
	return exitOK
}

func usage(w io.Writer) {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	fmt.Fprintln(w, "usage: wsipseudo <command> [flags] [args]")
	fmt.Fprintln(w)
	for _, name := range names {
		fmt.Fprintf(w, "  %-22s %s\n", name, commands[name].usage)
	}
}

// load parses the shared configuration flags together with fs.
func (c *cli) load(fs *flag.FlagSet, args []string) (*config.Options, error) {
	fs.SetOutput(c.stderr)
	return config.Load(fs, args, c.getenv)
}

func (c *cli) logger(opts *config.Options) (*zap.Logger, error) {
	l := logger.New()
	if err := l.InitConsole(opts.LogLevel, c.stderr); err != nil {
		return nil, err
	}
	return l.Log, nil
}

// open wires the local database and vault.
func (c *cli) open(ctx context.Context, opts *config.Options) (*app.App, *zap.Logger, error) {
	log, err := c.logger(opts)
	if err != nil {
		return nil, nil, err
	}
	a, err := app.New(ctx, opts, log)
	if err != nil {
		return nil, nil, err
	}
	return a, log, nil
}

// remote builds an API client from the configured operator certificate.
func (c *cli) remote(opts *config.Options) (*client.Client, error) {
	httpClient, err := client.LoadClientCertificate(opts.Remote.CertFile, opts.Remote.KeyFile, opts.Remote.CAFile)
	if err != nil {
		return nil, err
	}
	httpClient.Timeout = client.DefaultTimeout
	return client.New(opts.Remote.URL, httpClient), nil
}

func (c *cli) print(v any) error {
	enc := json.NewEncoder(c.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// recordFlags collects an identity record from flags, a JSON file or prompts.
type recordFlags struct {
	record      models.SlideIdentity
	file        string
	interactive bool
}

func (r *recordFlags) bind(fs *flag.FlagSet) {
	fs.StringVar(&r.record.ID, "id", "", "slide id")
	fs.StringVar(&r.record.Name, "name", "", "slide name")
	fs.StringVar(&r.record.AcquiredAt, "acquired-at", "", `acquisition time, e.g. "10:43AM 21.02.2022"`)
	fs.StringVar(&r.record.Stain, "stain", "", "stain")
	fs.StringVar(&r.record.Tissue, "tissue", "", "tissue type")
	fs.StringVar(&r.file, "record", "", "JSON file holding the record")
	fs.BoolVar(&r.interactive, "interactive", false, "prompt for the record, pre-filled from the slide")
}

// resolve builds the record for the container at path. Explicit flags win
// over the record file; prompts start from both plus what prefill finds.
func (r *recordFlags) resolve(fs *flag.FlagSet, c *cli, path string, prefill func(path string) models.SlideIdentity) (models.SlideIdentity, error) {
	var rec models.SlideIdentity
	if r.file != "" {
		data, err := os.ReadFile(r.file)
		if err != nil {
			return rec, err
		}
		if err := json.Unmarshal(jsonc.ToJSON(data), &rec); err != nil {
			return rec, fmt.Errorf("record file %s: %w", r.file, err)
		}
	}
	for _, f := range []struct {
		flag     string
		dst, src *string
	}{
		{"id", &rec.ID, &r.record.ID},
		{"name", &rec.Name, &r.record.Name},
		{"acquired-at", &rec.AcquiredAt, &r.record.AcquiredAt},
		{"stain", &rec.Stain, &r.record.Stain},
		{"tissue", &rec.Tissue, &r.record.Tissue},
	} {
		if fs.Changed(f.flag) {
			*f.dst = *f.src
		}
	}
	if path != "" {
		rec.Path = path
	}
	if r.interactive {
		if prefill != nil && rec.Path != "" {
			rec = merge(rec, prefill(rec.Path))
		}
		var err error
		if rec, err = client.PromptIdentity(c.stdin, c.stderr, rec); err != nil {
			return rec, err
		}
	}
	if rec.ID == "" {
		return rec, fmt.Errorf("%w: a slide id is required", errUsage)
	}
	if rec.Path == "" {
		return rec, fmt.Errorf("%w: a container path is required", errUsage)
	}
	return rec, nil
}

// merge fills the empty fields of rec from def.
func merge(rec, def models.SlideIdentity) models.SlideIdentity {
	for _, f := range []struct{ dst, src *string }{
		{&rec.ID, &def.ID}, {&rec.Name, &def.Name}, {&rec.AcquiredAt, &def.AcquiredAt},
		{&rec.Stain, &def.Stain}, {&rec.Tissue, &def.Tissue}, {&rec.Path, &def.Path},
	} {
		if *f.dst == "" {
			*f.dst = *f.src
		}
	}
	return rec
}

func positional(fs *flag.FlagSet, lo, hi int) ([]string, error) {
	args := fs.Args()
	if len(args) < lo || len(args) > hi {
		return nil, fmt.Errorf("%w: expected %d to %d arguments, got %d", errUsage, lo, hi, len(args))
	}
	return args, nil
}

func (c *cli) pseudonymise(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("pseudonymise", flag.ContinueOnError)
	var rf recordFlags
	rf.bind(fs)
	operator := fs.String("operator", "", "operator recorded in the job journal (default $USER)")
	opts, err := c.load(fs, args)
	if err != nil {
		return err
	}
	pos, err := positional(fs, 0, 1)
	if err != nil {
		return err
	}
	var path string
	if len(pos) == 1 {
		path = pos[0]
	}
	rec, err := rf.resolve(fs, c, path, func(path string) models.SlideIdentity {
		report, err := inspectFile(path, opts.InputDir)
		if err != nil {
			return models.SlideIdentity{}
		}
		return report.suggest()
	})
	if err != nil {
		return err
	}

	a, log, err := c.open(ctx, opts)
	if err != nil {
		return err
	}
	defer a.Close()
	defer func() { _ = log.Sync() }()

	op := *operator
	if op == "" {
		op = c.getenv("USER")
	}
	if op == "" {
		op = "local"
	}
	out, err := a.Orchestrator.Pseudonymise(ctx, op, rec)
	if err != nil {
		return err
	}
	return c.print(out)
}

func (c *cli) dePseudonymise(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("depseudonymise", flag.ContinueOnError)
	opts, err := c.load(fs, args)
	if err != nil {
		return err
	}
	pos, err := positional(fs, 1, 1)
	if err != nil {
		return err
	}
	a, _, err := c.open(ctx, opts)
	if err != nil {
		return err
	}
	defer a.Close()

	original, err := a.Orchestrator.DePseudonymise(ctx, models.SlideIdentity{ID: pos[0]})
	if err != nil {
		return err
	}
	return c.print(original)
}

func (c *cli) restore(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("restore", flag.ContinueOnError)
	pseudonym := fs.String("pseudonym", "", "pseudonym id of the slide")
	opts, err := c.load(fs, args)
	if err != nil {
		return err
	}
	pos, err := positional(fs, 1, 2)
	if err != nil {
		return err
	}
	if *pseudonym == "" {
		return fmt.Errorf("%w: --pseudonym is required", errUsage)
	}
	var dst string
	if len(pos) == 2 {
		dst = pos[1]
	}
	a, _, err := c.open(ctx, opts)
	if err != nil {
		return err
	}
	defer a.Close()
	if a.Vault == nil {
		return errors.New("no vault recipients configured")
	}

	out, err := a.Orchestrator.Restore(ctx, *pseudonym, pos[0], dst)
	if err != nil {
		return err
	}
	return c.print(out)
}

// mappingReport is a mapping with its rewrite journal.
type mappingReport struct {
	*models.PseudonymMapping
	Jobs []models.RewriteJob `json:"jobs"`
}

func (c *cli) mapping(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("mapping", flag.ContinueOnError)
	opts, err := c.load(fs, args)
	if err != nil {
		return err
	}
	pos, err := positional(fs, 1, 1)
	if err != nil {
		return err
	}
	a, _, err := c.open(ctx, opts)
	if err != nil {
		return err
	}
	defer a.Close()

	m, err := a.Mappings.ResolveByPseudonym(ctx, pos[0])
	if err != nil {
		return err
	}
	jobs, err := a.Jobs.ListByPseudonym(ctx, m.PseudonymID)
	if err != nil {
		return err
	}
	return c.print(mappingReport{PseudonymMapping: m, Jobs: jobs})
}

func (c *cli) inspect(_ context.Context, args []string) error {
	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
	opts, err := c.load(fs, args)
	if err != nil {
		return err
	}
	pos, err := positional(fs, 1, 1)
	if err != nil {
		return err
	}
	report, err := inspectFile(pos[0], opts.InputDir)
	if err != nil {
		return err
	}
	return c.print(report)
}

func (c *cli) whoAmI(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("whoami", flag.ContinueOnError)
	opts, err := c.load(fs, args)
	if err != nil {
		return err
	}
	api, err := c.remote(opts)
	if err != nil {
		return err
	}
	operator, err := api.WhoAmI(ctx)
	if err != nil {
		return err
	}
	return c.print(map[string]string{"operator": operator, "server": opts.Remote.URL})
}

func (c *cli) remotePseudonymise(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("remote-pseudonymise", flag.ContinueOnError)
	var rf recordFlags
	rf.bind(fs)
	opts, err := c.load(fs, args)
	if err != nil {
		return err
	}
	pos, err := positional(fs, 0, 1)
	if err != nil {
		return err
	}
	var path string
	if len(pos) == 1 {
		path = pos[0]
	}
	// The container lives on the server, so prompts start empty.
	rec, err := rf.resolve(fs, c, path, nil)
	if err != nil {
		return err
	}
	api, err := c.remote(opts)
	if err != nil {
		return err
	}
	out, err := api.Pseudonymise(ctx, rec)
	if err != nil {
		return err
	}
	return c.print(out)
}

func (c *cli) remoteDePseudonymise(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("remote-depseudonymise", flag.ContinueOnError)
	opts, err := c.load(fs, args)
	if err != nil {
		return err
	}
	pos, err := positional(fs, 1, 1)
	if err != nil {
		return err
	}
	api, err := c.remote(opts)
	if err != nil {
		return err
	}
	original, err := api.DePseudonymise(ctx, models.SlideIdentity{ID: pos[0]})
	if err != nil {
		return err
	}
	return c.print(original)
}

func (c *cli) remoteRestore(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("remote-restore", flag.ContinueOnError)
	pseudonym := fs.String("pseudonym", "", "pseudonym id of the slide")
	opts, err := c.load(fs, args)
	if err != nil {
		return err
	}
	pos, err := positional(fs, 1, 1)
	if err != nil {
		return err
	}
	if strings.TrimSpace(*pseudonym) == "" {
		return fmt.Errorf("%w: --pseudonym is required", errUsage)
	}
	api, err := c.remote(opts)
	if err != nil {
		return err
	}
	out, err := api.Restore(ctx, *pseudonym, pos[0])
	if err != nil {
		return err
	}
	return c.print(out)
}

func (c *cli) remoteMapping(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("remote-mapping", flag.ContinueOnError)
	opts, err := c.load(fs, args)
	if err != nil {
		return err
	}
	pos, err := positional(fs, 1, 1)
	if err != nil {
		return err
	}
	api, err := c.remote(opts)
	if err != nil {
		return err
	}
	m, err := api.Mapping(ctx, pos[0])
	if err != nil {
		return err
	}
	return c.print(m)
}
