// svm - runs stack VM programs, and serves them over Connect and gRPC
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/tliron/commonlog"

	"github.com/chazu/stackvm/manifest"
	"github.com/chazu/stackvm/pkg/bytecode"
	"github.com/chazu/stackvm/pkg/progfile"
	"github.com/chazu/stackvm/server"
	"github.com/chazu/stackvm/store"
	"github.com/chazu/stackvm/vm"

	_ "github.com/tliron/commonlog/simple"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// options holds the parsed command line.
type options struct {
	trace    bool
	disasm   bool
	dump     bool
	profile  bool
	demo     string
	config   string
	verbose  int
	maxSteps uint64
	output   string

	serve    bool
	lsp      bool
	addr     string
	grpcAddr string
	remote   string

	storePath string
	put       string
	list      bool

	set map[string]bool // flags given explicitly
}

func parseFlags(args []string, stderr io.Writer) (*options, []string, error) {
	o := &options{}
	fs := flag.NewFlagSet("svm", flag.ContinueOnError)
	fs.SetOutput(stderr)

	fs.BoolVar(&o.trace, "trace", false, "Trace every instruction to stdout")
	fs.BoolVar(&o.disasm, "disasm", false, "Print the program listing instead of running it")
	fs.BoolVar(&o.dump, "dump", false, "Print globals and the operand stack after the run")
	fs.BoolVar(&o.profile, "profile", false, "Print instruction and call counts to stderr after the run")
	fs.StringVar(&o.demo, "demo", "", "Run a built-in program: "+strings.Join(bytecode.DemoNames(), ", "))
	fs.StringVar(&o.config, "config", "", "Directory containing "+manifest.FileName+" (default: search upwards)")
	fs.IntVar(&o.verbose, "v", 0, "Log verbosity (1 = info, 2 = debug)")
	fs.Uint64Var(&o.maxSteps, "max-steps", 0, "Fault after this many instructions (0 = unlimited)")
	fs.StringVar(&o.output, "o", "", "Write the program to a file (.svbc, .cbor, .toml, .yaml)")

	fs.BoolVar(&o.serve, "serve", false, "Start the execution service (Connect + gRPC)")
	fs.BoolVar(&o.lsp, "lsp", false, "Start the listing language server on stdio")
	fs.StringVar(&o.addr, "addr", "", "Connect listen address (default from config, "+manifest.DefaultAddr+")")
	fs.StringVar(&o.grpcAddr, "grpc-addr", "", "gRPC listen address (default from config; off when empty)")
	fs.StringVar(&o.remote, "remote", "", "Run the program on a service at this URL instead of locally")

	fs.StringVar(&o.storePath, "store", "", "Program store database (default from config; in memory when empty)")
	fs.StringVar(&o.put, "put", "", "Store the program under this name")
	fs.BoolVar(&o.list, "list", false, "List the stored programs")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: svm [options] [program-file]\n\n")
		fmt.Fprintf(stderr, "Runs a program image (.svbc), CBOR image (.cbor) or listing (.toml, .yaml).\n\n")
		fmt.Fprintf(stderr, "Options:\n")
		fs.PrintDefaults()
		fmt.Fprintf(stderr, "\nExamples:\n")
		fmt.Fprintf(stderr, "  svm -demo loop -dump             # Run a built-in program, show globals\n")
		fmt.Fprintf(stderr, "  svm -trace prog.toml             # Run a listing with tracing\n")
		fmt.Fprintf(stderr, "  svm -profile prog.toml           # Count instructions and calls\n")
		fmt.Fprintf(stderr, "  svm -disasm prog.svbc            # Print the listing\n")
		fmt.Fprintf(stderr, "  svm -demo hello -o hello.svbc    # Write a binary image\n")
		fmt.Fprintf(stderr, "  svm -store progs.db -put p p.yaml   # Store a program\n")
		fmt.Fprintf(stderr, "\nExecution service:\n")
		fmt.Fprintf(stderr, "  svm -serve -addr :8080 -grpc-addr :8081\n")
		fmt.Fprintf(stderr, "  svm -remote http://localhost:8080 prog.toml\n")
	}

	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	o.set = make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { o.set[f.Name] = true })
	return o, fs.Args(), nil
}

func run(args []string, stdout, stderr io.Writer) int {
	o, rest, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if err := execute(o, rest, stdout, stderr); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func execute(o *options, args []string, stdout, stderr io.Writer) error {
	m, err := loadManifest(o.config)
	if err != nil {
		return err
	}
	o.applyManifest(m)
	commonlog.Configure(o.verbose, nil)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	switch {
	case o.lsp:
		return server.NewLSP().Run()
	case o.serve:
		return serve(ctx, o, m)
	case o.list:
		return listStore(o, stdout)
	}

	name, prog, err := loadProgram(o, args)
	if err != nil {
		return err
	}
	if err := prog.Validate(); err != nil {
		return err
	}

	if o.output != "" {
		if err := progfile.Save(o.output, prog); err != nil {
			return err
		}
		fmt.Fprintf(stderr, "Wrote %s\n", o.output)
	}
	if o.put != "" {
		if err := putStore(o, prog, stderr); err != nil {
			return err
		}
	}
	if o.disasm {
		printListing(stdout, prog.DisassembleWithName(name), isTerminal(stdout))
		return nil
	}
	if o.output != "" || o.put != "" {
		return nil
	}

	if o.remote != "" {
		return runRemote(ctx, o, prog, stdout)
	}
	return runLocal(ctx, o, m, prog, stdout, stderr)
}

func loadManifest(dir string) (*manifest.Manifest, error) {
	if dir != "" {
		return manifest.Load(dir)
	}
	m, err := manifest.FindAndLoad(".")
	if err != nil {
		return nil, err
	}
	if m == nil {
		return manifest.Default(), nil
	}
	return m, nil
}

// applyManifest fills options the command line left unset.
func (o *options) applyManifest(m *manifest.Manifest) {
	if !o.set["v"] {
		o.verbose = m.Log.Verbosity
	}
	if !o.set["trace"] {
		o.trace = m.VM.Trace
	}
	if !o.set["max-steps"] {
		o.maxSteps = m.VM.MaxSteps
	}
	if !o.set["addr"] {
		o.addr = m.Server.Addr
	}
	if !o.set["grpc-addr"] {
		o.grpcAddr = m.Server.GRPCAddr
	}
	if !o.set["store"] {
		o.storePath = m.StorePath()
	}
}

func loadProgram(o *options, args []string) (string, *bytecode.Program, error) {
	switch {
	case o.demo != "" && len(args) > 0:
		return "", nil, errors.New("give either -demo or a program file, not both")
	case o.demo != "":
		demo, ok := bytecode.Demos[o.demo]
		if !ok {
			return "", nil, fmt.Errorf("unknown demo %q (have %s)", o.demo, strings.Join(bytecode.DemoNames(), ", "))
		}
		return demo.Name, demo.Build(), nil
	case len(args) == 1:
		return progfile.LoadNamed(args[0])
	case len(args) == 0:
		return "", nil, errors.New("no program given (use -demo or a program file; -h for help)")
	default:
		return "", nil, fmt.Errorf("expected one program file, got %d", len(args))
	}
}

func runLocal(ctx context.Context, o *options, m *manifest.Manifest, prog *bytecode.Program, stdout, stderr io.Writer) error {
	limits := m.Limits()
	limits.MaxSteps = o.maxSteps

	opts := []vm.Option{
		vm.WithOutput(stdout),
		vm.WithTraceOutput(stdout),
		vm.WithTrace(o.trace),
		vm.WithLimits(limits),
	}
	var profiler *vm.Profiler
	if o.profile {
		profiler = vm.NewProfiler()
		opts = append(opts, vm.WithProfiler(profiler))
	}

	machine := vm.New(prog, opts...)
	err := machine.ExecuteContext(ctx)
	if o.dump {
		io.WriteString(stdout, machine.DumpDataMemory())
		fmt.Fprintf(stdout, "Stack: %v\n", machine.Stack())
	}
	if profiler != nil {
		profiler.Report(stderr, prog)
	}
	return err
}

func runRemote(ctx context.Context, o *options, prog *bytecode.Program, stdout io.Writer) error {
	c := server.NewClient(&http.Client{Timeout: time.Minute}, strings.TrimSuffix(o.remote, "/"))
	resp, err := c.Execute(ctx, &server.ExecuteRequest{
		ProgramRef: server.ProgramRef{Program: prog},
		Trace:      o.trace,
		MaxSteps:   o.maxSteps,
	})
	if err != nil {
		return err
	}
	io.WriteString(stdout, resp.Trace)
	io.WriteString(stdout, resp.Output)
	if o.dump {
		fmt.Fprintf(stdout, "Globals: %v\nStack: %v\n", resp.Globals, resp.Stack)
	}
	if resp.Fault != nil {
		return errors.New(resp.Fault.Message)
	}
	return nil
}

func openStore(path string) (store.Store, error) {
	if path == "" {
		return store.NewMemory(), nil
	}
	return store.OpenSQLite(path)
}

func serve(ctx context.Context, o *options, m *manifest.Manifest) error {
	st, err := openStore(o.storePath)
	if err != nil {
		return err
	}
	defer st.Close()

	limits := m.ServerLimits()
	if o.set["max-steps"] && o.maxSteps > 0 {
		limits.MaxSteps = o.maxSteps
	}
	srv := server.New(
		server.WithStore(st),
		server.WithLimits(limits),
		server.WithMaxOutput(m.Server.MaxOutput),
	)
	if err := srv.Preload(m.ProgramPaths()); err != nil {
		srv.Stop()
		return err
	}
	go func() {
		<-ctx.Done()
		srv.Stop()
	}()
	return srv.ListenAndServe(o.addr, o.grpcAddr)
}

func putStore(o *options, prog *bytecode.Program, stderr io.Writer) error {
	if o.storePath == "" {
		return errors.New("-put needs a store (-store or [store] path)")
	}
	st, err := openStore(o.storePath)
	if err != nil {
		return err
	}
	defer st.Close()
	h, err := st.Put(o.put, prog)
	if err != nil {
		return err
	}
	fmt.Fprintf(stderr, "Stored %s as %s\n", o.put, h)
	return nil
}

func listStore(o *options, stdout io.Writer) error {
	if o.storePath == "" {
		return errors.New("-list needs a store (-store or [store] path)")
	}
	st, err := openStore(o.storePath)
	if err != nil {
		return err
	}
	defer st.Close()
	entries, err := st.List()
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tHASH\tSIZE\tCREATED")
	for _, e := range entries {
		name := e.Name
		if name == "" {
			name = "-"
		}
		fmt.Fprintf(tw, "%s\t%.12s\t%d\t%s\n", name, e.Hash, e.Size, e.Created.Format(time.RFC3339))
	}
	return tw.Flush()
}

// isTerminal reports whether w is an interactive terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

const (
	ansiDim   = "\x1b[2m"
	ansiBold  = "\x1b[1m"
	ansiReset = "\x1b[0m"
)

// printListing writes a disassembly, dimming comments and highlighting
// function labels when color is set.
func printListing(w io.Writer, listing string, color bool) {
	if !color {
		io.WriteString(w, listing)
		return
	}
	for _, line := range strings.SplitAfter(listing, "\n") {
		body := strings.TrimSuffix(line, "\n")
		switch {
		case strings.HasPrefix(body, ";"):
			fmt.Fprintf(w, "%s%s%s%s", ansiDim, body, ansiReset, line[len(body):])
		case strings.HasSuffix(body, ":"):
			fmt.Fprintf(w, "%s%s%s%s", ansiBold, body, ansiReset, line[len(body):])
		default:
			io.WriteString(w, line)
		}
	}
}
