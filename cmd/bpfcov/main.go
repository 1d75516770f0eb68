package main

import (
	"context"
	"os"
	"os/exec"
	"strings"

	"cdr.dev/slog"
	"cdr.dev/slog/sloggers/sloghuman"
	"github.com/kballard/go-shellquote"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/xerrors"

	"github.com/bpfcov/bpfcov"
)

func main() {
	err := rootCmd().Execute()
	if err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bpfcov <command> <program>",
		Short: "Obtain coverage from your instrumented eBPF programs.",
		Long: "bpfcov runs an instrumented eBPF program, keeps its coverage maps\n" +
			"alive by pinning them in the BPF filesystem, and turns the pinned\n" +
			"maps into an LLVM profraw file.\n" +
			"\n" +
			"EXAMPLES:\n" +
			"  bpfcov run <program>\n" +
			"  bpfcov gen <program>\n",
		SilenceUsage: true,
	}

	cmd.PersistentFlags().String("bpffs", "/sys/fs/bpf", "BPF filesystem mount point the coverage maps get pinned under")
	cmd.PersistentFlags().CountP("verbose", "v", "Verbosity level, repeat (or set --verbose=N) for more detail (max 3)")
	_ = viper.BindPFlag("bpffs", cmd.PersistentFlags().Lookup("bpffs"))
	_ = viper.BindPFlag("verbose", cmd.PersistentFlags().Lookup("verbose"))
	viper.SetEnvPrefix("bpfcov")
	viper.AutomaticEnv()

	cmd.AddCommand(runCmd(), genCmd())

	return cmd
}

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <program> [args...]",
		Short: "Execute your bpfcov instrumented program.",
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			ctx := cmd.Context()
			log := loggerFromFlags(ctx)

			status, err := runTraced(ctx, log, args)
			if err != nil {
				log.Fatal(ctx, "run failed", slog.Error(err))
			}

			// The run's own exit status mirrors the traced program's.
			os.Exit(status)
		},
	}
	// Flags after the program belong to the program.
	cmd.Flags().SetInterspersed(false)

	return cmd
}

func runTraced(ctx context.Context, log slog.Logger, args []string) (int, error) {
	// The lookup is a pre-flight check only. The tracer execs args[0] as
	// given, so the child keeps its original argv[0].
	_, err := resolveProgram(args[0])
	if err != nil {
		return 0, err
	}

	store, err := openPinStore(ctx, log, args[0])
	if err != nil {
		return 0, err
	}
	err = store.Reconcile(ctx)
	if err != nil {
		return 0, xerrors.Errorf("reconcile stale pins: %w", err)
	}

	tracer, err := bpfcov.New(args[0], args[1:], &bpfcov.TracerOpts{
		OnMapFD: store.PinIfCoverageMap,
		Log:     log,
	})
	if err != nil {
		return 0, xerrors.Errorf("create tracer: %w", err)
	}

	log.Info(ctx, "executing traced program", slog.F("cmd", shellquote.Join(args...)))
	res, err := tracer.Trace(ctx)
	if err != nil {
		return 0, xerrors.Errorf("trace program: %w", err)
	}
	log.Debug(ctx, "traced program finished",
		slog.F("outcome", res.Outcome),
		slog.F("exit_status", res.ExitStatus),
	)

	return res.ExitStatus, nil
}

func genCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gen <program>",
		Short: "Generate the profraw file for your bpfcov instrumented program.",
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			ctx := cmd.Context()
			log := loggerFromFlags(ctx)

			err := generateProfile(ctx, log, args[0])
			if err != nil {
				log.Fatal(ctx, "gen failed", slog.Error(err))
			}
		},
	}
	cmd.Flags().StringP("output", "o", "", "Output profraw path (defaults to <program>.profraw)")
	_ = viper.BindPFlag("output", cmd.Flags().Lookup("output"))

	return cmd
}

func generateProfile(ctx context.Context, log slog.Logger, program string) error {
	_, err := os.Stat(program)
	if err != nil {
		return xerrors.Errorf("program %q does not actually exist: %w", program, err)
	}

	output := viper.GetString("output")
	if output == "" {
		output = program + ".profraw"
	}

	store, err := openPinStore(ctx, log, program)
	if err != nil {
		return err
	}
	err = store.RequireAll(ctx)
	if err != nil {
		return xerrors.Errorf("run the program first so its coverage maps get pinned: %w", err)
	}

	prof, err := bpfcov.CollectProfile(store.OpenPinned)
	if err != nil {
		return xerrors.Errorf("collect coverage data: %w", err)
	}

	log.Info(ctx, "generating profile", slog.F("output", output), slog.F("program", program))

	f, err := os.Create(output)
	if err != nil {
		return xerrors.Errorf("could not open the output file %q: %w", output, err)
	}
	_, err = prof.WriteTo(f)
	if err != nil {
		_ = f.Close()
		return xerrors.Errorf("write profile to %q: %w", output, err)
	}
	err = f.Close()
	if err != nil {
		return xerrors.Errorf("close output file %q: %w", output, err)
	}

	return nil
}

// loggerFromFlags builds the leveled stderr logger the whole invocation
// uses. Verbosity outside the supported range is a usage error.
func loggerFromFlags(ctx context.Context) slog.Logger {
	verbosity := viper.GetInt("verbose")

	var level slog.Level
	switch verbosity {
	case 0:
		level = slog.LevelError
	case 1:
		level = slog.LevelWarn
	case 2:
		level = slog.LevelInfo
	case 3:
		level = slog.LevelDebug
	default:
		log := slog.Make(sloghuman.Sink(os.Stderr))
		log.Fatal(ctx, "verbosity level out of range [0,3]", slog.F("verbose", verbosity))
	}

	return slog.Make(sloghuman.Sink(os.Stderr)).Leveled(level)
}

// openPinStore validates the BPF filesystem flag and builds the pin store
// for the target program.
func openPinStore(ctx context.Context, log slog.Logger, program string) (*bpfcov.PinStore, error) {
	bpffs := stripTrailingSlashes(viper.GetString("bpffs"))
	ok, err := bpfcov.IsBPFFS(bpffs)
	if err != nil {
		return nil, xerrors.Errorf("check for a BPF filesystem at %q: %w", bpffs, err)
	}
	if !ok {
		return nil, xerrors.Errorf("the BPF filesystem is not mounted at %q", bpffs)
	}

	reg := bpfcov.NewRegistry(bpffs, program)
	log.Info(ctx, "root directory for map pins", slog.F("path", reg.ProgramRoot()))

	return bpfcov.NewPinStore(reg, log), nil
}

// resolveProgram finds the target executable the way the shell would and
// refuses entries that could never exec.
func resolveProgram(name string) (string, error) {
	path, err := exec.LookPath(name)
	if err != nil {
		return "", xerrors.Errorf("program %q does not actually exist: %w", name, err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return "", xerrors.Errorf("stat program %q: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		return "", xerrors.Errorf("program %q is not a regular file", path)
	}
	if info.Mode().Perm()&0o111 == 0 {
		return "", xerrors.Errorf("program %q is not executable", path)
	}

	return path, nil
}

// stripTrailingSlashes trims trailing separators without ever emptying the
// path.
func stripTrailingSlashes(path string) string {
	for len(path) > 1 && strings.HasSuffix(path, "/") {
		path = path[:len(path)-1]
	}

	return path
}
