package cmds

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/go-delve/reclaim/pkg/config"
	"github.com/go-delve/reclaim/pkg/logflags"
	"github.com/go-delve/reclaim/pkg/proc"
	"github.com/go-delve/reclaim/pkg/proc/symbols"
	"github.com/go-delve/reclaim/pkg/reclaim"
	"github.com/go-delve/reclaim/pkg/version"
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// logDest is the file path or file descriptor where logs should go.
	logDest string
	// configFile overrides the default configuration file location.
	configFile string

	// symbolName is the function called in the target.
	symbolName string
	// symbolArg is the first argument passed to symbolName.
	symbolArg uint64
	// locator selects the symbol resolution backend.
	locator string
	// gdbPath is the gdb executable used by the gdb locator.
	gdbPath string
	// inspectOnly stops the target and prints its registers without calling anything.
	inspectOnly bool
	// verify makes resolve confirm the address with a second backend.
	verify bool
	// verboseVersion prints build details in the version command.
	verboseVersion bool

	// rootCommand is the root of the command tree.
	rootCommand *cobra.Command

	conf *config.Config

	osExit = os.Exit
)

const reclaimCommandLongDesc = `Reclaim makes a running process call malloc_trim(0), returning unused
heap memory to the operating system, and then lets it continue exactly
where it was.

The process is stopped with ptrace for the duration of the call. Its
registers and stack are restored before it is released.

If the process exits, or can not be traced, while reclaim works on it the
operation is considered successful: there is nothing left to reclaim.

Exit status is 0 on success and 1 on failure.`

// New returns an initialized command tree.
func New() *cobra.Command {
	rootCommand = &cobra.Command{
		Use:   "reclaim [flags] <pid>",
		Short: "Returns unused heap memory of a running process to the OS.",
		Long:  reclaimCommandLongDesc,
		Args:  cobra.ExactArgs(1),
		Run:   reclaimCmd,
	}

	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", `Comma separated list of components that should produce debug output (see 'reclaim help log')`)
	rootCommand.PersistentFlags().StringVarP(&logDest, "log-dest", "", "", "Writes logs to the specified file or file descriptor (see 'reclaim help log').")
	rootCommand.PersistentFlags().StringVar(&configFile, "config", "", "Configuration file to use instead of the default one.")
	rootCommand.PersistentFlags().StringVar(&symbolName, "symbol", config.DefaultSymbol, "Function to call in the target process.")
	rootCommand.PersistentFlags().StringVar(&locator, "locator", config.DefaultLocator, `Symbol resolution backend, "gdb" or "elf".`)
	rootCommand.PersistentFlags().StringVar(&gdbPath, "gdb", config.DefaultGDBPath, "Path of the gdb executable.")
	rootCommand.Flags().Uint64Var(&symbolArg, "arg", 0, "First integer argument passed to the function.")
	rootCommand.Flags().BoolVar(&inspectOnly, "inspect-only", false, "Stop the process and print its registers, without calling anything.")

	resolveCommand := &cobra.Command{
		Use:   "resolve [--verify] <pid>",
		Short: "Prints the address of the function inside the target process.",
		Long: `Prints the address the function has inside the target process, without
stopping it.

With --verify the address is also computed from the ELF symbol tables of
the objects mapped by the process, and the command fails if the two
backends disagree.`,
		Args: cobra.ExactArgs(1),
		Run:  resolveCmd,
	}
	resolveCommand.Flags().BoolVar(&verify, "verify", false, "Confirm the address with the ELF backend.")
	rootCommand.AddCommand(resolveCommand)

	rootCommand.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "Lists the processes that can be targeted.",
		Long: `Lists the processes reclaim could operate on, excluding reclaim itself,
kernel threads and any process whose command line contains the marker
configured in the configuration file. The marker only affects this list,
a pid given to reclaim directly is always operated on.`,
		Args: cobra.NoArgs,
		Run:  listCmd,
	})

	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "Reclaim\n%s\n", version.ReclaimVersion)
			if verboseVersion {
				fmt.Fprintf(cmd.OutOrStdout(), "Build Details: %s\n", version.BuildInfo())
			}
		},
	}
	versionCommand.Flags().BoolVarP(&verboseVersion, "verbose", "v", false, "print verbose version info")
	rootCommand.AddCommand(versionCommand)

	rootCommand.AddCommand(&cobra.Command{
		Use:   "log",
		Short: "Help about logging flags.",
		Long: `Logging can be enabled by specifying the --log flag and using the
--log-output flag to select which components should produce logs.

The argument of --log-output must be a comma separated list of component
names selected from this list:


	reclaim		Log the steps of the operation (default)
	trace		Log ptrace requests and wait results
	invoke		Log the remote call protocol
	symbols		Log symbol resolution, including gdb output
	discovery	Log the process table scan of 'reclaim list'

Additionally --log-dest can be used to specify where the logs should be
written.
If the argument is a number it will be interpreted as a file descriptor,
otherwise as a file path.

`,
	})

	rootCommand.DisableAutoGenTag = true

	return rootCommand
}

// setup enables logging and loads the configuration, applying command
// line overrides. Errors are configuration errors and are reported before
// any target is touched.
func setup(cmd *cobra.Command) error {
	if err := logflags.Setup(log, logOutput, logDest); err != nil {
		return err
	}
	var err error
	if configFile != "" {
		conf, err = config.LoadConfigFrom(configFile)
		if err != nil {
			return fmt.Errorf("could not load configuration: %w", err)
		}
	} else {
		conf, err = config.LoadConfig()
		if err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "Warning: %v, using defaults\n", err)
			conf = &config.Config{}
			conf.ApplyDefaults()
		}
	}

	applyFlags(conf, cmd.Flags())
	return conf.Validate()
}

// applyFlags overrides values of c with the flags set on the command line.
func applyFlags(c *config.Config, flags *pflag.FlagSet) {
	if flags.Changed("symbol") {
		c.Symbol = symbolName
	}
	if flags.Changed("arg") {
		c.SymbolArg = symbolArg
	}
	if flags.Changed("locator") {
		c.Locator = locator
	}
	if flags.Changed("gdb") {
		c.GDBPath = gdbPath
	}
}

func parsePid(s string) (int, error) {
	pid, err := strconv.Atoi(s)
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid pid: %s", s)
	}
	return pid, nil
}

func newLocator() (symbols.Locator, error) {
	return symbols.New(conf.Locator, conf.GDBPath, conf.GDBArgs)
}

func reclaimCmd(cmd *cobra.Command, args []string) {
	osExit(execute(cmd, args[0]))
}

func execute(cmd *cobra.Command, pidArg string) int {
	stdout, stderr := cmd.OutOrStdout(), cmd.ErrOrStderr()
	pid, err := parsePid(pidArg)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	if err := setup(cmd); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer logflags.Close()

	loc, err := newLocator()
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	h, err := proc.NewHandle(pid, conf.MaxLabelLen)
	if err != nil {
		out := reclaim.Classify(err)
		report(stdout, stderr, proc.Handle{Pid: pid}, nil, out)
		return out.ExitCode()
	}

	rep, out := reclaim.Run(h, loc, reclaim.Options{
		Symbol:      conf.Symbol,
		Arg:         conf.SymbolArg,
		InspectOnly: inspectOnly,
	})
	report(stdout, stderr, h, rep, out)
	return out.ExitCode()
}

func report(stdout, stderr io.Writer, h proc.Handle, rep *reclaim.Report, out reclaim.Outcome) {
	switch out.Kind {
	case reclaim.Success:
		if rep.Invoked {
			fmt.Fprintf(stdout, "%s: %s returned %#x\n", h, rep.Symbol.Name, rep.Return)
		} else {
			fmt.Fprintf(stdout, "%s: stopped at %#x\n%s\n", h, rep.Before.PC(), rep.Before)
		}
	case reclaim.TolerableRace:
		fmt.Fprintf(stdout, "%s: process went away, nothing to do (%v)\n", h, out.Err)
	case reclaim.Fatal:
		fmt.Fprintf(stderr, "%s: %v\n", h, out.Err)
	}
}

func resolveCmd(cmd *cobra.Command, args []string) {
	osExit(resolve(cmd, args[0]))
}

func resolve(cmd *cobra.Command, pidArg string) int {
	stdout, stderr := cmd.OutOrStdout(), cmd.ErrOrStderr()
	pid, err := parsePid(pidArg)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	if err := setup(cmd); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer logflags.Close()

	loc, err := newLocator()
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	h, err := proc.NewHandle(pid, conf.MaxLabelLen)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	var sym symbols.Symbol
	if verify {
		sym, err = symbols.Verify(h, conf.Symbol, loc, symbols.ELF{})
	} else {
		sym, err = loc.Locate(h, conf.Symbol)
	}
	if err != nil {
		fmt.Fprintf(stderr, "%s: %v\n", h, err)
		return 1
	}
	fmt.Fprintf(stdout, "%s\t%#x\n", sym.Name, sym.Addr)
	return 0
}

func listCmd(cmd *cobra.Command, args []string) {
	osExit(list(cmd))
}

func list(cmd *cobra.Command) int {
	if err := setup(cmd); err != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), err)
		return 1
	}
	defer logflags.Close()

	handles, err := proc.Candidates(conf.Marker, conf.MaxLabelLen)
	if err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "could not read the process table: %v\n", err)
		return 1
	}
	for _, h := range handles {
		fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\n", h.Pid, h.Label)
	}
	return 0
}
