package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/jsonstate/internal/config"
	"github.com/calvinalkan/jsonstate/internal/metrics"
)

// ErrUnknownCommand is returned for commands that do not exist.
var ErrUnknownCommand = errors.New("unknown command")

type globalFlags struct {
	flags       *flag.FlagSet
	workDir     *string
	configPath  *string
	dataDir     *string
	logFile     *string
	logLevel    *string
	metricsFile *string
	help        *bool
}

func newGlobalFlags() globalFlags {
	fs := flag.NewFlagSet("jsonstate", flag.ContinueOnError)
	fs.SetInterspersed(false)
	fs.SetOutput(io.Discard)

	return globalFlags{
		flags:       fs,
		workDir:     fs.StringP("cwd", "C", "", "Run as if started in `dir`"),
		configPath:  fs.StringP("config", "c", "", "Use specified config `file`"),
		dataDir:     fs.String("data-dir", "", "Override the data `dir`ectory"),
		logFile:     fs.String("log-file", "", "Write JSON logs to `file` (rotated)"),
		logLevel:    fs.String("log-level", "warn", "Log `level`: debug, info, warn, error"),
		metricsFile: fs.String("metrics-file", "", "Write Prometheus metrics to `file` on exit"),
		help:        fs.BoolP("help", "h", false, "Show help"),
	}
}

// Run is the main entry point. Returns exit code.
//
// A signal on sigCh cancels the running command's context; commands flush
// pending writes before returning.
func Run(stdin io.Reader, out io.Writer, errOut io.Writer, args []string, env map[string]string, sigCh <-chan os.Signal) int {
	g := newGlobalFlags()

	if len(args) > 0 {
		args = args[1:]
	}

	err := g.flags.Parse(args)
	if err != nil {
		fprintln(errOut, "error:", err)
		printUsage(errOut, g, nil)

		return 1
	}

	rest := g.flags.Args()
	if *g.help || len(rest) == 0 {
		printUsage(out, g, commands(&app{}))

		return 0
	}

	cfg, err := config.Load(config.LoadInput{
		WorkDirOverride: *g.workDir,
		ConfigPath:      *g.configPath,
		DataDirOverride: *g.dataDir,
		Env:             env,
	})
	if err != nil {
		fprintln(errOut, "error:", err)

		return 1
	}

	logger, closeLog, err := newLogger(errOut, *g.logFile, *g.logLevel)
	if err != nil {
		fprintln(errOut, "error:", err)

		return 1
	}

	defer func() { _ = closeLog() }()

	a := &app{cfg: cfg, log: logger, metrics: metrics.New(), env: env}

	var cmd *Command

	for _, c := range commands(a) {
		if c.Name() == rest[0] {
			cmd = c

			break
		}
	}

	if cmd == nil {
		fprintln(errOut, "error:", ErrUnknownCommand.Error()+":", rest[0])
		printUsage(errOut, g, commands(a))

		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if sigCh != nil {
		go func() {
			select {
			case sig := <-sigCh:
				logger.Info("signal received, flushing", "signal", sig.String())
				cancel()
			case <-ctx.Done():
			}
		}()
	}

	o := NewIO(stdin, out, errOut)

	code := cmd.Run(ctx, o, rest[1:])

	if *g.metricsFile != "" {
		err := a.metrics.WriteToTextfile(*g.metricsFile)
		if err != nil {
			fprintln(errOut, "error:", err)

			code = 1
		}
	}

	if code != 0 {
		return code
	}

	return o.Finish()
}

func commands(a *app) []*Command {
	return []*Command{
		showCmd(a),
		setCmd(a),
		migrateCmd(a),
		checkCmd(a),
		pathsCmd(a),
		configCmd(a),
		tagCmd(a),
		notebookCmd(a),
		watchCmd(a),
		replCmd(a),
	}
}

func printUsage(w io.Writer, g globalFlags, cmds []*Command) {
	fprintln(w, `jsonstate - inspect and edit versioned JSON state files

Usage: jsonstate [options] <command> [args]

Options:`)

	var buf strings.Builder

	g.flags.SetOutput(&buf)
	g.flags.PrintDefaults()
	g.flags.SetOutput(io.Discard)
	fprintln(w, strings.TrimRight(buf.String(), "\n"))

	if len(cmds) == 0 {
		return
	}

	fprintln(w)
	fprintln(w, "Commands:")

	for _, c := range cmds {
		fprintln(w, c.HelpLine())
	}
}

func fprintln(w io.Writer, a ...any) {
	_, _ = fmt.Fprintln(w, a...)
}
