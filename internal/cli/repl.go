package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/peterh/liner"
	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/jsonstate/internal/appstate"
)

func replCmd(a *app) *Command {
	return &Command{
		Flags: flag.NewFlagSet("repl", flag.ContinueOnError),
		Usage: "repl",
		Short: "Edit files interactively",
		Long: `Open all state files and read commands from stdin. Updates go through
the debounced writer, so several quick edits produce one write. Pending
writes are flushed on exit.`,
		Exec: func(ctx context.Context, o *IO, _ []string) error {
			return a.withState(ctx, func(st *appstate.State) error {
				in := newPrompter(o.In(), a.env)
				defer in.Close()

				r := &repl{st: st, o: o}

				return r.run(ctx, in)
			})
		},
	}
}

// prompter reads one line per call. [io.EOF] ends the session.
type prompter interface {
	Prompt(prompt string) (string, error)
	AppendHistory(line string)
	Close() error
}

// newPrompter uses line editing when stdin is a terminal.
func newPrompter(in io.Reader, env map[string]string) prompter {
	if f, ok := in.(*os.File); ok && isTerminal(f) && liner.TerminalSupported() {
		return newLinePrompter(env)
	}

	return &scanPrompter{sc: bufio.NewScanner(in)}
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()

	return err == nil && info.Mode()&os.ModeCharDevice != 0
}

type linePrompter struct {
	*liner.State
	history string
}

func newLinePrompter(env map[string]string) *linePrompter {
	l := &linePrompter{State: liner.NewLiner()}
	l.SetCtrlCAborts(true)
	l.SetCompleter(complete)

	if home := env["HOME"]; home != "" {
		l.history = filepath.Join(home, ".jsonstate_history")

		if f, err := os.Open(l.history); err == nil {
			_, _ = l.ReadHistory(f)
			_ = f.Close()
		}
	}

	return l
}

func (l *linePrompter) Prompt(prompt string) (string, error) {
	line, err := l.State.Prompt(prompt)
	if errors.Is(err, liner.ErrPromptAborted) {
		return "", io.EOF
	}

	return line, err
}

func (l *linePrompter) Close() error {
	if l.history != "" {
		if f, err := os.Create(l.history); err == nil {
			_, _ = l.WriteHistory(f)
			_ = f.Close()
		}
	}

	return l.State.Close()
}

type scanPrompter struct {
	sc *bufio.Scanner
}

func (s *scanPrompter) Prompt(string) (string, error) {
	if !s.sc.Scan() {
		err := s.sc.Err()
		if err == nil {
			err = io.EOF
		}

		return "", err
	}

	return s.sc.Text(), nil
}

func (*scanPrompter) AppendHistory(string) {}
func (*scanPrompter) Close() error         { return nil }

var replCommands = []string{"show", "set", "health", "flush", "files", "help", "quit"}

func complete(line string) []string {
	var out []string

	for _, c := range replCommands {
		if strings.HasPrefix(c, line) {
			out = append(out, c)
		}
	}

	for _, name := range appstate.Names() {
		for _, c := range []string{"show ", "set "} {
			if strings.HasPrefix(c+name, line) && strings.HasPrefix(line, c) {
				out = append(out, c+name)
			}
		}
	}

	return out
}

type repl struct {
	st *appstate.State
	o  *IO
}

func (r *repl) run(ctx context.Context, in prompter) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		line, err := in.Prompt("jsonstate> ")
		if errors.Is(err, io.EOF) {
			return nil
		}

		if err != nil {
			return fmt.Errorf("reading input: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		in.AppendHistory(line)

		cmd, rest, _ := strings.Cut(line, " ")
		rest = strings.TrimSpace(rest)

		switch cmd {
		case "quit", "exit", "q":
			return nil
		case "help", "?":
			r.help()
		case "files":
			for _, f := range r.st.Files() {
				r.o.Printf("%-16s v%d  %s\n", f.Name(), f.Version(), f.Path())
			}
		case "show":
			r.show(rest)
		case "set":
			r.set(rest)
		case "flush":
			err := r.st.FlushAll(ctx)
			if err != nil {
				r.o.Println("error:", err)
			}
		case "health":
			r.health()
		default:
			r.o.Printf("unknown command: %s (type 'help' for commands)\n", cmd)
		}
	}
}

func (r *repl) help() {
	r.o.Println(`Commands:
  show <file>           print a file
  set <file> <json>     merge a JSON object into a file
  flush                 write pending updates now
  health                show pending, out-of-sync and failed files
  files                 list files
  quit                  flush and exit`)
}

func (r *repl) show(arg string) {
	f, err := r.st.File(fileName(arg))
	if err != nil {
		r.o.Println("error:", err)

		return
	}

	data, err := f.Marshal()
	if err != nil {
		r.o.Println("error:", err)

		return
	}

	r.o.Printf("%s", data)
}

func (r *repl) set(arg string) {
	name, patch, _ := strings.Cut(arg, " ")
	if strings.TrimSpace(patch) == "" {
		r.o.Println("error:", errPatchRequired)

		return
	}

	f, err := r.st.File(fileName(name))
	if err != nil {
		r.o.Println("error:", err)

		return
	}

	err = f.UpdateJSON([]byte(patch))
	if err != nil {
		r.o.Println("error:", err)

		return
	}

	r.o.Println("ok (pending)")
}

func (r *repl) health() {
	for _, h := range r.st.Health() {
		status := "ok"

		switch {
		case h.WriteErr != nil:
			status = "write failed: " + h.WriteErr.Error()
		case h.CheckErr != nil:
			status = "unreadable: " + h.CheckErr.Error()
		case h.Pending:
			status = "pending"
		case !h.InSync:
			status = "changed on disk"
		}

		r.o.Printf("%-16s v%d (disk v%d)  %s\n", h.Name, h.Version, h.DiskVersion, status)
	}
}
