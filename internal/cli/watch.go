package cli

import (
	"context"
	"errors"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/jsonstate/internal/appstate"
	"github.com/calvinalkan/jsonstate/internal/watch"
)

func watchCmd(a *app) *Command {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	timeout := fs.Duration("timeout", 0, "Stop after `duration` (0 runs until interrupted)")
	debounce := fs.Duration("debounce", watch.DefaultDebounce, "Quiet `duration` before touched files are checked")

	return &Command{
		Flags: fs,
		Usage: "watch [--timeout]",
		Short: "Report edits made by other programs",
		Long: `Watch the data directory and print a line whenever a state file is
changed or removed by something other than this engine.`,
		Exec: func(ctx context.Context, o *IO, _ []string) error {
			if *timeout > 0 {
				var cancel context.CancelFunc

				ctx, cancel = context.WithTimeout(ctx, *timeout)
				defer cancel()
			}

			return a.withState(ctx, func(st *appstate.State) error {
				files := make([]watch.File, 0, len(st.Files()))
				for _, f := range st.Files() {
					files = append(files, f)
				}

				w, err := watch.New(st.Dir(), files, func(c watch.Change) {
					switch {
					case c.Err != nil:
						o.Warn(c.Name, c.Err.Error())
					case c.Removed:
						o.Printf("%s %s removed\n", c.Time.Format(time.RFC3339), c.Name)
					default:
						o.Printf("%s %s changed\n", c.Time.Format(time.RFC3339), c.Name)
					}
				}, watch.Options{Debounce: *debounce, Logger: a.log})
				if err != nil {
					return err
				}

				defer func() { _ = w.Close() }()

				err = w.Run(ctx)
				if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
					return nil
				}

				return err
			})
		},
	}
}
