package cli

import (
	"context"
	"errors"
	"fmt"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/jsonstate/internal/appstate"
)

var errCheckFailed = errors.New("check failed")

func checkCmd(a *app) *Command {
	return &Command{
		Flags: flag.NewFlagSet("check", flag.ContinueOnError),
		Usage: "check",
		Short: "Validate every file without writing",
		Long: `Open each state file on its own and report whether it parses, has a
supported version and passes validation. Exits 1 if any file has a
problem.`,
		Exec: func(ctx context.Context, o *IO, _ []string) error {
			reports, err := appstate.Inspect(ctx, a.cfg, a.options())
			if err != nil {
				return err
			}

			failed := 0

			for _, r := range reports {
				switch {
				case r.Err != nil:
					failed++

					o.Printf("%-16s FAIL  %v\n", r.Name, r.Err)
				case !r.Exists:
					o.Printf("%-16s ok    missing, defaults at v%d\n", r.Name, r.Version)
				case r.DiskVersion < r.Version:
					o.Printf("%-16s ok    v%d, upgrades to v%d\n", r.Name, r.DiskVersion, r.Version)
				default:
					o.Printf("%-16s ok    v%d\n", r.Name, r.DiskVersion)
				}
			}

			if failed > 0 {
				return fmt.Errorf("%w: %d of %d files", errCheckFailed, failed, len(reports))
			}

			return nil
		},
	}
}
