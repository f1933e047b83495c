package cli

import (
	"context"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/jsonstate/internal/appstate"
)

func migrateCmd(a *app) *Command {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	dryRun := fs.BoolP("dry-run", "n", false, "List files that would be rewritten")

	return &Command{
		Flags: fs,
		Usage: "migrate [--dry-run]",
		Short: "Rewrite old files at the current version",
		Long: `Upgrade every state file stored at an older version and write it back,
so the upgrade does not run again on the next start. Missing files and
files already at the current version are left alone.`,
		Exec: func(ctx context.Context, o *IO, _ []string) error {
			if *dryRun {
				return planMigrations(ctx, a, o)
			}

			return a.withState(ctx, func(st *appstate.State) error {
				done, err := st.Migrate(ctx)

				for _, m := range done {
					o.Printf("%s: v%d -> v%d\n", m.Name, m.From, m.To)
				}

				if err != nil {
					return err
				}

				if len(done) == 0 {
					o.Println("nothing to migrate")
				}

				return nil
			})
		},
	}
}

func planMigrations(ctx context.Context, a *app, o *IO) error {
	reports, err := appstate.Inspect(ctx, a.cfg, a.options())
	if err != nil {
		return err
	}

	n := 0

	for _, r := range reports {
		if r.Err != nil {
			o.Warn(r.Name, r.Err.Error())

			continue
		}

		if r.Exists && r.DiskVersion < r.Version {
			o.Printf("%s: v%d -> v%d (dry run)\n", r.Name, r.DiskVersion, r.Version)
			n++
		}
	}

	if n == 0 {
		o.Println("nothing to migrate")
	}

	return nil
}
