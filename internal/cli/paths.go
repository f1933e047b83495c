package cli

import (
	"context"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/jsonstate/internal/appstate"
	"github.com/calvinalkan/jsonstate/internal/config"
)

func pathsCmd(a *app) *Command {
	return &Command{
		Flags: flag.NewFlagSet("paths", flag.ContinueOnError),
		Usage: "paths",
		Short: "List managed files",
		Exec: func(_ context.Context, o *IO, _ []string) error {
			for _, name := range appstate.Names() {
				o.Println(appstate.Path(a.cfg.DataDirAbs, name))
			}

			return nil
		},
	}
}

func configCmd(a *app) *Command {
	return &Command{
		Flags: flag.NewFlagSet("config", flag.ContinueOnError),
		Usage: "config",
		Short: "Show resolved configuration",
		Long:  "Display the effective configuration and which files it was loaded from.",
		Exec: func(_ context.Context, o *IO, _ []string) error {
			cfg := a.cfg

			o.Println("effective_cwd=" + cfg.EffectiveCwd)
			o.Println("data_dir=" + cfg.DataDirAbs)
			o.Println("debounce=" + time.Duration(cfg.Debounce).String())
			o.Println("write_mode=" + cfg.WriteMode)

			if cfg.LockEnabled() {
				o.Println("lock=true")
			} else {
				o.Println("lock=false")
			}

			o.Println("")
			o.Println("# sources")

			if cfg.Sources.Global == "" && cfg.Sources.Project == "" && !cfg.Sources.Env {
				o.Println("(defaults only)")

				return nil
			}

			if cfg.Sources.Global != "" {
				o.Println("global_config=" + cfg.Sources.Global)
			}

			if cfg.Sources.Project != "" {
				o.Println("project_config=" + cfg.Sources.Project)
			}

			if cfg.Sources.Env {
				o.Println("env=" + config.EnvDataDir)
			}

			return nil
		},
	}
}
