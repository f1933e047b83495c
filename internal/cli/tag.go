package cli

import (
	"context"
	"errors"
	"fmt"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/jsonstate/internal/appstate"
)

var (
	errSubcommand   = errors.New("subcommand must be one of: add, rm, ls")
	errNameRequired = errors.New("name is required")
	errIDRequired   = errors.New("id is required")
)

func tagCmd(a *app) *Command {
	fs := flag.NewFlagSet("tag", flag.ContinueOnError)
	color := fs.String("color", "", "Hex `color` for a new tag, e.g. #ff8800")

	return &Command{
		Flags: fs,
		Usage: "tag <add|rm|ls> [args]",
		Short: "Manage tags",
		Long: `Manage tags.json.

  tag add <name> [--color #rrggbb]   create a tag and print its id
  tag rm <id>                        delete a tag
  tag ls                             list tags`,
		Exec: func(ctx context.Context, o *IO, args []string) error {
			if len(args) == 0 {
				return errSubcommand
			}

			return a.withState(ctx, func(st *appstate.State) error {
				switch args[0] {
				case "add":
					if len(args) < 2 {
						return errNameRequired
					}

					tag, err := st.AddTag(args[1], *color)
					if err != nil {
						return err
					}

					o.Println(tag.ID)
				case "rm":
					if len(args) < 2 {
						return errIDRequired
					}

					return st.RemoveTag(args[1])
				case "ls":
					for _, tag := range st.Tags.Content().Tags {
						o.Printf("%s  %-20s %s\n", tag.ID, tag.Name, tag.Color)
					}
				default:
					return fmt.Errorf("%w (got %q)", errSubcommand, args[0])
				}

				return nil
			})
		},
	}
}

func notebookCmd(a *app) *Command {
	fs := flag.NewFlagSet("notebook", flag.ContinueOnError)
	parent := fs.String("parent", "", "Parent notebook `id` for a new notebook")

	return &Command{
		Flags: fs,
		Usage: "notebook <add|rm|ls> [args]",
		Short: "Manage notebooks",
		Long: `Manage notebooks.json.

  notebook add <name> [--parent id]   create a notebook and print its id
  notebook rm <id>                    delete a notebook without children
  notebook ls                         list notebooks as a tree`,
		Exec: func(ctx context.Context, o *IO, args []string) error {
			if len(args) == 0 {
				return errSubcommand
			}

			return a.withState(ctx, func(st *appstate.State) error {
				switch args[0] {
				case "add":
					if len(args) < 2 {
						return errNameRequired
					}

					nb, err := st.AddNotebook(args[1], *parent)
					if err != nil {
						return err
					}

					o.Println(nb.ID)
				case "rm":
					if len(args) < 2 {
						return errIDRequired
					}

					return st.RemoveNotebook(args[1])
				case "ls":
					printNotebooks(o, st.Notebooks.Content().Notebooks, "", 0)
				default:
					return fmt.Errorf("%w (got %q)", errSubcommand, args[0])
				}

				return nil
			})
		},
	}
}

func printNotebooks(o *IO, all []appstate.Notebook, parent string, depth int) {
	for _, nb := range all {
		if nb.Parent != parent {
			continue
		}

		o.Printf("%*s%s  %s\n", depth*2, "", nb.ID, nb.Name)
		printNotebooks(o, all, nb.ID, depth+1)
	}
}
