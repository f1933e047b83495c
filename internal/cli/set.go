package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/jsonstate/internal/appstate"
)

var errPatchRequired = errors.New("patch is required (JSON object or - for stdin)")

func setCmd(a *app) *Command {
	return &Command{
		Flags: flag.NewFlagSet("set", flag.ContinueOnError),
		Usage: "set <file> <patch|->",
		Short: "Merge a JSON patch into a file",
		Long: `Deep-merge a JSON object into a state file, validate the result and
write it. Objects merge key by key; arrays and scalars replace. Comments
and trailing commas are accepted. Use - to read the patch from stdin.`,
		Exec: func(ctx context.Context, o *IO, args []string) error {
			if len(args) == 0 {
				return errFileRequired
			}

			if len(args) < 2 {
				return errPatchRequired
			}

			patch := []byte(args[1])

			if args[1] == "-" {
				var err error

				patch, err = io.ReadAll(o.In())
				if err != nil {
					return fmt.Errorf("read stdin: %w", err)
				}
			}

			return a.withState(ctx, func(st *appstate.State) error {
				f, err := st.File(fileName(args[0]))
				if err != nil {
					return err
				}

				err = f.UpdateJSON(patch)
				if err != nil {
					return err
				}

				err = f.Flush()
				if err != nil {
					return err
				}

				data, err := f.Marshal()
				if err != nil {
					return err
				}

				o.Printf("%s", data)

				return nil
			})
		},
	}
}
