package cli

import (
	"context"
	"errors"
	"fmt"

	flag "github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/calvinalkan/jsonstate/internal/appstate"
)

var (
	errFileRequired  = errors.New("file name is required")
	errFormatInvalid = errors.New("invalid format")
)

func showCmd(a *app) *Command {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	format := fs.StringP("format", "f", "json", "Output `format`: json or yaml")

	return &Command{
		Flags: fs,
		Usage: "show <file> [--format]",
		Short: "Print a file at the current version",
		Long: `Print a state file as it looks after upgrading to the current version.
Missing files print their defaults. Nothing is written.`,
		Exec: func(ctx context.Context, o *IO, args []string) error {
			if len(args) == 0 {
				return errFileRequired
			}

			if *format != "json" && *format != "yaml" {
				return fmt.Errorf("%w: %q", errFormatInvalid, *format)
			}

			return a.withState(ctx, func(st *appstate.State) error {
				f, err := st.File(fileName(args[0]))
				if err != nil {
					return err
				}

				data, err := f.Marshal()
				if err != nil {
					return err
				}

				if *format == "yaml" {
					data, err = toYAML(data)
					if err != nil {
						return err
					}
				}

				o.Printf("%s", data)

				return nil
			})
		},
	}
}

// toYAML re-encodes JSON as block-style YAML, keeping key order.
func toYAML(data []byte) ([]byte, error) {
	var node yaml.Node

	err := yaml.Unmarshal(data, &node)
	if err != nil {
		return nil, fmt.Errorf("yaml: %w", err)
	}

	blockStyle(&node)

	return yaml.Marshal(&node)
}

func blockStyle(n *yaml.Node) {
	if n.Kind == yaml.MappingNode || n.Kind == yaml.SequenceNode {
		n.Style = 0
	}

	if n.Kind == yaml.ScalarNode && n.Style == yaml.DoubleQuotedStyle {
		n.Style = 0
	}

	for _, c := range n.Content {
		blockStyle(c)
	}
}
