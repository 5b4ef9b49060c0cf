package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/recast/internal/config"
)

// NewConfigCommand creates the config command group.
func NewConfigCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or validate the effective configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets masked",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := rootOpts.formatter(cmd)
			snap, err := rootOpts.loadConfig()
			if err != nil {
				return out.Fail(err)
			}
			return out.Success(shownConfig(snap.Redacted()))
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Check the configuration against the schema",
		Long: `Load the configuration from file, .env, RECAST_* variables and flags and
check it against the built-in schema. Every violation is reported.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := rootOpts.formatter(cmd)
			snap, err := rootOpts.loadConfig()
			if err != nil {
				return out.Fail(err)
			}
			return out.Success(validResult{Valid: true, Version: snap.Version, Source: snap.Source})
		},
	})

	return cmd
}

type shownConfig config.Snapshot

func (c shownConfig) RenderText(w io.Writer) error {
	data, err := config.Snapshot(c).Marshal()
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

type validResult struct {
	Valid   bool   `json:"valid"`
	Version string `json:"version"`
	Source  string `json:"source,omitempty"`
}

func (r validResult) RenderText(w io.Writer) error {
	source := r.Source
	if source == "" {
		source = "defaults and environment"
	}
	_, err := fmt.Fprintf(w, "Config valid (version %s, from %s)\n", r.Version, source)
	return err
}
