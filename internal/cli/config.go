package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/roach88/relay/internal/config"
)

// ConfigValidationResult holds the output of `config validate`.
type ConfigValidationResult struct {
	Valid  bool                     `json:"valid"`
	File   string                   `json:"file"`
	Errors []config.ValidationError `json:"errors,omitempty"`
}

// NewConfigCommand creates the config command.
func NewConfigCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Validate or print configuration",
		Long: `Validate a configuration file against the CUE schema and the
cross-field rules, or print the effective configuration.

Examples:
  relay config validate ./relay.yaml
  relay config show --config ./relay.yaml --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(&cobra.Command{
		Use:           "validate <file>",
		Short:         "Validate a configuration file",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigValidate(rootOpts, args[0], cmd)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:           "show",
		Short:         "Print the effective configuration",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigShow(rootOpts, cmd)
		},
	})

	return cmd
}

func runConfigValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	result := ConfigValidationResult{Valid: true, File: path}

	_, err := config.Load(path)
	var verrs config.ValidationErrors
	switch {
	case err == nil:
	case errors.As(err, &verrs):
		result.Valid = false
		result.Errors = verrs
	default:
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}

	f := newFormatter(opts, cmd.OutOrStdout())
	if result.Valid {
		if f.JSON() {
			return f.Success(result)
		}
		fmt.Fprintf(f.Writer, "✓ %s is valid\n", path)
		return nil
	}

	failure := NewExitError(ExitFailure, fmt.Sprintf("%d validation error(s)", len(result.Errors))).
		WithKind(CodeConfigInvalid)
	if f.JSON() {
		return f.Failure(result, nil, failure)
	}
	fmt.Fprintf(f.Writer, "✗ %s\n", path)
	for _, e := range result.Errors {
		fmt.Fprintf(f.Writer, "  [%s] %s: %s\n", e.Code, e.Field, e.Message)
	}
	return failure
}

func runConfigShow(opts *RootOptions, cmd *cobra.Command) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	if f := newFormatter(opts, cmd.OutOrStdout()); f.JSON() {
		return f.Success(cfg)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to render config", err)
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}
