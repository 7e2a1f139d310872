package commands

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/pelletier/go-toml/v2"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/teranos/onair/am"
	"github.com/teranos/onair/errors"
	"github.com/teranos/onair/sym"
)

// AmCmd represents the am (configuration) command
var AmCmd = &cobra.Command{
	Use:   "am",
	Short: sym.AM + " Show and edit onair configuration",
	Long: sym.AM + ` am - Show and edit onair configuration

Configuration sources (later overrides earlier):
1. Built-in defaults
2. System config (/etc/onair/am.toml)
3. User config (~/.onair/am.toml)
4. Project config (am.toml in the working directory or a parent)
5. Environment variables (ONAIR_* prefix, e.g. ONAIR_SERVER_PORT)

Examples:
  onair am show                          # Effective configuration as TOML
  onair am show --format json            # ... as JSON
  onair am get recording.record_dir      # One value
  onair am set pacer.interval_ms 300     # Persist to ~/.onair/am.toml
  onair am where                         # Where each value comes from
  onair am validate                      # Check the configuration`,
}

var amShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Long:  "Display the effective configuration with credentials masked",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		return writeConfig(cmd.OutOrStdout(), am.Redacted(), format)
	},
}

var amGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get a specific configuration value",
	Long:  "Get a configuration value using dot notation (e.g. database.path, recording.record_dir)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key := args[0]
		if !am.GetViper().IsSet(key) {
			return errors.NewNotFoundError("configuration key %q", key)
		}
		value := am.Get(key)
		if am.IsSensitive(key) && value != "" {
			value = "********"
		}
		fmt.Fprintln(cmd.OutOrStdout(), value)
		return nil
	},
}

var amSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Persist a configuration value",
	Long: `Write a value to the user config file (~/.onair/am.toml).

The value is converted to the type of the setting. Lists are comma separated.
The previous file is kept as .back1 (older copies rotate to .back2, .back3).
A running daemon picks the change up for pacer and margin settings.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := am.Set(args[0], args[1]); err != nil {
			return err
		}
		cfg, err := am.Load()
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			pterm.Warning.Printfln("%s written, but the configuration is now invalid: %v", args[0], err)
			return nil
		}
		pterm.Success.Printfln("%s = %s written to %s", args[0], args[1], am.UserConfigPath())
		return nil
	},
}

var amValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := am.Load()
		if err != nil {
			return errors.Wrap(err, "failed to load config")
		}
		if err := cfg.Validate(); err != nil {
			return errors.Wrap(err, "configuration validation failed")
		}
		pterm.Success.Println("Configuration is valid")
		return nil
	},
}

var amWhereCmd = &cobra.Command{
	Use:   "where",
	Short: "Show where each setting comes from",
	RunE: func(cmd *cobra.Command, args []string) error {
		files := am.ConfigFiles()
		if len(files) == 0 {
			pterm.Info.Println("No config files found, using defaults and environment")
		} else {
			pterm.Info.Println("Config files (lowest precedence first):")
			for _, f := range files {
				fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", f)
			}
		}

		data := pterm.TableData{{"Key", "Value", "Source", "From"}}
		for _, s := range am.Settings() {
			data = append(data, []string{s.Key, fmt.Sprint(s.Value), string(s.Source), s.SourcePath})
		}
		return pterm.DefaultTable.WithHasHeader().WithData(data).WithWriter(cmd.OutOrStdout()).Render()
	},
}

func init() {
	amShowCmd.Flags().String("format", "toml", "Output format: toml, json, yaml")

	AmCmd.AddCommand(amShowCmd)
	AmCmd.AddCommand(amGetCmd)
	AmCmd.AddCommand(amSetCmd)
	AmCmd.AddCommand(amValidateCmd)
	AmCmd.AddCommand(amWhereCmd)
}

// writeConfig renders settings in format.
func writeConfig(w io.Writer, settings map[string]interface{}, format string) error {
	switch format {
	case "json":
		data, err := json.MarshalIndent(settings, "", "  ")
		if err != nil {
			return errors.Wrap(err, "failed to marshal config to JSON")
		}
		fmt.Fprintln(w, string(data))
	case "yaml":
		data, err := yaml.Marshal(settings)
		if err != nil {
			return errors.Wrap(err, "failed to marshal config to YAML")
		}
		fmt.Fprintf(w, "# onair configuration\n%s", data)
	case "toml":
		data, err := toml.Marshal(settings)
		if err != nil {
			return errors.Wrap(err, "failed to marshal config to TOML")
		}
		fmt.Fprintf(w, "# onair configuration\n%s", data)
	default:
		return errors.NewInvalidRequestError("unsupported format: %s (supported: toml, json, yaml)", format)
	}
	return nil
}
