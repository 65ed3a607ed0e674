package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/teranos/mundo/am"
	"github.com/teranos/mundo/errors"
)

// AmCmd represents the am (configuration) command
var AmCmd = &cobra.Command{
	Use:   "am",
	Short: "Manage mundo configuration",
	Long: `am - Manage mundo configuration

Configuration sources (later overrides earlier):
1. Built-in defaults
2. System config (/etc/mundo/mundo.toml)
3. User config (~/.mundo/mundo.toml)
4. Project config (nearest mundo.toml upward from the working directory)
5. Environment variables (MUNDO_* prefix, and .env)

Examples:
  mundo am show                  # Effective configuration as TOML
  mundo am show --format yaml
  mundo am where                 # Which layer set each value
  mundo am init                  # Write defaults to ./mundo.toml
  mundo am check ./mundo.toml    # Report unknown keys and invalid values`,
}

var amShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	RunE:  runAmShow,
}

var amWhereCmd = &cobra.Command{
	Use:   "where",
	Short: "Show where each setting comes from",
	RunE:  runAmWhere,
}

var amInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write the default configuration",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runAmInit,
}

var amCheckCmd = &cobra.Command{
	Use:   "check <path>",
	Short: "Check a config file for unknown keys and invalid values",
	Args:  cobra.ExactArgs(1),
	RunE:  runAmCheck,
}

var (
	configFormat string
	initForce    bool
)

func init() {
	amShowCmd.Flags().StringVar(&configFormat, "format", "toml", "Output format: toml, json, yaml")
	amInitCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite an existing file (keeps a .back1 copy)")

	AmCmd.AddCommand(amShowCmd)
	AmCmd.AddCommand(amWhereCmd)
	AmCmd.AddCommand(amInitCmd)
	AmCmd.AddCommand(amCheckCmd)
}

func runAmShow(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	return writeConfig(os.Stdout, cfg, configFormat)
}

// writeConfig renders cfg in the requested format
func writeConfig(w io.Writer, cfg *am.Config, format string) error {
	switch format {
	case "json":
		data, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return errors.Wrap(err, "failed to marshal config to JSON")
		}
		fmt.Fprintln(w, string(data))
	case "yaml":
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return errors.Wrap(err, "failed to marshal config to YAML")
		}
		fmt.Fprintf(w, "# mundo configuration\n%s", data)
	case "toml":
		data, err := am.MarshalTOML(cfg)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "# mundo configuration\n%s", data)
	default:
		return errors.Newf("unsupported format: %s (supported: toml, json, yaml)", format)
	}
	return nil
}

func runAmWhere(cmd *cobra.Command, args []string) error {
	intro, err := am.GetConfigIntrospection()
	if err != nil {
		return err
	}

	data := pterm.TableData{{"KEY", "VALUE", "SOURCE"}}
	for _, s := range intro.Settings {
		source := string(s.Source)
		if s.SourcePath != "" && s.Source != am.SourceDefault {
			source += " (" + s.SourcePath + ")"
		}
		data = append(data, []string{s.Key, redact(s.Key, s.Value), source})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

// redact hides webhook URLs, which embed their credentials
func redact(key string, value interface{}) string {
	text := fmt.Sprint(value)
	if strings.HasSuffix(key, "webhook_url") && text != "" {
		return "<set>"
	}
	return text
}

func runAmInit(cmd *cobra.Command, args []string) error {
	path := am.ConfigFileName
	if len(args) == 1 {
		path = args[0]
	}
	if err := am.WriteDefault(path, initForce); err != nil {
		return err
	}
	pterm.Success.Printf("Wrote %s\n", path)
	return nil
}

func runAmCheck(cmd *cobra.Command, args []string) error {
	result, err := am.CheckFile(args[0])
	if err != nil {
		return err
	}

	for _, key := range result.UnknownKeys {
		pterm.Warning.Printf("Unknown key: %s\n", key)
	}
	if result.ValidateErr != nil {
		pterm.Error.Printf("Invalid: %v\n", result.ValidateErr)
	}
	if !result.OK() {
		return errors.Newf("%s has problems", result.Path)
	}
	pterm.Success.Printf("%s is valid (%d settings)\n", result.Path, result.DecodedCount)
	return nil
}
