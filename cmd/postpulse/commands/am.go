package commands

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/postpulse/am"
	"github.com/teranos/postpulse/errors"
)

// AmCmd represents the am (configuration) command
var AmCmd = &cobra.Command{
	Use:   "am",
	Short: "Manage postpulse configuration",
	Long: `am - Manage postpulse configuration ("I am")

Configuration sources (later overrides earlier):
1. Default values
2. System config (/etc/postpulse/am.toml)
3. User config (~/.postpulse/am.toml)
4. Project config (./am.toml, searched up from the working directory)
5. Environment variables (POSTPULSE_* prefix)

Examples:
  postpulse am show                  # Show effective configuration
  postpulse am show --format yaml    # ...as YAML
  postpulse am get scheduler.poll_interval_seconds
  postpulse am where                 # Show which source set each value
  postpulse am validate ./am.toml    # Check one file before installing it
  postpulse am init                  # Write defaults to ~/.postpulse/am.toml`,
}

var amShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE:  runAmShow,
}

var amGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get a specific configuration value",
	Long:  "Get a configuration value using dot notation (e.g., store.jobs_dir, driver.url)",
	Args:  cobra.ExactArgs(1),
	RunE:  runAmGet,
}

var amValidateCmd = &cobra.Command{
	Use:   "validate [file]",
	Short: "Validate current configuration, or a single config file",
	Long: `Validate the merged configuration. With a file argument, validate only
that file over the defaults, ignoring other config files and POSTPULSE_* variables.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runAmValidate,
}

var amWhereCmd = &cobra.Command{
	Use:   "where",
	Short: "Show where each configuration value comes from",
	RunE:  runAmWhere,
}

var amInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a config file holding every default",
	RunE:  runAmInit,
}

var configFormat string

func init() {
	amShowCmd.Flags().StringVar(&configFormat, "format", "toml", "Output format: toml, json, yaml")
	amInitCmd.Flags().String("path", "", "Where to write the file (default ~/.postpulse/am.toml)")
	amInitCmd.Flags().Bool("force", false, "Overwrite an existing file (a backup is kept)")

	AmCmd.AddCommand(amShowCmd, amGetCmd, amValidateCmd, amWhereCmd, amInitCmd)
}

func runAmShow(cmd *cobra.Command, args []string) error {
	if _, err := am.Load(); err != nil {
		return err
	}
	settings := am.Effective()

	if configFormat == "json" {
		data, err := json.MarshalIndent(settings, "", "  ")
		if err != nil {
			return errors.Wrap(err, "failed to marshal config to JSON")
		}
		fmt.Println(string(data))
		return nil
	}

	data, err := am.Render(settings, configFormat)
	if err != nil {
		return err
	}
	fmt.Printf("# postpulse configuration\n%s", string(data))
	return nil
}

func runAmGet(cmd *cobra.Command, args []string) error {
	if _, err := am.Load(); err != nil {
		return err
	}
	v := am.GetViper()
	if !v.IsSet(args[0]) {
		return errors.NewNotFoundError("configuration key %q", args[0])
	}
	fmt.Println(v.Get(args[0]))
	return nil
}

func runAmValidate(cmd *cobra.Command, args []string) error {
	if len(args) == 1 {
		if _, err := am.LoadFromFile(args[0]); err != nil {
			return err
		}
		pterm.Success.Printf("%s is valid\n", args[0])
		return nil
	}
	// Load validates before returning
	if _, err := am.Load(); err != nil {
		return errors.Wrap(err, "configuration validation failed")
	}
	pterm.Success.Println("Configuration is valid")
	return nil
}

func runAmWhere(cmd *cobra.Command, args []string) error {
	intro, err := am.GetConfigIntrospection()
	if err != nil {
		return err
	}

	if len(intro.ConfigFiles) == 0 {
		pterm.Info.Println("No config files found; using defaults and environment")
	} else {
		fmt.Println("Config files (later overrides earlier):")
		for _, f := range intro.ConfigFiles {
			fmt.Printf("  %s\n", f)
		}
	}
	fmt.Println()

	rows := pterm.TableData{{"Key", "Value", "Source"}}
	for _, s := range intro.Settings {
		rows = append(rows, []string{s.Key, truncate(fmt.Sprintf("%v", s.Value), 50), s.Describe()})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
}

func runAmInit(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("path")
	force, _ := cmd.Flags().GetBool("force")
	if path == "" {
		path = filepath.Join(am.UserConfigDir(), "am.toml")
	}
	if err := am.WriteDefaults(path, force); err != nil {
		return err
	}
	pterm.Success.Printf("Wrote defaults to %s\n", path)
	return nil
}
