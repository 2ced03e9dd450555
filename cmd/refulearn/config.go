package main

import (
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var configShowRaw bool

func init() {
	configShowCmd.Flags().BoolVar(&configShowRaw, "raw", false, "Print the TOML file as stored")
	configCmd.AddCommand(configShowCmd, configSetCmd, configUnsetCmd)
	rootCmd.AddCommand(configCmd)
}

// secretKeys are masked whenever they are printed.
var secretKeys = map[string]bool{"default.token": true, "bridge.secret": true}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage RefuLearn configuration",
	Long: "Settings are layered: built-in defaults, then ~/.refulearn/config.toml\n" +
		"(or the file named by REFULEARN_CONFIG), then REFULEARN_* environment variables.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print every setting and where its value comes from",
	RunE: func(cmd *cobra.Command, args []string) error {
		if configShowRaw {
			return printRawConfig()
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "KEY\tVALUE\tSOURCE")
		for _, row := range configRows(cfg) {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", row.Key, valueOrDefault(row.Value, "-"), row.Source)
		}
		return tw.Flush()
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: "Store a value in the config file. The result must still pass validation.\n\n" +
		"Keys:\n" + configKeyHelp() +
		"\nExample: refulearn config set sync.retry_max 10m",
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		if err := updateConfig(key, value); err != nil {
			return err
		}
		if secretKeys[key] {
			value = maskKey(value)
		}
		fmt.Printf("Set %s = %s\n", key, value)
		if env := configFields(&Config{})[key].env; env != "" && os.Getenv(env) != "" {
			fmt.Printf("Note: %s is set in the environment and takes precedence.\n", env)
		}
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Remove a value from the config file",
	Long:  "Remove a value so the environment or the built-in default applies again.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := updateConfig(args[0], ""); err != nil {
			return err
		}
		fmt.Printf("Unset %s\n", args[0])
		return nil
	},
}

// updateConfig writes one key to the file after checking that the layered
// result still validates.
func updateConfig(key, value string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := setConfigValue(cfg, key, value); err != nil {
		return err
	}
	if _, err := resolveConfig(cfg); err != nil {
		return err
	}
	if err := saveConfig(cfg); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}
	return nil
}

func printRawConfig() error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Println("No configuration file found. Run 'refulearn init <base-url>' to create one.")
			return nil
		}
		return fmt.Errorf("cannot read config file: %w", err)
	}
	fmt.Print(string(data))
	return nil
}

type configRow struct {
	Key    string
	Value  string
	Source string
}

// configRows resolves each key the way LoadConfigWith layers them: the
// environment wins over the file.
func configRows(cfg *Config) []configRow {
	fields := configFields(cfg)
	rows := make([]configRow, 0, len(fields))
	for _, key := range configKeys() {
		f := fields[key]
		row := configRow{Key: key, Value: *f.ptr, Source: "file"}
		if v := os.Getenv(f.env); f.env != "" && v != "" {
			row.Value, row.Source = v, "env"
		} else if row.Value == "" {
			row.Source = "default"
		}
		if secretKeys[key] && row.Value != "" {
			row.Value = maskKey(row.Value)
		}
		rows = append(rows, row)
	}
	return rows
}

// configKeys returns every dot key in order.
func configKeys() []string {
	return slices.Sorted(maps.Keys(configFields(&Config{})))
}

func configKeyHelp() string {
	fields := configFields(&Config{})
	var b strings.Builder
	for _, key := range configKeys() {
		env := fields[key].env
		if env == "" {
			env = "(file only)"
		}
		fmt.Fprintf(&b, "  %-28s %s\n", key, env)
	}
	return b.String()
}
