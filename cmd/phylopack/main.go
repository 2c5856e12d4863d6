package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"k8s.io/klog/v2"

	"phylopack/internal/app"
	"phylopack/internal/config"
	"phylopack/internal/fault"
	"phylopack/internal/runner"
)

// cfg is the resolved phylopack.yml for the running command.
var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "phylopack",
	Short: "Order genome collections so related genomes sit next to each other",
	Long: `phylopack produces a preorder of a genome collection for compression and indexing.
- partition: split the input list into reference genomes and the remainder.
- tree: build a reference tree with attotree and write its leaf order.
- place: attach every remaining genome to its nearest reference with mash.
- preorder: run all three in a scratch workspace and write the combined order.
Runs of preorder are recorded under <state-dir>/.phylopack; inspect them with 'phylopack runs' or 'phylopack serve'.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := bindFlags(cmd.Flags()); err != nil {
			return err
		}
		if err := initLogging(viper.GetBool("verbose")); err != nil {
			return err
		}
		loaded, _, err := app.ResolveConfig(viper.GetString("state-dir"), viper.GetString("config"))
		if err != nil {
			return fault.Invalid("config", "%v", err)
		}
		cfg = loaded
		applyConfigDefaults(cfg)
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	klog.Flush()
	if err != nil {
		color.New(color.FgRed).Fprintln(os.Stderr, "error:", err)
		os.Exit(fault.ExitCode(err))
	}
}

func initConfig() {
	viper.SetEnvPrefix("PHYLOPACK")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().String("state-dir", ".", "directory holding phylopack.yml and the .phylopack run history")
	rootCmd.PersistentFlags().String("config", "", "config file (default <state-dir>/phylopack.yml)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "print progress and external tool output")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
}

func registerCommands() {
	rootCmd.AddCommand(partitionCmd())
	rootCmd.AddCommand(treeCmd())
	rootCmd.AddCommand(placeCmd())
	rootCmd.AddCommand(preorderCmd())
	rootCmd.AddCommand(runsCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(configCmd())
}

// bindFlags binds the executing command's flags, local and inherited, so
// flag > PHYLOPACK_* env > phylopack.yml > built-in default.
func bindFlags(fs *pflag.FlagSet) error {
	var err error
	fs.VisitAll(func(f *pflag.Flag) {
		if bindErr := viper.BindPFlag(f.Name, f); bindErr != nil && err == nil {
			err = bindErr
		}
	})
	return err
}

// applyConfigDefaults makes phylopack.yml the fallback for unset flags.
func applyConfigDefaults(c *config.Config) {
	d := c.Defaults
	for key, v := range map[string]any{
		"cut-point":           d.CutPoint,
		"kmer":                d.Kmer,
		"s-reference":         d.SketchReference,
		"s-placement":         d.SketchPlacement,
		"threads":             d.Threads,
		"method":              d.Method,
		"splitting-scheme":    d.SplittingScheme,
		"statistic-file-type": d.StatisticFileType,
		"addr":                c.Server.Addr,
		"base-path":           c.Server.BasePath,
	} {
		// zero values leave the flag default in place
		switch x := v.(type) {
		case string:
			if x == "" {
				continue
			}
		case int:
			if x == 0 {
				continue
			}
		case float64:
			if x == 0 {
				continue
			}
		}
		viper.SetDefault(key, v)
	}
}

func initLogging(verbose bool) error {
	fs := flag.NewFlagSet("klog", flag.ContinueOnError)
	klog.InitFlags(fs)
	level := "0"
	if verbose {
		level = "2"
	}
	return fs.Set("v", level)
}

// newRunner echoes tool stderr with a [tool] prefix when verbose.
func newRunner() *runner.Exec {
	r := runner.NewExec()
	if viper.GetBool("verbose") {
		r.Echo = os.Stderr
	}
	return r
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printJSONOrText(v any, text func()) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	text()
	return nil
}

func infof(format string, args ...any) {
	if viper.GetBool("json") {
		return
	}
	fmt.Fprintf(os.Stderr, format+"\n", args...)
}
