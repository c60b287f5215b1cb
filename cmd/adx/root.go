package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	apiclient "github.com/splax/autodeploy/pkg/client"
)

var (
	cfgFile      string
	buildVersion = "dev"
)

var rootCmd = &cobra.Command{
	Use:           "adx",
	Short:         "operate autodeploy pipelines and deployments",
	Long:          `adx triggers pipeline runs, follows them live and drives manual deployments and rollbacks against an autodeploy server.`,
	Version:       buildVersion,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.adx.yaml)")
	flags.String("api", "http://localhost:8000", "autodeploy API base URL")
	flags.Duration("timeout", 15*time.Second, "request timeout")
	flags.Bool("no-color", false, "disable coloured output")
	cobra.CheckErr(viper.BindPFlags(flags))

	rootCmd.AddCommand(newTriggerCmd(), newPipelinesCmd(), newWatchCmd(), newDeployCmd(), newRollbackCmd(), newReportCmd())
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)
		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".adx")
	}

	viper.SetEnvPrefix("ADX")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

func newClient() (*apiclient.Client, error) {
	return apiclient.New(viper.GetString("api"))
}

func requestContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	timeout := viper.GetDuration("timeout")
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return context.WithTimeout(cmd.Context(), timeout)
}
