package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "work",
	Short: "work is a command line tool for the local work daemon",
	Long: `work is the command-line interface for workd, a local daemon that
stages and runs AI-assisted coding tasks against isolated environments.

Common workflows:

  Create a project:
    work project create --name myapp --path /home/me/myapp

  Prepare an environment and run a task in one step:
    work task create --project myapp --task-provider claude-code --env-provider git-worktree --description "fix the flaky test"

  Check a task's status:
    work task get <task-id>

  Stream a task's logs:
    work logs task <task-id> --follow

Configuration:
  Set the daemon socket via environment variable or a config file:
    WORK_SOCKET    path to workd's Unix socket (default: ~/.work/run/work.sock)`,
}

func Execute() error {
	return rootCmd.Execute()
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}
		viper.AddConfigPath(home)
		viper.SetConfigName(".workctl")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("WORK")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Println("Using config file:", viper.ConfigFileUsed())
	}
}

func defaultSocketPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".work", "run", "work.sock")
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.workctl.yaml)")

	rootCmd.PersistentFlags().String("socket", defaultSocketPath(), "path to workd's Unix socket")
	viper.BindPFlag("socket", rootCmd.PersistentFlags().Lookup("socket"))
}
