package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"work/pkg/api"
)

var envCmd = &cobra.Command{
	Use:   "env",
	Short: "Manage environments",
}

var envCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Prepare a new environment for a project",
	Run: func(cmd *cobra.Command, args []string) {
		project, _ := cmd.Flags().GetString("project")
		provider, _ := cmd.Flags().GetString("provider")
		if project == "" || provider == "" {
			cmd.Println("Error: --project and --provider are required")
			return
		}

		client := NewClient(viper.GetString("socket"))
		result, err := client.CreateEnvironment(api.CreateEnvironmentRequest{Project: project, Provider: provider})
		if err != nil {
			printErr(cmd, err)
			return
		}
		cmd.Printf("Environment staged: %s (status: %s, job #%d)\n", result.ID, result.Status, result.Job.ID)
	},
}

var envListCmd = &cobra.Command{
	Use:   "list",
	Short: "List environments for a project",
	Run: func(cmd *cobra.Command, args []string) {
		project, _ := cmd.Flags().GetString("project")
		if project == "" {
			cmd.Println("Error: --project is required")
			return
		}

		client := NewClient(viper.GetString("socket"))
		envs, err := client.ListEnvironments(project)
		if err != nil {
			printErr(cmd, err)
			return
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "ID\tPROVIDER\tSTATUS\tLAST ERROR")
		for _, e := range envs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.ID, e.Provider, e.Status, e.LastError)
		}
		w.Flush()
	},
}

var envClaimCmd = &cobra.Command{
	Use:   "claim [id]",
	Short: "Claim a specific environment, or the next free one matching --project/--provider",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		client := NewClient(viper.GetString("socket"))

		if len(args) == 1 {
			job, err := client.ClaimEnvironment(args[0])
			if err != nil {
				printErr(cmd, err)
				return
			}
			cmd.Printf("Claim staged: job #%d\n", job.ID)
			return
		}

		project, _ := cmd.Flags().GetString("project")
		provider, _ := cmd.Flags().GetString("provider")
		if project == "" || provider == "" {
			cmd.Println("Error: an environment id, or --project and --provider, are required")
			return
		}
		result, err := client.ClaimNextEnvironment(api.ClaimEnvironmentRequest{Project: project, Provider: provider})
		if err != nil {
			printErr(cmd, err)
			return
		}
		cmd.Printf("Claimed environment: %s (job #%d)\n", result.ID, result.Job.ID)
	},
}

var envUpdateCmd = &cobra.Command{
	Use:   "update [id]",
	Short: "Re-sync an environment",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		client := NewClient(viper.GetString("socket"))
		job, err := client.UpdateEnvironment(args[0])
		if err != nil {
			printErr(cmd, err)
			return
		}
		cmd.Printf("Update staged: job #%d\n", job.ID)
	},
}

var envRmCmd = &cobra.Command{
	Use:   "rm [id]",
	Short: "Tear down an environment",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		client := NewClient(viper.GetString("socket"))
		job, err := client.RemoveEnvironment(args[0])
		if err != nil {
			printErr(cmd, err)
			return
		}
		cmd.Printf("Removal staged: job #%d\n", job.ID)
	},
}

func init() {
	rootCmd.AddCommand(envCmd)
	envCmd.AddCommand(envCreateCmd, envListCmd, envClaimCmd, envUpdateCmd, envRmCmd)

	envCreateCmd.Flags().String("project", "", "project name (required)")
	envCreateCmd.Flags().String("provider", "", "provider name (required)")

	envListCmd.Flags().String("project", "", "project name (required)")

	envClaimCmd.Flags().String("project", "", "project name")
	envClaimCmd.Flags().String("provider", "", "provider name")
}
