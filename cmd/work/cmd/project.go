package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"work/pkg/api"
)

var projectCmd = &cobra.Command{
	Use:   "project",
	Short: "Manage projects",
}

var projectCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Register a new project",
	Run: func(cmd *cobra.Command, args []string) {
		name, _ := cmd.Flags().GetString("name")
		path, _ := cmd.Flags().GetString("path")
		if name == "" || path == "" {
			cmd.Println("Error: --name and --path are required")
			return
		}

		client := NewClient(viper.GetString("socket"))
		p, err := client.CreateProject(api.CreateProjectRequest{Name: name, Path: path})
		if err != nil {
			printErr(cmd, err)
			return
		}
		cmd.Printf("Project created: %s (%s)\n", p.Name, p.ID)
	},
}

var projectListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered projects",
	Run: func(cmd *cobra.Command, args []string) {
		client := NewClient(viper.GetString("socket"))
		projects, err := client.ListProjects()
		if err != nil {
			printErr(cmd, err)
			return
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "NAME\tPATH\tCREATED")
		for _, p := range projects {
			fmt.Fprintf(w, "%s\t%s\t%s\n", p.Name, p.Path, p.CreatedAt.Format("2006-01-02 15:04"))
		}
		w.Flush()
	},
}

var projectRmCmd = &cobra.Command{
	Use:   "rm [name]",
	Short: "Delete a project",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		client := NewClient(viper.GetString("socket"))
		if err := client.DeleteProject(args[0]); err != nil {
			printErr(cmd, err)
			os.Exit(1)
		}
		cmd.Printf("Project %s deleted.\n", args[0])
	},
}

func printErr(cmd *cobra.Command, err error) {
	if apiErr, ok := err.(*APIError); ok {
		cmd.Printf("Error (%d): %s\n", apiErr.StatusCode, apiErr.Message)
		return
	}
	cmd.Printf("Error: %v\n", err)
}

func init() {
	rootCmd.AddCommand(projectCmd)
	projectCmd.AddCommand(projectCreateCmd, projectListCmd, projectRmCmd)

	projectCreateCmd.Flags().String("name", "", "project name (required)")
	projectCreateCmd.Flags().String("path", "", "absolute path to the project's working tree (required)")
}
