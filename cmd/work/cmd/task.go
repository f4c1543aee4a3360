package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"work/pkg/api"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage tasks",
}

var taskCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Stage a new task, preparing a new environment for it",
	Run: func(cmd *cobra.Command, args []string) {
		project, _ := cmd.Flags().GetString("project")
		description, _ := cmd.Flags().GetString("description")
		taskProvider, _ := cmd.Flags().GetString("task-provider")
		envProvider, _ := cmd.Flags().GetString("env-provider")
		if project == "" || description == "" {
			cmd.Println("Error: --project and --description are required")
			return
		}

		client := NewClient(viper.GetString("socket"))
		result, err := client.CreateTask(api.CreateTaskRequest{
			Project: project, Description: description,
			TaskProvider: taskProvider, EnvProvider: envProvider,
		})
		if err != nil {
			printErr(cmd, err)
			return
		}
		cmd.Printf("Task staged: %s (environment %s, job #%d)\n", result.ID, result.Environment.ID, result.Job.ID)
	},
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks for a project",
	Run: func(cmd *cobra.Command, args []string) {
		project, _ := cmd.Flags().GetString("project")
		if project == "" {
			cmd.Println("Error: --project is required")
			return
		}

		client := NewClient(viper.GetString("socket"))
		tasks, err := client.ListTasks(project)
		if err != nil {
			printErr(cmd, err)
			return
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATUS\tDESCRIPTION")
		for _, t := range tasks {
			fmt.Fprintf(w, "%s\t%s\t%s\n", t.ID, t.Status, truncate(t.Description, 60))
		}
		w.Flush()
	},
}

var taskGetCmd = &cobra.Command{
	Use:   "get [id]",
	Short: "Show a task's status",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		client := NewClient(viper.GetString("socket"))
		t, err := client.GetTask(args[0])
		if err != nil {
			printErr(cmd, err)
			return
		}
		cmd.Printf("ID:          %s\n", t.ID)
		cmd.Printf("Status:      %s\n", t.Status)
		cmd.Printf("Environment: %s\n", t.EnvironmentID)
		cmd.Printf("Provider:    %s\n", t.Provider)
		cmd.Printf("Description: %s\n", t.Description)
		if t.LastError != "" {
			cmd.Printf("Last error:  %s\n", t.LastError)
		}
	},
}

var taskCancelCmd = &cobra.Command{
	Use:   "cancel [id]",
	Short: "Request cancellation of a task",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		client := NewClient(viper.GetString("socket"))
		job, err := client.CancelTask(args[0])
		if err != nil {
			printErr(cmd, err)
			return
		}
		cmd.Printf("Cancellation staged: job #%d\n", job.ID)
	},
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func init() {
	rootCmd.AddCommand(taskCmd)
	taskCmd.AddCommand(taskCreateCmd, taskListCmd, taskGetCmd, taskCancelCmd)

	taskCreateCmd.Flags().String("project", "", "project name (required)")
	taskCreateCmd.Flags().String("description", "", "task description (required)")
	taskCreateCmd.Flags().String("task-provider", "", "provider name for running the task")
	taskCreateCmd.Flags().String("env-provider", "", "provider name for the environment prepared for the task")

	taskListCmd.Flags().String("project", "", "project name (required)")
}
