package cmd

import (
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/taskhub-stack/cli/internal/client"
	"github.com/telhawk-systems/taskhub-stack/cli/pkg/output"
)

var taskCmd = &cobra.Command{
	Use:     "task",
	Aliases: []string{"tasks"},
	Short:   "Create and inspect tasks as a tenant",
}

func taskTable(tasks ...client.Task) func() *output.Table {
	return func() *output.Table {
		tbl := output.NewTable([]string{"ID", "TITLE", "STATUS", "REV", "ENRICHED", "TAGS", "ATTACHMENTS"})
		for _, t := range tasks {
			tbl.AddRow([]string{
				t.ID,
				t.Title,
				t.Status,
				strconv.FormatInt(t.Revision, 10),
				strconv.FormatInt(t.EnrichedRevision, 10),
				strings.Join(t.Tags, ","),
				strconv.Itoa(len(t.Attachments)),
			})
		}
		return tbl
	}
}

var taskListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List a tenant's tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()
		tenantID, _ := cmd.Flags().GetString("tenant")
		c, err := tenantClient(ctx, cmd, tenantID)
		if err != nil {
			return err
		}

		limit, _ := cmd.Flags().GetInt("limit")
		tasks, err := c.ListTasks(ctx, limit)
		if err != nil {
			return err
		}
		return output.Render(outputFormat(cmd), tasks, taskTable(tasks...))
	},
}

var taskGetCmd = &cobra.Command{
	Use:   "get <task-id>",
	Short: "Show one task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()
		tenantID, _ := cmd.Flags().GetString("tenant")
		c, err := tenantClient(ctx, cmd, tenantID)
		if err != nil {
			return err
		}

		task, err := c.GetTask(ctx, args[0])
		if err != nil {
			return err
		}
		if outputFormat(cmd) == "table" {
			return output.YAML(task)
		}
		return output.Render(outputFormat(cmd), task, nil)
	},
}

var taskCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a task",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()
		tenantID, _ := cmd.Flags().GetString("tenant")
		c, err := tenantClient(ctx, cmd, tenantID)
		if err != nil {
			return err
		}

		var req client.CreateTaskRequest
		req.ID, _ = cmd.Flags().GetString("id")
		req.Title, _ = cmd.Flags().GetString("title")
		req.Description, _ = cmd.Flags().GetString("description")
		req.Assignee, _ = cmd.Flags().GetString("assignee")

		task, err := c.CreateTask(ctx, req)
		if err != nil {
			return err
		}
		if outputFormat(cmd) != "table" {
			return output.Render(outputFormat(cmd), task, nil)
		}
		output.Success("Task %s created (version %d)", task.ID, task.Version)
		return nil
	},
}

var taskUpdateCmd = &cobra.Command{
	Use:   "update <task-id>",
	Short: "Update a task",
	Long: `Update a task. Only the flags you pass are changed. Without --version the
current version is read first, so a concurrent writer can still win the race.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()
		tenantID, _ := cmd.Flags().GetString("tenant")
		c, err := tenantClient(ctx, cmd, tenantID)
		if err != nil {
			return err
		}

		req := client.UpdateTaskRequest{}
		req.Version, _ = cmd.Flags().GetInt64("version")
		if req.Version == 0 {
			cur, err := c.GetTask(ctx, args[0])
			if err != nil {
				return err
			}
			req.Version = cur.Version
		}
		for name, dst := range map[string]**string{
			"title":       &req.Title,
			"description": &req.Description,
			"assignee":    &req.Assignee,
			"status":      &req.Status,
		} {
			if cmd.Flags().Changed(name) {
				v, _ := cmd.Flags().GetString(name)
				*dst = &v
			}
		}

		task, err := c.UpdateTask(ctx, args[0], req)
		if err != nil {
			return err
		}
		if outputFormat(cmd) != "table" {
			return output.Render(outputFormat(cmd), task, nil)
		}
		output.Success("Task %s is at revision %d (version %d)", task.ID, task.Revision, task.Version)
		return nil
	},
}

var taskAttachCmd = &cobra.Command{
	Use:   "attach <task-id> <file>",
	Short: "Upload a file as a task attachment",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()
		tenantID, _ := cmd.Flags().GetString("tenant")
		c, err := tenantClient(ctx, cmd, tenantID)
		if err != nil {
			return err
		}

		data, err := os.ReadFile(args[1])
		if err != nil {
			return err
		}
		contentType, _ := cmd.Flags().GetString("content-type")
		if contentType == "" {
			contentType = mime.TypeByExtension(filepath.Ext(args[1]))
		}

		att, err := c.UploadAttachment(ctx, args[0], filepath.Base(args[1]), contentType, data)
		if err != nil {
			return err
		}
		if outputFormat(cmd) != "table" {
			return output.Render(outputFormat(cmd), att, nil)
		}
		output.Success("Attachment %s uploaded (%d bytes)", att.ID, att.Size)
		return nil
	},
}

var taskDownloadCmd = &cobra.Command{
	Use:   "download <task-id> <attachment-id>",
	Short: "Download an attachment",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()
		tenantID, _ := cmd.Flags().GetString("tenant")
		c, err := tenantClient(ctx, cmd, tenantID)
		if err != nil {
			return err
		}

		dest, _ := cmd.Flags().GetString("out")
		if dest == "" || dest == "-" {
			return c.DownloadAttachment(ctx, args[0], args[1], os.Stdout)
		}
		f, err := os.Create(dest)
		if err != nil {
			return err
		}
		if err := c.DownloadAttachment(ctx, args[0], args[1], f); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return fmt.Errorf("write %s: %w", dest, err)
		}
		output.Success("Saved %s", dest)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(taskCmd)
	taskCmd.AddCommand(taskListCmd, taskGetCmd, taskCreateCmd, taskUpdateCmd, taskAttachCmd, taskDownloadCmd)
	for _, c := range taskCmd.Commands() {
		addTenantFlags(c)
	}

	taskListCmd.Flags().IntP("limit", "l", 50, "maximum tasks to list")

	taskCreateCmd.Flags().String("id", "", "task id (default: generated)")
	taskCreateCmd.Flags().String("title", "", "task title")
	taskCreateCmd.Flags().StringP("description", "d", "", "task description; #hashtags become tags")
	taskCreateCmd.Flags().String("assignee", "", "assignee")
	if err := taskCreateCmd.MarkFlagRequired("title"); err != nil {
		panic(fmt.Sprintf("failed to mark title as required: %v", err))
	}

	taskUpdateCmd.Flags().Int64("version", 0, "expected version (default: current)")
	taskUpdateCmd.Flags().String("title", "", "new title")
	taskUpdateCmd.Flags().StringP("description", "d", "", "new description")
	taskUpdateCmd.Flags().String("assignee", "", "new assignee")
	taskUpdateCmd.Flags().String("status", "", "new status: open, in_progress, done")

	taskAttachCmd.Flags().String("content-type", "", "content type (default: from the file extension)")
	taskDownloadCmd.Flags().String("out", "", "destination file (default: stdout)")
}
