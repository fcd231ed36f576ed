package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/p-arndt/agenthub/internal/session"
	"github.com/p-arndt/agenthub/internal/store"
)

var (
	projName       string
	projRepo       string
	projBranch     string
	projBase       string
	projDockerfile bool
	projSetup      string
	projSetupFile  string
	projLogLimit   int64
)

var projectsCmd = &cobra.Command{
	Use:     "projects",
	Aliases: []string{"project", "p"},
	Short:   "List projects and their snapshot builds",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := requestContext(cmd)
		defer cancel()

		projects, err := c.ListProjects(ctx)
		if err != nil {
			return err
		}
		if len(projects) == 0 {
			fmt.Println(dimStyle.Render("no projects"))
			return nil
		}
		t := newTable("ID", "NAME", "REPO", "BASE", "BUILD", "UPDATED")
		for _, p := range projects {
			build := buildStatus(p.BuildStatus)
			if p.BuildError != "" {
				build += " " + dimStyle.Render(truncate(p.BuildError, 40))
			}
			t.Row(shortID(p.ID), p.Name, truncate(p.RepoURL, 48), string(p.BaseKind)+":"+p.BaseRef, build, ago(p.UpdatedAt))
		}
		fmt.Println(t.String())
		return nil
	},
}

var projectsCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Register a repository and build its snapshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		in := session.ProjectInput{
			Name:    &projName,
			RepoURL: &projRepo,
			BaseRef: &projBase,
		}
		if cmd.Flags().Changed("branch") {
			in.DefaultBranch = &projBranch
		}
		if projDockerfile {
			kind := store.BaseDockerfile
			in.BaseKind = &kind
		}
		script, err := setupScript()
		if err != nil {
			return err
		}
		if script != "" {
			in.SetupScript = &script
		}

		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := requestContext(cmd)
		defer cancel()
		p, err := c.CreateProject(ctx, in)
		if err != nil {
			return err
		}
		fmt.Printf("%s %s (%s)\n", okStyle.Render("created"), p.Name, idStyle.Render(p.ID))
		return nil
	},
}

func setupScript() (string, error) {
	if projSetupFile == "" {
		return projSetup, nil
	}
	data, err := os.ReadFile(projSetupFile)
	if err != nil {
		return "", fmt.Errorf("read setup script: %w", err)
	}
	return string(data), nil
}

var projectsRebuildCmd = &cobra.Command{
	Use:   "rebuild <project-id>",
	Short: "Rebuild a project's snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := requestContext(cmd)
		defer cancel()
		p, err := c.RebuildProject(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("%s %s\n", busyStyle.Render("rebuilding"), p.Name)
		return nil
	},
}

var projectsLogCmd = &cobra.Command{
	Use:   "build-log <project-id>",
	Short: "Print the last snapshot build log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := requestContext(cmd)
		defer cancel()
		data, err := c.BuildLog(ctx, args[0], projLogLimit)
		if err != nil {
			return err
		}
		os.Stdout.Write(data)
		return nil
	},
}

var projectsDeleteCmd = &cobra.Command{
	Use:   "delete <project-id>",
	Short: "Delete a project and all of its sessions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := requestContext(cmd)
		defer cancel()
		if err := c.DeleteProject(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("%s %s\n", okStyle.Render("deleted"), args[0])
		return nil
	},
}

func init() {
	projectsCreateCmd.Flags().StringVar(&projName, "name", "", "project name")
	projectsCreateCmd.Flags().StringVar(&projRepo, "repo", "", "git repository url")
	projectsCreateCmd.Flags().StringVar(&projBranch, "branch", "main", "default branch")
	projectsCreateCmd.Flags().StringVar(&projBase, "base", "", "base image tag, or Dockerfile path with --dockerfile")
	projectsCreateCmd.Flags().BoolVar(&projDockerfile, "dockerfile", false, "treat --base as a Dockerfile in the repository")
	projectsCreateCmd.Flags().StringVar(&projSetup, "setup", "", "setup script run once per snapshot")
	projectsCreateCmd.Flags().StringVar(&projSetupFile, "setup-file", "", "read the setup script from a file")
	projectsCreateCmd.MarkFlagRequired("name")
	projectsCreateCmd.MarkFlagRequired("repo")
	projectsCreateCmd.MarkFlagRequired("base")

	projectsLogCmd.Flags().Int64Var(&projLogLimit, "limit", 0, "bytes from the end of the log (0 = server default)")

	projectsCmd.AddCommand(projectsCreateCmd, projectsRebuildCmd, projectsLogCmd, projectsDeleteCmd)
	rootCmd.AddCommand(projectsCmd)
}
