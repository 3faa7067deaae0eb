package main

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/openlocus/locus/internal/domain/models"
	"github.com/openlocus/locus/internal/registry"
)

func modelsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "models",
		Short: "Manage the local model catalog",
	}
	cmd.AddCommand(
		modelsListCmd(),
		modelsAddCmd(),
		modelsDeleteCmd(),
		modelsActivateCmd(),
		modelsAssignCmd(),
		modelsDownloadCmd(),
	)
	return cmd
}

func loadRegistry() (*registry.Registry, error) {
	reg, err := registry.Load(cfg.Models)
	if err != nil {
		return nil, fmt.Errorf("failed to load model registry: %w", err)
	}
	return reg, nil
}

func modelsListCmd() *cobra.Command {
	var pool string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered models",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := loadRegistry()
			if err != nil {
				return err
			}
			entries := reg.List(models.ModelPool(pool))
			if len(entries) == 0 {
				fmt.Println("No models registered.")
				return nil
			}
			for _, m := range entries {
				active := " "
				if m.Active {
					active = "*"
				}
				fmt.Printf("%s %-30s %-10s %8.1f MiB  %s\n",
					active, m.ID, m.Pool, float64(m.SizeBytes)/(1<<20), m.Path)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&pool, "pool", "", "filter by pool (text, embedding)")
	return cmd
}

func modelsAddCmd() *cobra.Command {
	var pool, name string

	cmd := &cobra.Command{
		Use:   "add <path>",
		Short: "Register a local model file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := loadRegistry()
			if err != nil {
				return err
			}
			path := args[0]
			if name == "" {
				name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
			}
			info, err := reg.Add(models.ModelInfo{
				DisplayName: name,
				Pool:        models.ModelPool(pool),
				Path:        path,
				Source:      "local",
			})
			if err != nil {
				return err
			}
			fmt.Printf("Registered %s (%s)\n", info.ID, info.DisplayName)
			return nil
		},
	}
	cmd.Flags().StringVar(&pool, "pool", "text", "model pool (text, embedding)")
	cmd.Flags().StringVar(&name, "name", "", "display name (defaults to the file name)")
	return cmd
}

func modelsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <model-id>",
		Short: "Remove a model from the catalog",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := loadRegistry()
			if err != nil {
				return err
			}
			if err := reg.Delete(args[0]); err != nil {
				return err
			}
			fmt.Printf("Deleted %s\n", args[0])
			return nil
		},
	}
}

func modelsActivateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "activate <model-id>",
		Short: "Set a model active for its pool",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := loadRegistry()
			if err != nil {
				return err
			}
			if err := reg.SetActive(args[0]); err != nil {
				return err
			}
			fmt.Printf("Activated %s\n", args[0])
			return nil
		},
	}
}

func modelsAssignCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "assign <role-key> <model-id>",
		Short: "Assign a model to a role",
		Long: `Assign a model to a role key. Role keys: character_model,
executor_model:<task-type> (or executor_model:default), embedding_model.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := loadRegistry()
			if err != nil {
				return err
			}
			if err := reg.AssignRole(args[0], args[1]); err != nil {
				return err
			}
			fmt.Printf("Assigned %s -> %s\n", args[0], args[1])
			return nil
		},
	}
}

func modelsDownloadCmd() *cobra.Command {
	var repoID, sha256Sum, name, pool string

	cmd := &cobra.Command{
		Use:   "download <url>",
		Short: "Download a model file and register it",
		Long: `Download a model file with resume support and checksum
verification, then register it in the catalog. The download policy
(allowed owners, consent owners) is evaluated before any fetch.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			targetURL := args[0]

			if repoID != "" {
				policy := registry.NewDownloadPolicy(cfg.Models.AllowedOwners, cfg.Models.ConsentOwners)
				decision := policy.Evaluate(repoID)
				if !decision.Allowed {
					return fmt.Errorf("download of %s is not permitted by policy", repoID)
				}
				if decision.RequiresConsent {
					return fmt.Errorf("download of %s requires explicit consent; re-run with an allowed owner configuration", repoID)
				}
				for _, warning := range decision.Warnings {
					fmt.Printf("warning: %s\n", warning)
				}
			}

			if name == "" {
				name = filepath.Base(targetURL)
			}
			targetPath := filepath.Join(cfg.Models.ManagedDir, filepath.Base(targetURL))

			dl, err := registry.NewDownloader(cfg.Models.JobsPath)
			if err != nil {
				return err
			}
			job := dl.Begin(cmd.Context(), targetURL, targetPath, sha256Sum)
			progress, err := dl.Subscribe(job.JobID)
			if err != nil {
				return err
			}
			for p := range progress {
				if p.TotalBytes > 0 {
					fmt.Printf("\r%6.1f%%  %8.1f MiB  ETA %s ",
						100*float64(p.DownloadedBytes)/float64(p.TotalBytes),
						float64(p.DownloadedBytes)/(1<<20),
						p.ETA.Round(time.Second))
				}
			}
			fmt.Println()

			final := jobByID(dl, job.JobID)
			if final == nil || final.Status != models.JobCompleted {
				status := "unknown"
				errMsg := ""
				if final != nil {
					status = string(final.Status)
					errMsg = final.Error
				}
				return fmt.Errorf("download did not complete (status=%s): %s", status, errMsg)
			}

			reg, err := loadRegistry()
			if err != nil {
				return err
			}
			info, err := reg.Add(models.ModelInfo{
				DisplayName: name,
				Pool:        models.ModelPool(pool),
				Path:        targetPath,
				Source:      "download",
				RepoID:      repoID,
				SHA256:      sha256Sum,
			})
			if err != nil {
				return err
			}
			fmt.Printf("Registered %s (%s)\n", info.ID, info.DisplayName)
			return nil
		},
	}
	cmd.Flags().StringVar(&repoID, "repo", "", "source repository id (owner/name) for policy evaluation")
	cmd.Flags().StringVar(&sha256Sum, "sha256", "", "expected SHA-256 of the file")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&pool, "pool", "text", "model pool (text, embedding)")
	return cmd
}

func jobByID(dl *registry.Downloader, jobID string) *models.DownloadJob {
	for _, job := range dl.Jobs() {
		if job.JobID == jobID {
			copied := job
			return &copied
		}
	}
	return nil
}
