// Package cli is the gpuctl admin tool: schema migration, principal
// management and job inspection against the configured store.
//
//	gpuctl migrate
//	gpuctl principal create <name> [--role standard|privileged]
//	gpuctl principal set-role <id> <role>
//	gpuctl principal show <id>
//	gpuctl jobs list [--owner <id>] [--status <status>]
//
// Role changes only happen here; the HTTP API never grants privilege.
package cli

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"gpu-quota-service/internal/bootstrap"
	"gpu-quota-service/internal/config"
	"gpu-quota-service/internal/entity"
	"gpu-quota-service/internal/repository"
	"gpu-quota-service/internal/service"
)

type app struct {
	configFile string
	log        logr.Logger
}

func BuildCLI() *cobra.Command {
	a := &app{log: logr.Discard()}

	root := &cobra.Command{
		Use:           "gpuctl",
		Short:         "Administer the GPU quota service",
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&a.configFile, "config", "c", "", "config file path (YAML); env overrides apply")

	principal := &cobra.Command{Use: "principal", Short: "Manage principals"}
	principal.AddCommand(a.principalCreateCommand(), a.principalSetRoleCommand(), a.principalShowCommand())

	jobs := &cobra.Command{Use: "jobs", Short: "Inspect jobs"}
	jobs.AddCommand(a.jobsListCommand())

	root.AddCommand(a.migrateCommand(), principal, jobs)
	return root
}

// withStore loads config, opens the store and runs fn with it.
func (a *app) withStore(ctx context.Context, fn func(cfg config.Config, store repository.Store) error) error {
	cfg, err := config.Load(a.configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	store, err := bootstrap.OpenStore(ctx, cfg.Store, a.log)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(cfg, store)
}

func (a *app) principals(cfg config.Config, store repository.Store) *service.PrincipalService {
	return service.NewPrincipalService(store, bootstrap.Policy(cfg.Policy), a.log)
}

func (a *app) migrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the store schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withStore(cmd.Context(), func(cfg config.Config, _ repository.Store) error {
				fmt.Fprintf(cmd.OutOrStdout(), "schema ready (%s)\n", cfg.Store.Driver)
				return nil
			})
		},
	}
}

func (a *app) principalCreateCommand() *cobra.Command {
	var role string
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Register a principal with the default grant for its role",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := entity.ParseRole(role)
			if err != nil {
				return err
			}
			return a.withStore(cmd.Context(), func(cfg config.Config, store repository.Store) error {
				p, err := a.principals(cfg, store).Register(cmd.Context(), args[0], r)
				if err != nil {
					return err
				}
				printPrincipal(cmd.OutOrStdout(), p)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", string(entity.RoleStandard), "standard or privileged")
	return cmd
}

func (a *app) principalSetRoleCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "set-role <id> <role>",
		Short: "Change a principal's role; the balance is kept",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid principal id: %w", err)
			}
			r, err := entity.ParseRole(args[1])
			if err != nil {
				return err
			}
			return a.withStore(cmd.Context(), func(cfg config.Config, store repository.Store) error {
				p, err := a.principals(cfg, store).SetRole(cmd.Context(), id, r)
				if err != nil {
					return err
				}
				printPrincipal(cmd.OutOrStdout(), p)
				return nil
			})
		},
	}
}

func (a *app) principalShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a principal and its remaining quota",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid principal id: %w", err)
			}
			return a.withStore(cmd.Context(), func(cfg config.Config, store repository.Store) error {
				p, err := a.principals(cfg, store).Get(cmd.Context(), id)
				if err != nil {
					return err
				}
				printPrincipal(cmd.OutOrStdout(), p)
				return nil
			})
		},
	}
}

func (a *app) jobsListCommand() *cobra.Command {
	var owner, status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs in id order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var f repository.JobFilter
			if owner != "" {
				id, err := uuid.Parse(owner)
				if err != nil {
					return fmt.Errorf("invalid owner id: %w", err)
				}
				f.OwnerID = &id
			}
			if status != "" {
				st, err := entity.ParseJobStatus(status)
				if err != nil {
					return err
				}
				f.Statuses = []entity.JobStatus{st}
			}

			return a.withStore(cmd.Context(), func(_ config.Config, store repository.Store) error {
				jobs, err := store.ListJobs(cmd.Context(), f)
				if err != nil {
					return err
				}
				printJobs(cmd.OutOrStdout(), jobs)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "only jobs of this principal id")
	cmd.Flags().StringVar(&status, "status", "", "only jobs in this status")
	return cmd
}

func printPrincipal(w io.Writer, p *entity.Principal) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tROLE\tQUOTA")
	fmt.Fprintf(tw, "%s\t%s\t%s\t%d\n", p.ID, p.Name, p.Role, p.Quota)
	_ = tw.Flush()
}

func printJobs(w io.Writer, jobs []entity.Job) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tOWNER\tSTATUS\tGPU\tDURATION\tCREATED")
	for _, j := range jobs {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%dx%s\t%d\t%s\n",
			j.ID, j.OwnerID, j.Status, j.GPUCount, j.GPUType, j.EstimatedDuration,
			j.CreatedAt.Format(time.RFC3339))
	}
	_ = tw.Flush()
}
