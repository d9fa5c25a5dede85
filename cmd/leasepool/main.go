package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	json "github.com/goccy/go-json"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ajitpratap0/leasepool/internal/app"
	"github.com/ajitpratap0/leasepool/pkg/backend/registry"
	"github.com/ajitpratap0/leasepool/pkg/config"
	"github.com/ajitpratap0/leasepool/pkg/pool"
	"github.com/ajitpratap0/leasepool/pkg/remote"

	// Import all available backends to register them
	_ "github.com/ajitpratap0/leasepool/pkg/backend/bigquery"
	_ "github.com/ajitpratap0/leasepool/pkg/backend/endpoint"
	_ "github.com/ajitpratap0/leasepool/pkg/backend/gcs"
	_ "github.com/ajitpratap0/leasepool/pkg/backend/httpvm"
	_ "github.com/ajitpratap0/leasepool/pkg/backend/kafka"
	_ "github.com/ajitpratap0/leasepool/pkg/backend/local"
	_ "github.com/ajitpratap0/leasepool/pkg/backend/mongo"
	_ "github.com/ajitpratap0/leasepool/pkg/backend/postgres"
	_ "github.com/ajitpratap0/leasepool/pkg/backend/s3"
	_ "github.com/ajitpratap0/leasepool/pkg/backend/sqldb"
)

var version = "0.1.0"

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configFile, baseURL string

	root := &cobra.Command{
		Use:   "leasepool",
		Short: "Leasepool - exclusive leases on a fixed pool of resources",
		Long: `Leasepool hands out exclusive leases on a fixed set of pre-provisioned
resources (hosts, VMs, scratch databases, buckets, topics) to concurrent workers,
validating each resource before handing it out and resetting it on return.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to YAML configuration file")
	root.PersistentFlags().StringVar(&baseURL, "url", "", "Pool server URL (overrides client.base_url)")

	loadConfig := func() (*config.Config, error) {
		cfg, err := config.Load(configFile)
		if err != nil {
			return nil, err
		}
		if baseURL != "" {
			cfg.Client.BaseURL = baseURL
		}
		return cfg, nil
	}
	newClient := func() (*remote.Client, error) {
		cfg, err := loadConfig()
		if err != nil {
			return nil, err
		}
		log, _, err := app.Setup(cfg, version)
		if err != nil {
			return nil, err
		}
		return remote.NewClient(cfg.Client, log), nil
	}

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Leasepool v%s\n", version)
			fmt.Printf("Go version: %s\n", runtime.Version())
			fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "backends",
		Short: "List available backends and their settings",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("  - %-10s %s\n", config.BackendNull, "virtual resources, nothing is tracked")
			for _, name := range registry.List() {
				info, _ := registry.Describe(name)
				fmt.Printf("  - %-10s %s\n", name, info.Description)
				for _, s := range info.Settings {
					fmt.Printf("      %s\n", s)
				}
			}
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			out, err := config.Marshal(cfg)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Initialize the configured pool and serve it over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			log, flush, err := app.Setup(cfg, version)
			if err != nil {
				return err
			}
			defer func() { _ = flush(context.Background()) }()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return app.Serve(ctx, cfg, log)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show the pool status reported by a server",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			defer client.Close()
			stats, err := client.Stats(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, stats)
		},
	})

	var timeout time.Duration
	allocateCmd := &cobra.Command{
		Use:   "allocate WORKER_ID",
		Short: "Lease a resource from a server and print its connection info",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			defer client.Close()
			info, err := client.Allocate(cmd.Context(), args[0], timeout)
			if err != nil {
				return err
			}
			return printJSON(cmd, info)
		},
	}
	allocateCmd.Flags().DurationVarP(&timeout, "timeout", "t", 30*time.Second, "How long to wait for a free resource")
	root.AddCommand(allocateCmd)

	var noReset bool
	releaseCmd := &cobra.Command{
		Use:   "release RESOURCE_ID WORKER_ID",
		Short: "Return a leased resource to a server",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			defer client.Close()
			result, err := client.ReleaseDetailed(cmd.Context(), args[0], args[1], pool.WithReset(!noReset))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), result)
			return nil
		},
	}
	releaseCmd.Flags().BoolVar(&noReset, "no-reset", false, "Skip the backend reset")
	root.AddCommand(releaseCmd)

	return root
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return err
}
