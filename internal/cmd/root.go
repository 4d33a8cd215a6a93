package cmd

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/niels/tinyhttpd/pkg/config"
	"github.com/niels/tinyhttpd/pkg/contenttype"
	"github.com/niels/tinyhttpd/pkg/logging"
	"github.com/niels/tinyhttpd/pkg/resolver"
	"github.com/niels/tinyhttpd/pkg/server"
	"github.com/niels/tinyhttpd/pkg/stats"
	"github.com/niels/tinyhttpd/pkg/version"
	"github.com/spf13/cobra"
)

var (
	configPath  string
	port        int
	rootDir     string
	debug       bool
	quiet       bool
	showVersion bool
	cfg         *config.Config
)

// NewRootCmd creates the root command for tinyhttpd
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   version.AppName,
		Short: version.Description,
		Long: fmt.Sprintf(`%s - %s

Serves .html, .css and .js files from a root directory over HTTP/1.1.
Only GET is supported and every connection carries exactly one request.
`, version.AppName, version.Description),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Load configuration
			if configPath != "" {
				// A missing file falls back to defaults, a broken one is fatal
				loaded, err := config.LoadOrDefault(configPath)
				if err != nil {
					return fmt.Errorf("failed to load configuration: %w", err)
				}
				cfg = loaded
			} else {
				cfg = config.Default()
			}

			// Flags win over the file and the environment
			if cmd.Flags().Changed("port") {
				cfg.Server.Port = port
			}
			if cmd.Flags().Changed("root") {
				cfg.Server.Root = rootDir
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			logging.InitGlobalLogger(debug, cfg)
			logging.InfoWith("Initializing tinyhttpd", map[string]interface{}{
				"config": configPath,
				"addr":   cfg.Server.Addr(),
				"root":   cfg.Server.Root,
			})

			if debug {
				logging.DebugWith("Configuration details", map[string]interface{}{
					"max_connections":  cfg.Server.MaxConnections,
					"read_timeout":     cfg.Server.ReadTimeout,
					"write_timeout":    cfg.Server.WriteTimeout,
					"shutdown_timeout": cfg.Server.ShutdownTimeout,
					"retry_backoff":    cfg.Retry.BackoffEnabled(),
					"log_to_file":      cfg.Logging.LogToFile,
				})
			}

			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			// Check if we should just show the version
			if showVersion {
				fmt.Fprintln(cmd.OutOrStdout(), version.GetVersionInfo())
				return nil
			}

			root, err := resolver.NewRoot(cfg.Server.Root)
			if err != nil {
				logging.ErrorWith("Invalid web root", map[string]interface{}{
					"root":  cfg.Server.Root,
					"error": err,
				})
				return fmt.Errorf("invalid web root: %w", err)
			}

			tracker := stats.NewConsoleTracker().
				WithWriter(cmd.OutOrStdout()).
				WithQuiet(quiet || !cfg.Access.AccessEnabled())
			if enabled, set := cfg.Access.ColorEnabled(); set {
				tracker.WithColor(enabled)
			}

			srv := server.New(cfg, root).WithTracker(tracker)
			if err := srv.Listen(); err != nil {
				logging.ErrorWith("Failed to start server", map[string]interface{}{
					"addr":  cfg.Server.Addr(),
					"error": err,
				})
				return err
			}

			printBanner(cmd.OutOrStdout(), root.Path())

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := srv.Serve(ctx); err != nil {
				logging.ErrorWith("Server failed", map[string]interface{}{
					"error": err,
				})
				return fmt.Errorf("server failed: %w", err)
			}
			return nil
		},
	}

	// Add flags
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	rootCmd.PersistentFlags().IntVarP(&port, "port", "p", 8080, "Port to listen on (overrides config)")
	rootCmd.PersistentFlags().StringVarP(&rootDir, "root", "r", "www", "Directory to serve files from (overrides config)")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "Enable debug mode")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "Do not print a line per request")
	rootCmd.PersistentFlags().BoolVarP(&showVersion, "version", "v", false, "Show version information")

	return rootCmd
}

func printBanner(w io.Writer, root string) {
	title := color.New(color.FgCyan, color.Bold)
	label := color.New(color.Faint)

	title.Fprintln(w, version.ServerHeader())
	fmt.Fprintf(w, "%s %s\n", label.Sprint("root:"), root)
	fmt.Fprintf(w, "%s %s\n", label.Sprint("serving:"), strings.Join(contenttype.Extensions(), " "))
	fmt.Fprintln(w, label.Sprint("Press Ctrl+C to stop"))
}
