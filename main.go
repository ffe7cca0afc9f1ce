package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"Droidfleet/pkg/sandbox"
)

// Version is set at build time with -ldflags "-X main.Version=..."
var Version = "dev"

// shutdownGrace is how long running scripts get to finish on exit
const shutdownGrace = 30 * time.Second

var (
	cfgFile string
	appCfg  *Config
)

var rootCmd = &cobra.Command{
	Use:           "droidfleet",
	Short:         "Droidfleet - script execution engine for LDPlayer device farms",
	Long:          `Droidfleet runs user JavaScript against LDPlayer emulator profiles over ADB, one task at a time per profile.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := LoadConfig(NewViper(cfgFile))
		if err != nil {
			return err
		}
		if err := InitLogger(cfg.LogConfig()); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}
		appCfg = cfg
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default ./droidfleet.yaml or ~/.droidfleet/droidfleet.yaml)")
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	rootCmd.AddCommand(serveCmd, mcpCmd, validateCmd, runCmd, profileCmd, logsCmd, captchaCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the engine with the log hub and the script inbox",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := startApp()
		if err != nil {
			return err
		}
		if err := app.Serve(); err != nil {
			shutdownApp(app)
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		<-ctx.Done()

		return shutdownApp(app)
	},
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the MCP protocol over stdio",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := startApp()
		if err != nil {
			return err
		}
		serveErr := StartMCPServer(app)
		if err := shutdownApp(app); err != nil && serveErr == nil {
			return err
		}
		return serveErr
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate <script.js>",
	Short: "Check a script for syntax errors without running it",
	Args:  cobra.ExactArgs(1),
	// no app, no store: validation is pure
	RunE: func(cmd *cobra.Command, args []string) error {
		code, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		if err := sandbox.Validate(string(code)); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: script is valid\n", args[0])
		return nil
	},
}

// startApp builds the application from the loaded config
func startApp() (*App, error) {
	LogAppState(StateStarting, map[string]interface{}{"version": Version})
	app, err := NewApp(appCfg, Version)
	if err != nil {
		LogError("app").Err(err).Msg("Failed to start")
		return nil, err
	}
	return app, nil
}

func shutdownApp(app *App) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	return app.Shutdown(ctx)
}

func main() {
	defer CloseLogger()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		CloseLogger()
		os.Exit(1)
	}
}
