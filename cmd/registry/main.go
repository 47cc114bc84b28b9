package main

import (
	"context"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"time"

	gorillahandlers "github.com/gorilla/handlers"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/quayside/registry/configuration"
	"github.com/quayside/registry/internal/dcontext"
	"github.com/quayside/registry/registry/handlers"
	"github.com/quayside/registry/version"

	_ "github.com/quayside/registry/registry/auth/htpasswd"
	_ "github.com/quayside/registry/registry/auth/silly"
	_ "github.com/quayside/registry/registry/storage/driver/filesystem"
	_ "github.com/quayside/registry/registry/storage/driver/inmemory"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "registry",
	Short:         "registry stores and distributes container images and artifacts",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show the version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("%s %s\n", version.Package, version.Version)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve <config path>",
	Short: "Serve the registry API",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		config, err := resolveConfiguration(args[0])
		if err != nil {
			return fmt.Errorf("configuration error: %w", err)
		}

		ctx := dcontext.Background()
		ctx, err = configureLogging(ctx, config)
		if err != nil {
			return fmt.Errorf("error configuring logger: %w", err)
		}

		app := handlers.NewApp(ctx, config)

		handler := gorillahandlers.CombinedLoggingHandler(os.Stdout, app)

		if config.HTTP.Debug.Addr != "" {
			go func(addr string) {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.Handler())
				mux.HandleFunc("/debug/pprof/", pprof.Index)
				mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
				mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
				mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

				dcontext.GetLogger(ctx).Infof("debug server listening %v", addr)
				if err := http.ListenAndServe(addr, mux); err != nil {
					dcontext.GetLogger(ctx).Fatalf("error listening on debug interface: %v", err)
				}
			}(config.HTTP.Debug.Addr)
		}

		addr := config.HTTP.Addr
		if addr == "" {
			addr = ":5000"
		}

		dcontext.GetLogger(ctx).Infof("listening on %v", addr)
		return http.ListenAndServe(addr, handler)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
}

func resolveConfiguration(path string) (*configuration.Configuration, error) {
	fp, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fp.Close()

	config, err := configuration.Parse(fp)
	if err != nil {
		return nil, fmt.Errorf("error parsing %s: %w", path, err)
	}

	return config, nil
}

// configureLogging prepares the context with a logger using the
// configuration.
func configureLogging(ctx context.Context, config *configuration.Configuration) (context.Context, error) {
	logrus.SetLevel(logLevel(config.Log.Level))

	switch config.Log.Formatter {
	case "", "text":
		logrus.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: time.RFC3339Nano,
			DisableColors:   true,
			FullTimestamp:   true,
		})
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
		})
	default:
		return ctx, fmt.Errorf("unsupported logging formatter: %q", config.Log.Formatter)
	}

	if len(config.Log.Fields) > 0 {
		// build up the static fields, if present.
		var fields []interface{}
		for k := range config.Log.Fields {
			fields = append(fields, k)
		}

		ctx = dcontext.WithValues(ctx, config.Log.Fields)
		ctx = dcontext.WithLogger(ctx, dcontext.GetLogger(ctx, fields...))
	}

	dcontext.SetDefaultLogger(dcontext.GetLogger(ctx))

	return ctx, nil
}

func logLevel(level string) logrus.Level {
	l, err := logrus.ParseLevel(level)
	if err != nil {
		l = logrus.InfoLevel
		if level != "" {
			logrus.Warnf("error parsing level %q: %v, using %q", level, err, l)
		}
	}

	return l
}
