package main

import (
	"cmp"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"

	"oidcrp/server"
)

const defaultConfigFile = "./config.yaml"

type options struct {
	configPath string
	configCmd  string
	envFile    string
	logLevel   string
}

func main() {
	var opts options
	flag.StringVar(&opts.configPath, "config", os.Getenv("RP_CONFIG"), "Path to YAML config")
	flag.StringVar(&opts.configCmd, "config-cmd", "", "Config command: init or validate")
	flag.StringVar(&opts.envFile, "env-file", ".env", "Dotenv file read before environment overrides")
	flag.StringVar(&opts.logLevel, "log-level", "info", "Log level: debug, info, warn or error")
	flag.StringVar(&opts.logLevel, "l", "info", "Shorthand for -log-level")
	flag.Parse()

	level, err := parseLogLevel(opts.logLevel)
	if err != nil {
		log.Fatalf("-log-level: %v", err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if err := run(logger, opts, flag.Args()); err != nil {
		logger.Error("rp exited", "error", err)
		os.Exit(1)
	}
}

// run dispatches to a config command, the connect diagnostic or the server.
func run(logger *slog.Logger, opts options, args []string) error {
	if err := loadEnvFile(opts.envFile); err != nil {
		return fmt.Errorf("load env file: %w", err)
	}

	if opts.configCmd != "" {
		path := cmp.Or(opts.configPath, defaultConfigFile)
		switch opts.configCmd {
		case "init":
			return runConfigInit(path, logger)
		case "validate":
			return runConfigValidate(path, logger)
		}
		return fmt.Errorf("unknown -config-cmd %q (want init or validate)", opts.configCmd)
	}

	if len(args) > 0 && args[0] == "connect" {
		cfg, err := loadConfig(opts.configPath, logger)
		if err != nil {
			return err
		}
		return connect(logger, cfg, args[1:])
	}

	path := opts.configPath
	if path == "" && len(args) > 0 {
		path = args[0]
	}
	cfg, err := loadConfig(path, logger)
	if err != nil {
		return err
	}
	return serve(logger, cfg)
}

// loadEnvFile loads path into the environment without overriding variables
// that are already set. A missing file is not an error.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// loadConfig reads path when given. Without one, ./config.yaml is used if it
// exists and the environment alone otherwise.
func loadConfig(path string, logger *slog.Logger) (server.Config, error) {
	explicit := path != ""
	if !explicit {
		path = defaultConfigFile
	}

	switch _, err := os.Stat(path); {
	case err == nil:
		logger.Debug("loading config", "path", path)
		return server.LoadConfig(path)
	case errors.Is(err, os.ErrNotExist) && !explicit:
		logger.Debug("no config file, using environment only")
		return server.LoadConfig("")
	case errors.Is(err, os.ErrNotExist):
		return server.Config{}, fmt.Errorf("no config at %s (create one with -config-cmd=init)", path)
	default:
		return server.Config{}, fmt.Errorf("stat config: %w", err)
	}
}

func runConfigInit(path string, logger *slog.Logger) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	if _, err := runSetup(os.Stdin, os.Stdout, path, logger); err != nil {
		return err
	}
	logger.Info("config.initialized", "path", path)
	return nil
}

// runConfigValidate goes beyond schema checks: it resolves the issuer and
// loads every key, exactly as start-up would.
func runConfigValidate(path string, logger *slog.Logger) error {
	cfg, err := server.LoadConfig(path)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()
	if _, err := server.NewApp(ctx, cfg, logger); err != nil {
		return err
	}

	logger.Info("config.valid", "path", path)
	return nil
}

var logLevelAliases = map[string]string{
	"":        "info",
	"warning": "warn",
	"err":     "error",
}

func parseLogLevel(value string) (slog.Level, error) {
	name := strings.ToLower(strings.TrimSpace(value))
	if alias, ok := logLevelAliases[name]; ok {
		name = alias
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(name)); err != nil {
		return 0, fmt.Errorf("unknown log level %q", value)
	}
	return level, nil
}
