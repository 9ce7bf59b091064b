package main

import (
	"log/slog"
	"os"

	_ "github.com/joho/godotenv/autoload"

	"github.com/carlmjohnson/versioninfo"
	"github.com/urfave/cli/v2"
)

func main() {
	if err := run(os.Args); err != nil {
		slog.Error("exiting process", "error", err)
		os.Exit(-1)
	}
}

func run(args []string) error {
	app := cli.App{
		Name:    "shipsync",
		Usage:   "offline-first issue tracker sync client",
		Version: versioninfo.Short(),
	}

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "db",
			Usage:   "database URL (sqlite:// or postgres://)",
			Value:   "sqlite://shipsync.db",
			EnvVars: []string{"SHIPSYNC_DB"},
		},
		&cli.StringFlag{
			Name:    "server",
			Usage:   "sync server URL",
			Value:   "https://hub.realartists.com",
			EnvVars: []string{"SHIPSYNC_SERVER"},
		},
		&cli.StringFlag{
			Name:    "token",
			Usage:   "API token",
			EnvVars: []string{"SHIPSYNC_TOKEN"},
		},
		&cli.Int64Flag{
			Name:    "account",
			Usage:   "account id the token belongs to",
			EnvVars: []string{"SHIPSYNC_ACCOUNT"},
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "log verbosity level (debug, info, warn, error)",
			Value:   "info",
			EnvVars: []string{"SHIPSYNC_LOG_LEVEL", "LOG_LEVEL"},
		},
	}

	app.Commands = []*cli.Command{
		cmdSync,
		cmdIssues,
		cmdOutbox,
	}

	return app.Run(args)
}

func configLogger(cctx *cli.Context, writer *os.File) *slog.Logger {
	var level slog.Level
	switch cctx.String("log-level") {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	logger := slog.New(slog.NewJSONHandler(writer, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
	return logger
}
