package main

import (
	"fmt"
	"os"

	"github.com/Swind/go-dispatch/core"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "dispatchctl",
		Usage: "Exercise the dispatch queue engine",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Value:   "warn",
				Usage:   "Engine log level (debug, info, warn, error)",
				EnvVars: []string{"DISPATCH_LOG_LEVEL"},
			},
			&cli.IntFlag{
				Name:  "max-workers",
				Value: 0,
				Usage: "Worker goroutines per priority pool (0 = default)",
			},
		},
		Commands: []*cli.Command{
			scenarioCommand(),
			stressCommand(),
			serveMetricsCommand(),
		},
	}
}

// engineConfig builds the engine configuration from the global flags.
func engineConfig(c *cli.Context) (*core.EngineConfig, error) {
	level, err := zerolog.ParseLevel(c.String("log-level"))
	if err != nil {
		return nil, cli.Exit(fmt.Sprintf("invalid --log-level: %v", err), 2)
	}
	cfg := core.DefaultEngineConfig()
	cfg.Logger = core.NewZerologLogger(zerolog.New(zerolog.ConsoleWriter{Out: c.App.ErrWriter}).
		Level(level).With().Timestamp().Logger())
	cfg.MaxWorkersPerPool = c.Int("max-workers")
	return cfg, nil
}
