package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"gnb-go/pkg/gnb"
	"gnb-go/pkg/log"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
)

var upCommand = &cli.Command{
	Name:      "up",
	Usage:     "starts the gnb daemon",
	UsageText: "gnb [--config FILE] up [--console]",
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "console",
			Usage: "Log to the console instead of the SQLite log database",
		},
	},
	Action: upCmd,
}

func upCmd(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return cli.Exit(fmt.Sprintf("Error: invalid log_level %q", cfg.LogLevel), 1)
	}
	log.SetLevel(level)
	if c.Bool("console") {
		log.SetStd()
	} else {
		if err := log.Init(cfg.LogDB); err != nil {
			return cli.Exit(fmt.Sprintf("Error initializing logger: %v", err), 1)
		}
		defer log.Close()
	}

	fmt.Printf(banner, Version, BuildTime)
	if cfg.ConfigFile != "" {
		log.Printf("using config file %s", cfg.ConfigFile)
	}

	g, err := gnb.New(cfg)
	if err != nil {
		return cli.Exit(fmt.Sprintf("Error creating gnb: %v", err), 1)
	}
	defer g.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := g.Run(ctx); err != nil {
		log.Error().Err(err).Msg("gnb stopped on error")
		return cli.Exit(err.Error(), 127)
	}
	log.Printf("gnb has been shut down.")
	return nil
}
