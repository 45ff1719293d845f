package main

import (
	"fmt"
	stdlog "log"
	"os"

	"gnb-go/pkg/gnb"

	"github.com/urfave/cli/v2"
)

// Set at build time.
var (
	Version   = "dev"
	BuildTime = "unknown"
)

const banner = `
   __ _ _ __ | |__         __ _  ___
  / _' | '_ \| '_ \ _____ / _' |/ _ \
 | (_| | | | | |_) |_____| (_| | (_) |
  \__, |_| |_|_.__/       \__, |\___/
  |___/                   |___/   %s (%s)
`

var configFlag = &cli.StringFlag{
	Name:    "config",
	Aliases: []string{"c"},
	Usage:   "Path to the configuration `FILE` (yaml or toml)",
	EnvVars: []string{"GNB_CONFIG"},
}

func loadConfig(c *cli.Context) (*gnb.Config, error) {
	cfg, err := gnb.LoadConfig(c.String("config"))
	if err != nil {
		return nil, cli.Exit(fmt.Sprintf("Error loading configuration: %v", err), 1)
	}
	return cfg, nil
}

func main() {
	app := &cli.App{
		Name:    "gnb",
		Usage:   "downlink transmit path of a 5G NR cell",
		Version: fmt.Sprintf("%s (built %s)", Version, BuildTime),
		Flags:   []cli.Flag{configFlag},
		Commands: []*cli.Command{
			upCommand,
			logsCommand,
			ctlCommand,
			configCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		stdlog.Fatal(err)
	}
}
