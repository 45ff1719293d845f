package main

import (
	"fmt"

	"github.com/pelletier/go-toml/v2"
	"github.com/urfave/cli/v2"
)

var configCommand = &cli.Command{
	Name:      "config",
	Usage:     "prints the effective configuration as TOML",
	UsageText: "gnb [--config FILE] config",
	Action:    configCmd,
}

func configCmd(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	out, err := toml.Marshal(cfg)
	if err != nil {
		return cli.Exit(fmt.Sprintf("Error encoding configuration: %v", err), 1)
	}
	if cfg.ConfigFile != "" {
		fmt.Printf("# loaded from %s\n", cfg.ConfigFile)
	}
	fmt.Print(string(out))
	return nil
}
