package main

import (
	"fmt"
	"strings"

	"gnb-go/pkg/management"

	"github.com/urfave/cli/v2"
)

var ctlCommand = &cli.Command{
	Name:      "ctl",
	Usage:     "sends a command to the running gnb through its management socket",
	UsageText: "gnb [--config FILE] ctl [command [args...]]",
	Description: `Without a command, lists the commands the daemon accepts.
Examples: "gnb ctl pool", "gnb ctl buffers all", "gnb ctl logs pretty 50".`,
	Action: ctlCmd,
}

func ctlCmd(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	socket := cfg.MgmtSocket
	if socket == "" {
		socket = management.GetDefaultSocketPath("gnb")
	}

	client := management.NewManagementClient(socket, cfg.MgmtPassword)
	res, err := client.SendCommand(strings.Join(c.Args().Slice(), " "))
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	fmt.Println(res)
	return nil
}
