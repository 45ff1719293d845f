package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gnb-go/pkg/log"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
)

// timeFormats are tried in order for absolute time specifications.
var timeFormats = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// parseTimeSpec accepts a duration back from now ("1h", "30m") or an
// absolute timestamp.
func parseTimeSpec(spec string) (time.Time, error) {
	if d, err := time.ParseDuration(spec); err == nil {
		return time.Now().Add(-d), nil
	}
	for _, layout := range timeFormats {
		if ts, err := time.ParseInLocation(layout, spec, time.Local); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid time specification %q: use a duration (e.g. '1h', '30m') or a timestamp (e.g. '2023-10-27T15:04:05Z')", spec)
}

const logsCommandHelpTemplate = `NAME:
   {{.HelpName}} - {{.Usage}}

USAGE:
   {{.HelpName}} {{if .UsageText}}{{.UsageText}}{{else}}[command options]{{end}}
{{if .Description}}
DESCRIPTION:
   {{.Description | Indent 4}}
{{end}}
MODES (choose one; defaults to --last):
     --last                 Retrieve the most recent N log entries.
     --since                Retrieve logs since a start time up to now.
     --between              Retrieve logs between a start and an end time.

OPTIONS:
{{range .VisibleFlags}}   {{.}}
{{end}}
TIME SPECIFICATION:
     1. Relative duration back from now: "5m", "1h30m".
     2. Absolute timestamp, local time unless a zone is given:
        "2023-10-27T15:04:05Z", "2023-10-27 10:00:00", "2023-10-27".

EXAMPLES:
     gnb logs -n 50
     gnb logs --since -s 1h -l 500 --pretty
     gnb logs --between -s 2h -e 1h
`

var logsCommand = &cli.Command{
	Name:               "logs",
	Usage:              "retrieves log entries from the gnb log database",
	UsageText:          "gnb logs [command options] [--last|--since|--between] [mode options]",
	Description:        `Reads the SQLite log database; defaults to log_db from the configuration.`,
	CustomHelpTemplate: logsCommandHelpTemplate,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "dbfile",
			Aliases: []string{"f"},
			Usage:   "SQLite log database `PATH`, relative paths are resolved in the application directory",
		},
		&cli.BoolFlag{
			Name:    "pretty",
			Aliases: []string{"p"},
			Usage:   "Human readable output instead of raw JSON",
		},
		&cli.BoolFlag{Name: "last", Usage: "Mode: most recent N entries (default)"},
		&cli.BoolFlag{Name: "since", Usage: "Mode: entries since a start time"},
		&cli.BoolFlag{Name: "between", Usage: "Mode: entries between a start and an end time"},
		&cli.IntFlag{
			Name:    "count",
			Aliases: []string{"n"},
			Usage:   "Number of entries for --last `NUMBER`",
			Value:   100,
		},
		&cli.StringFlag{
			Name:    "start",
			Aliases: []string{"s"},
			Usage:   "Start time for --since/--between `TIME_SPEC`",
		},
		&cli.StringFlag{
			Name:    "end",
			Aliases: []string{"e"},
			Usage:   "End time for --between `TIME_SPEC`",
		},
		&cli.IntFlag{
			Name:    "limit",
			Aliases: []string{"l"},
			Usage:   "Max entries for --since/--between `NUMBER`",
			Value:   1000,
		},
	},
	Action: logsCmd,
}

func logsCmd(c *cli.Context) error {
	dbFile := c.String("dbfile")
	if dbFile == "" {
		cfg, err := loadConfig(c)
		if err != nil {
			return err
		}
		dbFile = cfg.LogDB
	}

	isLast, isSince, isBetween := c.Bool("last"), c.Bool("since"), c.Bool("between")
	modes := 0
	for _, m := range []bool{isLast, isSince, isBetween} {
		if m {
			modes++
		}
	}
	if modes > 1 {
		return cli.Exit("Error: only one of --last, --since and --between can be given.", 1)
	}
	if modes == 0 {
		isLast = true
	}

	if err := log.Init(dbFile); err != nil {
		return cli.Exit(fmt.Sprintf("Error opening log database: %v", err), 1)
	}
	defer log.Close()

	var (
		results []log.LogEntry
		err     error
	)
	switch {
	case isLast:
		count := c.Int("count")
		if count <= 0 {
			return cli.Exit("Error: --count (-n) must be positive.", 1)
		}
		results, err = log.GetLastNLogs(count)

	case isSince:
		if !c.IsSet("start") {
			return cli.Exit("Error: --start (-s) is required for --since.", 1)
		}
		start, perr := parseTimeSpec(c.String("start"))
		if perr != nil {
			return cli.Exit(fmt.Sprintf("Error parsing start time: %v", perr), 1)
		}
		results, err = log.GetLogsSince(start, c.Int("limit"))

	case isBetween:
		if !c.IsSet("start") || !c.IsSet("end") {
			return cli.Exit("Error: --start (-s) and --end (-e) are required for --between.", 1)
		}
		start, perr := parseTimeSpec(c.String("start"))
		if perr != nil {
			return cli.Exit(fmt.Sprintf("Error parsing start time: %v", perr), 1)
		}
		end, perr := parseTimeSpec(c.String("end"))
		if perr != nil {
			return cli.Exit(fmt.Sprintf("Error parsing end time: %v", perr), 1)
		}
		if start.After(end) {
			fmt.Fprintf(os.Stderr, "Warning: start time (%s) is after end time (%s).\n", start.Format(time.RFC3339), end.Format(time.RFC3339))
		}
		results, err = log.GetLogsBetween(start, end, c.Int("limit"))
	}

	if err != nil {
		if errors.Is(err, log.ErrNotInitialized) {
			return cli.Exit("Internal error: log database handle became unavailable.", 2)
		}
		return cli.Exit(fmt.Sprintf("Error retrieving logs: %v", err), 1)
	}
	if len(results) == 0 {
		fmt.Fprintln(os.Stderr, "No log entries found matching the criteria.")
		return nil
	}

	if !c.Bool("pretty") {
		for _, e := range results {
			fmt.Println(e.LogData)
		}
		return nil
	}
	cw := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	for _, e := range results {
		if _, err := cw.Write([]byte(e.LogData)); err != nil {
			fmt.Println(e.LogData)
		}
	}
	return nil
}
