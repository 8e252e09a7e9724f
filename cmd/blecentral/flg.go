package main

import "github.com/urfave/cli"

var (
	flgConfig    = cli.StringFlag{Name: "config", Usage: "path to config file (default: ~/.config/blecentral/config.yaml)"}
	flgLogLevel  = cli.StringFlag{Name: "log-level", Usage: "override log_level (debug, info, warn, error)"}
	flgDuration  = cli.DurationFlag{Name: "duration, d", Usage: "scan duration (default: scan.duration)"}
	flgAllowDup  = cli.BoolFlag{Name: "dup", Usage: "report every advertisement instead of one per device"}
	flgID        = cli.StringFlag{Name: "id", Usage: "peripheral ID: MAC address on Linux, UUID on macOS"}
	flgReconnect = cli.BoolFlag{Name: "reconnect, r", Usage: "reconnect with backoff when the link drops"}
)
