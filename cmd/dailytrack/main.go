package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli"
)

var version = "dev"

func main() {
	app := cli.NewApp()
	app.Name = "dailytrack"
	app.Usage = "delivers one music track per user per day"
	app.Version = version
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:   "config, c",
			Value:  "./config.yaml",
			Usage:  "path to the config file (json or yaml)",
			EnvVar: "DAILYTRACK_CONFIG",
		},
		cli.StringFlag{
			Name:  "env-file",
			Value: ".env",
			Usage: "optional dotenv file loaded before the config",
		},
	}
	app.Before = loadEnv
	app.Commands = []cli.Command{
		{
			Name:   "run",
			Usage:  "start the daemon",
			Action: run,
		},
		{
			Name:   "send-now",
			Usage:  "deliver a track to one user immediately",
			Flags:  []cli.Flag{userFlag},
			Action: sendNow,
		},
		{
			Name:   "schedules",
			Usage:  "list profiles with their next delivery time",
			Action: schedules,
		},
		{
			Name:  "user",
			Usage: "manage user profiles",
			Subcommands: []cli.Command{
				{
					Name:   "set",
					Usage:  "create or update a profile",
					Flags:  userSetFlags,
					Action: userSet,
				},
				{
					Name:   "disable",
					Usage:  "stop deliveries to a user",
					Flags:  []cli.Flag{userFlag},
					Action: userDisable,
				},
			},
		},
		{
			Name:   "sweep",
			Usage:  "evict expired audio from the cache once",
			Action: sweep,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}
