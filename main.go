package main

import (
	"fmt"
	"os"

	"github.com/centrio-installer/centrio-core/internal/cmd"
	"github.com/centrio-installer/centrio-core/internal/utils"
	"github.com/centrio-installer/centrio-core/internal/version"
	"github.com/urfave/cli/v2"
)

func main() {
	app := cli.NewApp()
	app.Name = "centrio-core"
	app.Usage = "install a Linux distribution onto a disk"
	app.Version = version.GetVersion()
	app.Authors = []*cli.Author{{Name: "Centrio authors"}}
	app.Copyright = "Centrio authors"
	app.Flags = []cli.Flag{
		&cli.BoolFlag{
			Name:    "debug",
			EnvVars: []string{"CENTRIO_DEBUG"},
		},
	}
	app.Before = func(c *cli.Context) error {
		utils.SetLogger(c.Bool("debug"))
		v := version.Get()
		utils.Log.Debug().Str("commit", v.Commit).Str("built", v.BuildDate).Str("compiled with", v.GoVersion).Str("version", v.Version).Msg("centrio-core")
		return nil
	}
	app.Commands = cmd.Commands

	err := app.Run(os.Args)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
