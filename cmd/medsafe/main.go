package main

import (
	"math/rand"
	"os"
	"time"

	utilclient "github.com/medisafe/accessgrant/util/client"
	"github.com/sirupsen/logrus"
	cli "github.com/urfave/cli"
	bcadminlib "go.dedis.ch/cothority/v3/byzcoin/bcadmin/lib"
	"go.dedis.ch/onet/v3/cfgpath"
	"go.dedis.ch/onet/v3/log"
)

var cliApp = cli.NewApp()
var gitTag = "dev"

// cfg is loaded before any command runs
var cfg *utilclient.Config

func init() {
	cliApp.Name = "medsafe"
	cliApp.Usage = "Review and answer the access requests to your medical records."
	cliApp.Version = gitTag
	cliApp.Commands = cmds
	cliApp.Flags = []cli.Flag{
		cli.IntFlag{
			Name:  "debug, d",
			Value: -1,
			Usage: "debug-level: 1 for terse, 5 for maximal (default from the config)",
		},
		cli.StringFlag{
			Name:  "config, c",
			Value: cfgpath.GetDataPath("bcadmin"),
			Usage: "path to the bcadmin configuration-directory holding the keys",
		},
		cli.StringFlag{
			Name:  "file, f",
			Value: utilclient.DefaultConfigPath(),
			Usage: "medsafe configuration file",
		},
		cli.BoolFlag{
			Name:  "wait, w",
			Usage: "wait for the ledger to propagate after spawning",
		},
		cli.StringFlag{
			Name:  "env",
			Value: ".env",
			Usage: "file with MEDSAFE_* variables",
		},
	}
	cliApp.Before = func(c *cli.Context) error {
		var err error
		cfg, err = utilclient.LoadConfig(c.String("file"), c.String("env"))
		if err != nil {
			return err
		}
		lvl := cfg.LogLevel
		if c.Int("debug") >= 0 {
			lvl = c.Int("debug")
		}
		utilclient.SetLogLevel(lvl)
		bcadminlib.ConfigPath = c.String("config")
		logrus.WithField("backend", cfg.BackendURL).Debug("configuration loaded")
		return nil
	}
}

func main() {
	rand.Seed(time.Now().UTC().UnixNano())
	log.ErrFatal(cliApp.Run(os.Args))
}
