package main

import "github.com/urfave/cli"

const (
	optionBCConfig      = "bc"
	optionSign          = "sign"
	optionInstance      = "instance"
	optionInstanceShort = "i"
	optionDarc          = "darc"
	optionSave          = "save"
	optionUnconfirmed   = "unconfirmed"
)

var ledgerFlags = []cli.Flag{
	cli.StringFlag{
		Name:  optionBCConfig,
		Usage: "the ByzCoin config to use (default from the configuration)",
	},
	cli.StringFlag{
		Name:  optionSign,
		Usage: "private key of the signer (default is the configured key, then the admin identity of the ByzCoin config)",
	},
	cli.StringFlag{
		Name:  optionInstance + ", " + optionInstanceShort,
		Usage: "accesshash instance ID (default from the configuration)",
	},
}

var cmds = cli.Commands{
	{
		Name:   "whoami",
		Usage:  "Show the account of the current session",
		Action: whoami,
	},
	{
		Name:    "requests",
		Aliases: []string{"ls"},
		Usage:   "List the access requests to your records",
		Action:  listRequests,
	},
	{
		Name:      "accept",
		Usage:     "Give a doctor access to your records",
		ArgsUsage: "<request hash or #>",
		Action:    accept,
		Flags:     ledgerFlags,
	},
	{
		Name:      "decline",
		Usage:     "Refuse a doctor access to your records",
		ArgsUsage: "<request hash or #>",
		Action:    decline,
		Flags:     ledgerFlags,
	},
	{
		Name:      "history",
		Usage:     "Show the decision attempts kept in the journal",
		ArgsUsage: "[request hash]",
		Action:    history,
		Flags: []cli.Flag{
			cli.BoolFlag{
				Name:  optionUnconfirmed,
				Usage: "only the attempts anchored on the ledger but never confirmed",
			},
		},
	},
	{
		Name:  "contract",
		Usage: "Manage the accesshash contract instance",
		Subcommands: cli.Commands{
			{
				Name:   "spawn",
				Usage:  "Spawn a new accesshash instance",
				Action: contractSpawn,
				Flags: append(ledgerFlags,
					cli.StringFlag{
						Name:  optionDarc,
						Usage: "the darc with the spawn:accesshash and invoke:accesshash.add_access_hash rules (default is the admin darc)",
					},
					cli.BoolFlag{
						Name:  optionSave,
						Usage: "store the new instance ID in the configuration file",
					}),
			},
			{
				Name:   "show",
				Usage:  "Show the hashes anchored on the instance",
				Action: contractShow,
				Flags:  ledgerFlags,
			},
		},
	},
	{
		Name:   "key",
		Usage:  "Create a new signer key pair",
		Action: createKey,
	},
	{
		Name:  "config",
		Usage: "Manage the configuration file",
		Subcommands: cli.Commands{
			{
				Name:   "show",
				Usage:  "Print the configuration in use",
				Action: configShow,
			},
			{
				Name:   "save",
				Usage:  "Write the configuration in use to the configuration file",
				Action: configSave,
			},
		},
	},
}
