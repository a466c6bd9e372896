// Command stacks-node runs a Stacks blockchain node, the entry point
// wiring config.Load/config.ApplyFlags into node.New, matching
// beacon-chain/main.go's own app-bootstrap-then-node.Start shape.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/blockstack/stacks-blockchain/config"
	"github.com/blockstack/stacks-blockchain/node"
	"github.com/blockstack/stacks-blockchain/shared/logutil"
)

func main() {
	app := &cli.App{
		Name:  "stacks-node",
		Usage: "Run a Stacks blockchain node",
		Flags: config.Flags,
		Action: func(ctx *cli.Context) error {
			return run(ctx)
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx *cli.Context) error {
	if lvl, err := logrus.ParseLevel(ctx.String(config.VerbosityFlag.Name)); err == nil {
		logrus.SetLevel(lvl)
	}
	if logFile := ctx.String(config.LogFileFlag.Name); logFile != "" {
		if err := logutil.ConfigurePersistentLogging(logFile); err != nil {
			return err
		}
	}

	var cfg *config.Config
	if path := ctx.String(config.ConfigFileFlag.Name); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return err
		}
		cfg = loaded
	} else {
		cfg = config.Default()
	}
	config.ApplyFlags(cfg, ctx)

	n, err := node.New(cfg)
	if err != nil {
		return err
	}
	n.Start()
	return nil
}
