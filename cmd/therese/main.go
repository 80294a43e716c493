// Command therese is the local backend the desktop shell talks to.
//
// Usage:
//
//	therese serve
//	therese serve --config ~/.therese/config.yaml --log-level debug
package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"

	"github.com/therese-ai/therese/pkg/logger"
)

var version = "dev"

// CLI defines the command-line interface.
type CLI struct {
	Version VersionCmd `cmd:"" help:"Show version information."`
	Serve   ServeCmd   `cmd:"" default:"1" help:"Start the local API server."`

	Config   string `short:"c" help:"Path to config file." type:"path"`
	LogLevel string `help:"Log level (debug, info, warn, error)." default:"info"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Printf("therese %s\n", version)
	return nil
}

func main() {
	cli := &CLI{}
	ctx := kong.Parse(cli,
		kong.Name("therese"),
		kong.Description("Assistant local pour les petites entreprises."),
		kong.UsageOnError(),
	)

	logger.Init(logger.ParseLevel(cli.LogLevel), os.Stderr, "simple")

	if err := ctx.Run(cli); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
