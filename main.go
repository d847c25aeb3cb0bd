// immdos is the command-line interface to the IMM-DOS NX kernel.
package main

import (
	"context"
	"os"

	"github.com/retrodos/imm-dos-nx/internal/cli"
	"github.com/retrodos/imm-dos-nx/internal/cli/cmd"
)

var (
	commands = []cli.Command{
		cmd.Boot(),
		cmd.Run(),
	}
)

// Entry point.
func main() {
	result :=
		cli.New(context.Background()).
			WithLogger(os.Stderr).
			WithCommands(commands).
			WithHelp(cmd.Help(commands)).
			Execute(os.Args[1:])

	os.Exit(result)
}
