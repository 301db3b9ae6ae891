package main

import (
	"os"

	"github.com/awnumar/memguard"
)

func main() {
	memguard.CatchInterrupt()
	defer memguard.Purge()

	if err := runMain(os.Args); err != nil {
		memguard.SafeExit(1)
	}
}

// runMain is the hostca main
func runMain(args []string) error {
	saveOsArgs := os.Args
	os.Args = args

	cmdName := ""
	if len(args) > 1 {
		cmdName = args[1]
	}
	scmd := NewCommand(cmdName)

	err := scmd.Execute()
	os.Args = saveOsArgs
	return err
}
