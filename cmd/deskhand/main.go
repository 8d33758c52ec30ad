package main

import (
	"os"

	"github.com/MEKXH/deskhand/cmd/deskhand/commands"
)

func main() {
	if err := commands.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
