package main

import (
	"os"

	"github.com/go-delve/reclaim/cmd/reclaim/cmds"
)

func main() {
	if err := cmds.New().Execute(); err != nil {
		os.Exit(1)
	}
}
