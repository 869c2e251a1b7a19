package main

import (
	"fmt"
	"os"

	"envfleet/internal/cli"
)

func main() {
	if err := cli.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "envfleet:", err)
		os.Exit(1)
	}
}
