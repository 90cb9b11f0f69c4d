package main

import (
	"fmt"
	"os"

	"github.com/BradenHooton/keystone/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "keystone: %v\n", err)
		os.Exit(1)
	}
}
