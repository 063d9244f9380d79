package main

import (
	"os"
)

func main() {
	if err := newRootCmd(openBackend).Execute(); err != nil {
		os.Exit(1)
	}
}
