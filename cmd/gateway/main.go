package main

import (
	"os"

	"github.com/aman-churiwal/admission-gateway/internal/cmd"
)

// Set via ldflags: -X main.version=1.0.0
var version = "dev"

func main() {
	cmd.SetVersion(version)

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
