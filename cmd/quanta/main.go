package main

import (
	"os"

	"github.com/quanta/quanta/cmd/quanta/commands"
)

// Set through -ldflags "-X main.version=... -X main.commit=... -X main.buildDate=...".
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	os.Exit(commands.Main(os.Args[1:], commands.BuildInfo{
		Version:   version,
		Commit:    commit,
		BuildDate: buildDate,
	}))
}
