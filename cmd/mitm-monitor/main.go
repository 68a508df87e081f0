package main

import (
	"os"

	"mitm-monitor/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
