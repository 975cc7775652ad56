package main

import "github.com/driftlock/inletd/internal/cli"

func main() {
	cli.Execute()
}
