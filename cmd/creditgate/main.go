package main

import "github.com/applypilot/creditgate/internal/cli"

func main() {
	cli.Execute()
}
