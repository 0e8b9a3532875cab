package main

import "github.com/atp-network/atp-router/internal/cli"

func main() {
	cli.Execute()
}
