package main

import "github.com/Account-Link/dstack-semiproprietary-modules/internal/cli"

func main() {
	cli.Execute()
}
