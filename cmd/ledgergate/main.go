package main

import "github.com/ledgerline/ledgergate/cmd/ledgergate/cmd"

func main() {
	cmd.Execute()
}
