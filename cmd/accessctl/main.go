package main

import (
	"os"

	"github.com/odyssey-erp/odyssey-access/cmd/odyssey/cli"
)

func main() {
	os.Exit(cli.Execute())
}
