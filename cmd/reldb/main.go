package main

import (
	"os"

	"github.com/Blackdeer1524/RelDB/cmd/reldb/app"
)

func main() {
	if err := app.Root().Execute(); err != nil {
		os.Exit(1)
	}
}
