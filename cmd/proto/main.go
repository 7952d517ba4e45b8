// Package main is the proto command line tool.
package main

import (
	"log"
	"os"

	"github.com/chutsu/proto/cli"
)

func main() {
	app := cli.NewApp(os.Stdout, os.Stderr)
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
