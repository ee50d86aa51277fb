// Command dorastudio is the Dora Studio command-line front end.
package main

import (
	"os"

	"github.com/instantcocoa/dorastudio/cli/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
