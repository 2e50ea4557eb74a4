// Command cardesk runs a front-desk stored-value card station.
package main

import (
	"os"

	"github.com/frontdesk/cardesk/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
