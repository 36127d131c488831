// Command server runs the position ledger HTTP API.
//
//	server serve              # start the API
//	server migrate            # apply the PostgreSQL schema
//	server serve --config ledger.env
package main

import (
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
