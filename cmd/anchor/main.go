// Command anchor runs the structured-response pipeline from the command line.
package main

import (
	"errors"
	"os"
)

func main() {
	if err := Execute(); err != nil {
		if !errors.Is(err, errGateBlocked) {
			fatal(err)
		}
		os.Exit(1)
	}
}
