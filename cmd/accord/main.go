// Command accord runs a coordinator instance against a Redis backend. It is
// a thin wrapper for operating the library standalone; most deployments
// embed the Coordinator instead.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
