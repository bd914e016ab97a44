// Command slotsyncd runs the entitlement reconciliation service and its
// operator tooling.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
