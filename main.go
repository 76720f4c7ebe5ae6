// Command hdas attributes writes under a user's home directory to the
// package responsible for them (spec.md §1).
package main

import (
	"os"

	"github.com/adelmonte/hdas/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
