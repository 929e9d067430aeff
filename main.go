// The main package for the postharvest executable.
package main

import (
	"github.com/JakeFAU/postharvest/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
