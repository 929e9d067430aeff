// The main package for the postharvest executable.
package main

import "github.com/JakeFAU/postharvest/cmd"

func main() {
	cmd.Execute()
}
