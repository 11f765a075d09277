package main

import (
	"github.com/JakeFAU/outreach-daemon/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
