// The main package for the queuewatch executable.
package main

import (
	"queuewatch/cmd"
)

// main is the entry point of the application.
// It defers all execution to the Cobra CLI library.
func main() {
	cmd.Execute()
}
