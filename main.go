// Command sdlcflow orchestrates the SDLC agent pipeline.
package main

import "sdlcflow/internal/cli"

func main() {
	cli.Execute()
}
