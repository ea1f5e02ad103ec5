// The main package for the pixeltrail executable.
package main

import (
	"github.com/pixeltrail/pixeltrail/cmd"
)

func main() {
	cmd.Execute()
}
