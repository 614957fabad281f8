// meshctl is the command-line client for the relaymesh control plane.
package main

import "github.com/relaymesh/relaymesh/pkg/cli"

func main() {
	cli.Execute()
}
