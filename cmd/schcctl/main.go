// schcctl is the CLI client for the schcd daemon.
package main

import "github.com/lpwan-works/goschc/cmd/schcctl/commands"

func main() {
	commands.Execute()
}
