// iscsictl -- administration CLI for the iscsid daemon.
package main

import "github.com/goiscsi/iscsid/cmd/iscsictl/commands"

func main() {
	commands.Execute()
}
