// Command pki-server runs the certificate and key request engine and its
// administration commands.
package main

import (
	"github.com/eldorplus/pki/cmd/cli"
)

// main 将所有执行委托给 cli 包。
func main() {
	cli.Execute()
}
