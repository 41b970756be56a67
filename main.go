/*
Copyright © 2025 Mathias Djärv <mathias.djarv@allbinary.se>
*/
package main

import (
	"os"

	"github.com/allbin/meshbridge/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
