package main

import (
	"os"

	"github.com/lopezworks/lopez/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
