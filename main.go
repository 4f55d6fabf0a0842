package main

import (
	"os"

	"github.com/jaysteelmind/dmm/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
