package main

import (
	_ "go.uber.org/automaxprocs"

	"github.com/leaktk/nps/cmd"
)

func main() {
	cmd.Execute()
}
