package main

import (
	"github.com/WilkinsonK/Chell/cmd"
)

func main() {
	cmd.Execute()
}
