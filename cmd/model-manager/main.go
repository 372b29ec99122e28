package main

import (
	"go-model-manager/cmd/model-manager/cmd"
)

func main() {
	cmd.Execute()
}
