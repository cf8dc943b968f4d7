package main

import "github.com/velora/rendercache/cmd/rendercache/cmd"

func main() {
	cmd.Execute()
}
