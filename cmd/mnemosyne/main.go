package main

import "github.com/tartarus-sandbox/mnemosyne/cmd/mnemosyne/cmd"

func main() {
	cmd.Execute()
}
