package main

import "github.com/chrisvdg/cssoptm/cmd"

func main() {
	cmd.Execute()
}
