package main

import "github.com/grimoire-rpg/grimoire/cmd"

func main() {
	cmd.Execute()
}
