package main

import "github.com/bryanchriswhite/appdriver/cmd/appdriver/commands"

func main() {
	commands.Execute()
}
