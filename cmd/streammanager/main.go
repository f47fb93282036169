package main

import "github.com/bryanchriswhite/streammanager/cmd/streammanager/commands"

func main() {
	commands.Execute()
}
