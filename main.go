package main

import "github.com/nextlevelbuilder/agentcore/cmd"

func main() {
	cmd.Execute()
}
