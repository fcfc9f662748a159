package main

import "github.com/nextlevelbuilder/hqlink/cmd"

func main() {
	cmd.Execute()
}
