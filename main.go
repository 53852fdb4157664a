package main

import "droidfleet-cloud/cmd"

func main() {
	cmd.Execute()
}
