package main

import "github.com/replaycast/replaycast/cmd"

func main() {
	cmd.Execute()
}
