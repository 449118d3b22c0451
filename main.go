package main

import "scenegrouper/cmd"

func main() {
	cmd.Execute()
}
