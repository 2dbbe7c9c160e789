package main

import "geobatch/cmd"

func main() {
	cmd.Execute()
}
