package main

import "kvmmount/cmd"

func main() {
	cmd.Execute()
}
