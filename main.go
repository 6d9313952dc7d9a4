package main

import "github.com/lokegud/Paradelala/cmd"

func main() {
	cmd.Execute()
}
