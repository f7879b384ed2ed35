package main

import "github.com/dayuer/livehub/cmd"

func main() {
	cmd.Execute()
}
