package main

import "github.com/tandanlab/tandan/cmd/tandan/cmd"

func main() {
	cmd.Execute()
}
