package main

import "github.com/nufs-project/nufs/cmd"

func main() {
	cmd.Execute()
}
