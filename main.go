package main

import "github.com/wkalt/cstore/client/cstore/cmd"

func main() {
	cmd.Execute()
}
