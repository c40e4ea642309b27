package main

import "github.com/phanzl/storewatch/cmd"

func main() {
	cmd.Execute()
}
