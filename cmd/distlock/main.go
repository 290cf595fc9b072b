package main

import "github.com/companyinfo/distlock/cmd"

func main() {
	cmd.Execute()
}
