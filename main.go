package main

import "github.com/vibast-solutions/ms-go-checkout/cmd"

func main() {
	cmd.Execute()
}
