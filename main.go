package main

import "github.com/lafaom/payment-service/cmd"

func main() {
	cmd.Execute()
}
