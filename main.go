package main

import "github.com/ValentinKolb/dLease/cmd"

func main() {
	cmd.Execute()
}
