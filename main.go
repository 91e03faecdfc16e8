package main

import (
	"github.com/delcom/broker/cmd"
)

func main() {
	cmd.Execute()
}
