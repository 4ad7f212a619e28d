package main

import (
	"github.com/vietddude/shepherd/internal/cli"
)

func main() {
	cli.Execute()
}
