package main

import "github.com/dmitrymomot/postman/internal/cli"

func main() {
	cli.Execute()
}
