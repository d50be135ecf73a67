package main

import sandboxd "github.com/sandboxd/sandboxd/cmd/sandboxd"

func main() {
	sandboxd.Execute()
}
