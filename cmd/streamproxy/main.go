// Package main is the entry point for streamproxy.
package main

func main() {
	Execute()
}
