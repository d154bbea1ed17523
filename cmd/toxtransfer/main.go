// Command toxtransfer sends and receives files between two hosts.
package main

func main() {
	Execute()
}
