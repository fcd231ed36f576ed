// Command agenthubctl drives an agenthub daemon from the shell.
package main

func main() {
	Execute()
}
