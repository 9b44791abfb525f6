// Command renderctl talks to a rendering service from the shell: it issues
// single calls, lists announced instances and can run a stub service.
package main

func main() {
	Execute()
}
