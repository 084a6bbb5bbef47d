package main

import "github.com/fakeyudi/agentconsole/cmd"

func main() {
	cmd.Execute()
}
