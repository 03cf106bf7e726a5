package main

import "github.com/CristianCarreira/aipal/cmd"

func main() {
	cmd.Execute()
}
