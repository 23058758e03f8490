package main

import "github.com/kube-tarian/perftriage/cmd/perftriage/cmd"

func main() {
	cmd.Execute()
}
