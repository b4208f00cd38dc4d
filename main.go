package main

import "github.com/turbolytics/cpemirror/internal/cmd"

func main() {
	cmd.Execute()
}
