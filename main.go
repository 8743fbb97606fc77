package main

import "github.com/audiolibrelab/pcmstream/cmd"

func main() {
	cmd.Execute()
}
