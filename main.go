package main

import "github.com/audiolibrelab/stemcapture/cmd"

func main() {
	cmd.Execute()
}
