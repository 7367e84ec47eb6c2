package main

import (
	"math/rand"
	"time"

	"github.com/foilen/relay/cmd"
)

func main() {
	rand.Seed(time.Now().UnixNano())

	cmd.Execute()
}
