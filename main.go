package main

import (
	"github.com/thingful/agripipe/pkg/tasks"
)

func main() {
	tasks.Execute()
}
