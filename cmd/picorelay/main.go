package main

import "github.com/Agrid-Dev/picorelay/cmd/app"

func main() {
	app.Execute()
}
