package main

import "github.com/joshcarp/mtbert"

func main() {
	mtbert.Execute()
}
