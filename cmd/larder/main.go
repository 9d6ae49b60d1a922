// Command larder stores entity graphs and merges edited copies back.
package main

import "github.com/mesh-intelligence/larder/internal/cli"

func main() {
	cli.Execute()
}
