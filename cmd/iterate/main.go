// Command iterate runs and controls the iteration daemon.
package main

import "github.com/iteratedev/iterate/internal/cli"

func main() {
	cli.Execute()
}
