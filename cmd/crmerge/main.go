// Command crmerge runs the change request merge engine on local files.
package main

import (
	"errors"
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		if errors.Is(err, errConflicts) {
			os.Exit(2)
		}
		fmt.Fprintln(os.Stderr, "crmerge:", err)
		os.Exit(1)
	}
}
