// Command sockfab drives the socket fabric provider from the shell.
package main

import (
    "os"

    "github.com/bturrubiates/libfabric/cmd/sockfab/cmd"
)

func main() {
    if err := cmd.Execute(); err != nil { os.Exit(1) }
}
