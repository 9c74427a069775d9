// Command nbind builds native CMake projects from source and emits the
// link information needed to bind them from Go.
package main

import "github.com/goplus/nativebind/cmd/nbind/internal"

func main() {
	internal.Execute()
}
