package main

import (
	"github.com/smnshah/os/kernel/kmain"
	"github.com/smnshah/os/kernel/mm"
)

var (
	// memoryMap and hhdmOffset are populated by the boot code from the
	// bootloader responses before main is invoked.
	memoryMap  []mm.Region
	hhdmOffset mm.HHDM
)

// main makes a dummy call to the actual kernel main entrypoint function. It
// is intentionally defined to prevent the Go compiler from optimizing away the
// real kernel code.
//
// Global variables are passed as arguments to Kmain to prevent the compiler
// from inlining the actual call and removing Kmain from the generated .o file.
func main() {
	kmain.MustKmain(memoryMap, hhdmOffset)
}
