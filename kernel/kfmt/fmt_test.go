package kfmt

import (
	"bytes"
	"testing"
)

func TestPrintf(t *testing.T) {
	defer func() {
		outputSink = nil
	}()

	// mute vet warnings about malformed printf formatting strings
	printfn := Printf

	specs := []struct {
		fn        func()
		expOutput string
	}{
		{
			func() { printfn("[pmm] no args") },
			"[pmm] no args",
		},
		{
			func() { printfn("%t/%t", true, false) },
			"true/false",
		},
		{
			func() { printfn("kind: %s", "usable") },
			"kind: usable",
		},
		{
			func() { printfn("kind: '%8s'", []byte("acpi")) },
			"kind: '    acpi'",
		},
		{
			func() { printfn("frames: %d", uint64(1280)) },
			"frames: 1280",
		},
		{
			func() { printfn("'%6d'", uint32(42)) },
			"'    42'",
		},
		{
			func() { printfn("0x%16x", uintptr(0xffffffff90005000)) },
			"0xffffffff90005000",
		},
		{
			func() { printfn("0x%10x", uint64(0x100000)) },
			"0x0000100000",
		},
		{
			func() { printfn("%o", uint16(0777)) },
			"777",
		},
		{
			func() { printfn("'%5d'", int(-42)) },
			"'  -42'",
		},
		{
			func() { printfn("'%4x'", int32(-0x2a)) },
			"'-02a'",
		},
		{
			func() { printfn("%d", int64(0)) },
			"0",
		},
		{
			func() { printfn("%%%s%d%t", "foo", 123, true) },
			"%foo123true",
		},
		{
			func() { printfn("extra", "foo", 1) },
			"extra%!(EXTRA)%!(EXTRA)",
		},
		{
			func() { printfn("missing %s") },
			"missing %!(MISSING)",
		},
		{
			func() { printfn("bad verb %Q") },
			"bad verb %!(NOVERB)",
		},
		{
			func() { printfn("trailing %") },
			"trailing %!(NOVERB)",
		},
		{
			func() { printfn("not bool %t", "foo") },
			"not bool %!(WRONGTYPE)",
		},
		{
			func() { printfn("not int %d", "foo") },
			"not int %!(WRONGTYPE)",
		},
		{
			func() { printfn("not string %s", 123) },
			"not string %!(WRONGTYPE)",
		},
	}

	var buf bytes.Buffer
	SetOutputSink(&buf)

	for specIndex, spec := range specs {
		buf.Reset()
		spec.fn()

		if got := buf.String(); got != spec.expOutput {
			t.Errorf("[spec %d] expected to get\n%q\ngot:\n%q", specIndex, spec.expOutput, got)
		}
	}
}

func TestPrintfToRingBuffer(t *testing.T) {
	defer func() {
		outputSink = nil
	}()

	outputSink = nil
	earlyBuf = ringBuffer{}

	exp := "[pmm] early output"
	Printf(exp)

	var buf bytes.Buffer
	SetOutputSink(&buf)

	if got := buf.String(); got != exp {
		t.Fatalf("expected to get:\n%q\ngot:\n%q", exp, got)
	}

	if GetOutputSink() != &buf {
		t.Fatal("expected GetOutputSink to return the attached sink")
	}
}

func TestFprintf(t *testing.T) {
	var buf bytes.Buffer

	Fprintf(&buf, "frame %d", 7)

	if exp, got := "frame 7", buf.String(); got != exp {
		t.Fatalf("expected to get:\n%q\ngot:\n%q", exp, got)
	}
}
