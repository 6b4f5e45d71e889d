package kstack

import (
	"testing"

	"github.com/smnshah/os/kernel"
	"github.com/smnshah/os/kernel/mm"
	"github.com/smnshah/os/kernel/mm/vmm"
)

var errTestMap = &kernel.Error{Module: "test", Message: "map failed"}

// mockMapper keeps track of page mappings without touching page tables.
type mockMapper struct {
	mappings map[mm.Page]mm.Frame
	flags    map[mm.Page]vmm.PageTableEntryFlag

	// failMapAt causes Map to fail for the specified page.
	failMapAt  mm.Page
	unmapCalls int
}

func newMockMapper() *mockMapper {
	return &mockMapper{
		mappings: make(map[mm.Page]mm.Frame),
		flags:    make(map[mm.Page]vmm.PageTableEntryFlag),
	}
}

func (m *mockMapper) Map(page mm.Page, frame mm.Frame, flags vmm.PageTableEntryFlag) *kernel.Error {
	if page == m.failMapAt {
		return errTestMap
	}

	if _, exists := m.mappings[page]; exists {
		return vmm.ErrAlreadyMapped
	}

	m.mappings[page] = frame
	m.flags[page] = flags
	return nil
}

func (m *mockMapper) Unmap(page mm.Page) *kernel.Error {
	m.unmapCalls++
	if _, exists := m.mappings[page]; !exists {
		return vmm.ErrNotMapped
	}

	delete(m.mappings, page)
	delete(m.flags, page)
	return nil
}

func (m *mockMapper) Translate(virtAddr uintptr) (mm.PhysAddr, *kernel.Error) {
	frame, exists := m.mappings[mm.PageFromAddress(virtAddr)]
	if !exists {
		return 0, vmm.ErrNotMapped
	}

	return frame.Address() + mm.PhysAddr(vmm.PageOffset(virtAddr)), nil
}

// mockFrameAllocator hands out sequential frames up to a limit.
type mockFrameAllocator struct {
	next      mm.Frame
	remaining int
	free      map[mm.Frame]bool
}

func newMockFrameAllocator(count int) *mockFrameAllocator {
	return &mockFrameAllocator{
		next:      0x100,
		remaining: count,
		free:      make(map[mm.Frame]bool),
	}
}

func (a *mockFrameAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	if a.remaining == 0 {
		return mm.InvalidFrame, &kernel.Error{Module: "test", Message: "out of memory"}
	}

	a.remaining--
	a.next++
	delete(a.free, a.next-1)
	return a.next - 1, nil
}

func (a *mockFrameAllocator) FreeFrame(frame mm.Frame) *kernel.Error {
	if a.free[frame] {
		return &kernel.Error{Module: "test", Message: "double free"}
	}

	a.free[frame] = true
	return nil
}

func TestAllocate(t *testing.T) {
	mapper := newMockMapper()
	frames := newMockFrameAllocator(16)
	builder := NewBuilder(mapper, frames)

	stack, err := builder.Allocate()
	if err != nil {
		t.Fatal(err)
	}

	if exp := uintptr(0xffffffff90000000); stack.Base != exp {
		t.Errorf("expected stack base to be 0x%x; got 0x%x", exp, stack.Base)
	}

	if exp := KernelStackBase + 0x5000; stack.Top != exp {
		t.Errorf("expected stack top to be 0x%x; got 0x%x", exp, stack.Top)
	}

	if exp := KernelStackBase + 0x1000; stack.Bottom() != exp {
		t.Errorf("expected stack bottom to be 0x%x; got 0x%x", exp, stack.Bottom())
	}

	if _, err := mapper.Translate(stack.Base); err != vmm.ErrNotMapped {
		t.Errorf("expected guard page to be unmapped; got %v", err)
	}

	if exp := StackPages; len(mapper.mappings) != exp {
		t.Errorf("expected %d mapped pages; got %d", exp, len(mapper.mappings))
	}

	seenFrames := make(map[mm.Frame]bool)
	for addr := stack.Bottom(); addr < stack.Top; addr += mm.PageSize {
		physAddr, err := mapper.Translate(addr)
		if err != nil {
			t.Errorf("expected stack page 0x%x to be mapped; got %v", addr, err)
			continue
		}

		if seenFrames[physAddr.Frame()] {
			t.Errorf("frame 0x%x backs more than one stack page", physAddr.Frame())
		}
		seenFrames[physAddr.Frame()] = true

		if flags := mapper.flags[mm.PageFromAddress(addr)]; flags != vmm.FlagRW {
			t.Errorf("expected stack page 0x%x to be mapped with FlagRW; got 0x%x", addr, flags)
		}
	}

	if _, err := mapper.Translate(stack.Top); err != vmm.ErrNotMapped {
		t.Errorf("expected page above stack top to be unmapped; got %v", err)
	}
}

func TestAllocateSuccessiveStacks(t *testing.T) {
	mapper := newMockMapper()
	builder := NewBuilder(mapper, newMockFrameAllocator(16))

	var stacks []Stack
	for i := 0; i < 3; i++ {
		stack, err := builder.Allocate()
		if err != nil {
			t.Fatal(err)
		}
		stacks = append(stacks, stack)
	}

	for i, stack := range stacks {
		expBase := KernelStackBase + uintptr(i)*windowSize
		if stack.Base != expBase {
			t.Errorf("[stack %d] expected base to be 0x%x; got 0x%x", i, expBase, stack.Base)
		}

		if _, err := mapper.Translate(stack.Base); err != vmm.ErrNotMapped {
			t.Errorf("[stack %d] expected guard page to be unmapped", i)
		}

		if !builder.IsGuardPage(stack.Base) || !builder.IsGuardPage(stack.Base+mm.PageSize-1) {
			t.Errorf("[stack %d] expected guard page to be recognized", i)
		}

		for addr := stack.Bottom(); addr < stack.Top; addr += mm.PageSize {
			if builder.IsGuardPage(addr) {
				t.Errorf("[stack %d] expected 0x%x not to be reported as a guard page", i, addr)
			}
		}
	}

	for _, addr := range []uintptr{
		0,
		KernelStackBase - 1,
		KernelStackBase + 3*windowSize,
		KernelStackBase + KernelStackRegionSize,
	} {
		if builder.IsGuardPage(addr) {
			t.Errorf("expected 0x%x not to be reported as a guard page", addr)
		}
	}
}

func TestAllocateOutOfFrames(t *testing.T) {
	mapper := newMockMapper()
	frames := newMockFrameAllocator(2)
	builder := NewBuilder(mapper, frames)

	if _, err := builder.Allocate(); err != ErrOutOfFrames {
		t.Fatalf("expected ErrOutOfFrames; got %v", err)
	}

	if len(mapper.mappings) != 0 {
		t.Errorf("expected partially mapped pages to be unmapped; got %d mappings", len(mapper.mappings))
	}

	if exp := 2; len(frames.free) != exp {
		t.Errorf("expected %d frames to be released; got %d", exp, len(frames.free))
	}

	// The window is returned and reused by the next successful call
	frames.remaining = StackPages
	stack, err := builder.Allocate()
	if err != nil {
		t.Fatal(err)
	}

	if stack.Base != KernelStackBase {
		t.Errorf("expected rolled back window 0x%x to be reused; got 0x%x", KernelStackBase, stack.Base)
	}
}

func TestAllocateMapFailed(t *testing.T) {
	t.Run("map error", func(t *testing.T) {
		mapper := newMockMapper()
		mapper.failMapAt = mm.PageFromAddress(KernelStackBase + 3*mm.PageSize)
		frames := newMockFrameAllocator(16)
		builder := NewBuilder(mapper, frames)

		if _, err := builder.Allocate(); err != ErrMapFailed {
			t.Fatalf("expected ErrMapFailed; got %v", err)
		}

		if len(mapper.mappings) != 0 {
			t.Errorf("expected mapped pages to be rolled back; got %d mappings", len(mapper.mappings))
		}

		// two mapped pages plus the frame that could not be mapped
		if exp := 3; len(frames.free) != exp {
			t.Errorf("expected %d frames to be released; got %d", exp, len(frames.free))
		}

		if exp := 2; mapper.unmapCalls != exp {
			t.Errorf("expected Unmap to be called %d times; got %d", exp, mapper.unmapCalls)
		}
	})

	t.Run("guard page mapped", func(t *testing.T) {
		mapper := newMockMapper()
		mapper.mappings[mm.PageFromAddress(KernelStackBase)] = 0x42
		frames := newMockFrameAllocator(16)
		builder := NewBuilder(mapper, frames)

		if _, err := builder.Allocate(); err != ErrMapFailed {
			t.Fatalf("expected ErrMapFailed; got %v", err)
		}

		if exp := 16; frames.remaining != exp {
			t.Errorf("expected no frames to be allocated; %d remaining", frames.remaining)
		}
	})

	t.Run("stack page already mapped", func(t *testing.T) {
		mapper := newMockMapper()
		mapper.mappings[mm.PageFromAddress(KernelStackBase+mm.PageSize)] = 0x42
		builder := NewBuilder(mapper, newMockFrameAllocator(16))

		if _, err := builder.Allocate(); err != ErrMapFailed {
			t.Fatalf("expected ErrMapFailed; got %v", err)
		}

		if exp := mm.Frame(0x42); mapper.mappings[mm.PageFromAddress(KernelStackBase+mm.PageSize)] != exp {
			t.Error("expected existing mapping to remain untouched")
		}
	})
}

func TestAllocateWindowExhausted(t *testing.T) {
	builder := NewBuilder(newMockMapper(), newMockFrameAllocator(16))
	builder.nextBase = KernelStackBase + KernelStackRegionSize - windowSize + mm.PageSize

	if _, err := builder.Allocate(); err != ErrWindowExhausted {
		t.Fatalf("expected ErrWindowExhausted; got %v", err)
	}
}

func TestRelease(t *testing.T) {
	mapper := newMockMapper()
	frames := newMockFrameAllocator(16)
	builder := NewBuilder(mapper, frames)

	stack, err := builder.Allocate()
	if err != nil {
		t.Fatal(err)
	}

	specs := []Stack{
		{Base: 0x1000, Top: 0x6000},
		{Base: stack.Base + mm.PageSize, Top: stack.Top + mm.PageSize},
		{Base: stack.Base, Top: stack.Top - mm.PageSize},
		{Base: stack.Base + windowSize, Top: stack.Top + windowSize},
	}

	for specIndex, spec := range specs {
		if err := builder.Release(spec); err != ErrInvalidStack {
			t.Errorf("[spec %d] expected ErrInvalidStack; got %v", specIndex, err)
		}
	}

	if err := builder.Release(stack); err != nil {
		t.Fatal(err)
	}

	if len(mapper.mappings) != 0 {
		t.Errorf("expected all stack pages to be unmapped; got %d mappings", len(mapper.mappings))
	}

	for frame := mm.Frame(0x100); frame < 0x100+StackPages; frame++ {
		if !frames.free[frame] {
			t.Errorf("expected frame 0x%x to be released", frame)
		}
	}

	if err := builder.Release(stack); err != vmm.ErrNotMapped {
		t.Errorf("expected releasing a stack twice to return ErrNotMapped; got %v", err)
	}

	// Released windows are not handed out again
	next, err := builder.Allocate()
	if err != nil {
		t.Fatal(err)
	}

	if exp := stack.Base + windowSize; next.Base != exp {
		t.Errorf("expected next stack at 0x%x; got 0x%x", exp, next.Base)
	}
}

func TestAllocateKernelStack(t *testing.T) {
	mapper := newMockMapper()

	top, err := AllocateKernelStack(mapper, newMockFrameAllocator(16))
	if err != nil {
		t.Fatal(err)
	}

	if exp := uintptr(0xffffffff90005000); top != exp {
		t.Errorf("expected stack top to be 0x%x; got 0x%x", exp, top)
	}

	if _, err := mapper.Translate(0xffffffff90000000); err != vmm.ErrNotMapped {
		t.Errorf("expected guard page to be unmapped; got %v", err)
	}

	for addr := uintptr(0xffffffff90001000); addr < top; addr += mm.PageSize {
		if _, err := mapper.Translate(addr); err != nil {
			t.Errorf("expected 0x%x to be mapped; got %v", addr, err)
		}
	}

	// A second one-shot builder targets the same, already populated window
	if _, err := AllocateKernelStack(mapper, newMockFrameAllocator(16)); err != ErrMapFailed {
		t.Errorf("expected ErrMapFailed; got %v", err)
	}
}
