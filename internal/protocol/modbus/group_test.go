package modbus

import "testing"

func desc(key string, addr uint16, fn FunctionCode) RegisterDescriptor {
	return RegisterDescriptor{Key: key, Address: addr, Type: TypeU16, Function: fn}
}

func TestBuildGroupsFusesContiguousRuns(t *testing.T) {
	descs := []RegisterDescriptor{
		desc("a", 100, FuncReadHoldingRegisters),
		desc("b", 101, FuncReadHoldingRegisters),
		desc("c", 102, FuncReadHoldingRegisters),
	}
	groups := BuildGroups(descs, 32, 0)
	if len(groups) != 1 {
		t.Fatalf("expected 1 group, got %d", len(groups))
	}
	if groups[0].StartAddr != 100 || groups[0].Count != 3 {
		t.Fatalf("unexpected group: %+v", groups[0])
	}
}

func TestBuildGroupsSplitsOnGapExceedingMaxRegisterGap(t *testing.T) {
	descs := []RegisterDescriptor{
		desc("a", 100, FuncReadHoldingRegisters),
		desc("b", 150, FuncReadHoldingRegisters), // gap of 49 registers
	}
	groups := BuildGroups(descs, 64, 5)
	if len(groups) != 2 {
		t.Fatalf("expected 2 groups for an oversized gap, got %d: %+v", len(groups), groups)
	}
}

func TestBuildGroupsBridgesSmallGap(t *testing.T) {
	descs := []RegisterDescriptor{
		desc("a", 100, FuncReadHoldingRegisters),
		desc("b", 103, FuncReadHoldingRegisters), // gap of 2 registers
	}
	groups := BuildGroups(descs, 32, 4)
	if len(groups) != 1 {
		t.Fatalf("expected 1 group bridging a small gap, got %d: %+v", len(groups), groups)
	}
	if groups[0].Count != 4 {
		t.Fatalf("expected count 4 spanning the gap, got %d", groups[0].Count)
	}
}

func TestBuildGroupsSplitsOnMaxRegsPerRead(t *testing.T) {
	descs := []RegisterDescriptor{
		desc("a", 100, FuncReadHoldingRegisters),
		desc("b", 101, FuncReadHoldingRegisters),
		desc("c", 102, FuncReadHoldingRegisters),
	}
	groups := BuildGroups(descs, 2, 0)
	if len(groups) != 2 {
		t.Fatalf("expected 2 groups when max_regs_per_read=2, got %d: %+v", len(groups), groups)
	}
}

func TestBuildGroupsSeparatesFunctionTypes(t *testing.T) {
	descs := []RegisterDescriptor{
		desc("a", 100, FuncReadHoldingRegisters),
		desc("b", 100, FuncReadInputRegisters),
	}
	groups := BuildGroups(descs, 32, 10)
	if len(groups) != 2 {
		t.Fatalf("expected 2 groups for differing function types, got %d", len(groups))
	}
}

func TestBuildGroupsSortsUnorderedInput(t *testing.T) {
	descs := []RegisterDescriptor{
		desc("c", 102, FuncReadHoldingRegisters),
		desc("a", 100, FuncReadHoldingRegisters),
		desc("b", 101, FuncReadHoldingRegisters),
	}
	groups := BuildGroups(descs, 32, 0)
	if len(groups) != 1 || groups[0].Descriptors[0].Key != "a" {
		t.Fatalf("expected sorted single group starting at 'a', got %+v", groups)
	}
}

func TestBuildGroupsEmptyInput(t *testing.T) {
	if groups := BuildGroups(nil, 32, 0); groups != nil {
		t.Fatalf("expected nil for empty input, got %+v", groups)
	}
}

func TestWordOffset(t *testing.T) {
	g := ReadGroup{StartAddr: 100}
	d := desc("x", 103, FuncReadHoldingRegisters)
	if off := g.WordOffset(d); off != 3 {
		t.Fatalf("WordOffset = %d, want 3", off)
	}
}
