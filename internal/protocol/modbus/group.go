package modbus

import "sort"

// ReadGroup is a contiguous or near-contiguous run of descriptors fused into one wire
// request.
type ReadGroup struct {
	Function    FunctionCode
	StartAddr   uint16
	Count       uint16
	Descriptors []RegisterDescriptor // in address order
}

// WordOffset returns the word offset of d within this group's read, for use with
// DecodeRegister against the group's flat word slice.
func (g ReadGroup) WordOffset(d RegisterDescriptor) int {
	return int(d.Address - g.StartAddr)
}

// BuildGroups sorts descs by (function type, address) and sweeps left-to-right, fusing
// runs into ReadGroups bounded by maxRegsPerRead and maxRegisterGap. The grouping is meant
// to be computed once at plugin init and cached by the caller.
func BuildGroups(descs []RegisterDescriptor, maxRegsPerRead, maxRegisterGap uint16) []ReadGroup {
	if len(descs) == 0 {
		return nil
	}

	sorted := make([]RegisterDescriptor, len(descs))
	copy(sorted, descs)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Function != sorted[j].Function {
			return sorted[i].Function < sorted[j].Function
		}
		return sorted[i].Address < sorted[j].Address
	})

	var groups []ReadGroup
	var cur *ReadGroup

	for _, d := range sorted {
		width := d.Width()
		if cur == nil || d.Function != cur.Function {
			groups = append(groups, newGroup(d))
			cur = &groups[len(groups)-1]
			continue
		}

		groupEnd := cur.StartAddr + cur.Count
		gap := int(d.Address) - int(groupEnd)
		newSpan := (d.Address + width) - cur.StartAddr

		if newSpan <= maxRegsPerRead && gap <= int(maxRegisterGap) {
			cur.Descriptors = append(cur.Descriptors, d)
			if newSpan > cur.Count {
				cur.Count = newSpan
			}
			continue
		}

		groups = append(groups, newGroup(d))
		cur = &groups[len(groups)-1]
	}

	return groups
}

func newGroup(d RegisterDescriptor) ReadGroup {
	return ReadGroup{
		Function:    d.Function,
		StartAddr:   d.Address,
		Count:       d.Width(),
		Descriptors: []RegisterDescriptor{d},
	}
}
