package memtrace

import (
	"debug/dwarf"
	"debug/elf"
	"fmt"
	"sort"
)

// ELFSymbolizer is a concrete, optional Symbolizer that resolves native
// program counters against the DWARF debug sections of an ELF binary on
// disk. Symbol resolution is otherwise treated as an external oracle;
// this exists as a reference implementation for callers and tests that
// want a real one instead of a stub.
type ELFSymbolizer struct {
	data        *dwarf.Data
	subprograms []elfSubprogram
}

type elfSubprogram struct {
	low, high uint64
	name      string
	file      string
	compile   *dwarf.Entry
}

// NewELFSymbolizer opens path and indexes its DWARF subprograms by
// address range.
func NewELFSymbolizer(path string) (*ELFSymbolizer, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("memtrace: opening elf binary: %w", err)
	}
	defer f.Close()

	data, err := f.DWARF()
	if err != nil {
		return nil, fmt.Errorf("memtrace: reading dwarf data: %w", err)
	}

	sym := &ELFSymbolizer{data: data}
	if err := sym.index(); err != nil {
		return nil, err
	}
	return sym, nil
}

func (s *ELFSymbolizer) index() error {
	r := s.data.Reader()
	var cu *dwarf.Entry

	for {
		ent, err := r.Next()
		if err != nil {
			return fmt.Errorf("memtrace: reading dwarf entries: %w", err)
		}
		if ent == nil {
			break
		}

		switch ent.Tag {
		case dwarf.TagCompileUnit:
			cu = ent
		case dwarf.TagSubprogram:
			ranges, err := s.data.Ranges(ent)
			if err != nil || len(ranges) == 0 {
				continue
			}
			name, _ := ent.Val(dwarf.AttrName).(string)
			var file string
			if cu != nil {
				file, _ = cu.Val(dwarf.AttrName).(string)
			}
			for _, rg := range ranges {
				s.subprograms = append(s.subprograms, elfSubprogram{
					low: rg[0], high: rg[1], name: name, file: file, compile: cu,
				})
			}
		}
	}

	sort.Slice(s.subprograms, func(i, j int) bool { return s.subprograms[i].low < s.subprograms[j].low })
	return nil
}

// LocationsForPC implements Symbolizer.
func (s *ELFSymbolizer) LocationsForPC(pc uint64) []Location {
	i := sort.Search(len(s.subprograms), func(i int) bool { return s.subprograms[i].high > pc })
	if i >= len(s.subprograms) {
		return nil
	}
	sp := s.subprograms[i]
	if pc < sp.low || pc >= sp.high {
		return nil
	}

	line := s.lineForPC(sp.compile, pc)
	return []Location{{Function: sp.name, File: sp.file, Line: line}}
}

func (s *ELFSymbolizer) lineForPC(cu *dwarf.Entry, pc uint64) int64 {
	if cu == nil {
		return 0
	}
	lr, err := s.data.LineReader(cu)
	if err != nil || lr == nil {
		return 0
	}

	var best dwarf.LineEntry
	found := false
	var entry dwarf.LineEntry
	for {
		if err := lr.Next(&entry); err != nil {
			break
		}
		if entry.Address <= pc {
			best = entry
			found = true
		} else {
			break
		}
	}
	if !found {
		return 0
	}
	return int64(best.Line)
}

var _ Symbolizer = (*ELFSymbolizer)(nil)
