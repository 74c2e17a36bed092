// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package symbols

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"
)

const (
	// sttGNUIFunc is STT_GNU_IFUNC, which debug/elf only knows as STT_LOOS.
	sttGNUIFunc = elf.STT_LOOS

	// versymHidden marks a non-default symbol version (name@VER, not
	// name@@VER). The dynamic linker never binds new references to it.
	versymHidden = 0x8000

	maxELFCacheSize = 64
)

// export is one entry of a module's export table.
type export struct {
	value    uint64
	indirect bool // STT_GNU_IFUNC: value is the resolver
	hidden   bool // only a compat version of the name exists
}

// elfTable holds the parts of an ELF image needed for address resolution.
type elfTable struct {
	typ     elf.Type
	loads   []elf.ProgHeader
	exports map[string]export
	loaded  time.Time

	symOnce sync.Once
	path    string
	symbols map[string]uint64
	symErr  error
}

var (
	tableMu    sync.Mutex
	tableCache = make(map[string]*elfTable)
)

// loadTable opens path and reads its program headers and export table.
// Tables are cached by path, evicting the oldest once the cache is full.
func loadTable(path string) (*elfTable, error) {
	tableMu.Lock()
	defer tableMu.Unlock()

	if t, ok := tableCache[path]; ok {
		return t, nil
	}

	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open elf %s: %w", path, err)
	}
	defer f.Close()

	t := &elfTable{
		typ:    f.Type,
		path:   path,
		loaded: time.Now(),
	}
	for _, p := range f.Progs {
		if p.Type == elf.PT_LOAD {
			t.loads = append(t.loads, p.ProgHeader)
		}
	}

	dynSyms, err := f.DynamicSymbols()
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		return nil, fmt.Errorf("read dynsym %s: %w", path, err)
	}
	var versym []byte
	if sec := f.Section(".gnu.version"); sec != nil {
		if versym, err = sec.Data(); err != nil {
			return nil, fmt.Errorf("read versym %s: %w", path, err)
		}
	}
	t.exports = collectExports(dynSyms, versym, f.ByteOrder)

	if len(tableCache) >= maxELFCacheSize {
		evictOldest()
	}
	tableCache[path] = t
	return t, nil
}

func evictOldest() {
	var oldestKey string
	var oldest time.Time
	for k, v := range tableCache {
		if oldestKey == "" || v.loaded.Before(oldest) {
			oldestKey = k
			oldest = v.loaded
		}
	}
	if oldestKey != "" {
		delete(tableCache, oldestKey)
	}
}

// collectExports builds the export table from .dynsym. versym is the raw
// .gnu.version section, one entry per dynamic symbol including the null
// symbol that DynamicSymbols omits. When a name has several versions the
// default one wins, as it does for dlsym.
func collectExports(syms []elf.Symbol, versym []byte, bo binary.ByteOrder) map[string]export {
	out := make(map[string]export)
	for i, s := range syms {
		if !isExport(s) {
			continue
		}
		e := export{
			value:    s.Value,
			indirect: elf.ST_TYPE(s.Info) == sttGNUIFunc,
		}
		if off := 2 * (i + 1); off+2 <= len(versym) {
			e.hidden = bo.Uint16(versym[off:])&versymHidden != 0
		}
		if prev, dup := out[s.Name]; dup && (e.hidden || !prev.hidden) {
			continue
		}
		out[s.Name] = e
	}
	return out
}

func isExport(s elf.Symbol) bool {
	if s.Name == "" || s.Value == 0 || s.Section == elf.SHN_UNDEF {
		return false
	}
	switch elf.ST_BIND(s.Info) {
	case elf.STB_GLOBAL, elf.STB_WEAK:
	default:
		return false
	}
	typ := elf.ST_TYPE(s.Info)
	return typ == elf.STT_FUNC || typ == sttGNUIFunc
}

// allSymbols lazily reads .symtab and .dynsym function symbols.
func (t *elfTable) allSymbols() (map[string]uint64, error) {
	t.symOnce.Do(func() {
		f, err := elf.Open(t.path)
		if err != nil {
			t.symErr = fmt.Errorf("open elf %s: %w", t.path, err)
			return
		}
		defer f.Close()

		syms := make(map[string]uint64)
		add := func(list []elf.Symbol) {
			for _, s := range list {
				if s.Value == 0 || s.Name == "" || s.Section == elf.SHN_UNDEF {
					continue
				}
				typ := elf.ST_TYPE(s.Info)
				if typ != elf.STT_FUNC && typ != sttGNUIFunc {
					continue
				}
				if _, dup := syms[s.Name]; !dup {
					syms[s.Name] = s.Value
				}
			}
		}
		if list, err := f.Symbols(); err == nil {
			add(list)
		}
		for name, e := range t.exports {
			syms[name] = e.value
		}
		t.symbols = syms
	})
	return t.symbols, t.symErr
}

// bias computes the load bias of the image given the lowest mapping of its
// file in the process: the difference between runtime and link-time
// addresses.
func (t *elfTable) bias(first *Mapping, pageSize uint64) uint64 {
	if t.typ == elf.ET_EXEC {
		return 0
	}
	mask := ^(pageSize - 1)
	for _, p := range t.loads {
		if p.Off&mask == first.Offset {
			return first.Start - p.Vaddr&mask
		}
	}
	if len(t.loads) > 0 {
		return first.Start - t.loads[0].Vaddr&mask
	}
	return first.Start
}
