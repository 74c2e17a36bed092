// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package symbols

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
)

var (
	// ErrModuleNotFound is returned when no loaded module matches a name.
	ErrModuleNotFound = errors.New("module not found")
	// ErrSymbolNotFound is returned when a module does not export a name.
	ErrSymbolNotFound = errors.New("symbol not found")
	// ErrIndirectFunction is returned for a GNU indirect function when the
	// resolver has no way to run its selector in the process.
	ErrIndirectFunction = errors.New("indirect function needs a selector call")
)

// IndirectFunc runs the IFUNC selector at addr inside the process and
// returns the implementation address it picks.
type IndirectFunc func(addr uint64) (uint64, error)

// Module is an ELF image loaded into a process.
type Module struct {
	Name string // basename, e.g. "libc.so.6"
	Path string
	Base uint64 // lowest mapped address
	End  uint64
	Bias uint64 // runtime address minus link-time address

	table *elfTable
	owner *Resolver
}

// FindExportByName returns the runtime address of an exported function,
// using the default version of a versioned name. A GNU indirect function
// resolves to the implementation its selector picks in the process.
func (m *Module) FindExportByName(name string) (uint64, error) {
	e, ok := m.table.exports[name]
	if !ok {
		return 0, fmt.Errorf("%s!%s: %w", m.Name, name, ErrSymbolNotFound)
	}
	addr := m.Bias + e.value
	if !e.indirect {
		return addr, nil
	}
	if m.owner == nil {
		return 0, fmt.Errorf("%s!%s: %w", m.Name, name, ErrIndirectFunction)
	}
	impl, err := m.owner.selectIndirect(addr)
	if err != nil {
		return 0, fmt.Errorf("%s!%s: %w", m.Name, name, err)
	}
	return impl, nil
}

// FindSymbolByName searches the full symbol table, including local symbols
// stripped from the export table.
func (m *Module) FindSymbolByName(name string) (uint64, error) {
	syms, err := m.table.allSymbols()
	if err != nil {
		return 0, err
	}
	v, ok := syms[name]
	if !ok {
		return 0, fmt.Errorf("%s!%s: %w", m.Name, name, ErrSymbolNotFound)
	}
	return m.Bias + v, nil
}

// Exports returns the sorted names of all exported functions.
func (m *Module) Exports() []string {
	names := make([]string, 0, len(m.table.exports))
	for n := range m.table.exports {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Contains reports whether addr lies inside the module's mapped range.
func (m *Module) Contains(addr uint64) bool {
	return addr >= m.Base && addr < m.End
}

// Resolver answers module and export queries for one process. A snapshot of
// the module list is taken on construction; call Refresh after the process
// loads new libraries.
type Resolver struct {
	pid     int
	logger  *zap.Logger
	modules []*Module

	mu       sync.Mutex
	indirect IndirectFunc
	selected map[uint64]uint64
}

// NewResolver snapshots the modules loaded in pid.
func NewResolver(pid int, logger *zap.Logger) (*Resolver, error) {
	r := &Resolver{pid: pid, logger: logger}
	if err := r.Refresh(); err != nil {
		return nil, err
	}
	return r, nil
}

// Refresh re-reads /proc/<pid>/maps.
func (r *Resolver) Refresh() error {
	mappings, err := ReadMaps(r.pid)
	if err != nil {
		return err
	}
	exe, _ := os.Readlink(fmt.Sprintf("/proc/%d/exe", r.pid))

	modules := buildModules(mappings, uint64(os.Getpagesize()), r.logger)

	// Main executable first, like a default-namespace dlsym.
	sort.SliceStable(modules, func(i, j int) bool {
		return modules[i].Path == exe && modules[j].Path != exe
	})

	for _, m := range modules {
		m.owner = r
	}
	r.modules = modules
	r.logger.Debug("module snapshot",
		zap.Int("pid", r.pid),
		zap.Int("modules", len(modules)),
		zap.String("exe", exe),
	)
	return nil
}

func buildModules(mappings []*Mapping, pageSize uint64, logger *zap.Logger) []*Module {
	byPath := make(map[string]*Module)
	var order []*Module

	for _, m := range mappings {
		if !m.fileBacked() {
			continue
		}
		mod, ok := byPath[m.Path]
		if ok {
			if m.Start < mod.Base {
				mod.Base = m.Start
			}
			if m.End > mod.End {
				mod.End = m.End
			}
			continue
		}

		table, err := loadTable(m.Path)
		if err != nil {
			// Data files mapped into the process are not ELF images.
			logger.Debug("skipping mapping", zap.String("path", m.Path), zap.Error(err))
			byPath[m.Path] = &Module{Path: m.Path, Base: m.Start, End: m.End}
			continue
		}

		mod = &Module{
			Name:  filepath.Base(m.Path),
			Path:  m.Path,
			Base:  m.Start,
			End:   m.End,
			Bias:  table.bias(m, pageSize),
			table: table,
		}
		byPath[m.Path] = mod
		order = append(order, mod)
	}

	return order
}

// SetIndirectFunc installs the selector runner used for GNU indirect
// functions. Without one, looking them up fails with ErrIndirectFunction.
func (r *Resolver) SetIndirectFunc(fn IndirectFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.indirect = fn
	r.selected = make(map[uint64]uint64)
}

// selectIndirect runs the selector at addr once and caches its answer.
func (r *Resolver) selectIndirect(addr uint64) (uint64, error) {
	r.mu.Lock()
	fn := r.indirect
	impl, ok := r.selected[addr]
	r.mu.Unlock()
	if fn == nil {
		return 0, ErrIndirectFunction
	}
	if ok {
		return impl, nil
	}

	impl, err := fn(addr)
	if err != nil {
		return 0, fmt.Errorf("select indirect function at %#x: %w", addr, err)
	}
	if impl == 0 {
		return 0, fmt.Errorf("select indirect function at %#x: %w", addr, ErrSymbolNotFound)
	}

	r.mu.Lock()
	r.selected[addr] = impl
	r.mu.Unlock()
	r.logger.Debug("indirect function selected",
		zap.String("selector", fmt.Sprintf("%#x", addr)),
		zap.String("impl", fmt.Sprintf("%#x", impl)),
	)
	return impl, nil
}

// Modules returns the module snapshot.
func (r *Resolver) Modules() []*Module {
	return r.modules
}

// FindModuleByName matches a module by basename. A name without a version
// suffix matches a versioned soname, so "libc.so" finds "libc.so.6".
// Names are compared case-insensitively to accommodate DLL-style names.
func (r *Resolver) FindModuleByName(name string) (*Module, error) {
	want := strings.ToLower(name)
	for _, m := range r.modules {
		if strings.ToLower(m.Name) == want {
			return m, nil
		}
	}
	for _, m := range r.modules {
		if strings.HasPrefix(strings.ToLower(m.Name), want+".") {
			return m, nil
		}
	}
	return nil, fmt.Errorf("%s: %w", name, ErrModuleNotFound)
}

// FindModuleByAddress returns the module containing addr.
func (r *Resolver) FindModuleByAddress(addr uint64) (*Module, bool) {
	for _, m := range r.modules {
		if m.Contains(addr) {
			return m, true
		}
	}
	return nil, false
}

// FindGlobalExportByName searches every module, main executable first.
func (r *Resolver) FindGlobalExportByName(name string) (uint64, *Module, error) {
	for _, m := range r.modules {
		addr, err := m.FindExportByName(name)
		if err == nil {
			return addr, m, nil
		}
		if !errors.Is(err, ErrSymbolNotFound) {
			return 0, nil, err
		}
	}
	return 0, nil, fmt.Errorf("%s: %w", name, ErrSymbolNotFound)
}
