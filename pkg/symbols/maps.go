// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package symbols

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Mapping is one line of /proc/<pid>/maps.
type Mapping struct {
	Start  uint64
	End    uint64
	Perms  string
	Offset uint64
	Path   string
}

// Executable reports whether the mapping is mapped with execute permission.
func (m *Mapping) Executable() bool {
	return len(m.Perms) >= 3 && m.Perms[2] == 'x'
}

// Contains reports whether addr falls inside the mapping.
func (m *Mapping) Contains(addr uint64) bool {
	return addr >= m.Start && addr < m.End
}

// ReadMaps parses /proc/<pid>/maps.
func ReadMaps(pid int) ([]*Mapping, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/maps", pid))
	if err != nil {
		return nil, fmt.Errorf("open maps: %w", err)
	}
	defer f.Close()

	return parseMaps(f)
}

func parseMaps(r io.Reader) ([]*Mapping, error) {
	var mappings []*Mapping
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if m := parseMapsLine(scanner.Text()); m != nil {
			mappings = append(mappings, m)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan maps: %w", err)
	}
	return mappings, nil
}

// parseMapsLine parses a line from /proc/pid/maps.
// Format: start-end perms offset dev inode pathname
func parseMapsLine(line string) *Mapping {
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return nil
	}

	addrs := strings.SplitN(fields[0], "-", 2)
	if len(addrs) != 2 {
		return nil
	}

	start, err := strconv.ParseUint(addrs[0], 16, 64)
	if err != nil {
		return nil
	}
	end, err := strconv.ParseUint(addrs[1], 16, 64)
	if err != nil {
		return nil
	}
	offset, err := strconv.ParseUint(fields[2], 16, 64)
	if err != nil {
		return nil
	}

	path := ""
	if len(fields) >= 6 {
		// Paths may contain spaces; everything after the inode is the name.
		path = strings.Join(fields[5:], " ")
	}

	return &Mapping{
		Start:  start,
		End:    end,
		Perms:  fields[1],
		Offset: offset,
		Path:   path,
	}
}

// fileBacked reports whether the mapping refers to a regular file that can
// be opened as an ELF image.
func (m *Mapping) fileBacked() bool {
	if m.Path == "" || !strings.HasPrefix(m.Path, "/") {
		return false
	}
	return !strings.HasSuffix(m.Path, " (deleted)")
}
