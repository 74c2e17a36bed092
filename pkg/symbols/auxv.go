// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package symbols

import (
	"encoding/binary"
	"fmt"
	"os"
)

// Auxiliary vector keys, from <elf.h>.
const (
	AtNull  = 0
	AtPhdr  = 3
	AtBase  = 7
	AtEntry = 9
)

// ReadAuxv returns the auxiliary vector the kernel passed to pid.
func ReadAuxv(pid int) (map[uint64]uint64, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/auxv", pid))
	if err != nil {
		return nil, fmt.Errorf("read auxv: %w", err)
	}
	return parseAuxv(data), nil
}

func parseAuxv(data []byte) map[uint64]uint64 {
	auxv := make(map[uint64]uint64)
	for len(data) >= 16 {
		key := binary.NativeEndian.Uint64(data[0:8])
		val := binary.NativeEndian.Uint64(data[8:16])
		data = data[16:]
		if key == AtNull {
			break
		}
		auxv[key] = val
	}
	return auxv
}

// EntryPoint returns the runtime address of the main executable's entry.
func EntryPoint(pid int) (uint64, error) {
	auxv, err := ReadAuxv(pid)
	if err != nil {
		return 0, err
	}
	entry, ok := auxv[AtEntry]
	if !ok || entry == 0 {
		return 0, fmt.Errorf("pid %d: no AT_ENTRY in auxv", pid)
	}
	return entry, nil
}
