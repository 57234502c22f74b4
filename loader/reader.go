package loader

import (
	"io"

	"j5.nz/disvm/heap"
)

const maxTypePointerCount = 128 * 1024

// ReadModule parses a full module file from r (§6), in the fixed
// section order: header, code, type, data, module name, link (export),
// optional import, optional handler.
func ReadModule(rd io.Reader) (*Module, error) {
	r := newReader(rd)

	m := &Module{Exports: make(map[uint32][]ExportFunction)}

	if err := readHeader(r, m); err != nil {
		return nil, err
	}
	if m.Header.RuntimeFlag.Has(FlagHasImportDeprecated) {
		return nil, readErr("obsolete module format", nil)
	}

	if err := readCodeSection(r, m); err != nil {
		return nil, err
	}
	if err := readTypeSection(r, m); err != nil {
		return nil, err
	}
	if err := readDataSection(r, m); err != nil {
		return nil, err
	}
	if err := readModuleName(r, m); err != nil {
		return nil, err
	}
	if err := readLinkSection(r, m); err != nil {
		return nil, err
	}
	if m.Header.RuntimeFlag.Has(FlagHasImport) {
		if err := readImportSection(r, m); err != nil {
			return nil, err
		}
	}
	if m.Header.RuntimeFlag.Has(FlagHasHandler) {
		if err := readHandlerSection(r, m); err != nil {
			return nil, err
		}
	}

	return m, nil
}

func readHeader(r *reader, m *Module) error {
	h := &m.Header

	magic, err := r.readOperand()
	if err != nil {
		return readErr("failed to read magic number", err)
	}
	h.MagicNumber = magic
	if magic != MagicUnsigned && magic != MagicSigned {
		return readErr("unrecognised module magic number", nil)
	}

	if magic == MagicSigned {
		sigLen, err := r.readOperand()
		if err != nil {
			return readErr("failed to read signature length", err)
		}
		sig, err := r.readBytes(int(sigLen))
		if err != nil {
			return readErr("failed to read full signature", err)
		}
		h.Signature = sig
	}

	flags, err := r.readOperand()
	if err != nil {
		return readErr("failed to read runtime flag", err)
	}
	h.RuntimeFlag = RuntimeFlags(flags)

	if h.StackExtent, err = r.readOperand(); err != nil {
		return readErr("failed to read stack extent", err)
	}
	if h.CodeSize, err = r.readOperand(); err != nil {
		return readErr("failed to read code size", err)
	}
	if h.DataSize, err = r.readOperand(); err != nil {
		return readErr("failed to read data size", err)
	}
	if h.TypeSize, err = r.readOperand(); err != nil {
		return readErr("failed to read type size", err)
	}
	if h.ExportSize, err = r.readOperand(); err != nil {
		return readErr("failed to read export size", err)
	}
	if h.EntryPC, err = r.readOperand(); err != nil {
		return readErr("failed to read entry pc", err)
	}
	if h.EntryType, err = r.readOperand(); err != nil {
		return readErr("failed to read entry type", err)
	}

	return nil
}

func readCodeSection(r *reader, m *Module) error {
	n := int(m.Header.CodeSize)
	m.Code = make([]Instruction, n)

	for i := 0; i < n; i++ {
		opAndMode, err := r.readBytes(2)
		if err != nil {
			return readErr("failed to read op code and address mode", err)
		}

		instr := Instruction{Op: Opcode(opAndMode[0])}
		instr.Middle.Mode, instr.Source.Mode, instr.Destination.Mode = DecodeAddrMode(opAndMode[1])

		if instr.Middle.Mode != MidNone {
			if instr.Middle.Reg1, err = r.readOperand(); err != nil {
				return readErr("failed to read middle register", err)
			}
		}

		if instr.Source.Mode != AddrNone {
			if instr.Source.Reg1, err = r.readOperand(); err != nil {
				return readErr("failed to read source register 1", err)
			}
			if instr.Source.Mode.IsDoubleIndirect() {
				if instr.Source.Reg2, err = r.readOperand(); err != nil {
					return readErr("failed to read source register 2", err)
				}
			}
		}

		if instr.Destination.Mode != AddrNone {
			if instr.Destination.Reg1, err = r.readOperand(); err != nil {
				return readErr("failed to read destination register 1", err)
			}
			if instr.Destination.Mode.IsDoubleIndirect() {
				if instr.Destination.Reg2, err = r.readOperand(); err != nil {
					return readErr("failed to read destination register 2", err)
				}
			}
		}

		m.Code[i] = instr
	}

	if m.Header.EntryPC != NoEntryPC && int(m.Header.EntryPC) >= len(m.Code) {
		return readErr("invalid initial program counter value for code section", nil)
	}
	return nil
}

func readTypeSection(r *reader, m *Module) error {
	n := int(m.Header.TypeSize)
	m.Types = make([]*heap.TypeDesc, n)

	for i := 0; i < n; i++ {
		descNumber, err := r.readOperand()
		if err != nil {
			return readErr("failed to read type descriptor number", err)
		}
		size, err := r.readOperand()
		if err != nil {
			return readErr("failed to read type size", err)
		}
		mapBytes, err := r.readOperand()
		if err != nil {
			return readErr("failed to read type pointer count", err)
		}
		if mapBytes > maxTypePointerCount {
			return readErr("invalid limbo type", nil)
		}

		var bitmap []byte
		if mapBytes != 0 {
			if bitmap, err = r.readBytes(int(mapBytes)); err != nil {
				return readErr("failed to read type pointer map", err)
			}
		}

		if int(descNumber) >= len(m.Types) {
			return readErr("type descriptor number out of range", nil)
		}
		m.Types[descNumber] = &heap.TypeDesc{Size: int(size), Bitmap: bitmap}
	}
	return nil
}

func readModuleName(r *reader, m *Module) error {
	name, err := r.readCString()
	if err != nil {
		return readErr("failed to read module name", err)
	}
	m.Name = string(name)
	return nil
}

func readLinkSection(r *reader, m *Module) error {
	n := int(m.Header.ExportSize)

	for i := 0; i < n; i++ {
		var item ExportFunction
		var err error

		if item.PC, err = r.readOperand(); err != nil {
			return readErr("failed to read linkage pc", err)
		}
		if item.FrameType, err = r.readOperand(); err != nil {
			return readErr("failed to read linkage frame type index", err)
		}
		sig, err := r.readWord()
		if err != nil {
			return readErr("failed to read linkage signature", err)
		}
		item.Sig = sig

		name, err := r.readCString()
		if err != nil {
			return readErr("failed to read linkage name", err)
		}
		item.Name = string(name)

		m.Exports[item.Sig] = append(m.Exports[item.Sig], item)
	}
	return nil
}

func readImportSection(r *reader, m *Module) error {
	moduleCount, err := r.readOperand()
	if err != nil {
		return readErr("failed to read module import count", err)
	}
	m.Imports = make([]ImportModule, 0, moduleCount)

	for i := int32(0); i < moduleCount; i++ {
		funcCount, err := r.readOperand()
		if err != nil {
			return readErr("failed to read function import count", err)
		}

		mod := ImportModule{Functions: make([]ImportFunction, 0, funcCount)}
		for k := int32(0); k < funcCount; k++ {
			sig, err := r.readWord()
			if err != nil {
				return readErr("failed to read import function signature", err)
			}
			name, err := r.readCString()
			if err != nil {
				return readErr("failed to read import function name", err)
			}
			mod.Functions = append(mod.Functions, ImportFunction{Sig: sig, Name: string(name)})
		}
		m.Imports = append(m.Imports, mod)
	}

	trailer, err := r.readByte()
	if err != nil || trailer != 0 {
		return readErr("failed to read final byte from import section", err)
	}
	return nil
}

func readHandlerSection(r *reader, m *Module) error {
	handlerCount, err := r.readOperand()
	if err != nil {
		return readErr("failed to read handler count", err)
	}
	m.Handlers = make([]Handler, 0, handlerCount)

	for i := int32(0); i < handlerCount; i++ {
		var h Handler

		if h.ExceptionOffset, err = r.readOperand(); err != nil {
			return readErr("failed to read exception offset", err)
		}
		if h.BeginPC, err = r.readOperand(); err != nil {
			return readErr("failed to read handler begin program counter", err)
		}
		if h.EndPC, err = r.readOperand(); err != nil {
			return readErr("failed to read handler end program counter", err)
		}

		typeDescNumber, err := r.readOperand()
		if err != nil {
			return readErr("failed to read handler type description id", err)
		}
		if typeDescNumber != NoErrorHandlerTypeDesc {
			if typeDescNumber < 0 || int(typeDescNumber) >= len(m.Types) {
				return readErr("handler type descriptor out of range", nil)
			}
			h.TypeDesc = m.Types[typeDescNumber]
		}

		handlerCases, err := r.readOperand()
		if err != nil {
			return readErr("failed to read handler case counts", err)
		}
		// High 16 bits: count of typed exception cases. Low 16 bits:
		// total handled case count (typed cases plus string-named cases).
		h.ExceptionTypeCount = int(uint32(handlerCases) >> 16)
		totalCount := int(uint32(handlerCases) & 0xFFFF)

		h.Table = make([]ExceptionCase, 0, totalCount+1)
		for k := 0; k < totalCount; k++ {
			name, err := r.readCString()
			if err != nil {
				return readErr("failed to read exception name", err)
			}
			pc, err := r.readOperand()
			if err != nil {
				return readErr("failed to read exception pc", err)
			}
			h.Table = append(h.Table, ExceptionCase{Name: string(name), PC: pc})
		}

		wildcardPC, err := r.readOperand()
		if err != nil {
			return readErr("failed to read wildcard exception pc", err)
		}
		h.Table = append(h.Table, ExceptionCase{PC: wildcardPC})

		m.Handlers = append(m.Handlers, h)
	}

	trailer, err := r.readByte()
	if err != nil || trailer != 0 {
		return readErr("failed to read final byte from handler section", err)
	}
	return nil
}
