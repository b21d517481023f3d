package vtil

import (
	"encoding/binary"
	"fmt"
	"io"
)

// serializationMagic opens every VTIL routine file, grounded on
// VTIL-Architecture/routine/serialization.cpp's file_header (there a packed
// magic+arch-id+padding struct); spec.md §6.4 distills it to a plain 4-byte
// tag, which is what this module writes.
var serializationMagic = [4]byte{'V', 'T', 'I', 'L'}

const serializationFormatVersion uint32 = 1

// WriteRoutine serializes r to w in the little-endian, unpadded layout
// spec.md §6.4 specifies: header, then one record per block in VIP order,
// each holding its instructions in program order. Relocation and
// calling-convention tables are out of scope (no such model exists in this
// package — see DESIGN.md) and are omitted rather than written as empty.
func WriteRoutine(w io.Writer, r *Routine) error {
	bw := &binWriter{w: w}
	bw.write(serializationMagic[:])
	bw.u32(serializationFormatVersion)

	r.mu.Lock()
	archID, entryVIP := r.ArchID, r.EntryVIP
	registerCounter := r.nextRegisterID
	snapshot := r.blocks
	r.mu.Unlock()

	bw.u32(archID)
	bw.u64(entryVIP)
	bw.u64(registerCounter)
	bw.u32(uint32(snapshot.Len()))

	itr := snapshot.Iterator()
	for !itr.Done() {
		_, v := itr.Next()
		if err := writeBlock(bw, v.(*BasicBlock)); err != nil {
			return err
		}
	}
	return bw.err
}

func writeBlock(bw *binWriter, b *BasicBlock) error {
	bw.u64(b.VIP)
	bw.i64(b.SPOffset)
	bw.u32(b.SPIndex)

	bw.u32(uint32(len(b.Prev)))
	for _, vip := range b.Prev {
		bw.u64(vip)
	}
	bw.u32(uint32(len(b.Next)))
	for _, vip := range b.Next {
		bw.u64(vip)
	}

	bw.u32(uint32(len(b.Instructions)))
	for _, ins := range b.Instructions {
		writeInstruction(bw, ins)
	}
	return bw.err
}

func writeInstruction(bw *binWriter, ins *Instruction) {
	name := DescriptorOfOpcode(ins.Op).Name
	bw.u16(uint16(len(name)))
	bw.write([]byte(name))

	bw.u8(uint8(len(ins.Operands)))
	for _, op := range ins.Operands {
		writeOperand(bw, op)
	}
}

func writeOperand(bw *binWriter, op Operand) {
	bw.u8(uint8(op.Kind))
	switch op.Kind {
	case OperandRegister:
		bw.u8(uint8(op.Reg.Width))
		name := op.Reg.UID.Name()
		bw.u16(uint16(len(name)))
		bw.write([]byte(name))
	case OperandImmediate:
		bw.u8(uint8(op.ImmWidth))
		bw.u64(op.Imm)
	case OperandBlock:
		bw.u8(uint8(Width64))
		bw.u64(op.Block)
	default:
		panic(fmt.Sprintf("writeOperand: invalid operand kind %d", op.Kind))
	}
}

// ReadRoutine deserializes a routine written by WriteRoutine. The returned
// routine's blocks are freshly constructed (via CreateBlock, with Prev and
// Next assigned from the wire) so its path caches start empty rather than being copied from the wire.
func ReadRoutine(r io.Reader) (*Routine, error) {
	br := &binReader{r: r}

	var magic [4]byte
	br.read(magic[:])
	if br.err == nil && magic != serializationMagic {
		return nil, fmt.Errorf("vtil: bad magic %q, want %q", magic, serializationMagic)
	}
	version := br.u32()
	if br.err == nil && version != serializationFormatVersion {
		return nil, fmt.Errorf("vtil: unsupported format version %d", version)
	}
	archID := br.u32()
	entryVIP := br.u64()
	registerCounter := br.u64()
	blockCount := br.u32()
	if br.err != nil {
		return nil, br.err
	}

	rtn := NewRoutine(entryVIP)
	rtn.ArchID = archID
	rtn.nextRegisterID = registerCounter

	type pending struct {
		vip      uint64
		spOffset int64
		spIndex  uint32
		prev     []uint64
		next     []uint64
		insns    []*Instruction
	}
	blocks := make([]pending, blockCount)
	for i := range blocks {
		p := &blocks[i]
		p.vip = br.u64()
		p.spOffset = br.i64()
		p.spIndex = br.u32()

		prevCount := br.u32()
		p.prev = make([]uint64, prevCount)
		for j := range p.prev {
			p.prev[j] = br.u64()
		}
		nextCount := br.u32()
		p.next = make([]uint64, nextCount)
		for j := range p.next {
			p.next[j] = br.u64()
		}

		insnCount := br.u32()
		p.insns = make([]*Instruction, insnCount)
		for j := range p.insns {
			ins, err := readInstruction(br)
			if err != nil {
				return nil, err
			}
			p.insns[j] = ins
		}
		if br.err != nil {
			return nil, br.err
		}
	}

	for _, p := range blocks {
		b := rtn.CreateBlock(p.vip)
		b.SPOffset = p.spOffset
		b.SPIndex = p.spIndex
		b.Instructions = p.insns
		b.Prev = p.prev
		b.Next = p.next
	}
	return rtn, nil
}

func readInstruction(br *binReader) (*Instruction, error) {
	nameLen := br.u16()
	name := make([]byte, nameLen)
	br.read(name)

	op, ok := opcodeByName(string(name))
	if !ok {
		return nil, fmt.Errorf("vtil: unknown opcode %q", name)
	}

	operandCount := br.u8()
	operands := make([]Operand, operandCount)
	for i := range operands {
		o, err := readOperandWire(br)
		if err != nil {
			return nil, err
		}
		operands[i] = o
	}
	if br.err != nil {
		return nil, br.err
	}
	return NewInstruction(op, 0, operands...), nil
}

func readOperandWire(br *binReader) (Operand, error) {
	kind := OperandKind(br.u8())
	bitCount := br.u8()
	switch kind {
	case OperandRegister:
		nameLen := br.u16()
		name := make([]byte, nameLen)
		br.read(name)
		return RegOperand(NewRegister(string(name), int(bitCount))), br.err
	case OperandImmediate:
		v := br.u64()
		return ImmOperand(v, int(bitCount)), br.err
	case OperandBlock:
		v := br.u64()
		return BlockOperand(v), br.err
	default:
		return Operand{}, fmt.Errorf("vtil: invalid operand kind %d", kind)
	}
}

func opcodeByName(name string) (Opcode, bool) {
	for op := Opcode(1); op < opcodeMax; op++ {
		if descTable[op].Name == name {
			return op, true
		}
	}
	return OpcodeInvalid, false
}

// binWriter accumulates the first error across a chain of primitive writes
// so call sites don't need to check err after every field, mirroring the
// teacher's own error-last-check convention in executor.go's loop bodies.
type binWriter struct {
	w   io.Writer
	err error
}

func (bw *binWriter) write(p []byte) {
	if bw.err != nil {
		return
	}
	_, bw.err = bw.w.Write(p)
}

func (bw *binWriter) u8(v uint8)   { bw.write([]byte{v}) }
func (bw *binWriter) u16(v uint16) { var b [2]byte; binary.LittleEndian.PutUint16(b[:], v); bw.write(b[:]) }
func (bw *binWriter) u32(v uint32) { var b [4]byte; binary.LittleEndian.PutUint32(b[:], v); bw.write(b[:]) }
func (bw *binWriter) u64(v uint64) { var b [8]byte; binary.LittleEndian.PutUint64(b[:], v); bw.write(b[:]) }
func (bw *binWriter) i64(v int64)  { bw.u64(uint64(v)) }

type binReader struct {
	r   io.Reader
	err error
}

func (br *binReader) read(p []byte) {
	if br.err != nil {
		return
	}
	_, br.err = io.ReadFull(br.r, p)
}

func (br *binReader) u8() uint8 {
	var b [1]byte
	br.read(b[:])
	return b[0]
}
func (br *binReader) u16() uint16 {
	var b [2]byte
	br.read(b[:])
	return binary.LittleEndian.Uint16(b[:])
}
func (br *binReader) u32() uint32 {
	var b [4]byte
	br.read(b[:])
	return binary.LittleEndian.Uint32(b[:])
}
func (br *binReader) u64() uint64 {
	var b [8]byte
	br.read(b[:])
	return binary.LittleEndian.Uint64(b[:])
}
func (br *binReader) i64() int64 { return int64(br.u64()) }
