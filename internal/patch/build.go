package patch

import (
	"bytes"
	"crypto/sha1"
	"encoding/binary"
)

// DefaultBlockSize is the block length Build matches the original on.
const DefaultBlockSize = 2048

// Build produces a delta that turns original into updated, matching blocks of
// blockSize bytes with a rolling checksum. A blockSize <= 0 uses DefaultBlockSize.
func Build(original, updated []byte, blockSize int) []byte {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}

	var out bytes.Buffer
	writeHeader(&out, updated)

	index := indexBlocks(original, blockSize)
	var literal []byte
	flush := func() {
		if len(literal) == 0 {
			return
		}
		out.WriteByte(cmdData)
		_ = binary.Write(&out, binary.LittleEndian, int64(len(literal)))
		out.Write(literal)
		literal = literal[:0]
	}

	var copyStart, copyLen int64 = -1, 0
	flushCopy := func() {
		if copyLen == 0 {
			return
		}
		out.WriteByte(cmdCopy)
		_ = binary.Write(&out, binary.LittleEndian, copyStart)
		_ = binary.Write(&out, binary.LittleEndian, copyLen)
		copyStart, copyLen = -1, 0
	}

	i := 0
	var sum rolling
	valid := false
	for i < len(updated) {
		if i+blockSize > len(updated) {
			flushCopy()
			literal = append(literal, updated[i:]...)
			break
		}
		if !valid {
			sum = newRolling(updated[i : i+blockSize])
			valid = true
		}

		if off, ok := lookup(index, sum.value(), original, updated[i:i+blockSize], blockSize); ok {
			flush()
			if copyLen > 0 && copyStart+copyLen == off {
				copyLen += int64(blockSize)
			} else {
				flushCopy()
				copyStart, copyLen = off, int64(blockSize)
			}
			i += blockSize
			valid = false
			continue
		}

		flushCopy()
		literal = append(literal, updated[i])
		if i+blockSize < len(updated) {
			sum.roll(updated[i], updated[i+blockSize], blockSize)
		} else {
			valid = false
		}
		i++
	}
	flushCopy()
	flush()
	return out.Bytes()
}

func writeHeader(out *bytes.Buffer, updated []byte) {
	sum := sha1.Sum(updated)
	out.Write(magic)
	out.WriteByte(version)
	name := "SHA1"
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(name)))
	out.Write(lenBuf[:n])
	out.WriteString(name)
	_ = binary.Write(out, binary.LittleEndian, int32(len(sum)))
	out.Write(sum[:])
	out.Write(endOfMeta)
}

func indexBlocks(original []byte, blockSize int) map[uint32][]int64 {
	index := map[uint32][]int64{}
	for off := 0; off+blockSize <= len(original); off += blockSize {
		v := newRolling(original[off : off+blockSize]).value()
		index[v] = append(index[v], int64(off))
	}
	return index
}

func lookup(index map[uint32][]int64, weak uint32, original, block []byte, blockSize int) (int64, bool) {
	for _, off := range index[weak] {
		if bytes.Equal(original[off:off+int64(blockSize)], block) {
			return off, true
		}
	}
	return 0, false
}

// rolling is the rsync weak checksum over a fixed window.
type rolling struct {
	a, b uint32
}

func newRolling(window []byte) rolling {
	var r rolling
	n := uint32(len(window))
	for k, c := range window {
		r.a += uint32(c)
		r.b += (n - uint32(k)) * uint32(c)
	}
	return r
}

func (r *rolling) roll(out, in byte, blockSize int) {
	r.a = r.a - uint32(out) + uint32(in)
	r.b = r.b - uint32(blockSize)*uint32(out) + r.a
}

func (r rolling) value() uint32 {
	return (r.b&0xffff)<<16 | r.a&0xffff
}
