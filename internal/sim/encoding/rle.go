package encoding

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// EncodeRLE packs a sequence of material ids into varint (value, run)
// pairs. Chunk cell arrays are mostly uniform, so runs dominate.
func EncodeRLE(ids []uint16) []byte {
	var buf bytes.Buffer
	var tmp [binary.MaxVarintLen64]byte

	i := 0
	for i < len(ids) {
		v := ids[i]
		run := 1
		for j := i + 1; j < len(ids) && ids[j] == v && run < 1<<31; j++ {
			run++
		}

		n := binary.PutUvarint(tmp[:], uint64(v))
		buf.Write(tmp[:n])
		n = binary.PutUvarint(tmp[:], uint64(run))
		buf.Write(tmp[:n])

		i += run
	}

	return buf.Bytes()
}

func DecodeRLE(raw []byte) ([]uint16, error) {
	var out []uint16
	for i := 0; i < len(raw); {
		v, n := binary.Uvarint(raw[i:])
		if n <= 0 {
			return nil, fmt.Errorf("bad varint at %d", i)
		}
		i += n
		run, n := binary.Uvarint(raw[i:])
		if n <= 0 {
			return nil, fmt.Errorf("bad varint at %d", i)
		}
		i += n
		if v > 0xFFFF {
			return nil, fmt.Errorf("material id too large: %d", v)
		}
		for k := 0; k < int(run); k++ {
			out = append(out, uint16(v))
		}
	}
	return out, nil
}

// EncodeRLE8 is EncodeRLE for cell flag bytes.
func EncodeRLE8(vals []uint8) []byte {
	var buf bytes.Buffer
	var tmp [binary.MaxVarintLen64]byte

	i := 0
	for i < len(vals) {
		v := vals[i]
		run := 1
		for j := i + 1; j < len(vals) && vals[j] == v && run < 1<<31; j++ {
			run++
		}

		n := binary.PutUvarint(tmp[:], uint64(v))
		buf.Write(tmp[:n])
		n = binary.PutUvarint(tmp[:], uint64(run))
		buf.Write(tmp[:n])

		i += run
	}

	return buf.Bytes()
}

func DecodeRLE8(raw []byte) ([]uint8, error) {
	var out []uint8
	for i := 0; i < len(raw); {
		v, n := binary.Uvarint(raw[i:])
		if n <= 0 {
			return nil, fmt.Errorf("bad varint at %d", i)
		}
		i += n
		run, n := binary.Uvarint(raw[i:])
		if n <= 0 {
			return nil, fmt.Errorf("bad varint at %d", i)
		}
		i += n
		if v > 0xFF {
			return nil, fmt.Errorf("flag byte too large: %d", v)
		}
		for k := 0; k < int(run); k++ {
			out = append(out, uint8(v))
		}
	}
	return out, nil
}
