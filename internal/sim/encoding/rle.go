// Package encoding packs per-tile layers (floor costs, structure ids) into compact run-length
// strings for the observer bootstrap.
package encoding

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
)

// EncodeRLE encodes a sequence of palette ids as base64 of (id, run) uvarint pairs.
func EncodeRLE(ids []uint16) string {
	var buf bytes.Buffer
	var tmp [binary.MaxVarintLen64]byte

	for i := 0; i < len(ids); {
		id := ids[i]
		run := 1
		for j := i + 1; j < len(ids) && ids[j] == id; j++ {
			run++
		}
		n := binary.PutUvarint(tmp[:], uint64(id))
		buf.Write(tmp[:n])
		n = binary.PutUvarint(tmp[:], uint64(run))
		buf.Write(tmp[:n])
		i += run
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

// DecodeRLE reverses EncodeRLE. It fails once the output would exceed limit ids, so a hostile
// run length cannot exhaust memory.
func DecodeRLE(b64 string, limit int) ([]uint16, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, err
	}
	var out []uint16
	for i := 0; i < len(raw); {
		id, n := binary.Uvarint(raw[i:])
		if n <= 0 {
			return nil, fmt.Errorf("bad varint at %d", i)
		}
		i += n
		run, n := binary.Uvarint(raw[i:])
		if n <= 0 {
			return nil, fmt.Errorf("bad varint at %d", i)
		}
		i += n
		if id > math.MaxUint16 {
			return nil, fmt.Errorf("palette id too large: %d", id)
		}
		if run == 0 || run > uint64(limit-len(out)) {
			return nil, fmt.Errorf("run of %d exceeds limit %d", run, limit)
		}
		for k := uint64(0); k < run; k++ {
			out = append(out, uint16(id))
		}
	}
	return out, nil
}

// FloorLayer is a floor-cost layer: distinct costs in first-seen order plus the RLE of each
// tile's palette index.
type FloorLayer struct {
	Palette  []float64 `json:"palette"`
	Encoding string    `json:"encoding"`
	Data     string    `json:"data"`
}

const EncodingRLE = "RLE"

func EncodeFloor(costs []float64) (FloorLayer, error) {
	index := map[float64]uint16{}
	var pal []float64
	ids := make([]uint16, len(costs))
	for i, c := range costs {
		id, ok := index[c]
		if !ok {
			if len(pal) > math.MaxUint16 {
				return FloorLayer{}, fmt.Errorf("more than %d distinct floor costs", math.MaxUint16+1)
			}
			id = uint16(len(pal))
			index[c] = id
			pal = append(pal, c)
		}
		ids[i] = id
	}
	return FloorLayer{Palette: pal, Encoding: EncodingRLE, Data: EncodeRLE(ids)}, nil
}

// DecodeFloor expands l into exactly n tile costs.
func DecodeFloor(l FloorLayer, n int) ([]float64, error) {
	if l.Encoding != EncodingRLE {
		return nil, fmt.Errorf("unsupported encoding %q", l.Encoding)
	}
	ids, err := DecodeRLE(l.Data, n)
	if err != nil {
		return nil, err
	}
	if len(ids) != n {
		return nil, fmt.Errorf("floor layer has %d tiles, want %d", len(ids), n)
	}
	out := make([]float64, n)
	for i, id := range ids {
		if int(id) >= len(l.Palette) {
			return nil, fmt.Errorf("tile %d: palette id %d out of range", i, id)
		}
		out[i] = l.Palette[id]
	}
	return out, nil
}
