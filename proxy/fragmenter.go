package proxy

import (
	"encoding/binary"

	"github.com/rafalfr/fragproxy/utils"
)

// recordHeader is the 3-byte TLS record header fragments are wrapped in:
// content type 0x16 (handshake), forged version 3.4. Real TLS stacks only
// look at the content type and record length to reassemble the stream; the
// forged version field is what defeats a passive inspector keying off the
// first record's declared version.
var recordHeader = [3]byte{0x16, 0x03, 0x04}

// record wraps payload in a single forged TLS record.
func record(payload []byte) []byte {
	out := make([]byte, 0, 3+2+len(payload))
	out = append(out, recordHeader[:]...)
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(payload)))
	out = append(out, lenBuf[:]...)
	out = append(out, payload...)
	return out
}

// sniPosition locates the SNI server-name extension inside a ClientHello
// body, scanning for the extension-type-0x0000 marker and validating the
// length fields that must surround a single-entry server_name_list. It
// returns the start and end offsets of the hostname bytes themselves, or
// ok=false if no well-formed SNI extension is found.
func sniPosition(data []byte) (start, end int, ok bool) {
	for i := 0; i+9 <= len(data); i++ {
		if data[i] != 0 || data[i+1] != 0 {
			continue
		}

		extLen := int(binary.BigEndian.Uint16(data[i+2 : i+4]))
		listLen := int(binary.BigEndian.Uint16(data[i+4 : i+6]))
		nameLen := int(binary.BigEndian.Uint16(data[i+7 : i+9]))

		if nameLen == 0 || extLen-listLen != 2 || listLen-nameLen != 3 {
			continue
		}

		sniStart := i + 9
		sniEnd := sniStart + nameLen
		if sniEnd > len(data) {
			continue
		}

		return sniStart, sniEnd, true
	}

	return 0, 0, false
}

// Fragment splits data (the TLS payload following the 5-byte record header
// already consumed by the caller) into an ordered list of forged TLS
// records per method. It never mutates data. When method is "sni" but no
// well-formed SNI extension is found, it falls back to "split". Random
// chunk sizes and split-jitter's jitter come from crypto/rand via
// utils.GetRandomValue, keeping the fragmentation unobservable from run to
// run.
func Fragment(data []byte, method FragmentMethod) ([][]byte, error) {
	switch method {
	case MethodSNI:
		if start, end, ok := sniPosition(data); ok {
			return fragmentSNI(data, start, end), nil
		}
		return fragmentSplit(data), nil
	case MethodSplit, MethodSplitJitter:
		return fragmentSplit(data), nil
	default:
		return fragmentRandom(data)
	}
}

// fragmentSNI produces exactly four records: everything before the SNI
// hostname, the hostname's first half, its second half, and everything
// after. The hostname is split ceil(n/2) / floor(n/2) across the middle two
// records.
func fragmentSNI(data []byte, start, end int) [][]byte {
	pre := data[:start]
	sni := data[start:end]
	post := data[end:]

	mid := (len(sni) + 1) / 2

	return [][]byte{
		record(pre),
		record(sni[:mid]),
		record(sni[mid:]),
		record(post),
	}
}

// splitChunkSize is the fixed chunk size used by the split and
// split-jitter methods.
const splitChunkSize = 32

// fragmentSplit breaks data into fixed-size chunks of splitChunkSize bytes.
func fragmentSplit(data []byte) [][]byte {
	var parts [][]byte

	for idx := 0; idx < len(data); {
		n := splitChunkSize
		if rem := len(data) - idx; rem < n {
			n = rem
		}
		parts = append(parts, record(data[idx:idx+n]))
		idx += n
	}

	return parts
}

// fragmentRandom breaks data into variable-length chunks. If a zero byte is
// present, the first chunk ends immediately after it (mimicking an
// HTTP-style request boundary the original's ClientHello-shaped fixtures
// rely on); otherwise chunking starts at offset 0. Remaining bytes are
// consumed in chunks whose length is drawn uniformly from [1, remaining].
func fragmentRandom(data []byte) ([][]byte, error) {
	var parts [][]byte

	if zero := indexZeroByte(data); zero != -1 {
		parts = append(parts, record(data[:zero+1]))
		data = data[zero+1:]
	}

	for len(data) > 0 {
		n, err := utils.GetRandomValue(1, int64(len(data))+1)
		if err != nil {
			return nil, err
		}
		parts = append(parts, record(data[:n]))
		data = data[n:]
	}

	return parts, nil
}

func indexZeroByte(data []byte) int {
	for i, b := range data {
		if b == 0 {
			return i
		}
	}
	return -1
}
