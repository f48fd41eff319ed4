package protocol

import "fmt"

// maxBlock is the largest COBS code byte: 254 data bytes with no implied zero.
const maxBlock = 0xFF

// CobsEncode byte-stuffs src so the result contains no zero bytes. The
// delimiter is not appended.
func CobsEncode(src []byte) []byte {
	dst := make([]byte, 1, len(src)+len(src)/254+2)
	codeIdx := 0
	code := byte(1)
	for i, b := range src {
		if b == 0 {
			dst[codeIdx] = code
			codeIdx = len(dst)
			dst = append(dst, 0)
			code = 1
			continue
		}
		dst = append(dst, b)
		code++
		// A full block only opens a new one when more input follows.
		if code == maxBlock && i+1 < len(src) {
			dst[codeIdx] = code
			codeIdx = len(dst)
			dst = append(dst, 0)
			code = 1
		}
	}
	dst[codeIdx] = code
	return dst
}

// CobsDecode reverses CobsEncode. src must not contain the delimiter.
func CobsDecode(src []byte) ([]byte, error) {
	dst := make([]byte, 0, len(src))
	for i := 0; i < len(src); {
		code := src[i]
		if code == 0 {
			return nil, fmt.Errorf("%w: zero byte at offset %d", ErrFrameDecode, i)
		}
		i++
		end := i + int(code) - 1
		if end > len(src) {
			return nil, fmt.Errorf("%w: block at offset %d overruns frame", ErrFrameDecode, i-1)
		}
		for j := i; j < end; j++ {
			if src[j] == 0 {
				return nil, fmt.Errorf("%w: zero byte at offset %d", ErrFrameDecode, j)
			}
		}
		dst = append(dst, src[i:end]...)
		i = end
		if code != maxBlock && i < len(src) {
			dst = append(dst, 0)
		}
	}
	return dst, nil
}
