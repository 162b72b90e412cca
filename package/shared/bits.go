package shared

// BytesToBits expands bytes into one bit per element, MSB first.
func BytesToBits(data []byte) []byte {
	bits := make([]byte, 8*len(data))
	for i := range bits {
		bits[i] = (data[i/8] >> (7 - i%8)) & 1
	}
	return bits
}

// BitsToBytes packs bits MSB first. A trailing partial byte is zero padded.
func BitsToBytes(bits []byte) []byte {
	out := make([]byte, (len(bits)+7)/8)
	for i, b := range bits {
		if b&1 == 1 {
			out[i/8] |= 1 << (7 - i%8)
		}
	}
	return out
}

// BitsToInt reads bits MSB first.
func BitsToInt(bits []byte) int {
	v := 0
	for _, b := range bits {
		v = v<<1 | int(b&1)
	}
	return v
}

// IntToBits writes the low n bits of v MSB first.
func IntToBits(v, n int) []byte {
	bits := make([]byte, n)
	for i := 0; i < n; i++ {
		bits[n-1-i] = byte(v>>i) & 1
	}
	return bits
}
