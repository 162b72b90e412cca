package fec

// GF(2^8) arithmetic with primitive polynomial x^8+x^4+x^3+x^2+1 (0x11d)
// and generator 2. Polynomials are stored highest degree first.

const fieldPoly = 0x11d

var (
	gfExp [512]byte
	gfLog [256]int
)

func init() {
	x := 1
	for i := 0; i < 255; i++ {
		gfExp[i] = byte(x)
		gfLog[x] = i
		x <<= 1
		if x&0x100 != 0 {
			x ^= fieldPoly
		}
	}
	for i := 255; i < 512; i++ {
		gfExp[i] = gfExp[i-255]
	}
}

func gfMul(x, y byte) byte {
	if x == 0 || y == 0 {
		return 0
	}
	return gfExp[gfLog[x]+gfLog[y]]
}

func gfDiv(x, y byte) byte {
	if y == 0 {
		panic("fec: division by zero")
	}
	if x == 0 {
		return 0
	}
	return gfExp[(gfLog[x]+255-gfLog[y])%255]
}

// gfPow2 returns 2^p for any integer p.
func gfPow2(p int) byte {
	p %= 255
	if p < 0 {
		p += 255
	}
	return gfExp[p]
}

func gfInverse(x byte) byte {
	return gfExp[255-gfLog[x]]
}

func polyScale(p []byte, x byte) []byte {
	out := make([]byte, len(p))
	for i, c := range p {
		out[i] = gfMul(c, x)
	}
	return out
}

func polyAdd(p, q []byte) []byte {
	n := len(p)
	if len(q) > n {
		n = len(q)
	}
	out := make([]byte, n)
	for i, c := range p {
		out[i+n-len(p)] = c
	}
	for i, c := range q {
		out[i+n-len(q)] ^= c
	}
	return out
}

func polyMul(p, q []byte) []byte {
	out := make([]byte, len(p)+len(q)-1)
	for j, b := range q {
		for i, a := range p {
			out[i+j] ^= gfMul(a, b)
		}
	}
	return out
}

func polyEval(p []byte, x byte) byte {
	if len(p) == 0 {
		return 0
	}
	y := p[0]
	for _, c := range p[1:] {
		y = gfMul(y, x) ^ c
	}
	return y
}

func reversed(p []byte) []byte {
	out := make([]byte, len(p))
	for i, c := range p {
		out[len(p)-1-i] = c
	}
	return out
}
