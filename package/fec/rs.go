package fec

import (
	"errors"
	"fmt"
	"sort"

	"binaric/package/shared"
)

// BlockSize is the Reed-Solomon codeword length over GF(2^8). The last
// block of a buffer is shortened.
const BlockSize = 255

var errTooManyErrata = errors.New("too many errata")

func generator(nsym int) []byte {
	g := []byte{1}
	for i := 0; i < nsym; i++ {
		g = polyMul(g, []byte{1, gfPow2(i)})
	}
	return g
}

// encodeCodeword appends nsym check symbols to msg.
func encodeCodeword(msg []byte, gen []byte) []byte {
	nsym := len(gen) - 1
	out := make([]byte, len(msg)+nsym)
	copy(out, msg)
	for i := range msg {
		coef := out[i]
		if coef == 0 {
			continue
		}
		for j := 1; j < len(gen); j++ {
			out[i+j] ^= gfMul(gen[j], coef)
		}
	}
	copy(out, msg)
	return out
}

// syndromes returns nsym+1 values; the leading zero keeps indices aligned
// with the locator arithmetic below.
func syndromes(msg []byte, nsym int) []byte {
	synd := make([]byte, nsym+1)
	for i := 0; i < nsym; i++ {
		synd[i+1] = polyEval(msg, gfPow2(i))
	}
	return synd
}

func allZero(p []byte) bool {
	for _, c := range p {
		if c != 0 {
			return false
		}
	}
	return true
}

// forneySyndromes removes the known erasures from the syndromes so the
// error locator only has to find the unknown errors.
func forneySyndromes(synd []byte, pos []int, nmess int) []byte {
	fsynd := append([]byte(nil), synd[1:]...)
	for _, p := range pos {
		x := gfPow2(nmess - 1 - p)
		for j := 0; j < len(fsynd)-1; j++ {
			fsynd[j] = gfMul(fsynd[j], x) ^ fsynd[j+1]
		}
	}
	return fsynd
}

// errorLocator runs Berlekamp-Massey over the Forney syndromes.
func errorLocator(synd []byte, nsym, erasures int) ([]byte, error) {
	errLoc := []byte{1}
	oldLoc := []byte{1}
	shift := 0
	if len(synd) > nsym {
		shift = len(synd) - nsym
	}
	for i := 0; i < nsym-erasures; i++ {
		k := i + shift
		delta := synd[k]
		for j := 1; j < len(errLoc); j++ {
			delta ^= gfMul(errLoc[len(errLoc)-1-j], synd[k-j])
		}
		oldLoc = append(oldLoc, 0)
		if delta != 0 {
			if len(oldLoc) > len(errLoc) {
				newLoc := polyScale(oldLoc, delta)
				oldLoc = polyScale(errLoc, gfInverse(delta))
				errLoc = newLoc
			}
			errLoc = polyAdd(errLoc, polyScale(oldLoc, delta))
		}
	}
	for len(errLoc) > 0 && errLoc[0] == 0 {
		errLoc = errLoc[1:]
	}
	if errs := len(errLoc) - 1; 2*errs+erasures > nsym {
		return nil, errTooManyErrata
	}
	return errLoc, nil
}

// findErrors is a Chien search restricted to the nmess valid positions.
func findErrors(errLocRev []byte, nmess int) ([]int, error) {
	errs := len(errLocRev) - 1
	var pos []int
	for i := 0; i < nmess; i++ {
		if polyEval(errLocRev, gfPow2(i)) == 0 {
			pos = append(pos, nmess-1-i)
		}
	}
	if len(pos) != errs {
		return nil, errTooManyErrata
	}
	return pos, nil
}

// correctErrata applies the Forney algorithm for the known errata positions.
func correctErrata(msg, synd []byte, errPos []int) error {
	coefPos := make([]int, len(errPos))
	for i, p := range errPos {
		coefPos[i] = len(msg) - 1 - p
	}
	loc := []byte{1}
	for _, c := range coefPos {
		loc = polyMul(loc, []byte{gfPow2(c), 1})
	}
	eval := polyMul(reversed(synd), loc)
	if k := len(loc); len(eval) > k {
		eval = eval[len(eval)-k:]
	}
	X := make([]byte, len(coefPos))
	for i, c := range coefPos {
		X[i] = gfPow2(c)
	}
	for i, xi := range X {
		xiInv := gfInverse(xi)
		prime := byte(1)
		for j, xj := range X {
			if j != i {
				prime = gfMul(prime, 1^gfMul(xiInv, xj))
			}
		}
		if prime == 0 {
			return errTooManyErrata
		}
		y := gfMul(xi, polyEval(eval, xiInv))
		msg[errPos[i]] ^= gfDiv(y, prime)
	}
	return nil
}

// decodeCodeword corrects cw in place and reports how many symbols changed.
func decodeCodeword(cw []byte, nsym int, erasures []int) (int, error) {
	if len(erasures) > nsym {
		return 0, errTooManyErrata
	}
	orig := append([]byte(nil), cw...)
	for _, e := range erasures {
		cw[e] = 0
	}
	synd := syndromes(cw, nsym)
	if allZero(synd) {
		return countDiff(orig, cw), nil
	}
	fsynd := forneySyndromes(synd, erasures, len(cw))
	errLoc, err := errorLocator(fsynd, nsym, len(erasures))
	if err != nil {
		return 0, err
	}
	errPos, err := findErrors(reversed(errLoc), len(cw))
	if err != nil {
		return 0, err
	}
	if err := correctErrata(cw, synd, append(append([]int(nil), erasures...), errPos...)); err != nil {
		return 0, err
	}
	if !allZero(syndromes(cw, nsym)) {
		return 0, errTooManyErrata
	}
	return countDiff(orig, cw), nil
}

func countDiff(a, b []byte) int {
	n := 0
	for i := range a {
		if a[i] != b[i] {
			n++
		}
	}
	return n
}

func checkParity(parity int) {
	if parity <= 0 || parity >= BlockSize {
		panic(fmt.Sprintf("fec: invalid parity %d", parity))
	}
}

// EncodedLen is the length of n data bytes after EncodeBlock.
func EncodedLen(n, parity int) int {
	k := BlockSize - parity
	blocks := (n + k - 1) / k
	return n + blocks*parity
}

// DecodedLen inverts EncodedLen. A trailing block that holds nothing but
// check symbols is malformed.
func DecodedLen(n, parity int) (int, error) {
	full, rem := n/BlockSize, n%BlockSize
	if rem != 0 && rem <= parity {
		return 0, shared.IntegrityError(shared.ErrMalformed, "%d trailing bytes cannot hold a block", rem)
	}
	out := full * (BlockSize - parity)
	if rem != 0 {
		out += rem - parity
	}
	return out, nil
}

// EncodeBlock splits data into blocks of 255-parity bytes and appends parity
// check symbols to each. It panics if parity is outside (0,255).
func EncodeBlock(data []byte, parity int) []byte {
	checkParity(parity)
	gen := generator(parity)
	k := BlockSize - parity
	out := make([]byte, 0, EncodedLen(len(data), parity))
	for off := 0; off < len(data); off += k {
		end := off + k
		if end > len(data) {
			end = len(data)
		}
		out = append(out, encodeCodeword(data[off:end], gen)...)
	}
	return out
}

// DecodeBlock corrects up to parity/2 symbol errors per block.
func DecodeBlock(data []byte, parity int) ([]byte, int, error) {
	return DecodeBlockErasures(data, parity, nil)
}

// DecodeBlockErasures also takes the positions (offsets into data) of symbols
// known to be unreliable. Each block corrects e errors and f erasures as long
// as 2e+f <= parity. Beyond that it fails with ErrUncorrectable and returns
// no data.
func DecodeBlockErasures(data []byte, parity int, erasures []int) ([]byte, int, error) {
	checkParity(parity)
	n, err := DecodedLen(len(data), parity)
	if err != nil {
		return nil, 0, err
	}
	perBlock := make(map[int][]int)
	for _, e := range dedupe(erasures) {
		if e >= 0 && e < len(data) {
			perBlock[e/BlockSize] = append(perBlock[e/BlockSize], e%BlockSize)
		}
	}
	out := make([]byte, 0, n)
	total := 0
	for off, b := 0, 0; off < len(data); off, b = off+BlockSize, b+1 {
		end := off + BlockSize
		if end > len(data) {
			end = len(data)
		}
		cw := append([]byte(nil), data[off:end]...)
		fixed, err := decodeCodeword(cw, parity, perBlock[b])
		if err != nil {
			return nil, 0, shared.IntegrityError(shared.ErrUncorrectable, "block %d: %v", b, err)
		}
		total += fixed
		out = append(out, cw[:len(cw)-parity]...)
	}
	return out, total, nil
}

func dedupe(in []int) []int {
	if len(in) == 0 {
		return nil
	}
	out := append([]int(nil), in...)
	sort.Ints(out)
	j := 0
	for i := 1; i < len(out); i++ {
		if out[i] != out[j] {
			j++
			out[j] = out[i]
		}
	}
	return out[:j+1]
}
