package selection

// defaultSeed is used when the configured seed is all zeros; xorshift
// never leaves the all-zero state.
var defaultSeed = [4]uint32{1795, 12345, 9876, 1243}

// XorShift128 is Marsaglia's xorshift128 generator. It is not safe for
// concurrent use; the engine only touches it under the detector lock.
type XorShift128 struct {
	x, y, z, w uint32
}

// NewXorShift128 seeds a generator.
func NewXorShift128(seed [4]uint32) *XorShift128 {
	if seed == [4]uint32{} {
		seed = defaultSeed
	}
	return &XorShift128{x: seed[0], y: seed[1], z: seed[2], w: seed[3]}
}

// Uint32 returns the next value in the sequence.
func (r *XorShift128) Uint32() uint32 {
	t := r.x ^ (r.x << 11)
	r.x, r.y, r.z = r.y, r.z, r.w
	r.w = (r.w ^ (r.w >> 19)) ^ (t ^ (t >> 8))
	return r.w
}

// FillPrintable fills b with bytes in the printable range [32, 125].
func (r *XorShift128) FillPrintable(b []byte) {
	for i := 0; i < len(b); i += 4 {
		v := r.Uint32()
		for j := 0; j < 4 && i+j < len(b); j++ {
			b[i+j] = byte(v>>(8*j))%94 + 32
		}
	}
}
