package zigzag

// ZigZag transform: maps signed integers onto unsigned ones so that values
// with a small absolute value encode small:
//
//	 0 -> 0
//	-1 -> 1
//	 1 -> 2
//	-2 -> 3
//	...
//
// the codec runs every signed wire field through this before the byte order
// conversion, which keeps the encoded form independent of the host's signed
// integer representation.

func Encode32(n int32) uint32 {
	return uint32((n << 1) ^ (n >> 31))
}

func Decode32(n uint32) int32 {
	return int32(n>>1) ^ -int32(n&1)
}
