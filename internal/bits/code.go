// Package bits packs tile indices into single integer spatial codes.
//
// Codes are Morton (Z-order) interleavings: bit i of x lands on bit 2i and
// bit i of y on bit 2i+1. Any pair of axis values in [0, 2^32) round-trips.
package bits

import "fmt"

// Code is a packed tile index
type Code uint64

// MaxAxis is the largest axis value Encode accepts.
const MaxAxis = 1<<32 - 1

// spread moves the low 32 bits of v onto the even bit positions.
func spread(v uint64) uint64 {
	v &= 0x00000000FFFFFFFF
	v = (v | v<<16) & 0x0000FFFF0000FFFF
	v = (v | v<<8) & 0x00FF00FF00FF00FF
	v = (v | v<<4) & 0x0F0F0F0F0F0F0F0F
	v = (v | v<<2) & 0x3333333333333333
	v = (v | v<<1) & 0x5555555555555555
	return v
}

// compact is the inverse of spread.
func compact(v uint64) uint64 {
	v &= 0x5555555555555555
	v = (v | v>>1) & 0x3333333333333333
	v = (v | v>>2) & 0x0F0F0F0F0F0F0F0F
	v = (v | v>>4) & 0x00FF00FF00FF00FF
	v = (v | v>>8) & 0x0000FFFF0000FFFF
	v = (v | v>>16) & 0x00000000FFFFFFFF
	return v
}

// Encode packs a tile index into a code. It panics when either axis is
// negative or above MaxAxis; wrap indices onto the grid first.
func Encode(x, y int) Code {
	if x < 0 || y < 0 || uint64(x) > MaxAxis || uint64(y) > MaxAxis {
		panic(fmt.Sprintf("bits: tile index (%d, %d) out of range", x, y))
	}
	return Code(spread(uint64(x)) | spread(uint64(y))<<1)
}

// Decode unpacks a code into its tile index
func Decode(c Code) (x, y int) {
	return int(compact(uint64(c))), int(compact(uint64(c) >> 1))
}

func (c Code) String() string {
	x, y := Decode(c)
	return fmt.Sprintf("%d_%d", x, y)
}
