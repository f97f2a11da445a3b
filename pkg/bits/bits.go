// Package bits manipulates single bytes using the 1-based bit numbering of the
// ISO/IEC 7816-4 tables, where b8 is the most significant bit and b1 the least.
package bits

func inByte(n uint) bool { return n >= 1 && n <= 8 }

// Bit is the mask of bn. Positions outside 1..8 give 0.
func Bit(n uint) byte {
	if !inByte(n) {
		return 0
	}
	return 1 << (n - 1)
}

func IsSet(b byte, n uint) bool { return b&Bit(n) != 0 }

func Set(b byte, n uint) byte { return b | Bit(n) }

func Clear(b byte, n uint) byte { return b &^ Bit(n) }

// Assign sets bn when on is true and clears it otherwise.
func Assign(b byte, n uint, on bool) byte {
	if on {
		return Set(b, n)
	}
	return Clear(b, n)
}

// span returns the right-aligned mask of a high..low field and its shift.
func span(high, low uint) (mask byte, shift uint, ok bool) {
	if high < low || !inByte(high) || !inByte(low) {
		return 0, 0, false
	}
	return byte(1<<(high-low+1) - 1), low - 1, true
}

// GetRange reads the field bhigh..blow as a number:
// GetRange(0b0000_1100, 4, 3) is 3.
func GetRange(b byte, high, low uint) byte {
	mask, shift, ok := span(high, low)
	if !ok {
		return 0
	}
	return b >> shift & mask
}

// SetRange writes v into the field bhigh..blow. Bits of v that do not fit
// are dropped and an invalid range leaves b unchanged.
func SetRange(b byte, high, low uint, v byte) byte {
	mask, shift, ok := span(high, low)
	if !ok {
		return b
	}
	return b&^(mask<<shift) | (v&mask)<<shift
}
