package guest

// Bytes are packed four per word, left-justified: byte 0 in bits 35-28,
// byte 1 in 27-20, byte 2 in 19-12, byte 3 in 11-4. Bits 3-0 are unused.
const BytesPerWord = 4

// WordsFor returns the number of words needed to hold n packed bytes.
func WordsFor(n int) int {
	return (n + BytesPerWord - 1) / BytesPerWord
}

func byteShift(i int) uint {
	return uint(28 - 8*i)
}

// PackWord packs up to four bytes into one word.
func PackWord(b []byte) Word {
	var w Word
	for i := 0; i < BytesPerWord && i < len(b); i++ {
		w |= Word(b[i]) << byteShift(i)
	}
	return w
}

// UnpackWord is the inverse of PackWord.
func UnpackWord(w Word, dst []byte) {
	for i := 0; i < BytesPerWord && i < len(dst); i++ {
		dst[i] = byte(w >> byteShift(i))
	}
}

// ReadBytes copies n packed bytes starting at word address a.
func ReadBytes(mem Memory, a Addr, n int) []byte {
	out := make([]byte, n)
	for i := 0; i < n; i += BytesPerWord {
		UnpackWord(mem.Load(a+Addr(i/BytesPerWord)), out[i:])
	}
	return out
}

// WriteBytes stores b packed starting at word address a. A trailing partial
// word is zero-filled.
func WriteBytes(mem Memory, a Addr, b []byte) {
	for i := 0; i < len(b); i += BytesPerWord {
		end := i + BytesPerWord
		if end > len(b) {
			end = len(b)
		}
		mem.Store(a+Addr(i/BytesPerWord), PackWord(b[i:end]))
	}
}

// ReadHardwareAddr reads a 6-byte address stored as 4+2 packed bytes in two
// consecutive words.
func ReadHardwareAddr(mem Memory, a Addr) [6]byte {
	var hw [6]byte
	UnpackWord(mem.Load(a), hw[0:4])
	UnpackWord(mem.Load(a+1), hw[4:6])
	return hw
}

// WriteHardwareAddr is the inverse of ReadHardwareAddr.
func WriteHardwareAddr(mem Memory, a Addr, hw [6]byte) {
	mem.Store(a, PackWord(hw[0:4]))
	mem.Store(a+1, PackWord(hw[4:6]))
}
