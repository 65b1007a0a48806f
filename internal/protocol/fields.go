package protocol

import "bytes"

// PadField copies s into an n-byte zero-filled field, truncating if longer.
func PadField(s string, n int) []byte {
	f := make([]byte, n)
	copy(f, s)
	return f
}

// PadNameField is PadField that always keeps a terminating NUL, so at most
// n-1 bytes of s survive.
func PadNameField(s string, n int) []byte {
	f := make([]byte, n)
	if len(s) > n-1 {
		s = s[:n-1]
	}
	copy(f, s)
	return f
}

// TrimField strips trailing NUL and space padding and drops any non-ASCII
// bytes from a fixed-width text field.
func TrimField(b []byte) string {
	b = bytes.TrimRight(b, "\x00 ")
	out := make([]byte, 0, len(b))
	for _, c := range b {
		if c < 0x80 {
			out = append(out, c)
		}
	}
	return string(out)
}

// cString returns the bytes of f up to the first NUL.
func cString(f []byte) string {
	if i := bytes.IndexByte(f, 0); i >= 0 {
		f = f[:i]
	}
	return string(f)
}
