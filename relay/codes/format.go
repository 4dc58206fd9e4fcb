package codes

import (
	"fmt"
	"strings"
)

// Normalize trims and uppercases raw user input and checks the result is a
// well-formed pickup code.
func Normalize(raw string) (string, error) {
	code := strings.ToUpper(strings.TrimSpace(raw))
	if len(code) != Length {
		return "", fmt.Errorf("%w: %q must be %d characters", ErrInvalidFormat, raw, Length)
	}
	for i := 0; i < len(code); i++ {
		if strings.IndexByte(Alphabet, code[i]) < 0 {
			return "", fmt.Errorf("%w: %q contains %q", ErrInvalidFormat, raw, code[i])
		}
	}
	return code, nil
}

// Valid reports whether code is already in normalized form.
func Valid(code string) bool {
	n, err := Normalize(code)
	return err == nil && n == code
}

// fromIndex maps an integer in [0, Keyspace) onto its code.
func fromIndex(n int) string {
	var b [Length]byte
	for i := Length - 1; i >= 0; i-- {
		b[i] = Alphabet[n%len(Alphabet)]
		n /= len(Alphabet)
	}
	return string(b[:])
}
