package analysis

import "strings"

// soundexCode maps a lowercase ASCII letter to its Soundex digit, or 0 for
// vowels and the separators h/w/y.
func soundexCode(r rune) byte {
	switch r {
	case 'b', 'f', 'p', 'v':
		return '1'
	case 'c', 'g', 'j', 'k', 'q', 's', 'x', 'z':
		return '2'
	case 'd', 't':
		return '3'
	case 'l':
		return '4'
	case 'm', 'n':
		return '5'
	case 'r':
		return '6'
	default:
		return 0
	}
}

// Soundex computes the classic 4-character Soundex code of a word:
// the uppercased first letter followed by three digits ("Robert" and
// "Rupert" both encode to R163). Letters h and w do not break a run of
// identical codes; vowels do. Non-letter input yields "".
func Soundex(value string) string {
	word := strings.ToLower(value)
	runes := []rune(word)
	start := -1
	for i, r := range runes {
		if r >= 'a' && r <= 'z' {
			start = i
			break
		}
	}
	if start < 0 {
		return ""
	}

	first := runes[start]
	code := make([]byte, 0, 4)
	code = append(code, byte(first)-'a'+'A')

	lastDigit := soundexCode(first)
	for _, r := range runes[start+1:] {
		if r < 'a' || r > 'z' {
			continue
		}
		digit := soundexCode(r)
		switch {
		case digit == 0:
			// h and w are transparent; vowels reset the run.
			if r != 'h' && r != 'w' {
				lastDigit = 0
			}
		case digit != lastDigit:
			code = append(code, digit)
			lastDigit = digit
		}
		if len(code) == 4 {
			break
		}
	}
	for len(code) < 4 {
		code = append(code, '0')
	}
	return string(code)
}
