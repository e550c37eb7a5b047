package sip

import (
	"strings"
	"unicode"
)

// scan states for the ;key=value / ,key=value header-params grammar used by
// Via and the auth headers.
const (
	scanKey = iota + 1
	scanEqualsOrSep
	scanValue
	scanQuotedValue
)

// UnmarshalHeaderParams scans s for seperator-delimited key[=value] pairs,
// stopping at ending (or end of string), and adds each into p.
func UnmarshalHeaderParams(s string, seperator rune, ending rune, p HeaderParams) (n int, err error) {
	var start, sep, quote int = 0, 0, -1
	state := scanKey

	s = strings.TrimLeftFunc(s, unicode.IsSpace) // Remove leading spaces
	n = len(s)
	for i, c := range s {
		if c == ending {
			n = i
			break
		}

		switch state {
		case scanKey:
			sep = 0
			start = i
			state = scanEqualsOrSep

		case scanEqualsOrSep:
			if c == seperator {
				// Add support for empty values
				p.Add(s[start:i], "")
				state = scanKey
				continue
			}

			if c != '=' {
				continue
			}

			sep = i
			state = scanValue

		case scanValue:
			switch c {
			case '"':
				state = scanQuotedValue
				quote = i
			case seperator:
				p.Add(s[start:sep], s[sep+1:i])
				start = sep + 1
				state = scanKey
			}
		case scanQuotedValue:
			if c != '"' {
				//End quoute
				continue
			}
			p.Add(s[start:], s[quote+1:i])
			state = scanKey
		}
	}

	// Do the last one
	if sep > 0 && n >= 0 && (start < sep) {
		p.Add(s[start:sep], s[sep+1:n])
	}
	// No seperator
	if sep == 0 && start < n && n >= 0 {
		p.Add(s[start:], "")
	}

	return n, nil
}
