package protocol

// String sanitization for the two bounded ASCII fields on the wire. Fixed
// width fields arrive NUL-padded; control bytes are stripped before the
// character-set check so a padded-but-clean field normalizes, while any
// printable byte outside the allowed set rejects the frame.

func isControl(c byte) bool {
	return c < 0x20 || c == 0x7f
}

// SanitizeSymbol normalizes a raw symbol field: control bytes stripped,
// letters uppercased, then validated against [A-Z0-9.-] with length 1..8.
func SanitizeSymbol(raw []byte) (string, bool) {
	var buf [symbolWidth]byte
	n := 0
	for _, c := range raw {
		if isControl(c) {
			continue
		}
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		valid := (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '.' || c == '-'
		if !valid {
			return "", false
		}
		if n >= symbolWidth {
			return "", false
		}
		buf[n] = c
		n++
	}
	if n == 0 {
		return "", false
	}
	return string(buf[:n]), true
}

// SanitizeClientID normalizes a raw client identifier: control bytes
// stripped, then validated against [A-Za-z0-9_-] with length 1..32.
func SanitizeClientID(raw []byte) (string, bool) {
	var buf [clientIDWidth]byte
	n := 0
	for _, c := range raw {
		if isControl(c) {
			continue
		}
		valid := (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') ||
			(c >= '0' && c <= '9') || c == '_' || c == '-'
		if !valid {
			return "", false
		}
		if n >= clientIDWidth {
			return "", false
		}
		buf[n] = c
		n++
	}
	if n == 0 {
		return "", false
	}
	return string(buf[:n]), true
}

// trimPadding strips trailing NULs from a fixed-width outbound field. Used
// for ack reasons, which are written by this process and need no charset
// validation on the way back in.
func trimPadding(raw []byte) string {
	end := len(raw)
	for end > 0 && raw[end-1] == 0 {
		end--
	}
	return string(raw[:end])
}
