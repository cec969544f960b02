package extract

import (
	"bytes"
	"strings"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// extractPlain decodes text files. A leading BOM is dropped, CRLF becomes LF, and
// invalid UTF-8 is replaced with U+FFFD.
func extractPlain(content []byte) (string, error) {
	s := strings.ToValidUTF8(string(bytes.TrimPrefix(content, utf8BOM)), "�")
	return strings.ReplaceAll(s, "\r\n", "\n"), nil
}
