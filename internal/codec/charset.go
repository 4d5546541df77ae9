package codec

import (
	"strings"
	"unicode/utf8"

	"github.com/gogs/chardet"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/encoding/korean"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/traditionalchinese"
)

// EnsureUTF8 ensures a string is valid UTF-8.
// If already valid UTF-8, returns as-is.
// Otherwise attempts charset detection and conversion.
// Falls back to replacing invalid bytes with the replacement character.
func EnsureUTF8(s string) string {
	if utf8.ValidString(s) {
		return s
	}

	data := []byte(s)

	// Detection confidence scales with sample length; short strings get a
	// lower threshold so single-line bodies still convert.
	minConfidence := 30
	if len(data) > 50 {
		minConfidence = 50
	}

	detector := chardet.NewTextDetector()
	result, err := detector.DetectBest(data)
	if err == nil && result.Confidence >= minConfidence {
		if enc := encodingByName(result.Charset); enc != nil {
			decoded, err := enc.NewDecoder().Bytes(data)
			if err == nil && utf8.Valid(decoded) {
				return string(decoded)
			}
		}
	}

	// Try common encodings in order of likelihood for email content.
	encodings := []encoding.Encoding{
		charmap.Windows1252,
		charmap.ISO8859_1,
		charmap.ISO8859_15,
		japanese.ShiftJIS,
		japanese.EUCJP,
		korean.EUCKR,
		simplifiedchinese.GBK,
		traditionalchinese.Big5,
	}

	for _, enc := range encodings {
		decoded, err := enc.NewDecoder().Bytes(data)
		if err == nil && utf8.Valid(decoded) {
			return string(decoded)
		}
	}

	return sanitizeUTF8(s)
}

// sanitizeUTF8 replaces invalid UTF-8 bytes with the replacement character.
func sanitizeUTF8(s string) string {
	var sb strings.Builder
	sb.Grow(len(s))
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		if r == utf8.RuneError && size == 1 {
			sb.WriteRune('�')
			i++
		} else {
			sb.WriteRune(r)
			i += size
		}
	}
	return sb.String()
}

// encodingByName returns an encoding for the given IANA charset name.
func encodingByName(name string) encoding.Encoding {
	switch name {
	case "windows-1252", "CP1252", "cp1252":
		return charmap.Windows1252
	case "ISO-8859-1", "iso-8859-1", "latin1", "latin-1":
		return charmap.ISO8859_1
	case "ISO-8859-15", "iso-8859-15", "latin9":
		return charmap.ISO8859_15
	case "ISO-8859-2", "iso-8859-2", "latin2":
		return charmap.ISO8859_2
	case "Shift_JIS", "shift_jis", "shift-jis", "sjis":
		return japanese.ShiftJIS
	case "EUC-JP", "euc-jp", "eucjp":
		return japanese.EUCJP
	case "ISO-2022-JP", "iso-2022-jp":
		return japanese.ISO2022JP
	case "EUC-KR", "euc-kr", "euckr":
		return korean.EUCKR
	case "GB2312", "gb2312", "GBK", "gbk":
		return simplifiedchinese.GBK
	case "GB18030", "gb18030":
		return simplifiedchinese.GB18030
	case "Big5", "big5", "big-5":
		return traditionalchinese.Big5
	case "KOI8-R", "koi8-r":
		return charmap.KOI8R
	case "KOI8-U", "koi8-u":
		return charmap.KOI8U
	default:
		return nil
	}
}
