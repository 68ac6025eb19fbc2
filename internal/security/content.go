package security

import (
	"bytes"
	"encoding/base64"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/encoding/unicode/utf32"
)

// Format names a content type recognized by the magic-byte allow-list.
type Format string

const (
	FormatUnknown Format = ""
	FormatHTML    Format = "html"
	FormatXML     Format = "xml"
	FormatSVG     Format = "svg"
	FormatDiagram Format = "mxfile"
	FormatPNG     Format = "png"
	FormatJPEG    Format = "jpeg"
	FormatWebP    Format = "webp"
	FormatPDF     Format = "pdf"
	FormatZIP     Format = "zip"
	FormatJSON    Format = "json"
)

// sniffLen is how many leading bytes the sniffer inspects.
const sniffLen = 64

type textRule struct {
	prefix     string
	ignoreCase bool
	format     Format
}

// textRules are matched against the head of textual content.
var textRules = []textRule{
	{"<!--[if ", false, FormatHTML},
	{"<!doctype svg", true, FormatSVG},
	{"<!doctype", true, FormatHTML},
	{"<!", false, FormatHTML},
	{"<html", true, FormatHTML},
	{"<head", true, FormatHTML},
	{"<body", true, FormatHTML},
	{"<?xml ", false, FormatXML},
	{"<svg ", false, FormatSVG},
	{"<mx", false, FormatDiagram},
	{"<DOCTYPE", false, FormatHTML},
	{`{"contentType":`, false, FormatJSON},
	{`{"`, false, FormatJSON},
	{"[", false, FormatJSON},
}

type binaryRule struct {
	magic  []byte
	offset int
	format Format
	extra  func(head []byte) bool
}

// binaryRules are matched against raw leading bytes.
var binaryRules = []binaryRule{
	{magic: []byte{0x89, 'P', 'N', 'G'}, format: FormatPNG},
	{magic: []byte{0xff, 0xd8, 0xff}, format: FormatJPEG, extra: isKnownJPEG},
	{magic: []byte("RIFF"), format: FormatWebP, extra: func(h []byte) bool {
		return len(h) >= 12 && string(h[8:12]) == "WEBP"
	}},
	{magic: []byte("%PDF"), format: FormatPDF},
	{magic: []byte{'P', 'K', 0x03, 0x04}, format: FormatZIP},
	{magic: []byte{'P', 'K', 0x05, 0x06}, format: FormatZIP},
}

// isKnownJPEG accepts JFIF, Adobe and Exif JPEG markers.
func isKnownJPEG(h []byte) bool {
	if len(h) < 4 {
		return false
	}
	switch h[3] {
	case 0xe0, 0xee, 0xdb:
		return true
	case 0xe1:
		return len(h) >= 11 && string(h[6:10]) == "Exif" && h[10] == 0
	}
	return false
}

// bomDecoders transcode BOM-prefixed heads to UTF-8 before text matching.
// UTF-32 comes first because its little-endian BOM starts like UTF-16's.
var bomDecoders = []struct {
	bom []byte
	enc encoding.Encoding
}{
	{[]byte{0x00, 0x00, 0xfe, 0xff}, utf32.UTF32(utf32.BigEndian, utf32.ExpectBOM)},
	{[]byte{0xff, 0xfe, 0x00, 0x00}, utf32.UTF32(utf32.LittleEndian, utf32.ExpectBOM)},
	{[]byte{0xfe, 0xff}, unicode.UTF16(unicode.BigEndian, unicode.ExpectBOM)},
	{[]byte{0xff, 0xfe}, unicode.UTF16(unicode.LittleEndian, unicode.ExpectBOM)},
	{[]byte{0xef, 0xbb, 0xbf}, unicode.UTF8BOM},
}

// CheckFileContent reports whether data starts like one of the allow-listed
// formats. With encoding "base64" the data is base64 text and its decoded
// head is inspected. Unrecognized content is rejected.
func CheckFileContent(data []byte, encoding string) bool {
	return DetectFormat(data, encoding) != FormatUnknown
}

// DetectFormat returns the allow-listed format of data, or FormatUnknown.
func DetectFormat(data []byte, encoding string) Format {
	head := data
	if strings.EqualFold(encoding, "base64") {
		n := len(data)
		if n > 4*sniffLen/3+4 {
			n = 4 * sniffLen / 3
		}
		n -= n % 4
		decoded := make([]byte, base64.StdEncoding.DecodedLen(n))
		m, err := base64.StdEncoding.Decode(decoded, data[:n])
		if err != nil {
			return FormatUnknown
		}
		head = decoded[:m]
	}
	if len(head) > sniffLen {
		head = head[:sniffLen]
	}
	if len(head) == 0 {
		return FormatUnknown
	}

	for _, rule := range binaryRules {
		end := rule.offset + len(rule.magic)
		if len(head) < end || !bytes.Equal(head[rule.offset:end], rule.magic) {
			continue
		}
		if rule.extra == nil || rule.extra(head) {
			return rule.format
		}
	}

	for _, d := range bomDecoders {
		if bytes.HasPrefix(head, d.bom) {
			// Trim to a whole code-unit count so the decoder sees complete units.
			unit := len(d.bom)
			if unit == 3 {
				unit = 1
			}
			body := head[:len(head)-len(head)%unit]
			text, err := d.enc.NewDecoder().Bytes(body)
			if err != nil {
				return FormatUnknown
			}
			if strings.HasPrefix(string(text), "<?x") {
				return FormatXML
			}
			return FormatUnknown
		}
	}

	return matchText(string(head))
}

func matchText(head string) Format {
	for _, rule := range textRules {
		if len(head) < len(rule.prefix) {
			continue
		}
		candidate := head[:len(rule.prefix)]
		if rule.ignoreCase {
			if strings.EqualFold(candidate, rule.prefix) {
				return rule.format
			}
		} else if candidate == rule.prefix {
			return rule.format
		}
	}
	return FormatUnknown
}
