package listing

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cloudfiles/containerserver/internal/broker"
)

// Format names. The query parameter wins over the Accept header; an
// unrecognized value renders plain text.
const (
	FormatPlain = "plain"
	FormatJSON  = "json"
	FormatXML   = "xml"
)

// Negotiate picks the output format from the format query parameter
// and the Accept header.
func Negotiate(query, accept string) string {
	switch strings.TrimPrefix(query, "application/") {
	case FormatJSON:
		return FormatJSON
	case FormatXML:
		return FormatXML
	case "", "text/plain":
	default:
		return FormatPlain
	}
	if query != "" {
		return FormatPlain
	}
	for _, offer := range []string{"text/plain", "application/json", "application/xml"} {
		if acceptMatches(accept, offer) {
			return strings.TrimPrefix(strings.TrimPrefix(offer, "application/"), "text/")
		}
	}
	return FormatPlain
}

func acceptMatches(accept, offer string) bool {
	if accept == "" {
		return offer == "text/plain"
	}
	major := offer[:strings.Index(offer, "/")]
	for _, part := range strings.Split(accept, ",") {
		mime := strings.TrimSpace(part)
		if i := strings.Index(mime, ";"); i >= 0 {
			mime = strings.TrimSpace(mime[:i])
		}
		if mime == offer || mime == "*/*" || mime == major+"/*" {
			return true
		}
	}
	return false
}

// ContentType returns the response content type for a format.
func ContentType(format string) string {
	switch format {
	case FormatJSON:
		return "application/json; charset=utf-8"
	case FormatXML:
		return "application/xml; charset=utf-8"
	default:
		return "text/plain; charset=utf-8"
	}
}

// Plain renders one name per line, newline-terminated. Subdir rows
// carry no marker. An empty listing renders empty (the controller
// turns that into 204).
func Plain(records []broker.Record) []byte {
	if len(records) == 0 {
		return nil
	}
	var buf bytes.Buffer
	for _, rec := range records {
		buf.WriteString(rec.Name)
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

type jsonObject struct {
	Name         string `json:"name"`
	Hash         string `json:"hash"`
	Bytes        int64  `json:"bytes"`
	ContentType  string `json:"content_type"`
	LastModified string `json:"last_modified"`
}

type jsonSubdir struct {
	Subdir string `json:"subdir"`
}

// JSON renders the listing as an array of object and subdir entries.
func JSON(records []broker.Record) ([]byte, error) {
	out := make([]interface{}, 0, len(records))
	for _, rec := range records {
		if rec.Subdir {
			out = append(out, jsonSubdir{Subdir: rec.Name})
			continue
		}
		out = append(out, jsonObject{
			Name:         rec.Name,
			Hash:         rec.ETag,
			Bytes:        rec.Size,
			ContentType:  rec.ContentType,
			LastModified: isoTime(rec.CreatedAt),
		})
	}
	return json.Marshal(out)
}

type xmlObject struct {
	XMLName      xml.Name `xml:"object"`
	Name         string   `xml:"name"`
	Hash         string   `xml:"hash"`
	Bytes        int64    `xml:"bytes"`
	ContentType  string   `xml:"content_type"`
	LastModified string   `xml:"last_modified"`
}

type xmlSubdir struct {
	XMLName xml.Name `xml:"subdir"`
	Name    string   `xml:"name,attr"`
}

type xmlContainer struct {
	XMLName xml.Name      `xml:"container"`
	Name    string        `xml:"name,attr"`
	Entries []interface{} `xml:",any"`
}

// XML renders the listing wrapped in a container element, with the
// standard UTF-8 prologue.
func XML(container string, records []broker.Record) ([]byte, error) {
	doc := xmlContainer{Name: container}
	for _, rec := range records {
		if rec.Subdir {
			doc.Entries = append(doc.Entries, xmlSubdir{Name: rec.Name})
			continue
		}
		doc.Entries = append(doc.Entries, xmlObject{
			Name:         rec.Name,
			Hash:         rec.ETag,
			Bytes:        rec.Size,
			ContentType:  rec.ContentType,
			LastModified: isoTime(rec.CreatedAt),
		})
	}
	body, err := xml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal listing: %w", err)
	}
	var buf bytes.Buffer
	buf.WriteString(`<?xml version="1.0" encoding="UTF-8"?>` + "\n")
	buf.Write(body)
	return buf.Bytes(), nil
}

// isoTime converts a stored timestamp to ISO 8601 UTC with the
// microseconds always padded to six digits.
func isoTime(ts string) string {
	f, err := broker.TimestampToFloat(ts)
	if err != nil {
		f = 0
	}
	sec, frac := math.Modf(f)
	t := time.Unix(int64(sec), int64(math.Round(frac*1e9))).UTC()
	return fmt.Sprintf("%s.%06d", t.Format("2006-01-02T15:04:05"), t.Nanosecond()/1000)
}

// XMLEncodable reports whether s contains only code points that can be
// carried in an XML document. Requests whose path fails this get 412.
func XMLEncodable(s string) bool {
	for i, r := range s {
		if r == utf8.RuneError {
			if _, size := utf8.DecodeRuneInString(s[i:]); size <= 1 {
				return false
			}
		}
		if r < 0x20 && r != '\t' && r != '\n' && r != '\r' {
			return false
		}
		if r >= 0xD800 && r <= 0xDFFF || r == 0xFFFE || r == 0xFFFF {
			return false
		}
	}
	return true
}
