// Package verifylog implements the verification log (spec.md §4.7):
// lastcheck, a compact record of when ranges of snapshot names or CIDs
// were last verified, and issues, a per-item history of detected
// changes. Both are block-framed container files (§4.1) built on
// blockfile, grounded on original_source/pyebakup/verify/verifystorage.py
// and contentdatachecker.py for the event/state vocabulary the two
// files encode.
package verifylog

import (
	"time"

	"github.com/edbstore/ebakup/errs"
)

// TimestampSize is the width, in bytes, of the compact timestamp
// spec.md §4.7 defines for lastcheck/issues entries.
//
// spec.md states the encoding is "32 bits" but then lists fields
// [year:12][month:4][day:5][pad:2][second-of-day:17], which sum to 40
// bits, not 32 -- an inconsistency in the distilled spec that can't be
// resolved by reading original_source (the Python implementation this
// was distilled from uses its own independent timestamp shape for
// verification records, not this bitfield). Since the explicit
// bit-width breakdown carries far more information than the one-word
// "32 bits" summary, and truncating any of the listed fields would
// lose calendar precision the spec elsewhere insists readers validate,
// this implementation takes the field list as authoritative and stores
// the encoding in 5 bytes (40 bits). See DESIGN.md.
const TimestampSize = 5

// EncodeTimestamp renders t as the 5-octet little-endian bitfield
// [year:12][month:4][day:5][pad:2][second-of-day:17]. The zero
// time.Time encodes to all-zero bytes, the documented "unknown" value.
func EncodeTimestamp(t time.Time) [TimestampSize]byte {
	var out [TimestampSize]byte
	if t.IsZero() {
		return out
	}
	t = t.UTC()
	year := uint64(t.Year())
	month := uint64(t.Month())
	day := uint64(t.Day())
	sod := uint64(t.Hour())*3600 + uint64(t.Minute())*60 + uint64(t.Second())

	raw := (year&0xfff)<<28 | (month&0xf)<<24 | (day&0x1f)<<19 | (sod & 0x1ffff)
	for i := 0; i < TimestampSize; i++ {
		out[i] = byte(raw >> (8 * uint(i)))
	}
	return out
}

// DecodeTimestamp parses the 5-octet encoding. An all-zero encoding
// decodes to the zero time.Time (ok, no error). A nonzero encoding
// naming an impossible calendar date (e.g. day 30 of February) is
// rejected, per spec.md §4.7's "readers must treat invalid-day-for-
// month as an error unless the whole field is zero".
func DecodeTimestamp(b [TimestampSize]byte) (time.Time, error) {
	var raw uint64
	for i := TimestampSize - 1; i >= 0; i-- {
		raw = raw<<8 | uint64(b[i])
	}
	if raw == 0 {
		return time.Time{}, nil
	}

	year := (raw >> 28) & 0xfff
	month := (raw >> 24) & 0xf
	day := (raw >> 19) & 0x1f
	sod := raw & 0x1ffff

	if month < 1 || month > 12 || day < 1 || day > 31 || sod >= 86400 {
		return time.Time{}, &errs.InvalidFormat{Reason: "verifylog: timestamp fields out of range"}
	}
	hour := sod / 3600
	min := (sod % 3600) / 60
	sec := sod % 60

	t := time.Date(int(year), time.Month(month), int(day), int(hour), int(min), int(sec), 0, time.UTC)
	if t.Year() != int(year) || t.Month() != time.Month(month) || t.Day() != int(day) {
		return time.Time{}, &errs.InvalidFormat{Reason: "verifylog: timestamp names an impossible calendar date"}
	}
	return t, nil
}
