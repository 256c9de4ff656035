package sip

import "time"

const dateLayout = "20060102    150405"

// YN renders a protocol yes/no flag.
func YN(v bool) string {
	if v {
		return "Y"
	}
	return "N"
}

// NumBool renders a protocol 1/0 flag, used by login and fee-paid replies.
func NumBool(v bool) string {
	if v {
		return "1"
	}
	return "0"
}

// DateNow renders the current time in the 18-character SIP date layout.
func DateNow() string {
	return time.Now().Format(dateLayout)
}

// FormatDate renders an arbitrary time in the SIP date layout.
func FormatDate(t time.Time) string {
	return t.Format(dateLayout)
}
