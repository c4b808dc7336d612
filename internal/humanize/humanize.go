// Package humanize formats counters for log output using US-English digit
// grouping.
package humanize

import (
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Int formats n with thousands separators, e.g. 10000 -> "10,000".
func Int[N ~int | ~int32 | ~int64](n N) string {
	return message.NewPrinter(language.AmericanEnglish).Sprintf("%d", int64(n))
}
