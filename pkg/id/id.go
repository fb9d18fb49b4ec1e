package id

import (
	"strings"

	"github.com/google/uuid"
)

// Reference builds a ledger reference such as "DEP-<uuid>". The prefix names
// the transaction type so references stay readable in gateway dashboards.
func Reference(prefix string) string {
	return strings.ToUpper(prefix) + "-" + uuid.NewString()
}

// Prefix returns the type prefix of a reference built by Reference.
func Prefix(reference string) string {
	prefix, _, found := strings.Cut(reference, "-")
	if !found {
		return ""
	}
	return prefix
}
