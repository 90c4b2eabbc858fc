// Package migrations holds the SQL schema migrations applied by
// "referral-server migrate up".
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
