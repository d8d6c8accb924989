// Package sqldb opens MySQL and PostgreSQL connection pools, applies the
// embedded schema migrations and papers over the placeholder and error-code
// differences between the two dialects.
package sqldb
