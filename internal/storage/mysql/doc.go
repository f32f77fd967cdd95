// Package mysql provides repositories backed by MySQL. It encapsulates
// schema migrations, connection pooling, and strongly typed queries for
// persisting agent identities and escrowed purchase records.
package mysql
