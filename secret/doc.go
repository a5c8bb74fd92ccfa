// Package secret resolves connection strings and credentials in configuration.
//
// Values are first expanded with ExpandEnvStrict, then any secret references
// are replaced by their provider's value:
//
//	secretref:file:pg_password
//	postgres://app:secretref:env:PGPASS@db:5432/tasks
//
// DefaultRegistry knows the "env" and "file" providers; others can be
// registered at startup. Use Redact before logging a resolved DSN.
package secret
