// Package core holds the shared contracts of the integration runtime: the
// Integration interface, credentials and identities, the error taxonomy,
// configuration and logging. Provider and storage packages depend on core,
// never the other way around.
package core
