// Package providers groups the concrete integrations. restapi drives a
// provider from a declarative Definition, oauth wraps the authorization code
// flow, and shopify and github build on both.
package providers
