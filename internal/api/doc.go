// Package api exposes the REST surface for agent identity verification and
// the skill purchase handshake. It hosts the HTTP 402 payment flow, the
// escrow lifecycle endpoints, and the purchase listing endpoint.
package api
