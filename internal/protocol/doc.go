// Package protocol owns the remote object wire contract.
//
// Ownership boundary:
// - failure taxonomy shared by client and server (this package)
// - line framing, status lines and data blocks (wire)
// - value and identity payload codecs (encoding)
package protocol
