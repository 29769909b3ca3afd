/*
Package security provides cryptographic services for the enrollment
authority: a certificate authority for mTLS, certificate lifecycle helpers,
and AES-256-GCM encryption for key material at rest.

	┌───────────────── Security Architecture ─────────────────┐
	│                                                            │
	│  ┌─────────────┐   ┌────────────────┐   ┌──────────────┐ │
	│  │  Secrets at  │   │  CertAuthority │   │ Certificate  │ │
	│  │     Rest     │   │  (root CA)     │   │  Lifecycle   │ │
	│  └─────────────┘   └────────────────┘   └──────────────┘ │
	└────────────────────────────────────────────────────────────┘

CertAuthority issues and verifies the TLS certificates the authority's own
listener uses. The package-level Encrypt/Decrypt helpers protect the CA's
private key at rest using a key derived from the authority's cluster
identifier; SecretsManager offers the same AES-256-GCM sealing under a
key its caller supplies.
*/
package security
