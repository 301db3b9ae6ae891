package api

// CAInfoResponseNet is the response to the GET /cainfo request
type CAInfoResponseNet struct {
	CAName string
	// Base64 encoding of the root certificate PEM
	CAChain     string
	Fingerprint string
	NotAfter    string
	StoreStatus string
	NextSerial  string
	Version     string
}

// LedgerEntryNet is one row of the CA's index ledger
type LedgerEntryNet struct {
	Status            string
	Expiry            string
	RevocationTime    string
	Serial            string
	Filename          string
	DistinguishedName string
	CommonName        string
}

// LedgerResponseNet is the response to the GET /ledger request
type LedgerResponseNet struct {
	Entries []LedgerEntryNet
}

// IssuanceRecordNet is one issuance journal record
type IssuanceRecordNet struct {
	ID          uint64
	CommonName  string
	Serial      string
	Fingerprint string
	Status      string
	Reason      string
	CreatedAt   string
	UpdatedAt   string
}

// CertificateResponseNet is the response to the GET /certificates/{cn} request
type CertificateResponseNet struct {
	CommonName string
	Entries    []LedgerEntryNet
	Records    []IssuanceRecordNet
	// Fingerprint of the certificate installed in the trust directory
	InstalledFingerprint string
	// Set when an issuing process held the journal and Records is incomplete
	JournalBusy bool
}
