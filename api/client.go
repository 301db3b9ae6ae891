package api

import "time"

// GetCAInfoResponse is the decoded response to a cainfo request
type GetCAInfoResponse struct {
	// Name of the root CA
	CAName string
	// PEM encoded root certificate
	CAChain     []byte
	Fingerprint string
	NotAfter    time.Time
	StoreStatus string
	NextSerial  string
	// Version of the server
	Version string
}
