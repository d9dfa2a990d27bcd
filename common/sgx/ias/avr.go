// Package ias provides the attestation verification report types exchanged
// with the Intel Attestation Service.
//
// The protocol treats the report as an opaque bundle; its validity is
// established by an external verifier.
package ias

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// TimestampFormat is the format of the AVR timestamp, suitable for use with
// time.Parse.
const TimestampFormat = "2006-01-02T15:04:05.999999999"

// QuoteStatusOK is the only enclave quote status accepted by the mock
// verifier.
const QuoteStatusOK = "OK"

var (
	// ErrMalformedAVR is the error returned when an AVR body cannot be parsed.
	ErrMalformedAVR = errors.New("ias: malformed attestation verification report")

	// ErrEmptyAVR is the error returned when an AVR bundle has no body.
	ErrEmptyAVR = errors.New("ias: empty attestation verification report")
)

// AVRBundle is an attestation verification report together with the
// signature and certificate chain issued by the attestation service.
type AVRBundle struct {
	Body             []byte `json:"body"`
	CertificateChain []byte `json:"certificate_chain"`
	Signature        []byte `json:"signature"`
}

// AttestationVerificationReport is the subset of the AVR body used when
// matching a report against the enclave that produced it.
type AttestationVerificationReport struct {
	Timestamp             string `json:"timestamp"`
	ISVEnclaveQuoteStatus string `json:"isvEnclaveQuoteStatus"`
	ISVEnclaveQuoteBody   []byte `json:"isvEnclaveQuoteBody"`
	Nonce                 string `json:"nonce,omitempty"`
}

// Open parses the bundle body.
func (b *AVRBundle) Open() (*AttestationVerificationReport, error) {
	if len(b.Body) == 0 {
		return nil, ErrEmptyAVR
	}

	var avr AttestationVerificationReport
	if err := json.Unmarshal(b.Body, &avr); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformedAVR, err)
	}
	return &avr, nil
}

// NewMockAVR returns a mock AVR bundle for the given report and nonce.
//
// This is only useful for workers running without hardware isolation.
func NewMockAVR(report []byte, nonce string) *AVRBundle {
	avr := &AttestationVerificationReport{
		Timestamp:             time.Now().UTC().Format(TimestampFormat),
		ISVEnclaveQuoteStatus: QuoteStatusOK,
		ISVEnclaveQuoteBody:   report,
		Nonce:                 nonce,
	}

	body, _ := json.Marshal(avr)
	return &AVRBundle{
		Body: body,
	}
}
