// Package tee defines the interface to the trusted execution environment a
// worker runs in and to the attestation service vouching for it.
package tee

import (
	"context"
	"fmt"

	"github.com/oasisprotocol/enclave-worker/common/crypto/hash"
	"github.com/oasisprotocol/enclave-worker/common/crypto/signature"
	"github.com/oasisprotocol/enclave-worker/common/sgx/ias"
)

const (
	// KindNone is the kind of a worker running without a TEE.
	KindNone = "none"
	// KindInsecure is the kind of the insecure mock TEE.
	KindInsecure = "insecure"
)

// rakReportContext is the domain separation context of the RAK report data.
var rakReportContext = []byte("EkRakRpt")

// RAKReportData returns the report data binding the given RAK.
func RAKReportData(rak signature.PublicKey) []byte {
	h := hash.NewFromBytes(rakReportContext, rak[:])
	return h[:]
}

// VerifiedReport is a hardware report vouched for by the attestation
// service.
type VerifiedReport struct {
	// AVR is the attestation verification report.
	AVR *ias.AVRBundle
	// ReportData is the report data carried by the verified report.
	ReportData []byte
}

// TEE is a trusted execution environment.
type TEE interface {
	// Kind returns the TEE kind.
	Kind() string

	// Report returns a hardware report addressed to the given target which
	// binds reportData to the identity of the running enclave.
	Report(targetInfo, reportData []byte) ([]byte, error)

	// VerifyAVR checks that the attestation verification report refers to
	// the given report and nonce, so that it is safe to trust the key bound
	// by the report.
	VerifyAVR(avr *ias.AVRBundle, report []byte, nonce string) error
}

// AttestationService obtains attestation verification reports for
// hardware reports.
type AttestationService interface {
	// VerifyReport submits the report to the attestation service and
	// returns the attestation verification report together with the
	// report data the report binds.
	VerifyReport(ctx context.Context, report []byte, nonce string) (*VerifiedReport, error)
}

// New creates a TEE of the given kind. A nil TEE is returned for KindNone.
func New(kind string) (TEE, error) {
	switch kind {
	case KindNone, "":
		return nil, nil
	case KindInsecure:
		return NewInsecure(), nil
	default:
		return nil, fmt.Errorf("tee: unsupported kind: '%s'", kind)
	}
}
