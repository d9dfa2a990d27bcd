package tee

import (
	"bytes"
	"context"
	"fmt"

	"github.com/oasisprotocol/enclave-worker/common/cbor"
	"github.com/oasisprotocol/enclave-worker/common/crypto/hash"
	"github.com/oasisprotocol/enclave-worker/common/sgx/ias"
)

// InsecureMeasurement is the enclave measurement reported by the insecure
// mock TEE.
var InsecureMeasurement = hash.NewFromBytes([]byte("enclave-worker/insecure"))

var (
	_ TEE                = (*insecureTEE)(nil)
	_ AttestationService = (*InsecureAttestationService)(nil)
)

// InsecureReport is the report produced by the insecure mock TEE.
type InsecureReport struct {
	Measurement hash.Hash `json:"measurement"`
	TargetInfo  []byte    `json:"target_info"`
	ReportData  []byte    `json:"report_data"`
}

type insecureTEE struct{}

func (t *insecureTEE) Kind() string {
	return KindInsecure
}

func (t *insecureTEE) Report(targetInfo, reportData []byte) ([]byte, error) {
	return cbor.Marshal(&InsecureReport{
		Measurement: InsecureMeasurement,
		TargetInfo:  cbor.FixSliceForSerde(targetInfo),
		ReportData:  cbor.FixSliceForSerde(reportData),
	}), nil
}

func (t *insecureTEE) VerifyAVR(avr *ias.AVRBundle, report []byte, nonce string) error {
	body, err := avr.Open()
	if err != nil {
		return err
	}
	if body.ISVEnclaveQuoteStatus != ias.QuoteStatusOK {
		return fmt.Errorf("tee: unexpected quote status: %s", body.ISVEnclaveQuoteStatus)
	}
	if body.Nonce != nonce {
		return fmt.Errorf("tee: AVR nonce mismatch")
	}
	if !bytes.Equal(body.ISVEnclaveQuoteBody, report) {
		return fmt.Errorf("tee: AVR does not match report")
	}
	return nil
}

// NewInsecure creates an insecure mock TEE.
//
// WARNING: The insecure TEE provides no isolation at all and must never be
// used in production.
func NewInsecure() TEE {
	return &insecureTEE{}
}

// InsecureAttestationService is a mock attestation service vouching for any
// report produced by the insecure TEE.
type InsecureAttestationService struct{}

// VerifyReport implements AttestationService.
func (s *InsecureAttestationService) VerifyReport(ctx context.Context, report []byte, nonce string) (*VerifiedReport, error) {
	var r InsecureReport
	if err := cbor.Unmarshal(report, &r); err != nil {
		return nil, fmt.Errorf("tee: malformed report: %w", err)
	}
	if !r.Measurement.Equal(&InsecureMeasurement) {
		return nil, fmt.Errorf("tee: unknown enclave measurement")
	}
	return &VerifiedReport{
		AVR:        ias.NewMockAVR(report, nonce),
		ReportData: cbor.FixSliceForSerde(r.ReportData),
	}, nil
}
