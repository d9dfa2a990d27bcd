package protocol

import (
	"fmt"
	"reflect"

	"github.com/oasisprotocol/enclave-worker/common/cbor"
	"github.com/oasisprotocol/enclave-worker/common/crypto/hash"
	"github.com/oasisprotocol/enclave-worker/common/crypto/signature"
	"github.com/oasisprotocol/enclave-worker/common/sgx/ias"
	"github.com/oasisprotocol/enclave-worker/roothash/api/block"
	"github.com/oasisprotocol/enclave-worker/runtime/transaction"
	storage "github.com/oasisprotocol/enclave-worker/storage/api"
)

// NOTE: Both ends of the protocol must be updated in lockstep if you
//       change any of the structures below.

// EndpointKeyManager is the name of the key manager host RPC endpoint.
const EndpointKeyManager = "key-manager"

// MessageType is a message type.
type MessageType uint8

// String returns a string representation of a message type.
func (m MessageType) String() string {
	switch m {
	case MessageRequest:
		return "request"
	case MessageResponse:
		return "response"
	default:
		return fmt.Sprintf("[malformed: %d]", m)
	}
}

// MarshalCBOR encodes a message type. Only requests and responses can be
// encoded.
func (m MessageType) MarshalCBOR() ([]byte, error) {
	switch m {
	case MessageRequest, MessageResponse:
		return cbor.MarshalErr(uint8(m))
	default:
		return nil, fmt.Errorf("protocol: refusing to encode message type %s", m)
	}
}

// UnmarshalCBOR decodes a message type. Anything other than a request or a
// response is rejected.
func (m *MessageType) UnmarshalCBOR(data []byte) error {
	var raw uint8
	if err := cbor.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("protocol: malformed message type: %w", err)
	}

	switch v := MessageType(raw); v {
	case MessageRequest, MessageResponse:
		*m = v
		return nil
	default:
		return fmt.Errorf("protocol: invalid message type: %d", raw)
	}
}

const (
	// MessageInvalid indicates an invalid message (should never be seen on the wire).
	MessageInvalid MessageType = 0

	// MessageRequest indicates a request message.
	MessageRequest MessageType = 1

	// MessageResponse indicates a response message.
	MessageResponse MessageType = 2
)

// Message is a protocol message.
type Message struct {
	ID          uint64      `json:"id"`
	MessageType MessageType `json:"message_type"`
	Body        Body        `json:"body"`
	SpanContext []byte      `json:"span_context"`
}

// ValidateBasic checks that the message has a valid type and exactly one
// body variant set.
func (m *Message) ValidateBasic() error {
	switch m.MessageType {
	case MessageRequest, MessageResponse:
	default:
		return fmt.Errorf("protocol: invalid message type: %d", uint8(m.MessageType))
	}
	return m.Body.ValidateBasic()
}

// Body is a protocol message body.
//
// Exactly one of the fields must be set.
type Body struct {
	Empty *Empty `json:",omitempty"`
	Error *Error `json:",omitempty"`

	// Worker interface.
	WorkerPingRequest                    *Empty                                `json:",omitempty"`
	WorkerShutdownRequest                *Empty                                `json:",omitempty"`
	WorkerAbortRequest                   *Empty                                `json:",omitempty"`
	WorkerAbortResponse                  *Empty                                `json:",omitempty"`
	WorkerCapabilityTEERakReportRequest  *WorkerCapabilityTEERakReportRequest  `json:",omitempty"`
	WorkerCapabilityTEERakReportResponse *WorkerCapabilityTEERakReportResponse `json:",omitempty"`
	WorkerCapabilityTEERakAvrRequest     *WorkerCapabilityTEERakAvrRequest     `json:",omitempty"`
	WorkerCapabilityTEERakAvrResponse    *Empty                                `json:",omitempty"`
	WorkerRPCCallRequest                 *WorkerRPCCallRequest                 `json:",omitempty"`
	WorkerRPCCallResponse                *WorkerRPCCallResponse                `json:",omitempty"`
	WorkerRuntimeCallBatchRequest        *WorkerRuntimeCallBatchRequest        `json:",omitempty"`
	WorkerRuntimeCallBatchResponse       *WorkerRuntimeCallBatchResponse       `json:",omitempty"`

	// Host interface.
	HostRPCCallRequest          *HostRPCCallRequest          `json:",omitempty"`
	HostRPCCallResponse         *HostRPCCallResponse         `json:",omitempty"`
	HostStorageGetRequest       *HostStorageGetRequest       `json:",omitempty"`
	HostStorageGetResponse      *HostStorageGetResponse      `json:",omitempty"`
	HostStorageGetBatchRequest  *HostStorageGetBatchRequest  `json:",omitempty"`
	HostStorageGetBatchResponse *HostStorageGetBatchResponse `json:",omitempty"`
	HostLocalStorageGetRequest  *HostLocalStorageGetRequest  `json:",omitempty"`
	HostLocalStorageGetResponse *HostLocalStorageGetResponse `json:",omitempty"`
	HostLocalStorageSetRequest  *HostLocalStorageSetRequest  `json:",omitempty"`
	HostLocalStorageSetResponse *Empty                       `json:",omitempty"`
}

// Type returns the message type by determining the name of the first non-nil member.
func (body Body) Type() string {
	b := reflect.ValueOf(body)
	for i := 0; i < b.NumField(); i++ {
		if !b.Field(i).IsNil() {
			return reflect.TypeOf(body).Field(i).Name
		}
	}
	return ""
}

// ValidateBasic checks that exactly one body variant is set.
func (body Body) ValidateBasic() error {
	b := reflect.ValueOf(body)

	var n int
	for i := 0; i < b.NumField(); i++ {
		if !b.Field(i).IsNil() {
			n++
		}
	}
	switch n {
	case 1:
		return nil
	case 0:
		return fmt.Errorf("protocol: empty message body")
	default:
		return fmt.Errorf("protocol: message body has %d variants set", n)
	}
}

// Empty is an empty message body.
type Empty struct{}

// Error is a message body representing an error.
type Error struct {
	Message string `json:"message"`
}

// WorkerCapabilityTEERakReportRequest is a worker RAK report request message body.
type WorkerCapabilityTEERakReportRequest struct {
	TargetInfo []byte `json:"target_info"`
}

// WorkerCapabilityTEERakReportResponse is a worker RAK report response message body.
type WorkerCapabilityTEERakReportResponse struct {
	RakPub signature.PublicKey `json:"rak_pub"`
	Report []byte              `json:"report"`
	Nonce  string              `json:"nonce"`
}

// WorkerCapabilityTEERakAvrRequest is a worker RAK AVR setup request message body.
type WorkerCapabilityTEERakAvrRequest struct {
	AVR ias.AVRBundle `json:"avr"`
}

// WorkerRPCCallRequest is a worker RPC call request message body.
type WorkerRPCCallRequest struct {
	// Request.
	Request []byte `json:"request"`
	// StateRoot is the state snapshot the call is bound to.
	StateRoot hash.Hash `json:"state_root"`
}

// WorkerRPCCallResponse is a worker RPC call response message body.
type WorkerRPCCallResponse struct {
	// Response.
	Response []byte `json:"response"`
	// StorageInserts are the durable writes performed by the call.
	StorageInserts []storage.Insert `json:"storage_inserts"`
	// NewStateRoot is the state root after applying the inserts.
	NewStateRoot hash.Hash `json:"new_state_root"`
}

// WorkerRuntimeCallBatchRequest is a worker batch execution request message body.
type WorkerRuntimeCallBatchRequest struct {
	// Calls is the batch of calls to execute.
	Calls transaction.CallBatch `json:"calls"`
	// Block is the block on which the batch computation should be based.
	Block block.Block `json:"block"`
}

// WorkerRuntimeCallBatchResponse is a worker batch execution response message body.
type WorkerRuntimeCallBatchResponse struct {
	Batch ComputedBatch `json:"batch"`
}

// HostRPCCallRequest is a host RPC call request message body.
type HostRPCCallRequest struct {
	Endpoint string `json:"endpoint"`
	Request  []byte `json:"request"`
}

// HostRPCCallResponse is a host RPC call response message body.
type HostRPCCallResponse struct {
	Response []byte `json:"response"`
}

// HostStorageGetRequest is a host storage get request message body.
type HostStorageGetRequest struct {
	Key hash.Hash `json:"key"`
}

// HostStorageGetResponse is a host storage get response message body.
type HostStorageGetResponse struct {
	Value []byte `json:"value"`
}

// HostStorageGetBatchRequest is a host storage get batch request message body.
type HostStorageGetBatchRequest struct {
	Keys []hash.Hash `json:"keys"`
}

// HostStorageGetBatchResponse is a host storage get batch response message body.
//
// Values has one entry per requested key, in request order. A key that is
// not present is reported as a nil entry.
type HostStorageGetBatchResponse struct {
	Values [][]byte `json:"values"`
}

// HostLocalStorageGetRequest is a host local storage get request message body.
type HostLocalStorageGetRequest struct {
	Key []byte `json:"key"`
}

// HostLocalStorageGetResponse is a host local storage get response message body.
type HostLocalStorageGetResponse struct {
	Value []byte `json:"value"`
}

// HostLocalStorageSetRequest is a host local storage set request message body.
type HostLocalStorageSetRequest struct {
	Key   []byte `json:"key"`
	Value []byte `json:"value"`
}

// TagTxnIndexBlock is the transaction index of a tag that refers to the
// block instead of a transaction.
const TagTxnIndexBlock = int32(-1)

// Tag is a key/value pair of arbitrary byte blobs with runtime-dependent
// semantics which can be indexed to allow easier lookup of blocks and
// transactions on runtime clients.
//
// On the wire a tag is always a 3-element array of its transaction index,
// key and value.
type Tag struct {
	// TxnIndex is the index of the transaction this tag belongs to. In case
	// the value is TagTxnIndexBlock, the tag refers to the block.
	TxnIndex int32
	// Key is the tag key.
	Key []byte
	// Value is the tag value.
	Value []byte
}

// IsBlockTag returns true iff the tag refers to the block.
func (t Tag) IsBlockTag() bool {
	return t.TxnIndex == TagTxnIndexBlock
}

// MarshalCBOR encodes a tag as a 3-element array.
func (t Tag) MarshalCBOR() ([]byte, error) {
	return cbor.MarshalErr([]interface{}{
		t.TxnIndex,
		cbor.FixSliceForSerde(t.Key),
		cbor.FixSliceForSerde(t.Value),
	})
}

// UnmarshalCBOR decodes a tag from a 3-element array.
func (t *Tag) UnmarshalCBOR(data []byte) error {
	var elems []cbor.RawMessage
	if err := cbor.Unmarshal(data, &elems); err != nil {
		return fmt.Errorf("protocol: malformed tag: %w", err)
	}
	if len(elems) != 3 {
		return fmt.Errorf("protocol: malformed tag: expected 3 elements, got %d", len(elems))
	}

	var tag Tag
	if err := cbor.Unmarshal(elems[0], &tag.TxnIndex); err != nil {
		return fmt.Errorf("protocol: malformed tag index: %w", err)
	}
	if tag.TxnIndex < TagTxnIndexBlock {
		return fmt.Errorf("protocol: malformed tag index: %d", tag.TxnIndex)
	}
	if !isByteString(elems[1]) {
		return fmt.Errorf("protocol: malformed tag key: not a byte string")
	}
	if !isByteString(elems[2]) {
		return fmt.Errorf("protocol: malformed tag value: not a byte string")
	}
	if err := cbor.Unmarshal(elems[1], &tag.Key); err != nil {
		return fmt.Errorf("protocol: malformed tag key: %w", err)
	}
	if err := cbor.Unmarshal(elems[2], &tag.Value); err != nil {
		return fmt.Errorf("protocol: malformed tag value: %w", err)
	}
	tag.Key = cbor.FixSliceForSerde(tag.Key)
	tag.Value = cbor.FixSliceForSerde(tag.Value)

	*t = tag
	return nil
}

// isByteString returns true iff the raw CBOR item is a byte string (major
// type 2).
func isByteString(raw cbor.RawMessage) bool {
	return len(raw) > 0 && raw[0]>>5 == 2
}

// ComputedBatch is a computed batch.
type ComputedBatch struct {
	// Outputs is the batch of runtime outputs, one per input call.
	Outputs transaction.OutputBatch `json:"outputs"`
	// StorageInserts is the batch of storage inserts.
	StorageInserts []storage.Insert `json:"storage_inserts"`
	// NewStateRoot is the new state root hash.
	NewStateRoot hash.Hash `json:"new_state_root"`
	// Tags are the runtime-specific indexable tags.
	Tags []Tag `json:"tags"`
	// RakSig is the signature of the batch's BatchSigMessage with the
	// worker's RAK. It is all zero when the batch is not attested.
	RakSig signature.RawSignature `json:"rak_sig"`
}

// String returns a string representation of a computed batch.
func (b *ComputedBatch) String() string {
	return "<ComputedBatch>"
}

// IsAttested returns true iff the batch carries a RAK signature.
func (b *ComputedBatch) IsAttested() bool {
	return !b.RakSig.IsZero()
}
