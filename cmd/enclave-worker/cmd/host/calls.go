package host

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/oasisprotocol/enclave-worker/common/crypto/hash"
	"github.com/oasisprotocol/enclave-worker/runtime/worker/kvruntime"
)

// parseCall parses a single line of input into a key/value runtime call.
//
// The supported forms are:
//
//   insert <value>
//   get <hex key>
//   get_batch <hex key>...
//   local_get <key>
//   local_set <key> <value>
//   host_call <endpoint> <value>
func parseCall(line string) (*kvruntime.Call, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil, fmt.Errorf("empty call")
	}

	method, args := fields[0], fields[1:]
	wantArgs := func(n int) error {
		if len(args) != n {
			return fmt.Errorf("%s: expected %d arguments, got %d", method, n, len(args))
		}
		return nil
	}

	call := &kvruntime.Call{Method: method}
	switch method {
	case kvruntime.MethodInsert:
		if err := wantArgs(1); err != nil {
			return nil, err
		}
		call.Value = []byte(args[0])
	case kvruntime.MethodGet:
		if err := wantArgs(1); err != nil {
			return nil, err
		}
		var key hash.Hash
		if err := key.UnmarshalHex(args[0]); err != nil {
			return nil, fmt.Errorf("%s: malformed key: %w", method, err)
		}
		call.Key = key[:]
	case kvruntime.MethodGetBatch:
		for _, arg := range args {
			var key hash.Hash
			if err := key.UnmarshalHex(arg); err != nil {
				return nil, fmt.Errorf("%s: malformed key: %w", method, err)
			}
			call.Keys = append(call.Keys, key)
		}
	case kvruntime.MethodLocalGet:
		if err := wantArgs(1); err != nil {
			return nil, err
		}
		call.Key = []byte(args[0])
	case kvruntime.MethodLocalSet:
		if err := wantArgs(2); err != nil {
			return nil, err
		}
		call.Key, call.Value = []byte(args[0]), []byte(args[1])
	case kvruntime.MethodHostCall:
		if err := wantArgs(2); err != nil {
			return nil, err
		}
		call.Endpoint, call.Value = args[0], []byte(args[1])
	default:
		return nil, fmt.Errorf("unknown method: '%s'", method)
	}

	return call, nil
}

// formatOutput renders the output of a call for display.
func formatOutput(call *kvruntime.Call, out *kvruntime.Output) string {
	switch {
	case out.Error != "":
		return "error: " + out.Error
	case out.Results != nil:
		results := make([]string, 0, len(out.Results))
		for _, r := range out.Results {
			if r == nil {
				results = append(results, "<missing>")
				continue
			}
			results = append(results, fmt.Sprintf("%q", r))
		}
		return "[" + strings.Join(results, " ") + "]"
	case call.Method == kvruntime.MethodInsert:
		return hex.EncodeToString(out.Result)
	default:
		return fmt.Sprintf("%q", out.Result)
	}
}
