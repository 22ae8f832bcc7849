package wire

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/chazu/tapir/vm"
)

// cborEncMode holds CBOR encoding options with canonical mode for
// deterministic encoding.
var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("wire: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// MarshalEnvelope serializes an Envelope to CBOR bytes.
func MarshalEnvelope(e *Envelope) ([]byte, error) {
	return cborEncMode.Marshal(e)
}

// UnmarshalEnvelope deserializes an Envelope from CBOR bytes.
func UnmarshalEnvelope(data []byte) (*Envelope, error) {
	var e Envelope
	if err := cbor.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("wire: unmarshal envelope: %w", err)
	}
	return &e, nil
}

// MarshalHello serializes a Hello to CBOR bytes.
func MarshalHello(h *Hello) ([]byte, error) {
	return cborEncMode.Marshal(h)
}

// UnmarshalHello deserializes a Hello from CBOR bytes.
func UnmarshalHello(data []byte) (*Hello, error) {
	var h Hello
	if err := cbor.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("wire: unmarshal hello: %w", err)
	}
	return &h, nil
}

// MarshalReady serializes a Ready to CBOR bytes.
func MarshalReady(r *Ready) ([]byte, error) {
	return cborEncMode.Marshal(r)
}

// UnmarshalReady deserializes a Ready from CBOR bytes.
func UnmarshalReady(data []byte) (*Ready, error) {
	var r Ready
	if err := cbor.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("wire: unmarshal ready: %w", err)
	}
	return &r, nil
}

// MarshalCommand serializes a Command to CBOR bytes.
func MarshalCommand(c *Command) ([]byte, error) {
	return cborEncMode.Marshal(c)
}

// UnmarshalCommand deserializes a Command from CBOR bytes.
func UnmarshalCommand(data []byte) (*Command, error) {
	var c Command
	if err := cbor.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("wire: unmarshal command: %w", err)
	}
	return &c, nil
}

// MarshalReply serializes a Reply to CBOR bytes.
func MarshalReply(r *Reply) ([]byte, error) {
	return cborEncMode.Marshal(r)
}

// UnmarshalReply deserializes a Reply from CBOR bytes.
func UnmarshalReply(data []byte) (*Reply, error) {
	var r Reply
	if err := cbor.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("wire: unmarshal reply: %w", err)
	}
	return &r, nil
}

// MarshalState serializes an ExecutionState to CBOR bytes.
func MarshalState(s *vm.ExecutionState) ([]byte, error) {
	return cborEncMode.Marshal(s)
}

// UnmarshalState deserializes an ExecutionState from CBOR bytes.
func UnmarshalState(data []byte) (*vm.ExecutionState, error) {
	var s vm.ExecutionState
	if err := cbor.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("wire: unmarshal state: %w", err)
	}
	return &s, nil
}
