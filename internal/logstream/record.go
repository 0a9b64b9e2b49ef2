package logstream

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// RecordType distinguishes requests from their outcomes.
type RecordType uint8

const (
	// Command asks the processor to change state.
	Command RecordType = iota + 1
	// Event records the outcome of a command. Its SourcePosition is the command's position.
	Event
)

func (t RecordType) String() string {
	switch t {
	case Command:
		return "COMMAND"
	case Event:
		return "EVENT"
	default:
		return fmt.Sprintf("RecordType(%d)", uint8(t))
	}
}

// Command intents.
const (
	IntentPut    = "PUT"
	IntentDelete = "DELETE"
)

// Event intents.
const (
	IntentApplied  = "APPLIED"
	IntentRejected = "REJECTED"
)

// Record is one log entry. Position is assigned by the log on append.
type Record struct {
	Position       int64      `cbor:"1,keyasint"`
	SourcePosition int64      `cbor:"2,keyasint"`
	Type           RecordType `cbor:"3,keyasint"`
	Intent         string     `cbor:"4,keyasint"`
	ColumnFamily   string     `cbor:"5,keyasint,omitempty"`
	Key            []byte     `cbor:"6,keyasint,omitempty"`
	Value          []byte     `cbor:"7,keyasint,omitempty"`
	Reason         string     `cbor:"8,keyasint,omitempty"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encOptions := cbor.EncOptions{Sort: cbor.SortCanonical}
	if encMode, err = encOptions.EncMode(); err != nil {
		panic(err)
	}
	if decMode, err = (cbor.DecOptions{}).DecMode(); err != nil {
		panic(err)
	}
}

// MarshalRecord encodes r as canonical CBOR.
func MarshalRecord(r Record) ([]byte, error) {
	data, err := encMode.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}
	return data, nil
}

// UnmarshalRecord decodes a record produced by MarshalRecord.
func UnmarshalRecord(data []byte) (Record, error) {
	var r Record
	if err := decMode.Unmarshal(data, &r); err != nil {
		return Record{}, fmt.Errorf("unmarshal record: %w", err)
	}
	return r, nil
}
