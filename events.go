package tsshard

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"reflect"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack"
)

// The internal event IDs are hardcoded to preserve compatibility between versions
type EventType uint32

const (
	// sent from nodes when they connect to establish a session
	EvtIdentify EventType = 1
	// sent by the orchestrator in response to identify to complete the session establishment
	EvtIdentified EventType = 2

	// orchestrator -> node commands
	EvtDatasetSetup        EventType = 3
	EvtStartShardIngestion EventType = 4
	EvtStopShardIngestion  EventType = 5
	EvtShutdown            EventType = 6

	// node -> orchestrator reports, informational only
	EvtShardIngestionStarted EventType = 7
	EvtShardIngestionStopped EventType = 8
)

var EventsToStringMap = map[EventType]string{
	1: "Identify",
	2: "Identified",

	3: "DatasetSetup",
	4: "StartShardIngestion",
	5: "StopShardIngestion",
	6: "Shutdown",

	7: "ShardIngestionStarted",
	8: "ShardIngestionStopped",
}

func (evt EventType) String() string {
	if s, ok := EventsToStringMap[evt]; ok {
		return s
	}

	return fmt.Sprintf("EventType(%d)", uint32(evt))
}

// Mapping of events to structs for their data
var EvtDataMap = map[EventType]interface{}{
	EvtIdentify:              IdentifyData{},
	EvtIdentified:            IdentifiedData{},
	EvtDatasetSetup:          DatasetSetupData{},
	EvtStartShardIngestion:   StartShardIngestionData{},
	EvtStopShardIngestion:    StopShardIngestionData{},
	EvtShutdown:              nil,
	EvtShardIngestionStarted: StartShardIngestionData{},
	EvtShardIngestionStopped: StopShardIngestionData{},
}

type Message struct {
	EvtID EventType

	// only 1 of RawBody or DecodeBody is present, not both
	RawBody     []byte
	DecodedBody interface{}
}

// EncodeMessage is the same as EncodeMessageRaw but also encodes the data passed using msgpack
func EncodeMessage(evtID EventType, data interface{}) ([]byte, error) {
	if data == nil {
		return EncodeMessageRaw(evtID, nil), nil
	}

	if c, ok := data.([]byte); ok {
		return EncodeMessageRaw(evtID, c), nil
	}

	serialized, err := msgpack.Marshal(data)
	if err != nil {
		return nil, errors.WithMessage(err, "msgpack.Marshal")
	}

	return EncodeMessageRaw(evtID, serialized), nil
}

// EncodeMessageRaw encodes the event to the wire format
// The wire format is pretty basic, first 4 bytes is a uin32 representing what type of event this is
// next 4 bytes is another uin32 which represents the length of the body
// next n bytes is the body itself, which can even be empty in some cases
func EncodeMessageRaw(evtID EventType, data []byte) []byte {
	var buf bytes.Buffer

	tmpBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(tmpBuf, uint32(evtID))
	buf.Write(tmpBuf)

	l := uint32(len(data))
	binary.LittleEndian.PutUint32(tmpBuf, l)
	buf.Write(tmpBuf)
	buf.Write(data)

	return buf.Bytes()
}

type UnknownEventError struct {
	Evt EventType
}

func (uee *UnknownEventError) Error() string {
	return fmt.Sprintf("Unknown event: %d", uee.Evt)
}

// DecodePayload decodes the msgpack body into a pointer to the struct registered for evtID
func DecodePayload(evtID EventType, payload []byte) (interface{}, error) {
	t, ok := EvtDataMap[evtID]

	if !ok {
		return nil, &UnknownEventError{Evt: evtID}
	}

	if t == nil {
		return nil, nil
	}

	clone := reflect.New(reflect.TypeOf(t)).Interface()
	err := msgpack.Unmarshal(payload, clone)
	return clone, errors.WithMessage(err, "msgpack.Unmarshal")
}
