package feed

import (
	"bytes"
	_ "embed"
	"fmt"
	"io"
	"math/big"
	"os"
	"reflect"
	"sort"
	"strconv"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
)

//go:embed abi/faraway_nft.json
var defaultABI []byte

// DecodedEvent is one log decoded against its ABI event. Fields hold
// JSON-safe values: integers wider than 32 bits and big ints are decimal
// strings, addresses and hashes are hex, byte slices are 0x-hex.
type DecodedEvent struct {
	Name   string
	Fields map[string]any
}

// EventRegistry maps event names to their ABI definitions. It replaces
// per-type generated bindings: adding an event is a data change.
type EventRegistry struct {
	contract abi.ABI
	events   map[string]abi.Event
}

// NewEventRegistry parses an ABI JSON document. Only event entries are kept;
// anonymous events are rejected since they cannot be matched by topic.
func NewEventRegistry(r io.Reader) (*EventRegistry, error) {
	parsed, err := abi.JSON(r)
	if err != nil {
		return nil, fmt.Errorf("parse abi: %w", err)
	}
	events := make(map[string]abi.Event, len(parsed.Events))
	for name, ev := range parsed.Events {
		if ev.Anonymous {
			return nil, fmt.Errorf("abi event %s is anonymous", name)
		}
		events[name] = ev
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("abi declares no events")
	}
	return &EventRegistry{contract: parsed, events: events}, nil
}

// DefaultEventRegistry returns the registry for the embedded NFT feed ABI.
func DefaultEventRegistry() *EventRegistry {
	reg, err := NewEventRegistry(bytes.NewReader(defaultABI))
	if err != nil {
		panic(fmt.Sprintf("embedded abi: %v", err))
	}
	return reg
}

// LoadEventRegistry reads the ABI at path, or returns the default registry
// when path is empty.
func LoadEventRegistry(path string) (*EventRegistry, error) {
	if path == "" {
		return DefaultEventRegistry(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open abi file: %w", err)
	}
	defer f.Close()
	return NewEventRegistry(f)
}

// Lookup returns the ABI event registered under name.
func (r *EventRegistry) Lookup(name string) (abi.Event, error) {
	ev, ok := r.events[name]
	if !ok {
		return abi.Event{}, fmt.Errorf("%w: %s", ErrUnknownEventType, name)
	}
	return ev, nil
}

// Topic returns the topic0 hash identifying name.
func (r *EventRegistry) Topic(name string) (common.Hash, error) {
	ev, err := r.Lookup(name)
	if err != nil {
		return common.Hash{}, err
	}
	return ev.ID, nil
}

// Names returns the registered event names, sorted.
func (r *EventRegistry) Names() []string {
	names := make([]string, 0, len(r.events))
	for name := range r.events {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Decode decodes a raw log as eventType. The log's topic0 must match the
// event ID and its topics must cover every indexed argument.
func (r *EventRegistry) Decode(eventType string, log types.Log) (*DecodedEvent, error) {
	ev, err := r.Lookup(eventType)
	if err != nil {
		return nil, err
	}
	if len(log.Topics) == 0 {
		return nil, fmt.Errorf("log has no topics")
	}
	if log.Topics[0] != ev.ID {
		return nil, fmt.Errorf("topic0 %s does not match %s", log.Topics[0].Hex(), ev.ID.Hex())
	}

	var indexed abi.Arguments
	for _, arg := range ev.Inputs {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	if len(log.Topics)-1 != len(indexed) {
		return nil, fmt.Errorf("expected %d indexed topics, got %d", len(indexed), len(log.Topics)-1)
	}

	raw := make(map[string]any, len(ev.Inputs))
	if len(ev.Inputs.NonIndexed()) > 0 {
		if err := r.contract.UnpackIntoMap(raw, eventType, log.Data); err != nil {
			return nil, fmt.Errorf("unpack data: %w", err)
		}
	}
	if err := abi.ParseTopicsIntoMap(raw, indexed, log.Topics[1:]); err != nil {
		return nil, fmt.Errorf("parse topics: %w", err)
	}

	fields := make(map[string]any, len(raw))
	for k, v := range raw {
		fields[k] = jsonValue(v)
	}
	return &DecodedEvent{Name: eventType, Fields: fields}, nil
}

func jsonValue(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case *big.Int:
		if x == nil {
			return nil
		}
		return x.String()
	case common.Address:
		return x.Hex()
	case common.Hash:
		return x.Hex()
	case []byte:
		return hexutil.Encode(x)
	case [32]byte:
		return hexutil.Encode(x[:])
	case string, bool, uint8, uint16, uint32, int8, int16, int32:
		return x
	case uint64:
		return strconv.FormatUint(x, 10)
	case int64:
		return strconv.FormatInt(x, 10)
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Array:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			b := make([]byte, rv.Len())
			reflect.Copy(reflect.ValueOf(b), rv)
			return hexutil.Encode(b)
		}
		fallthrough
	case reflect.Slice:
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = jsonValue(rv.Index(i).Interface())
		}
		return out
	case reflect.Struct:
		out := make(map[string]any, rv.NumField())
		for i := 0; i < rv.NumField(); i++ {
			field := rv.Type().Field(i)
			if !field.IsExported() {
				continue
			}
			out[field.Name] = jsonValue(rv.Field(i).Interface())
		}
		return out
	default:
		return fmt.Sprint(v)
	}
}
