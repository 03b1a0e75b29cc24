package model

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// SubscriptionFilter selects the logs one ingestor subscribes to. It is
// built once at startup and never mutated; accessors return copies.
type SubscriptionFilter struct {
	eventType     string
	startingBlock uint64
	addresses     []common.Address
}

// NewSubscriptionFilter copies addresses so later changes to the caller's
// slice do not leak into the filter.
func NewSubscriptionFilter(eventType string, startingBlock uint64, addresses []common.Address) SubscriptionFilter {
	return SubscriptionFilter{
		eventType:     eventType,
		startingBlock: startingBlock,
		addresses:     append([]common.Address(nil), addresses...),
	}
}

func (f SubscriptionFilter) EventType() string { return f.eventType }

func (f SubscriptionFilter) StartingBlock() uint64 { return f.startingBlock }

// Addresses returns a copy of the matched contract addresses.
func (f SubscriptionFilter) Addresses() []common.Address {
	return append([]common.Address(nil), f.addresses...)
}

// Key identifies the filter in logs, metrics and the unit registry.
func (f SubscriptionFilter) Key() string {
	return fmt.Sprintf("%s@%d", f.eventType, f.startingBlock)
}

func (f SubscriptionFilter) String() string {
	addrs := make([]string, 0, len(f.addresses))
	for _, a := range f.addresses {
		addrs = append(addrs, a.Hex())
	}
	return fmt.Sprintf("%s from=%d addresses=[%s]", f.eventType, f.startingBlock, strings.Join(addrs, ","))
}

// DecodeErrorPolicy decides what an ingestor does with a log it cannot decode.
type DecodeErrorPolicy string

const (
	DecodeErrorSkip DecodeErrorPolicy = "skip"
	DecodeErrorFail DecodeErrorPolicy = "fail"
)

func ParseDecodeErrorPolicy(raw string) (DecodeErrorPolicy, error) {
	switch p := DecodeErrorPolicy(strings.ToLower(strings.TrimSpace(raw))); p {
	case "":
		return DecodeErrorSkip, nil
	case DecodeErrorSkip, DecodeErrorFail:
		return p, nil
	default:
		return "", fmt.Errorf("unsupported decode error policy %q (want skip or fail)", raw)
	}
}
