package chain

import (
	"encoding/base64"
	"fmt"
	"log"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/stellarlinkco/proofpay-indexer/internal/bus"
	"github.com/stellarlinkco/proofpay-indexer/internal/config"
)

// RawEvent is one event as emitted in a transaction result: an opaque
// attribute bag. Keys and values may be base64-encoded depending on the
// node version.
type RawEvent struct {
	Type       string
	Attributes []RawAttribute
}

type RawAttribute struct {
	Key   string
	Value string
}

// decodeWire turns a possibly base64-encoded attribute into its string
// form. Strict base64 that decodes to valid printable UTF-8 is taken as
// encoded; everything else is already plain.
func decodeWire(s string) string {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil || !utf8.Valid(b) {
		return s
	}
	for _, r := range string(b) {
		if r < 0x20 && r != '\t' && r != '\n' {
			return s
		}
	}
	return string(b)
}

// AttributeMap flattens the raw bag into decoded key/value pairs.
func (e RawEvent) AttributeMap() map[string]string {
	attrs := make(map[string]string, len(e.Attributes))
	for _, a := range e.Attributes {
		key := decodeWire(a.Key)
		if key == "" {
			continue
		}
		attrs[key] = decodeWire(a.Value)
	}
	return attrs
}

// MatchesContract reports whether the event carries the configured
// contract address. Events without one, or with another contract's
// address, are discarded before kind dispatch.
func MatchesContract(e RawEvent, contractAddress string) bool {
	attrs := e.AttributeMap()
	addr, ok := attrs["contract_address"]
	if !ok {
		addr, ok = attrs["_contract_address"]
	}
	return ok && addr == contractAddress
}

// Decode turns a raw contract event into one of the six typed variants.
// A nil return means the event is filtered out, not failed: unknown
// actions and missing required fields are logged and dropped.
func Decode(e RawEvent, txHash string, eventIndex int, blockHeight int64) bus.Event {
	if e.Type != "wasm" {
		return nil
	}

	attrs := e.AttributeMap()
	action := attrs["action"]
	if action == "" {
		action = attrs["_action"]
	}

	ref := bus.Ref{
		TxHash:      txHash,
		EventIndex:  eventIndex,
		BlockHeight: blockHeight,
	}

	switch action {
	case "task_created":
		return decodeTaskCreated(attrs, ref)
	case "proof_submitted":
		return decodeProofSubmitted(attrs, ref)
	case "task_pending_release":
		return decodeTaskPendingRelease(attrs, ref)
	case "task_released":
		return decodeTaskReleased(attrs, ref)
	case "task_disputed":
		return decodeTaskDisputed(attrs, ref)
	case "task_refunded":
		return decodeTaskRefunded(attrs, ref)
	default:
		return nil
	}
}

func decodeTaskCreated(attrs map[string]string, ref bus.Ref) bus.Event {
	if !required(attrs, "task_created", "task_id", "payer", "amount", "proof_type") {
		return nil
	}
	denom := attrs["denom"]
	if denom == "" {
		denom = config.DefaultDenom
	}
	reviewWindow := 0
	if v := attrs["review_window_secs"]; v != "" {
		n, err := strconv.Atoi(v)
		if err == nil {
			reviewWindow = n
		}
	}
	return bus.TaskCreated{
		Ref:              ref,
		ID:               attrs["task_id"],
		Payer:            attrs["payer"],
		Worker:           attrs["worker"],
		Amount:           attrs["amount"],
		Denom:            denom,
		ProofType:        attrs["proof_type"],
		Description:      attrs["description"],
		Endpoint:         attrs["endpoint"],
		DeadlineTs:       attrs["deadline_ts"],
		ReviewWindowSecs: reviewWindow,
	}
}

func decodeProofSubmitted(attrs map[string]string, ref bus.Ref) bus.Event {
	if !required(attrs, "proof_submitted", "task_id", "worker") {
		return nil
	}
	return bus.ProofSubmitted{
		Ref:         ref,
		ID:          attrs["task_id"],
		Worker:      attrs["worker"],
		ProofHash:   attrs["proof_hash"],
		ProofURL:    attrs["proof_url"],
		ZkProofHash: attrs["zk_proof_hash"],
	}
}

func decodeTaskPendingRelease(attrs map[string]string, ref bus.Ref) bus.Event {
	if !required(attrs, "task_pending_release", "task_id", "verified_at", "expires_at") {
		return nil
	}
	return bus.TaskPendingRelease{
		Ref:        ref,
		ID:         attrs["task_id"],
		VerifiedAt: attrs["verified_at"],
		ExpiresAt:  attrs["expires_at"],
	}
}

func decodeTaskReleased(attrs map[string]string, ref bus.Ref) bus.Event {
	if !required(attrs, "task_released", "task_id", "worker", "amount") {
		return nil
	}
	return bus.TaskReleased{
		Ref:    ref,
		ID:     attrs["task_id"],
		Worker: attrs["worker"],
		Amount: attrs["amount"],
	}
}

func decodeTaskDisputed(attrs map[string]string, ref bus.Ref) bus.Event {
	if !required(attrs, "task_disputed", "task_id", "disputer") {
		return nil
	}
	return bus.TaskDisputed{
		Ref:      ref,
		ID:       attrs["task_id"],
		Disputer: attrs["disputer"],
		Reason:   attrs["reason"],
	}
}

func decodeTaskRefunded(attrs map[string]string, ref bus.Ref) bus.Event {
	if !required(attrs, "task_refunded", "task_id", "payer", "amount") {
		return nil
	}
	return bus.TaskRefunded{
		Ref:    ref,
		ID:     attrs["task_id"],
		Payer:  attrs["payer"],
		Amount: attrs["amount"],
	}
}

func required(attrs map[string]string, action string, keys ...string) bool {
	for _, k := range keys {
		if attrs[k] == "" {
			log.Printf("[decoder] %s missing %q, dropping event: %s", action, k, dumpAttrs(attrs))
			return false
		}
	}
	return true
}

func dumpAttrs(attrs map[string]string) string {
	parts := make([]string, 0, len(attrs))
	for k, v := range attrs {
		parts = append(parts, fmt.Sprintf("%s=%s", k, v))
	}
	return strings.Join(parts, " ")
}
