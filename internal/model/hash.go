package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content-addressed keys.
// Version suffix enables future algorithm migration.
const (
	DomainStreamProcessor = "eventcore/stream-processor/v1"
)

// hashWithDomain computes SHA-256 hash with domain separation.
// Format: SHA256(domain + 0x00 + data)
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// ProcessorKey computes the stable key of a stream processor for a tenant.
//
// The key is the repository primary key for persisted state and is attached
// to every log line and span emitted for the processor. It is stable across
// restarts given the same tenant and id.
func ProcessorKey(tenant TenantID, id StreamProcessorID) (string, error) {
	canonical, err := MarshalCanonical(map[string]any{
		"tenant":          string(tenant),
		"scope":           string(id.Scope),
		"event_processor": string(id.EventProcessor),
		"source_stream":   string(id.SourceStream),
	})
	if err != nil {
		return "", fmt.Errorf("ProcessorKey: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainStreamProcessor, canonical), nil
}

// MustProcessorKey is ProcessorKey for callers holding ids built from strings,
// which always marshal.
func MustProcessorKey(tenant TenantID, id StreamProcessorID) string {
	key, err := ProcessorKey(tenant, id)
	if err != nil {
		panic(err)
	}
	return key
}
