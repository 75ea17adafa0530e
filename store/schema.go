package store

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// Key prefixes for different data types
const (
	prefixCursor      = "/meta/cursor/"
	prefixAssignments = "/data/assignments/"
	prefixTenants     = "/data/tenants/"
)

// CursorKey returns the key for a network's fetch cursor
// Format: /meta/cursor/{network}
func CursorKey(network string) []byte {
	return []byte(prefixCursor + network)
}

// AssignmentKey returns the key for a tenant's assignment
// Format: /data/assignments/{tenantID}
func AssignmentKey(tenantID string) []byte {
	return []byte(prefixAssignments + tenantID)
}

// TenantKey returns the key for a tenant record
// Format: /data/tenants/{tenantID}
func TenantKey(tenantID string) []byte {
	return []byte(prefixTenants + tenantID)
}

// ParseCursorKey parses a cursor key and returns the network ID
func ParseCursorKey(key []byte) (string, error) {
	keyStr := string(key)
	if !strings.HasPrefix(keyStr, prefixCursor) {
		return "", fmt.Errorf("invalid cursor key prefix: %s", keyStr)
	}
	network := strings.TrimPrefix(keyStr, prefixCursor)
	if network == "" {
		return "", fmt.Errorf("invalid cursor key: missing network")
	}
	return network, nil
}

// EncodeUint64 encodes a uint64 as big-endian bytes
func EncodeUint64(n uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, n)
	return buf
}

// DecodeUint64 decodes big-endian bytes into a uint64
func DecodeUint64(data []byte) (uint64, error) {
	if len(data) != 8 {
		return 0, fmt.Errorf("invalid uint64 data length: %d", len(data))
	}
	return binary.BigEndian.Uint64(data), nil
}

// prefixUpperBound returns the smallest key greater than every key with
// the given prefix, for use as an iterator upper bound.
func prefixUpperBound(prefix string) []byte {
	bound := []byte(prefix)
	for i := len(bound) - 1; i >= 0; i-- {
		if bound[i] < 0xff {
			bound[i]++
			return bound[:i+1]
		}
	}
	return nil
}
