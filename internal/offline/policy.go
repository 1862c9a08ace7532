package offline

import (
	"fmt"

	"github.com/kalambet/sitesync/internal/siteapi"
)

// DropPolicy decides which failed replays are removed from the queue.
// Network-class failures are always retained regardless of policy.
type DropPolicy string

const (
	// DropNonNetwork drops on any failure that is not network-class,
	// including 5xx responses.
	DropNonNetwork DropPolicy = "non_network"
	// DropClientErrors drops only on 4xx rejections.
	DropClientErrors DropPolicy = "client_errors"
	// DropNever retains every failed action.
	DropNever DropPolicy = "never"
)

// ParseDropPolicy validates s. The empty string selects DropNonNetwork.
func ParseDropPolicy(s string) (DropPolicy, error) {
	switch p := DropPolicy(s); p {
	case "":
		return DropNonNetwork, nil
	case DropNonNetwork, DropClientErrors, DropNever:
		return p, nil
	}
	return "", fmt.Errorf("invalid drop policy %q (want %s, %s or %s)", s, DropNonNetwork, DropClientErrors, DropNever)
}

// ShouldDrop reports whether an action whose replay failed with err is removed.
func (p DropPolicy) ShouldDrop(err error) bool {
	if err == nil || siteapi.IsNetworkError(err) {
		return false
	}
	switch p {
	case DropNever:
		return false
	case DropClientErrors:
		return siteapi.IsClientError(err)
	default:
		return true
	}
}
