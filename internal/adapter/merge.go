package adapter

import (
	"fmt"
	"slices"
	"strings"

	"github.com/njoerd114/zonesync/internal/model"
)

// MergePolicy selects how downloaded values are applied to objects with
// local changes that have not been uploaded yet.
type MergePolicy int

const (
	// MergeServer applies every incoming value.
	MergeServer MergePolicy = iota
	// MergeClient keeps locally changed fields and applies the rest.
	MergeClient
	// MergeCustom hands incoming values to a [ConflictResolver].
	MergeCustom
)

func (p MergePolicy) String() string {
	switch p {
	case MergeServer:
		return "server"
	case MergeClient:
		return "client"
	case MergeCustom:
		return "custom"
	default:
		return fmt.Sprintf("MergePolicy(%d)", int(p))
	}
}

// ParseMergePolicy is the inverse of [MergePolicy.String]. An empty string
// selects [MergeServer].
func ParseMergePolicy(s string) (MergePolicy, error) {
	switch strings.ToLower(s) {
	case "", "server":
		return MergeServer, nil
	case "client":
		return MergeClient, nil
	case "custom":
		return MergeCustom, nil
	default:
		return 0, fmt.Errorf("unknown merge policy %q", s)
	}
}

// ConflictResolver decides which incoming values to apply to a locally dirty
// object under [MergeCustom]. incoming never contains relationship fields or
// the primary key: relationships, set or cleared, are applied without the
// resolver. The returned map is applied as-is.
type ConflictResolver func(ref model.ObjectRef, incoming map[string]any, local map[string]any) map[string]any

// KeepLocal is a ConflictResolver that applies nothing.
func KeepLocal(model.ObjectRef, map[string]any, map[string]any) map[string]any { return nil }

// filter returns the subset of incoming that the policy lets through for an
// object whose dirty keys are changedKeys. dirty is false for synced objects,
// which always take every incoming value.
func (a *Adapter) filter(ref model.ObjectRef, incoming, local map[string]any, dirty bool, changedKeys []string) map[string]any {
	if !dirty {
		return incoming
	}
	switch a.policy {
	case MergeClient:
		out := make(map[string]any, len(incoming))
		for k, v := range incoming {
			if !slices.Contains(changedKeys, k) {
				out[k] = v
			}
		}
		return out
	case MergeCustom:
		if a.resolver == nil || len(incoming) == 0 {
			return nil
		}
		return a.resolver(ref, incoming, local)
	default:
		return incoming
	}
}
