// Package resolver decides what happens when a pushed operation collides
// with newer server state. Strategies are pure: they see only the conflict
// and perform no I/O, so the same conflict always resolves the same way.
package resolver

import (
	"github.com/driftsync/driftsync/pkg/protocol"
)

// Decision is the outcome kind of a resolution.
type Decision int

const (
	// TakeServer keeps the server state and reports the conflict back.
	TakeServer Decision = iota
	// TakeClient accepts the client operation as-is.
	TakeClient
	// Merged accepts a strategy-produced post-image instead of either side.
	Merged
)

// String returns the decision name for logs and stats.
func (d Decision) String() string {
	switch d {
	case TakeServer:
		return "takeServer"
	case TakeClient:
		return "takeClient"
	case Merged:
		return "merged"
	default:
		return "unknown"
	}
}

// Resolution is the result of resolving one conflict. MergedCBOR is set only
// when Decision == Merged.
type Resolution struct {
	Decision   Decision
	MergedCBOR []byte
}

// Strategy resolves a single conflict.
type Strategy interface {
	Resolve(conflict protocol.Conflict) Resolution
}

// Func adapts a plain function to a Strategy, for user-supplied policies.
type Func func(conflict protocol.Conflict) Resolution

// Resolve implements Strategy.
func (f Func) Resolve(conflict protocol.Conflict) Resolution {
	return f(conflict)
}

// serverWins always keeps the server state. This is the default policy.
type serverWins struct{}

func (serverWins) Resolve(protocol.Conflict) Resolution {
	return Resolution{Decision: TakeServer}
}

// clientWins always accepts the client operation.
type clientWins struct{}

func (clientWins) Resolve(protocol.Conflict) Resolution {
	return Resolution{Decision: TakeClient}
}

// lastWriteWins compares origin timestamps; ties go to the server. Origin
// clocks are trusted as-is, so skewed devices can win writes they made
// earlier in real time.
type lastWriteWins struct{}

func (lastWriteWins) Resolve(c protocol.Conflict) Resolution {
	if c.ClientOp.TimestampMs > c.ServerState.LastModifiedMs {
		return Resolution{Decision: TakeClient}
	}
	return Resolution{Decision: TakeServer}
}

// ServerWins returns the default keep-server strategy.
func ServerWins() Strategy { return serverWins{} }

// ClientWins returns the always-accept-client strategy.
func ClientWins() Strategy { return clientWins{} }

// LastWriteWins returns the timestamp-comparison strategy.
func LastWriteWins() Strategy { return lastWriteWins{} }

// Default is the strategy used when none is configured.
func Default() Strategy { return ServerWins() }

// FromName maps a configuration string to a built-in strategy. Unknown names
// fall back to the default (server-wins).
func FromName(name string) Strategy {
	switch name {
	case "client-wins":
		return ClientWins()
	case "last-write-wins":
		return LastWriteWins()
	case "server-wins", "":
		return ServerWins()
	default:
		return Default()
	}
}
