package adapter

import (
	"sync"

	"github.com/cortexhub/cortex/internal/envelope"
)

// Resolver classifies a raw sender id on a channel into a sender record
// with a relationship.
type Resolver interface {
	Resolve(channel, rawID, displayName string) envelope.Sender
}

// Channels with fixed relationships regardless of sender id.
var (
	internalChannels = map[string]bool{"router": true, "subagent": true}
	systemChannels   = map[string]bool{"cron": true}
)

// SenderResolver resolves relationships from a per-channel partner-id
// map. A partner id presented on a channel it is not registered for is
// treated as external.
type SenderResolver struct {
	mu sync.RWMutex
	// partners maps channel -> raw sender id -> display name.
	partners map[string]map[string]string
}

// NewSenderResolver creates a resolver with the given partner map
// (channel -> sender id -> name). The map may be nil.
func NewSenderResolver(partners map[string]map[string]string) *SenderResolver {
	if partners == nil {
		partners = make(map[string]map[string]string)
	}
	return &SenderResolver{partners: partners}
}

// AddPartner registers a partner id for a channel. Contact sync calls
// this as CardDAV entries are discovered.
func (r *SenderResolver) AddPartner(channel, rawID, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.partners[channel] == nil {
		r.partners[channel] = make(map[string]string)
	}
	r.partners[channel][rawID] = name
}

// Resolve implements Resolver.
func (r *SenderResolver) Resolve(channel, rawID, displayName string) envelope.Sender {
	s := envelope.Sender{ID: rawID, Name: displayName}

	switch {
	case internalChannels[channel]:
		s.Relationship = envelope.RelationInternal
		return s
	case systemChannels[channel]:
		s.Relationship = envelope.RelationSystem
		return s
	}

	r.mu.RLock()
	name, isPartner := r.partners[channel][rawID]
	r.mu.RUnlock()

	if isPartner {
		s.Relationship = envelope.RelationPartner
		if s.Name == "" {
			s.Name = name
		}
		return s
	}
	s.Relationship = envelope.RelationExternal
	return s
}
