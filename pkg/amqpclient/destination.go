package amqpclient

import "time"

// Destination names a durable, TTL-bounded queue this application publishes to.
// Messages are routed through the default exchange, so the destination is also
// the routing key.
type Destination string

const (
	UserStats     Destination = "user_stats"
	ProviderStats Destination = "provider_stats"
	BotEvents     Destination = "bot_events"
)

// DefaultMessageTTL is the lifetime of an undelivered message in any destination.
const DefaultMessageTTL = 24 * time.Hour

// Destinations returns every destination, in declaration order.
func Destinations() []Destination {
	return []Destination{UserStats, ProviderStats, BotEvents}
}

// Valid reports whether d is one of the known destinations.
func (d Destination) Valid() bool {
	switch d {
	case UserStats, ProviderStats, BotEvents:
		return true
	}
	return false
}

// QueueSpec describes a queue declaration. Declaring the same spec twice is a
// no-op on the broker; declaring a name with different properties is rejected.
type QueueSpec struct {
	Name    string
	Durable bool
	Args    map[string]interface{}
}

// QueueSpecs builds the declarations for all destinations with the given
// message TTL (x-message-ttl, in milliseconds).
func QueueSpecs(ttl time.Duration) []QueueSpec {
	if ttl <= 0 {
		ttl = DefaultMessageTTL
	}
	specs := make([]QueueSpec, 0, 3)
	for _, d := range Destinations() {
		specs = append(specs, QueueSpec{
			Name:    string(d),
			Durable: true,
			Args:    map[string]interface{}{"x-message-ttl": ttl.Milliseconds()},
		})
	}
	return specs
}
