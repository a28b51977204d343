package bus

import "time"

// Event is a domain event published on the bus. Kind is a dotted name whose
// first segment is the publishing component's namespace, e.g. "packet.offer"
// or "conn.state".
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// PacketKind returns the bus kind under which the transport publishes a
// decoded sync payload of the given wire kind.
func PacketKind(wireKind string) string {
	return "packet." + wireKind
}
