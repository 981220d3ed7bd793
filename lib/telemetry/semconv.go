package telemetry

import "go.opentelemetry.io/otel/attribute"

// ServiceName is the default service and instrumentation scope name.
const ServiceName = "livebus"

// Attribute keys recorded on bus spans and instruments.
const (
	AttrKey          = attribute.Key("livebus.key")
	AttrSticky       = attribute.Key("livebus.sticky")
	AttrVersion      = attribute.Key("livebus.version")
	AttrReason       = attribute.Key("livebus.reason")
	AttrOwnerBound   = attribute.Key("livebus.owner_bound")
	AttrSubscription = attribute.Key("livebus.subscription")
)

// Delivery failure reasons.
const (
	ReasonTypeMismatch = "type_mismatch"
	ReasonObserver     = "observer"
	ReasonPanic        = "panic"
)

// KeyAttr returns the channel key attribute.
func KeyAttr(key string) attribute.KeyValue { return AttrKey.String(key) }

// StickyAttr returns the sticky publish attribute.
func StickyAttr(sticky bool) attribute.KeyValue { return AttrSticky.Bool(sticky) }

// ReasonAttr returns the delivery failure reason attribute.
func ReasonAttr(reason string) attribute.KeyValue { return AttrReason.String(reason) }
