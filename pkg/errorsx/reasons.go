package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonDeviceOpen  ReasonCode = "device_open"
	ReasonDeviceRead  ReasonCode = "device_read"
	ReasonDeviceWrite ReasonCode = "device_write"

	ReasonTransportConnect ReasonCode = "transport_connect"
	ReasonTransportSend    ReasonCode = "transport_send"
	ReasonTransportClosed  ReasonCode = "transport_closed"

	ReasonStateConflict ReasonCode = "state_conflict"
)
