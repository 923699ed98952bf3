// Package commandmsg defines the message shape carried on
// bus.TopicCommandRequest, shared by the Normalizer (producer) and the
// Command Service (consumer) without either importing the other.
package commandmsg

// Kind identifies the outbound command type.
type Kind string

const (
	QryRFIDSnapshot Kind = "QRY_RFID_SNAPSHOT"
	ClrAlarm        Kind = "u_clr_alarm"
	SetColor        Kind = "u_set_color"
	Reboot          Kind = "u_reboot"
)

// Request is published whenever some pipeline stage needs the device
// to be told something — a snapshot re-sync, a color change, a reboot.
type Request struct {
	Kind        Kind
	DeviceID    string
	ModuleIndex int
	// Args carries kind-specific parameters, e.g. {"uIndex":3,"colorCode":1}
	// for SetColor. Nil for kinds that need no arguments.
	Args map[string]interface{}
}
