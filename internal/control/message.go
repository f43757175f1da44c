// Package control implements the Control-Message Loop from spec.md
// §4.5: a tagged-variant dispatch over device verification, SAS
// interactive verification, and key import/export requests arriving
// from a UI process.
package control

import (
	"encoding/json"

	"github.com/google/uuid"
)

// ControlMessage is one of the tagged variants below. Dispatch uses a
// Go type switch for exhaustiveness instead of the runtime class
// checks the original Python implementation used.
type ControlMessage interface {
	Envelope() Envelope
}

// Envelope carries the two fields every ControlMessage variant shares.
type Envelope struct {
	MessageID string `json:"message_id"`
	PanUser   string `json:"pan_user"`
}

// DeviceVerify requests that (UserID, DeviceID) be marked verified.
type DeviceVerify struct {
	Envelope
	UserID   string `json:"user_id"`
	DeviceID string `json:"device_id"`
}

// DeviceUnverify requests that (UserID, DeviceID) be marked unverified.
type DeviceUnverify struct {
	Envelope
	UserID   string `json:"user_id"`
	DeviceID string `json:"device_id"`
}

// AcceptSas advances an in-progress SAS verification.
type AcceptSas struct {
	Envelope
	TransactionID string `json:"transaction_id"`
}

// ConfirmSas confirms the short authentication string matched.
type ConfirmSas struct {
	Envelope
	TransactionID string `json:"transaction_id"`
}

// ExportKeys requests the shadow client's key material be written to
// Path, encrypted with Passphrase.
type ExportKeys struct {
	Envelope
	Path       string `json:"path"`
	Passphrase string `json:"passphrase"`
}

// ImportKeys requests key material be read from Path and decrypted
// with Passphrase.
type ImportKeys struct {
	Envelope
	Path       string `json:"path"`
	Passphrase string `json:"passphrase"`
}

func (m DeviceVerify) Envelope() Envelope   { return m.Envelope.self() }
func (m DeviceUnverify) Envelope() Envelope { return m.Envelope.self() }
func (m AcceptSas) Envelope() Envelope      { return m.Envelope.self() }
func (m ConfirmSas) Envelope() Envelope     { return m.Envelope.self() }
func (m ExportKeys) Envelope() Envelope     { return m.Envelope.self() }
func (m ImportKeys) Envelope() Envelope     { return m.Envelope.self() }

func (e Envelope) self() Envelope { return e }

// DaemonResponse is produced once per ControlMessage that isn't a SAS
// message (spec.md §4.5: SAS messages produce no response; subsequent
// state changes flow as SDK-originated events instead).
type DaemonResponse struct {
	MessageID string `json:"message_id"`
	PanUser   string `json:"pan_user"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

// Response codes, per spec.md §6.
const (
	CodeOK             = "m.ok"
	CodeUnknownDevice  = "m.unknown_device"
	CodeOSError        = "m.os_error"
)

// wireMessage is the JSON envelope used to transport a ControlMessage
// over the websocket: a "type" discriminator plus the variant's own
// fields nested under "body".
type wireMessage struct {
	Type string          `json:"type"`
	Body json.RawMessage `json:"body"`
}

// Decode parses a wire-format control message into its typed variant.
func Decode(raw []byte) (ControlMessage, error) {
	var w wireMessage
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, err
	}

	switch w.Type {
	case "device_verify":
		var m DeviceVerify
		err := json.Unmarshal(w.Body, &m)
		return m, err
	case "device_unverify":
		var m DeviceUnverify
		err := json.Unmarshal(w.Body, &m)
		return m, err
	case "accept_sas":
		var m AcceptSas
		err := json.Unmarshal(w.Body, &m)
		return m, err
	case "confirm_sas":
		var m ConfirmSas
		err := json.Unmarshal(w.Body, &m)
		return m, err
	case "export_keys":
		var m ExportKeys
		err := json.Unmarshal(w.Body, &m)
		return m, err
	case "import_keys":
		var m ImportKeys
		err := json.Unmarshal(w.Body, &m)
		return m, err
	default:
		return nil, &UnknownMessageTypeError{Type: w.Type}
	}
}

// withMessageID returns msg with a generated MessageID when the
// sender omitted one.
func withMessageID(msg ControlMessage) ControlMessage {
	if msg.Envelope().MessageID != "" {
		return msg
	}

	id := uuid.NewString()
	switch m := msg.(type) {
	case DeviceVerify:
		m.MessageID = id
		return m
	case DeviceUnverify:
		m.MessageID = id
		return m
	case AcceptSas:
		m.MessageID = id
		return m
	case ConfirmSas:
		m.MessageID = id
		return m
	case ExportKeys:
		m.MessageID = id
		return m
	case ImportKeys:
		m.MessageID = id
		return m
	default:
		return msg
	}
}

// UnknownMessageTypeError is returned by Decode for an unrecognized
// wire message type.
type UnknownMessageTypeError struct {
	Type string
}

func (e *UnknownMessageTypeError) Error() string {
	return "control: unknown message type " + e.Type
}
