package control

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/arthurlutz/pantalaimon/internal/shadowclient"
	"github.com/arthurlutz/pantalaimon/pkg/controlaudit"
	"github.com/arthurlutz/pantalaimon/pkg/logger"
	"github.com/arthurlutz/pantalaimon/pkg/metrics"
)

// ClientLookup resolves a shadow client by pan_user. Session.Manager
// satisfies this.
type ClientLookup interface {
	ShadowClient(userID string) (*shadowclient.ShadowClient, bool)
}

// Loop consumes ControlMessages from In and emits DaemonResponses on
// Out. It is unordered across distinct message_ids; within one shadow
// client, operations execute serially because the loop itself
// processes one message at a time (the shadow client is a single
// logical actor, per spec.md §4.5).
type Loop struct {
	In  <-chan ControlMessage
	Out chan<- DaemonResponse

	clients ClientLookup
	audit   *controlaudit.Ledger
	metrics *metrics.Registry
	log     *logger.Logger
}

// New builds a Loop. clients resolves pan_user to a shadow client;
// audit, if non-nil, records every DaemonResponse the loop emits (SAS
// messages emit none and are not recorded).
func New(in <-chan ControlMessage, out chan<- DaemonResponse, clients ClientLookup, audit *controlaudit.Ledger, m *metrics.Registry) *Loop {
	return &Loop{
		In:      in,
		Out:     out,
		clients: clients,
		audit:   audit,
		metrics: m,
		log:     logger.Global().WithComponent("control"),
	}
}

// Run processes messages until ctx is canceled or In is closed. It
// never terminates on a per-message failure - those are reported as a
// DaemonResponse, per spec.md §7.
func (l *Loop) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-l.In:
			if !ok {
				return
			}
			l.dispatch(ctx, msg)
		}
	}
}

func (l *Loop) dispatch(ctx context.Context, msg ControlMessage) {
	env := msg.Envelope()
	if l.metrics != nil {
		l.metrics.ControlMessagesTotal.WithLabelValues(messageTypeName(msg)).Inc()
	}

	var resp *DaemonResponse

	switch m := msg.(type) {
	case DeviceVerify:
		resp = l.handleVerify(env, m.UserID, m.DeviceID, true)
	case DeviceUnverify:
		resp = l.handleVerify(env, m.UserID, m.DeviceID, false)
	case AcceptSas:
		l.handleSas(env, m.TransactionID, true)
	case ConfirmSas:
		l.handleSas(env, m.TransactionID, false)
	case ExportKeys:
		r := l.handleKeys(env, m.Path, m.Passphrase, true)
		resp = &r
	case ImportKeys:
		r := l.handleKeys(env, m.Path, m.Passphrase, false)
		resp = &r
	}

	if resp != nil {
		l.emit(ctx, messageTypeName(msg), *resp)
	}
}

func (l *Loop) handleVerify(env Envelope, userID, deviceID string, verify bool) *DaemonResponse {
	client, ok := l.clients.ShadowClient(env.PanUser)
	if !ok {
		return &DaemonResponse{MessageID: env.MessageID, PanUser: env.PanUser, Code: CodeUnknownDevice, Message: "no such shadow client"}
	}

	if _, known := client.Device(userID, deviceID); !known {
		return &DaemonResponse{MessageID: env.MessageID, PanUser: env.PanUser, Code: CodeUnknownDevice, Message: "unknown device"}
	}

	verb := "unverified"
	var changed bool
	var err error
	if verify {
		verb = "verified"
		changed, err = client.VerifyDevice(userID, deviceID)
	} else {
		changed, err = client.UnverifyDevice(userID, deviceID)
	}
	if err != nil {
		return &DaemonResponse{MessageID: env.MessageID, PanUser: env.PanUser, Code: CodeOSError, Message: err.Error()}
	}

	prefix := "already"
	if changed {
		prefix = "successfully"
	}
	return &DaemonResponse{
		MessageID: env.MessageID,
		PanUser:   env.PanUser,
		Code:      CodeOK,
		Message:   prefix + " " + verb,
	}
}

// handleSas delegates to the shadow client's SAS accept/confirm step.
// No DaemonResponse is emitted here - SAS state changes are reported
// as SDK-originated events on the output queue instead, per spec.md
// §4.5.
func (l *Loop) handleSas(env Envelope, transactionID string, accept bool) {
	client, ok := l.clients.ShadowClient(env.PanUser)
	if !ok {
		l.log.ErrorEvent(context.Background(), "sas message for unknown shadow client", &UnknownMessageTypeError{Type: env.PanUser})
		return
	}

	var err error
	if accept {
		err = client.AcceptSas(transactionID)
	} else {
		err = client.ConfirmSas(transactionID)
	}
	if err != nil {
		l.log.ErrorEvent(context.Background(), "sas step failed", err)
	}
}

func (l *Loop) handleKeys(env Envelope, rawPath, passphrase string, export bool) DaemonResponse {
	client, ok := l.clients.ShadowClient(env.PanUser)
	if !ok {
		return DaemonResponse{MessageID: env.MessageID, PanUser: env.PanUser, Code: CodeOSError, Message: "no such shadow client"}
	}

	path, err := expandPath(rawPath)
	if err != nil {
		return DaemonResponse{MessageID: env.MessageID, PanUser: env.PanUser, Code: CodeOSError, Message: err.Error()}
	}

	verb := "imported"
	if export {
		verb = "exported"
		err = client.ExportKeys(path, passphrase)
	} else {
		err = client.ImportKeys(path, passphrase)
	}
	if err != nil {
		return DaemonResponse{MessageID: env.MessageID, PanUser: env.PanUser, Code: CodeOSError, Message: err.Error()}
	}

	return DaemonResponse{MessageID: env.MessageID, PanUser: env.PanUser, Code: CodeOK, Message: "keys " + verb + " to " + path}
}

// expandPath resolves a leading "~" and makes the result absolute,
// per spec.md §4.5.
func expandPath(p string) (string, error) {
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		p = filepath.Join(home, strings.TrimPrefix(p, "~"))
	}
	return filepath.Abs(p)
}

func (l *Loop) emit(ctx context.Context, msgType string, resp DaemonResponse) {
	select {
	case l.Out <- resp:
	case <-ctx.Done():
		return
	}

	if l.audit != nil {
		_ = l.audit.Record(ctx, controlaudit.Entry{
			Timestamp:   time.Now(),
			UserID:      resp.PanUser,
			MessageType: msgType,
			Detail:      resp.Message,
			Ok:          resp.Code == CodeOK,
		})
	}
}

func messageTypeName(msg ControlMessage) string {
	switch msg.(type) {
	case DeviceVerify:
		return "device_verify"
	case DeviceUnverify:
		return "device_unverify"
	case AcceptSas:
		return "accept_sas"
	case ConfirmSas:
		return "confirm_sas"
	case ExportKeys:
		return "export_keys"
	case ImportKeys:
		return "import_keys"
	default:
		return "unknown"
	}
}
