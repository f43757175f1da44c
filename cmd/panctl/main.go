// Command panctl is a terminal UI client for the pantalaimon control
// channel: it drives device verification, SAS interactive
// verification, and key import/export, acting as the "UI process" on
// the other end of the control-message queues described in spec.md
// §1.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/gorilla/websocket"
	"golang.org/x/term"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

type wireMessage struct {
	Type string          `json:"type"`
	Body json.RawMessage `json:"body"`
}

type daemonResponse struct {
	MessageID string `json:"message_id"`
	PanUser   string `json:"pan_user"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

func main() {
	controlURL := flag.String("control-url", "ws://127.0.0.1:8010/control", "daemon control websocket URL")
	flag.Parse()

	fmt.Println(titleStyle.Render("pantalaimon control"))

	conn, _, err := websocket.DefaultDialer.Dial(*controlURL, nil)
	if err != nil {
		fmt.Println(errStyle.Render("connect failed: " + err.Error()))
		os.Exit(1)
	}
	defer conn.Close()

	for {
		action, panUser, err := promptAction()
		if err != nil {
			fmt.Println(errStyle.Render(err.Error()))
			return
		}
		if action == "quit" {
			return
		}

		msg, err := buildMessage(action, panUser)
		if err != nil {
			fmt.Println(errStyle.Render(err.Error()))
			continue
		}

		if err := conn.WriteJSON(msg); err != nil {
			fmt.Println(errStyle.Render("send failed: " + err.Error()))
			continue
		}

		if action == "accept_sas" || action == "confirm_sas" {
			continue // no DaemonResponse for SAS messages, per spec.md §4.5
		}

		var resp daemonResponse
		if err := conn.ReadJSON(&resp); err != nil {
			fmt.Println(errStyle.Render("read failed: " + err.Error()))
			continue
		}
		printResponse(resp)
	}
}

func promptAction() (action, panUser string, err error) {
	err = huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Action").
				Options(
					huh.NewOption("Verify device", "device_verify"),
					huh.NewOption("Unverify device", "device_unverify"),
					huh.NewOption("Accept SAS", "accept_sas"),
					huh.NewOption("Confirm SAS", "confirm_sas"),
					huh.NewOption("Export keys", "export_keys"),
					huh.NewOption("Import keys", "import_keys"),
					huh.NewOption("Quit", "quit"),
				).
				Value(&action),
			huh.NewInput().
				Title("pan_user (e.g. @alice:example.org)").
				Value(&panUser),
		),
	).Run()
	return action, panUser, err
}

func buildMessage(action, panUser string) (wireMessage, error) {
	switch action {
	case "device_verify", "device_unverify":
		var userID, deviceID string
		if err := huh.NewForm(huh.NewGroup(
			huh.NewInput().Title("target user_id").Value(&userID),
			huh.NewInput().Title("target device_id").Value(&deviceID),
		)).Run(); err != nil {
			return wireMessage{}, err
		}
		body, _ := json.Marshal(map[string]string{
			"pan_user": panUser, "user_id": userID, "device_id": deviceID,
		})
		return wireMessage{Type: action, Body: body}, nil

	case "accept_sas", "confirm_sas":
		var txn string
		if err := huh.NewForm(huh.NewGroup(
			huh.NewInput().Title("transaction_id").Value(&txn),
		)).Run(); err != nil {
			return wireMessage{}, err
		}
		body, _ := json.Marshal(map[string]string{"pan_user": panUser, "transaction_id": txn})
		return wireMessage{Type: action, Body: body}, nil

	case "export_keys", "import_keys":
		var path string
		if err := huh.NewForm(huh.NewGroup(
			huh.NewInput().Title("key file path").Value(&path),
		)).Run(); err != nil {
			return wireMessage{}, err
		}
		passphrase, err := readHiddenPassphrase()
		if err != nil {
			return wireMessage{}, err
		}
		body, _ := json.Marshal(map[string]string{"pan_user": panUser, "path": path, "passphrase": passphrase})
		return wireMessage{Type: action, Body: body}, nil

	default:
		return wireMessage{}, fmt.Errorf("unknown action %q", action)
	}
}

// readHiddenPassphrase reads a passphrase from the controlling
// terminal without echoing it, per spec.md §4.5's key export/import.
func readHiddenPassphrase() (string, error) {
	fmt.Print("passphrase: ")
	data, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("read passphrase: %w", err)
	}
	return string(data), nil
}

func printResponse(resp daemonResponse) {
	line := fmt.Sprintf("[%s] %s: %s", resp.PanUser, resp.Code, resp.Message)
	if resp.Code == "m.ok" {
		fmt.Println(okStyle.Render(line))
	} else {
		fmt.Println(errStyle.Render(line))
	}
}
