package control

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/arthurlutz/pantalaimon/pkg/logger"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Transport bridges a single UI process's websocket connection onto
// the Loop's In/Out channels: one goroutine reads decoded
// ControlMessages into In, another drains Out and a ping ticker into
// the socket.
type Transport struct {
	conn *websocket.Conn
	in   chan<- ControlMessage
	out  <-chan DaemonResponse
	log  *logger.Logger
}

// Upgrade upgrades an HTTP request to a websocket connection and
// returns a Transport wired to in/out.
func Upgrade(w http.ResponseWriter, r *http.Request, in chan<- ControlMessage, out <-chan DaemonResponse) (*Transport, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return &Transport{conn: conn, in: in, out: out, log: logger.Global().WithComponent("control-transport")}, nil
}

// Serve runs the read and write pumps until the connection closes.
// Blocks until both pumps exit.
func (t *Transport) Serve() {
	done := make(chan struct{})
	go func() {
		t.writePump()
		close(done)
	}()
	t.readPump()
	<-done
}

func (t *Transport) readPump() {
	defer t.conn.Close()
	t.conn.SetReadDeadline(time.Now().Add(pongWait))
	t.conn.SetPongHandler(func(string) error {
		t.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := t.conn.ReadMessage()
		if err != nil {
			return
		}

		msg, err := Decode(raw)
		if err != nil {
			t.log.ErrorEvent(context.Background(), "control message decode failed", err)
			continue
		}

		t.in <- withMessageID(msg)
	}
}

func (t *Transport) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		t.conn.Close()
	}()

	for {
		select {
		case resp, ok := <-t.out:
			t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				t.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			data, err := json.Marshal(resp)
			if err != nil {
				continue
			}
			if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := t.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
