package gateway

import "time"

// Conn is the part of a websocket connection a Session uses. It is satisfied
// by *websocket.Conn from gofiber/contrib/websocket. WriteControl and Close
// may be called concurrently with the other methods; everything else is used
// by one goroutine at a time.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
	Close() error
}
