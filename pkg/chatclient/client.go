// Package chatclient is a minimal client library for submitting chat
// text to a peer and observing the delivered, totally ordered stream,
// over the same framed newline-JSON TCP protocol the peers speak to
// each other.
package chatclient

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"

	"chatlog/internal/wire"
)

// Client holds one TCP connection to a peer.
type Client struct {
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
	room   string
}

// Dial connects to a peer at addr ("host:port"). room defaults to
// wire.DefaultRoom when empty.
func Dial(addr string, room string, timeout time.Duration) (*Client, error) {
	if room == "" {
		room = wire.DefaultRoom
	}
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("chatclient: dial %s: %w", addr, err)
	}
	return &Client{
		conn:   conn,
		reader: bufio.NewReader(conn),
		writer: bufio.NewWriter(conn),
		room:   room,
	}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Send submits text as a CHAT message and returns the msg_id assigned
// to it, which will appear on the DeliveredMessage this text is
// eventually delivered as.
func (c *Client) Send(text string) (string, error) {
	msgID := uuid.NewString()
	msg := wire.Message{
		Type: wire.Chat, RoomID: c.room, MsgID: msgID, Payload: text,
	}
	encoded, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("chatclient: encode: %w", err)
	}
	encoded = append(encoded, '\n')
	if _, err := c.writer.Write(encoded); err != nil {
		return "", fmt.Errorf("chatclient: write: %w", err)
	}
	if err := c.writer.Flush(); err != nil {
		return "", fmt.Errorf("chatclient: flush: %w", err)
	}
	return msgID, nil
}

// Next blocks for the next delivered message pushed by the peer this
// client is connected to.
func (c *Client) Next() (wire.DeliveredMessage, error) {
	line, err := c.reader.ReadBytes('\n')
	if err != nil {
		return wire.DeliveredMessage{}, fmt.Errorf("chatclient: read: %w", err)
	}
	var msg wire.Message
	if err := json.Unmarshal(line, &msg); err != nil {
		return wire.DeliveredMessage{}, fmt.Errorf("chatclient: decode: %w", err)
	}
	return wire.DeliveredMessage{
		SeqNo: msg.SeqNo, Term: msg.Term, MsgID: msg.MsgID,
		SenderID: msg.SenderID, RoomID: msg.Room(), Text: msg.Payload,
	}, nil
}
