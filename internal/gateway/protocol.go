package gateway

// Engine.IO / Socket.IO wire framing, the subset the collaboration client
// uses: handshake, heartbeat, namespace connect and plain events. The
// React client connects with socket.io-client; no Go server library for
// the protocol exists, so the frames are built by hand.

import (
	"encoding/json"
	"errors"
	"strings"
)

type enginePacketType byte

const (
	engineOpen    enginePacketType = '0'
	engineClose   enginePacketType = '1'
	enginePing    enginePacketType = '2'
	enginePong    enginePacketType = '3'
	engineMessage enginePacketType = '4'
)

type socketPacketType byte

const (
	socketConnect      socketPacketType = '0'
	socketEvent        socketPacketType = '2'
	socketConnectError socketPacketType = '4'
)

// engineFrame prefixes a packet body with its engine packet type byte.
func engineFrame(t enginePacketType, body string) string {
	return string(rune(t)) + body
}

func parseOptionalNamespace(s string) (namespace string, rest string) {
	if !strings.HasPrefix(s, "/") {
		return "/", s
	}
	comma := strings.IndexByte(s, ',')
	if comma == -1 {
		return "/", s
	}
	return s[:comma], s[comma+1:]
}

// skipAckID drops a numeric ack-id prefix. The collaboration contract has
// no acknowledged events, but socket.io-client may still number emits; the
// id is tolerated and ignored rather than rejected.
func skipAckID(s string) string {
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	return s[i:]
}

type eventPacket struct {
	Namespace string
	Event     string
	Args      []json.RawMessage
}

func parseEventPacket(payload string) (eventPacket, error) {
	if payload == "" {
		return eventPacket{}, errors.New("empty payload")
	}
	if payload[0] != byte(socketEvent) {
		return eventPacket{}, errors.New("not an event packet")
	}

	ns, rest := parseOptionalNamespace(payload[1:])
	rest = skipAckID(rest)
	if !strings.HasPrefix(rest, "[") {
		return eventPacket{}, errors.New("invalid event payload")
	}

	var arr []json.RawMessage
	if err := json.Unmarshal([]byte(rest), &arr); err != nil {
		return eventPacket{}, err
	}
	if len(arr) == 0 {
		return eventPacket{}, errors.New("missing event name")
	}
	var name string
	if err := json.Unmarshal(arr[0], &name); err != nil {
		return eventPacket{}, errors.New("invalid event name")
	}
	return eventPacket{Namespace: ns, Event: name, Args: arr[1:]}, nil
}

func buildEventPacket(event string, args ...any) (string, error) {
	arr := make([]any, 0, 1+len(args))
	arr = append(arr, event)
	arr = append(arr, args...)
	data, err := json.Marshal(arr)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteByte(byte(socketEvent))
	b.Write(data)
	return b.String(), nil
}

func buildConnectPacket(sid string) (string, error) {
	data, err := json.Marshal(map[string]string{"sid": sid})
	if err != nil {
		return "", err
	}
	var b strings.Builder
	b.WriteByte(byte(socketConnect))
	b.Write(data)
	return b.String(), nil
}

// buildConnectErrorPacket is the refusal sent for a bad credential. The
// message stays generic: the client learns that authentication failed and
// nothing else.
func buildConnectErrorPacket(message string) (string, error) {
	data, err := json.Marshal(map[string]string{"message": message})
	if err != nil {
		return "", err
	}
	var b strings.Builder
	b.WriteByte(byte(socketConnectError))
	b.Write(data)
	return b.String(), nil
}
