package mcp

import (
	"bufio"
	"errors"
	"io"
	"strings"
)

// sseEvent is one dispatched server-sent event
type sseEvent struct {
	Event string
	Data  string
	ID    string
}

// readSSE parses a text/event-stream and calls fn for every dispatched event.
// It returns nil on a clean EOF.
func readSSE(r io.Reader, fn func(sseEvent)) error {
	reader := bufio.NewReaderSize(r, 64*1024)

	var (
		event   string
		id      string
		data    strings.Builder
		hasData bool
	)

	dispatch := func() {
		if hasData {
			name := event
			if name == "" {
				name = "message"
			}
			fn(sseEvent{Event: name, Data: data.String(), ID: id})
		}
		event = ""
		data.Reset()
		hasData = false
	}

	for {
		line, err := reader.ReadString('\n')
		if err != nil && !(errors.Is(err, io.EOF) && line != "") {
			if errors.Is(err, io.EOF) {
				dispatch()
				return nil
			}
			return err
		}
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			dispatch()
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")

		switch field {
		case "event":
			event = value
		case "data":
			if hasData {
				data.WriteByte('\n')
			}
			data.WriteString(value)
			hasData = true
		case "id":
			id = value
		}

		if errors.Is(err, io.EOF) {
			dispatch()
			return nil
		}
	}
}
