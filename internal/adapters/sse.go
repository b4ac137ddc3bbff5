package adapters

import "bytes"

// sseEvent is one parsed Server-Sent-Events event.
type sseEvent struct {
	eventType string
	data      []byte
}

// sseScanner incrementally splits a byte stream into SSE events. It only
// reads structured "event:"/"data:" lines, so arbitrary text inside content
// deltas cannot produce false positives.
type sseScanner struct {
	buffer []byte
}

func newSSEScanner() *sseScanner {
	return &sseScanner{buffer: make([]byte, 0, 4096)}
}

// feed appends a chunk and returns all complete events now available.
func (s *sseScanner) feed(chunk []byte) []sseEvent {
	s.buffer = append(s.buffer, chunk...)
	return s.drain(false)
}

// flush returns any trailing event that never got its terminating blank line.
func (s *sseScanner) flush() []sseEvent {
	return s.drain(true)
}

func (s *sseScanner) drain(flush bool) []sseEvent {
	var events []sseEvent
	for {
		raw, rest, ok := nextSSEEvent(s.buffer, flush)
		if !ok {
			return events
		}
		s.buffer = rest
		if ev, ok := parseSSEEvent(raw); ok {
			events = append(events, ev)
		}
	}
}

func nextSSEEvent(buf []byte, flush bool) ([]byte, []byte, bool) {
	if idx := bytes.Index(buf, []byte("\r\n\r\n")); idx >= 0 {
		return buf[:idx], buf[idx+4:], true
	}
	if idx := bytes.Index(buf, []byte("\n\n")); idx >= 0 {
		return buf[:idx], buf[idx+2:], true
	}
	if flush {
		trimmed := bytes.TrimSpace(buf)
		if len(trimmed) > 0 {
			return trimmed, nil, true
		}
	}
	return nil, nil, false
}

func parseSSEEvent(raw []byte) (sseEvent, bool) {
	var ev sseEvent
	dataLines := make([][]byte, 0, 2)

	for _, line := range bytes.Split(raw, []byte("\n")) {
		line = bytes.TrimSpace(line)
		switch {
		case bytes.HasPrefix(line, []byte("event:")):
			ev.eventType = string(bytes.TrimSpace(bytes.TrimPrefix(line, []byte("event:"))))
		case bytes.HasPrefix(line, []byte("data:")):
			payload := bytes.TrimSpace(bytes.TrimPrefix(line, []byte("data:")))
			if len(payload) == 0 || bytes.Equal(payload, []byte("[DONE]")) {
				continue
			}
			dataLines = append(dataLines, payload)
		}
	}

	if len(dataLines) == 0 {
		return ev, false
	}
	ev.data = bytes.Join(dataLines, []byte("\n"))
	return ev, true
}
