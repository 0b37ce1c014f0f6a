package forward

import (
	"bytes"
	"io"
	"net/http"
)

const ssePrefix = "data: "

// streamState folds the upstream SSE byte stream into client emissions
// and a last-wins usage slot.
type streamState struct {
	w       http.ResponseWriter
	flusher http.Flusher
	path    string

	pending  []byte
	usage    Usage
	hasUsage bool
	captured bytes.Buffer
}

// relayStream copies the upstream SSE body to the client with per-frame
// flushing, capturing the final usage frame along the way. The returned
// error is an upstream read failure; by this point headers are sent, so
// the caller can only end the stream.
func relayStream(w http.ResponseWriter, upstream io.Reader, path string) (Usage, bool, []byte, error) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	st := &streamState{w: w, path: path}
	st.flusher, _ = w.(http.Flusher)

	buf := make([]byte, 4096)
	for {
		n, err := upstream.Read(buf)
		if n > 0 {
			st.feed(buf[:n])
		}
		if err == io.EOF {
			st.finish()
			return st.usage, st.hasUsage, st.captured.Bytes(), nil
		}
		if err != nil {
			st.finish()
			return st.usage, st.hasUsage, st.captured.Bytes(), err
		}
	}
}

// feed appends a chunk to the line buffer and processes every complete
// line, keeping the trailing partial line for the next chunk.
func (s *streamState) feed(chunk []byte) {
	s.pending = append(s.pending, chunk...)
	for {
		i := bytes.IndexByte(s.pending, '\n')
		if i < 0 {
			return
		}
		line := bytes.TrimSuffix(s.pending[:i], []byte("\r"))
		s.processLine(line)
		s.pending = s.pending[i+1:]
	}
}

// finish drains whatever is left in the line buffer after upstream EOF.
func (s *streamState) finish() {
	if len(s.pending) > 0 {
		s.processLine(bytes.TrimSuffix(s.pending, []byte("\r")))
		s.pending = nil
	}
	s.flush()
}

func (s *streamState) processLine(line []byte) {
	if len(line) == 0 {
		// Frame separator; the emitter writes its own.
		return
	}
	if payload, ok := bytes.CutPrefix(line, []byte(ssePrefix)); ok {
		s.emit(ssePrefix)
		s.emit(string(payload))
		s.emit("\n\n")
		s.flush()
		if !bytes.Equal(payload, []byte("[DONE]")) {
			if u, ok := extractUsage(payload, s.path); ok {
				s.usage = u
				s.hasUsage = true
			}
		}
		return
	}
	s.emit(string(line))
	s.emit("\n")
	s.flush()
}

const maxCapturedBody = 64 << 10

func (s *streamState) emit(text string) {
	_, _ = io.WriteString(s.w, text)
	if s.captured.Len() < maxCapturedBody {
		s.captured.WriteString(text)
	}
}

func (s *streamState) flush() {
	if s.flusher != nil {
		s.flusher.Flush()
	}
}
