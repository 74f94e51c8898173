package callserver

import (
	"encoding/xml"
	"fmt"
)

// ============================================
// TWIML GENERATION
// ============================================

// TwiMLResponse is the call instruction document returned to the provider.
type TwiMLResponse struct {
	XMLName xml.Name `xml:"Response"`
	Connect *Connect `xml:"Connect,omitempty"`
	Pause   *Pause   `xml:"Pause,omitempty"`
}

// Connect bridges the call audio to a bidirectional media stream.
type Connect struct {
	Stream Stream `xml:"Stream"`
}

// Stream is the websocket endpoint that receives call audio.
type Stream struct {
	URL string `xml:"url,attr"`
}

// Pause keeps the call open after the stream ends.
type Pause struct {
	Length int `xml:"length,attr"`
}

// StreamTwiML renders the instructions that connect a call to streamURL.
func StreamTwiML(streamURL string, pauseSeconds int) ([]byte, error) {
	doc := TwiMLResponse{Connect: &Connect{Stream: Stream{URL: streamURL}}}
	if pauseSeconds > 0 {
		doc.Pause = &Pause{Length: pauseSeconds}
	}
	body, err := xml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to render TwiML: %w", err)
	}
	return append([]byte(xml.Header), body...), nil
}
