package codec

// Bytes is an identity codec for []byte payloads, for callers that keep the
// remote's raw archive and parse on read.
type Bytes struct{}

func (Bytes) Encode(b []byte) ([]byte, error) { return b, nil }
func (Bytes) Decode(b []byte) ([]byte, error) { return b, nil }
