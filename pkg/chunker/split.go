package chunker

// Split cuts a contiguous byte stream into chunks of at most max bytes,
// preserving order. The final chunk carries the remainder.
func Split(data []byte, max int) [][]byte {
	if len(data) == 0 {
		return nil
	}
	if max <= 0 {
		max = len(data)
	}
	out := make([][]byte, 0, (len(data)+max-1)/max)
	for len(data) > max {
		out = append(out, data[:max])
		data = data[max:]
	}
	return append(out, data)
}
