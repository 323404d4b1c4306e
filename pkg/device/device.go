package device

// StreamConfig describes the fixed PCM format shared by capture and
// playback: s16le at a fixed rate, channel count, and frame size.
type StreamConfig struct {
	SampleRate int
	Channels   int
	FrameSize  int
}

func (c StreamConfig) WithDefaults() StreamConfig {
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	if c.Channels <= 0 {
		c.Channels = 1
	}
	if c.FrameSize <= 0 {
		c.FrameSize = 1024
	}
	return c
}

// FrameBytes is the byte length of one fixed PCM frame.
func (c StreamConfig) FrameBytes() int {
	return c.FrameSize * c.Channels * 2
}

// Capture is the microphone driver boundary. Open/Close bracket exclusive
// ownership; ReadFrame blocks for one frame cadence.
type Capture interface {
	Open(cfg StreamConfig) error
	ReadFrame() ([]byte, error)
	Close() error
}

// Playback is the speaker driver boundary.
type Playback interface {
	Open(cfg StreamConfig) error
	WriteFrame(pcm []byte) error
	Close() error
}
