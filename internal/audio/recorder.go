// Package audio captures remote room audio to WAV files.
package audio

import (
	"bufio"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"sync"
)

const DefaultSampleRate = 24000

// ErrOddFrame is returned when a frame does not hold whole 16-bit samples.
var ErrOddFrame = errors.New("pcm16 frame has odd length")

// wavHeader is the canonical 44-byte RIFF header for mono PCM16LE audio.
type wavHeader struct {
	RIFF          [4]byte
	ChunkSize     uint32
	WAVE          [4]byte
	Fmt           [4]byte
	FmtSize       uint32
	AudioFormat   uint16
	Channels      uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	Data          [4]byte
	DataSize      uint32
}

func newWAVHeader(dataSize, sampleRate int) wavHeader {
	return wavHeader{
		RIFF:          [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     uint32(36 + dataSize),
		WAVE:          [4]byte{'W', 'A', 'V', 'E'},
		Fmt:           [4]byte{'f', 'm', 't', ' '},
		FmtSize:       16,
		AudioFormat:   1,
		Channels:      1,
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate * 2),
		BlockAlign:    2,
		BitsPerSample: 16,
		Data:          [4]byte{'d', 'a', 't', 'a'},
		DataSize:      uint32(dataSize),
	}
}

// WriteWAV writes mono PCM16LE samples to out as a WAV stream.
func WriteWAV(out io.Writer, pcm []byte, sampleRate int) error {
	if len(pcm)%2 != 0 {
		return ErrOddFrame
	}
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	w := bufio.NewWriter(out)
	if err := binary.Write(w, binary.LittleEndian, newWAVHeader(len(pcm), sampleRate)); err != nil {
		return err
	}
	if _, err := w.Write(pcm); err != nil {
		return err
	}
	return w.Flush()
}

// Recorder accumulates PCM16LE frames received from a room. It is safe for
// concurrent use; Write is meant to be plugged into a transport's audio
// callback.
type Recorder struct {
	mu      sync.Mutex
	pcm     []byte
	dropped int
}

func NewRecorder() *Recorder { return &Recorder{} }

// Write appends one frame. Frames with a torn sample are counted and dropped.
func (r *Recorder) Write(frame []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(frame)%2 != 0 {
		r.dropped++
		return
	}
	r.pcm = append(r.pcm, frame...)
}

// Stats reports the captured byte count and the number of dropped frames.
func (r *Recorder) Stats() (bytes, dropped int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pcm), r.dropped
}

func (r *Recorder) WriteTo(out io.Writer, sampleRate int) error {
	r.mu.Lock()
	pcm := append([]byte(nil), r.pcm...)
	r.mu.Unlock()
	return WriteWAV(out, pcm, sampleRate)
}

// SaveFile writes everything captured so far to path.
func (r *Recorder) SaveFile(path string, sampleRate int) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := r.WriteTo(f, sampleRate); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
