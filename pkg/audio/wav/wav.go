// Package wav encodes and decodes 16-bit PCM WAV, the container used when
// uploading captured turns for transcription and when replaying recorded
// audio as a capture source.
package wav

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/speaklab/tutorcall-go/pkg/audio"
)

const headerSize = 44

// Header holds the fields of a parsed WAV header.
type Header struct {
	SampleRate    uint32
	NumChannels   uint16
	BitsPerSample uint16
	DataSize      uint32
}

// Encode wraps raw 16-bit little-endian mono PCM in a WAV container.
func Encode(pcm []byte, sampleRate int) []byte {
	var buf bytes.Buffer
	buf.Grow(headerSize + len(pcm))

	dataSize := uint32(len(pcm))
	byteRate := uint32(sampleRate) * 2 // mono, 16-bit

	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, dataSize+36)
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // mono
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(&buf, binary.LittleEndian, byteRate)
	binary.Write(&buf, binary.LittleEndian, uint16(2))  // block align
	binary.Write(&buf, binary.LittleEndian, uint16(16)) // bits per sample

	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, dataSize)
	buf.Write(pcm)

	return buf.Bytes()
}

// Reader reads a WAV stream and yields fixed-duration mono frames.
type Reader struct {
	src    io.ReadSeeker
	header Header
}

// NewReader parses the header of a 16-bit PCM WAV stream and positions the
// reader at the start of the audio data.
func NewReader(src io.ReadSeeker) (*Reader, error) {
	r := &Reader{src: src}
	if err := r.readHeader(); err != nil {
		return nil, fmt.Errorf("failed to read WAV header: %w", err)
	}
	return r, nil
}

// Header returns the parsed header.
func (r *Reader) Header() Header {
	return r.header
}

// ReadFrames reads the remaining audio data as frames of the given duration.
// A partial final frame is truncated to the last full sample, never padded.
func (r *Reader) ReadFrames(frameDuration time.Duration) ([]audio.Frame, error) {
	bytesPerFrame := audio.FrameBytes(int(r.header.SampleRate), frameDuration)
	if bytesPerFrame <= 0 {
		return nil, fmt.Errorf("invalid frame duration %v", frameDuration)
	}

	var frames []audio.Frame
	index := 0
	for {
		buffer := make([]byte, bytesPerFrame)
		n, err := io.ReadFull(r.src, buffer)
		if err == io.EOF {
			break
		}
		if err == io.ErrUnexpectedEOF {
			// Partial final read: keep whole samples only.
			n -= n % 2
			if n == 0 {
				break
			}
			frames = append(frames, audio.Frame{
				Data:       buffer[:n],
				SampleRate: int(r.header.SampleRate),
				Duration:   time.Duration(n/2) * time.Second / time.Duration(r.header.SampleRate),
				Timestamp:  time.Duration(index) * frameDuration,
			})
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read audio data: %w", err)
		}

		frame, err := audio.NewFrame(buffer, int(r.header.SampleRate), frameDuration,
			time.Duration(index)*frameDuration)
		if err != nil {
			return nil, err
		}
		frames = append(frames, frame)
		index++
	}

	return frames, nil
}

func (r *Reader) readHeader() error {
	var riff [12]byte
	if _, err := io.ReadFull(r.src, riff[:]); err != nil {
		return fmt.Errorf("failed to read RIFF header: %w", err)
	}
	if string(riff[0:4]) != "RIFF" {
		return fmt.Errorf("not a valid RIFF file")
	}
	if string(riff[8:12]) != "WAVE" {
		return fmt.Errorf("not a valid WAVE file")
	}

	foundFmt := false
	for {
		var chunk [8]byte
		if _, err := io.ReadFull(r.src, chunk[:]); err != nil {
			return fmt.Errorf("failed to read chunk header: %w", err)
		}
		chunkID := string(chunk[0:4])
		chunkSize := binary.LittleEndian.Uint32(chunk[4:8])

		switch chunkID {
		case "fmt ":
			if chunkSize < 16 {
				return fmt.Errorf("fmt chunk too small: %d bytes", chunkSize)
			}
			var fmtData [16]byte
			if _, err := io.ReadFull(r.src, fmtData[:]); err != nil {
				return fmt.Errorf("failed to read fmt data: %w", err)
			}
			if format := binary.LittleEndian.Uint16(fmtData[0:2]); format != 1 {
				return fmt.Errorf("only PCM format is supported, got format %d", format)
			}
			r.header.NumChannels = binary.LittleEndian.Uint16(fmtData[2:4])
			r.header.SampleRate = binary.LittleEndian.Uint32(fmtData[4:8])
			r.header.BitsPerSample = binary.LittleEndian.Uint16(fmtData[14:16])
			if chunkSize > 16 {
				if _, err := r.src.Seek(int64(chunkSize-16), io.SeekCurrent); err != nil {
					return fmt.Errorf("failed to skip fmt data: %w", err)
				}
			}
			foundFmt = true
		case "data":
			if !foundFmt {
				return fmt.Errorf("data chunk before fmt chunk")
			}
			r.header.DataSize = chunkSize
			return r.validate()
		default:
			if _, err := r.src.Seek(int64(chunkSize), io.SeekCurrent); err != nil {
				return fmt.Errorf("failed to skip chunk: %w", err)
			}
		}
	}
}

func (r *Reader) validate() error {
	if r.header.BitsPerSample != 16 {
		return fmt.Errorf("only 16-bit samples are supported, got %d-bit", r.header.BitsPerSample)
	}
	if r.header.NumChannels != 1 {
		return fmt.Errorf("only mono is supported, got %d channels", r.header.NumChannels)
	}
	return nil
}
