// Package wavfile backs the capture and playback edges of the pipeline with
// WAV files: a [Source] that streams a file as native-rate capture blocks in
// real time, and a [Device] that renders scheduled playback against the wall
// clock and records it to a file.
//
// Only 16-bit PCM is supported, mono or interleaved multi-channel.
package wavfile

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ErrUnsupported is returned for WAV data that is not 16-bit PCM.
var ErrUnsupported = errors.New("wavfile: unsupported format")

// header is the canonical 44-byte RIFF/WAVE header written by [Encode].
type header struct {
	ChunkID       [4]byte // "RIFF"
	ChunkSize     uint32  // file size - 8
	Format        [4]byte // "WAVE"
	Subchunk1ID   [4]byte // "fmt "
	Subchunk1Size uint32  // 16 for PCM
	AudioFormat   uint16  // 1 for PCM
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32 // SampleRate * NumChannels * 2
	BlockAlign    uint16 // NumChannels * 2
	BitsPerSample uint16
	Subchunk2ID   [4]byte // "data"
	Subchunk2Size uint32
}

// PCM is decoded WAV content.
type PCM struct {
	// Samples are interleaved signed 16-bit samples.
	Samples []int16

	// SampleRate in Hz.
	SampleRate int

	// Channels is the interleave count.
	Channels int
}

// Frames returns the number of sample frames.
func (p *PCM) Frames() int {
	if p.Channels <= 0 {
		return 0
	}
	return len(p.Samples) / p.Channels
}

// Encode writes samples as a 16-bit PCM WAV stream.
func Encode(w io.Writer, samples []int16, sampleRate, channels int) error {
	if sampleRate <= 0 {
		return fmt.Errorf("wavfile: sample rate must be positive, got %d", sampleRate)
	}
	if channels <= 0 {
		return fmt.Errorf("wavfile: channel count must be positive, got %d", channels)
	}
	if err := writeHeader(w, len(samples)*2, sampleRate, channels); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, samples); err != nil {
		return fmt.Errorf("wavfile: write samples: %w", err)
	}
	return nil
}

func writeHeader(w io.Writer, dataBytes, sampleRate, channels int) error {
	dataSize := uint32(dataBytes)
	h := header{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + dataSize,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1,
		NumChannels:   uint16(channels),
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate * channels * 2),
		BlockAlign:    uint16(channels * 2),
		BitsPerSample: 16,
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataSize,
	}
	if err := binary.Write(w, binary.LittleEndian, h); err != nil {
		return fmt.Errorf("wavfile: write header: %w", err)
	}
	return nil
}

// Decode reads a WAV stream. Chunks other than "fmt " and "data" (LIST,
// fact, ...) are skipped.
func Decode(r io.Reader) (*PCM, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("wavfile: read: %w", err)
	}
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, errors.New("wavfile: missing RIFF/WAVE header")
	}

	var (
		out    PCM
		gotFmt bool
	)
	rd := bytes.NewReader(data[12:])
	for {
		var id [4]byte
		var size uint32
		if err := binary.Read(rd, binary.LittleEndian, &id); err != nil {
			break
		}
		if err := binary.Read(rd, binary.LittleEndian, &size); err != nil {
			return nil, fmt.Errorf("wavfile: truncated chunk header: %w", err)
		}
		body := make([]byte, size)
		if _, err := io.ReadFull(rd, body); err != nil {
			return nil, fmt.Errorf("wavfile: truncated %q chunk: %w", string(id[:]), err)
		}
		if size%2 == 1 {
			_, _ = rd.ReadByte() // pad byte
		}

		switch string(id[:]) {
		case "fmt ":
			if len(body) < 16 {
				return nil, errors.New("wavfile: short fmt chunk")
			}
			format := binary.LittleEndian.Uint16(body[0:2])
			bits := binary.LittleEndian.Uint16(body[14:16])
			if format != 1 || bits != 16 {
				return nil, fmt.Errorf("%w: format %d, %d bits", ErrUnsupported, format, bits)
			}
			out.Channels = int(binary.LittleEndian.Uint16(body[2:4]))
			out.SampleRate = int(binary.LittleEndian.Uint32(body[4:8]))
			gotFmt = true
		case "data":
			if !gotFmt {
				return nil, errors.New("wavfile: data chunk before fmt chunk")
			}
			out.Samples = make([]int16, len(body)/2)
			for i := range out.Samples {
				out.Samples[i] = int16(binary.LittleEndian.Uint16(body[i*2:]))
			}
			if out.Channels <= 0 || out.SampleRate <= 0 {
				return nil, fmt.Errorf("%w: %d channels at %d Hz", ErrUnsupported, out.Channels, out.SampleRate)
			}
			return &out, nil
		}
	}
	return nil, errors.New("wavfile: missing data chunk")
}
