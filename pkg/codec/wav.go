package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// WAV format constants for the mono/8kHz/16-bit PCM recordings this
// relay writes and plays. See original_source/helper/wav_handler.py.
const (
	SampleRate    = 8000
	Channels      = 1
	BitsPerSample = 16
)

// EncodeWAV wraps raw 16-bit little-endian linear PCM samples in a
// RIFF/WAVE container: PCM format tag 1, mono, 8kHz, 16-bit.
func EncodeWAV(pcm []byte) []byte {
	var buf bytes.Buffer

	blockAlign := Channels * BitsPerSample / 8
	byteRate := SampleRate * blockAlign
	dataLen := uint32(len(pcm))

	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(36+dataLen))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16)) // fmt chunk size
	binary.Write(&buf, binary.LittleEndian, uint16(1))  // PCM format tag
	binary.Write(&buf, binary.LittleEndian, uint16(Channels))
	binary.Write(&buf, binary.LittleEndian, uint32(SampleRate))
	binary.Write(&buf, binary.LittleEndian, uint32(byteRate))
	binary.Write(&buf, binary.LittleEndian, uint16(blockAlign))
	binary.Write(&buf, binary.LittleEndian, uint16(BitsPerSample))

	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, dataLen)
	buf.Write(pcm)

	return buf.Bytes()
}

// DecodeWAV extracts raw PCM samples and the declared format from a
// RIFF/WAVE byte stream. It expects PCM format tag 1; anything else is
// an error since the relay only ever produces/consumes linear PCM.
func DecodeWAV(data []byte) (pcm []byte, sampleRate int, channels int, bitsPerSample int, err error) {
	r := bytes.NewReader(data)

	var riffHeader [12]byte
	if _, err = io.ReadFull(r, riffHeader[:]); err != nil {
		return nil, 0, 0, 0, fmt.Errorf("wav: short header: %w", err)
	}
	if string(riffHeader[0:4]) != "RIFF" || string(riffHeader[8:12]) != "WAVE" {
		return nil, 0, 0, 0, fmt.Errorf("wav: not a RIFF/WAVE file")
	}

	var fmtTag, chans uint16
	var rate, byteRate uint32
	var bits uint16
	haveFmt := false

	for {
		var chunkID [4]byte
		var chunkSize uint32
		if _, err = io.ReadFull(r, chunkID[:]); err != nil {
			break
		}
		if err = binary.Read(r, binary.LittleEndian, &chunkSize); err != nil {
			return nil, 0, 0, 0, fmt.Errorf("wav: truncated chunk header: %w", err)
		}

		switch string(chunkID[:]) {
		case "fmt ":
			body := make([]byte, chunkSize)
			if _, err = io.ReadFull(r, body); err != nil {
				return nil, 0, 0, 0, fmt.Errorf("wav: truncated fmt chunk: %w", err)
			}
			fr := bytes.NewReader(body)
			binary.Read(fr, binary.LittleEndian, &fmtTag)
			binary.Read(fr, binary.LittleEndian, &chans)
			binary.Read(fr, binary.LittleEndian, &rate)
			binary.Read(fr, binary.LittleEndian, &byteRate)
			fr.Seek(2, io.SeekCurrent) // block align
			binary.Read(fr, binary.LittleEndian, &bits)
			haveFmt = true
		case "data":
			pcm = make([]byte, chunkSize)
			if _, err = io.ReadFull(r, pcm); err != nil {
				return nil, 0, 0, 0, fmt.Errorf("wav: truncated data chunk: %w", err)
			}
		default:
			if _, err = r.Seek(int64(chunkSize), io.SeekCurrent); err != nil {
				break
			}
		}
		if chunkSize%2 == 1 {
			r.Seek(1, io.SeekCurrent) // chunks are word-aligned
		}
	}

	if !haveFmt {
		return nil, 0, 0, 0, fmt.Errorf("wav: missing fmt chunk")
	}
	if fmtTag != 1 {
		return nil, 0, 0, 0, fmt.Errorf("wav: unsupported format tag %d, want PCM", fmtTag)
	}
	return pcm, int(rate), int(chans), int(bits), nil
}
