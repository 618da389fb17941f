// Package metadata maps heterogeneous tag containers onto a single
// normalized field set.
package metadata

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dhowden/tag"
	"github.com/go-audio/wav"
	"github.com/mewkiz/flac"
	"github.com/sirupsen/logrus"
	"github.com/tcolgate/mp3"
)

// ErrUnparsable signals that a file is neither taggable nor decodable. Any
// narrower parse failure (a malformed track number, an odd date string) is
// absorbed into an unset field instead.
var ErrUnparsable = errors.New("unparsable media file")

// TrackMeta is the normalized record produced for every parsable file.
// Title is always populated (falling back to the file's base name); all
// other fields are optional.
type TrackMeta struct {
	Title       string
	Artist      string
	Album       string
	AlbumArtist string
	Genre       string
	TrackNumber *int
	DiscNumber  *int
	Year        *int
	DurationMS  *int
	Bitrate     *int // kbps
}

// Extractor handles metadata extraction from media files.
type Extractor struct {
	logger *logrus.Logger
}

// NewExtractor creates a new metadata extractor.
func NewExtractor() *Extractor {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	return &Extractor{logger: logger}
}

// Extract reads the file's tags and audio properties into a TrackMeta. A file
// is unparsable only when both the tag container and the audio stream resist
// decoding; a tagless but decodable file yields a record with a
// filename-derived title.
func (e *Extractor) Extract(filePath string) (TrackMeta, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return TrackMeta{}, fmt.Errorf("failed to open media file: %w", err)
	}
	defer file.Close()

	meta := TrackMeta{}

	m, tagErr := tag.ReadFrom(file)
	durationMS, bitrate, probeErr := e.probeAudio(filePath)

	if tagErr != nil && probeErr != nil {
		e.logger.WithFields(logrus.Fields{
			"file_path": filePath,
			"tag_error": tagErr.Error(),
		}).Debug("File is neither taggable nor decodable")
		return TrackMeta{}, fmt.Errorf("%w: %s", ErrUnparsable, filePath)
	}

	if durationMS > 0 {
		meta.DurationMS = &durationMS
	}
	if bitrate > 0 {
		meta.Bitrate = &bitrate
	}

	if tagErr == nil {
		e.fillTags(&meta, m)
	}

	if meta.Title == "" {
		meta.Title = strings.TrimSuffix(filepath.Base(filePath), filepath.Ext(filePath))
	}

	return meta, nil
}

// fillTags populates text fields from the normalized accessors, then falls
// back to container-specific raw frames for anything still unset. Field-level
// parse failures leave the field unset.
func (e *Extractor) fillTags(meta *TrackMeta, m tag.Metadata) {
	meta.Title = m.Title()
	meta.Artist = m.Artist()
	meta.Album = m.Album()
	meta.AlbumArtist = m.AlbumArtist()
	meta.Genre = m.Genre()

	if n, _ := m.Track(); n > 0 {
		meta.TrackNumber = &n
	}
	if n, _ := m.Disc(); n > 0 {
		meta.DiscNumber = &n
	}
	if y := m.Year(); y > 0 {
		meta.Year = &y
	}

	raw := m.Raw()
	keys := rawKeysFor(m.Format())
	if keys == nil {
		return
	}

	if meta.Artist == "" {
		meta.Artist = rawString(raw, keys.artist)
	}
	if meta.Title == "" {
		meta.Title = rawString(raw, keys.title)
	}
	if meta.Album == "" {
		meta.Album = rawString(raw, keys.album)
	}
	if meta.AlbumArtist == "" {
		meta.AlbumArtist = rawString(raw, keys.albumArtist)
	}
	if meta.Genre == "" {
		meta.Genre = rawString(raw, keys.genre)
	}
	if meta.TrackNumber == nil {
		meta.TrackNumber = parseNumberField(rawString(raw, keys.track))
	}
	if meta.DiscNumber == nil {
		meta.DiscNumber = parseNumberField(rawString(raw, keys.disc))
	}
	if meta.Year == nil {
		meta.Year = parseYearField(rawString(raw, keys.date))
	}
}

// rawKeys is the fixed per-container field map, tried after the normalized
// accessors come up empty.
type rawKeys struct {
	artist, title, album, albumArtist, genre, track, disc, date []string
}

func rawKeysFor(format tag.Format) *rawKeys {
	switch format {
	case tag.ID3v2_2, tag.ID3v2_3, tag.ID3v2_4:
		return &rawKeys{
			artist:      []string{"TPE1", "TP1"},
			title:       []string{"TIT2", "TT2"},
			album:       []string{"TALB", "TAL"},
			albumArtist: []string{"TPE2", "TP2"},
			genre:       []string{"TCON", "TCO"},
			track:       []string{"TRCK", "TRK"},
			disc:        []string{"TPOS", "TPA"},
			date:        []string{"TDRC", "TYER", "TYE"},
		}
	case tag.MP4:
		return &rawKeys{
			artist:      []string{"\xa9ART"},
			title:       []string{"\xa9nam"},
			album:       []string{"\xa9alb"},
			albumArtist: []string{"aART"},
			genre:       []string{"\xa9gen"},
			track:       []string{"trkn"},
			disc:        []string{"disk"},
			date:        []string{"\xa9day"},
		}
	case tag.VORBIS:
		return &rawKeys{
			artist:      []string{"ARTIST"},
			title:       []string{"TITLE"},
			album:       []string{"ALBUM"},
			albumArtist: []string{"ALBUMARTIST"},
			genre:       []string{"GENRE"},
			track:       []string{"TRACKNUMBER"},
			disc:        []string{"DISCNUMBER"},
			date:        []string{"DATE", "YEAR"},
		}
	default:
		return nil
	}
}

func rawString(raw map[string]interface{}, keys []string) string {
	for _, key := range keys {
		val, ok := raw[key]
		if !ok || val == nil {
			continue
		}
		switch v := val.(type) {
		case string:
			if v != "" {
				return v
			}
		case fmt.Stringer:
			if s := v.String(); s != "" {
				return s
			}
		}
	}
	return ""
}

// parseNumberField parses track/disc fields of the form "N" or "N/M",
// keeping the numerator. Malformed numerators drop the field.
func parseNumberField(value string) *int {
	if value == "" {
		return nil
	}
	numerator := strings.SplitN(value, "/", 2)[0]
	n, err := strconv.Atoi(strings.TrimSpace(numerator))
	if err != nil || n <= 0 {
		return nil
	}
	return &n
}

// parseYearField parses a year from the first 4 characters of a date-like
// field. Non-numeric content drops the field.
func parseYearField(value string) *int {
	value = strings.TrimSpace(value)
	if len(value) < 4 {
		return nil
	}
	y, err := strconv.Atoi(value[:4])
	if err != nil || y <= 0 {
		return nil
	}
	return &y
}

// probeAudio derives duration (milliseconds) and bitrate (kbps) from the
// audio stream itself, dispatching on file extension.
func (e *Extractor) probeAudio(filePath string) (int, int, error) {
	ext := strings.ToLower(filepath.Ext(filePath))
	switch ext {
	case ".mp3":
		return e.probeMP3(filePath)
	case ".aac":
		return e.probeADTS(filePath)
	case ".flac":
		return e.probeFLAC(filePath)
	case ".wav":
		return e.probeWAV(filePath)
	case ".m4a", ".mp4", ".m4v", ".mov":
		return e.probeMP4(filePath)
	default:
		return 0, 0, fmt.Errorf("no audio probe for format: %s", ext)
	}
}

// MP3 duration via frame decoding; bitrate taken from the first decodable
// frame header. A file yielding no frames at all is undecodable.
func (e *Extractor) probeMP3(path string) (int, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	dec := mp3.NewDecoder(f)
	var total float64
	var skipped int
	var bitrate int
	frames := 0
	for {
		var fr mp3.Frame
		if err := dec.Decode(&fr, &skipped); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if frames == 0 {
				return 0, 0, fmt.Errorf("no decodable mp3 frames in %s", path)
			}
			break // partial decode; use what we have
		}
		total += fr.Duration().Seconds()
		if bitrate == 0 {
			if br := int(fr.Header().BitRate()); br > 0 {
				bitrate = br / 1000
			}
		}
		frames++
	}
	if frames == 0 {
		return 0, 0, fmt.Errorf("no decodable mp3 frames in %s", path)
	}
	return int(total*1000 + 0.5), bitrate, nil
}

// adtsSampleRates indexes the sampling frequency field of an ADTS header.
var adtsSampleRates = [...]int{96000, 88200, 64000, 48000, 44100, 32000, 24000, 22050, 16000, 12000, 11025, 8000, 7350}

// Raw ADTS AAC duration via frame header walk; each raw data block carries
// 1024 samples. A file yielding no frames at all is undecodable.
func (e *Extractor) probeADTS(path string) (int, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	offset, err := skipID3v2(f)
	if err != nil {
		return 0, 0, err
	}

	header := make([]byte, 7)
	frames := 0
	samples := 0
	sampleRate := 0
	for {
		if _, err := f.ReadAt(header, offset); err != nil {
			break
		}
		if header[0] != 0xFF || header[1]&0xF6 != 0xF0 {
			break
		}
		sfIdx := int(header[2]>>2) & 0x0F
		if sfIdx >= len(adtsSampleRates) {
			break
		}
		frameLen := int64(header[3]&0x03)<<11 | int64(header[4])<<3 | int64(header[5])>>5
		if frameLen < 7 {
			break
		}
		sampleRate = adtsSampleRates[sfIdx]
		blocks := int(header[6]&0x03) + 1
		samples += 1024 * blocks
		frames++
		offset += frameLen
	}
	if frames == 0 || sampleRate == 0 {
		return 0, 0, fmt.Errorf("no decodable adts frames in %s", path)
	}

	secs := float64(samples) / float64(sampleRate)
	bitrate := 0
	if st, err := f.Stat(); err == nil && secs > 0 {
		bitrate = int(float64(st.Size()) * 8 / secs / 1000)
	}
	return int(secs*1000 + 0.5), bitrate, nil
}

// skipID3v2 returns the offset of the first audio byte, past a leading
// ID3v2 tag when one is present.
func skipID3v2(f *os.File) (int64, error) {
	head := make([]byte, 10)
	if _, err := io.ReadFull(f, head); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return 0, nil
		}
		return 0, err
	}
	if string(head[0:3]) != "ID3" {
		return 0, nil
	}
	size := int64(head[6]&0x7F)<<21 | int64(head[7]&0x7F)<<14 | int64(head[8]&0x7F)<<7 | int64(head[9]&0x7F)
	return 10 + size, nil
}

// FLAC duration via STREAMINFO; bitrate estimated from file size.
func (e *Extractor) probeFLAC(path string) (int, int, error) {
	stream, err := flac.ParseFile(path)
	if err != nil {
		return 0, 0, err
	}
	si := stream.Info
	if si.NSamples == 0 || si.SampleRate == 0 {
		return 0, 0, fmt.Errorf("flac stream missing sample info")
	}
	secs := float64(si.NSamples) / float64(si.SampleRate)
	bitrate := 0
	if st, err := os.Stat(path); err == nil && secs > 0 {
		bitrate = int(float64(st.Size()) * 8 / secs / 1000)
	}
	return int(secs*1000 + 0.5), bitrate, nil
}

// WAV duration via header; PCM byte count approximated from file size.
func (e *Extractor) probeWAV(path string) (int, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return 0, 0, fmt.Errorf("invalid wav file")
	}
	if dec.SampleRate == 0 || dec.BitDepth == 0 || dec.NumChans == 0 {
		return 0, 0, fmt.Errorf("invalid wav header")
	}

	st, err := f.Stat()
	if err != nil {
		return 0, 0, err
	}
	headerSize := int64(44)
	pcmBytes := st.Size() - headerSize
	if pcmBytes < 0 {
		pcmBytes = 0
	}
	bytesPerSampleFrame := int64(dec.BitDepth/8) * int64(dec.NumChans)
	if bytesPerSampleFrame <= 0 {
		return 0, 0, fmt.Errorf("invalid sample frame size")
	}
	sampleFrames := pcmBytes / bytesPerSampleFrame
	secs := float64(sampleFrames) / float64(dec.SampleRate)
	bitrate := int(dec.SampleRate) * int(dec.BitDepth) * int(dec.NumChans) / 1000
	return int(secs*1000 + 0.5), bitrate, nil
}

// MP4-family duration via a minimal 'moov'/'mvhd' atom scan; bitrate
// estimated from file size. Lightweight manual parse to avoid pulling a
// large dependency.
func (e *Extractor) probeMP4(path string) (int, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	for {
		head := make([]byte, 8)
		if _, err := io.ReadFull(f, head); err != nil {
			return 0, 0, err
		}
		size := binary.BigEndian.Uint32(head[0:4])
		atom := string(head[4:8])
		if size < 8 {
			return 0, 0, fmt.Errorf("invalid atom size")
		}
		if atom == "moov" {
			limit := int64(size) - 8
			for read := int64(0); read < limit; {
				subHead := make([]byte, 8)
				if _, err := io.ReadFull(f, subHead); err != nil {
					return 0, 0, err
				}
				subSize := binary.BigEndian.Uint32(subHead[0:4])
				subAtom := string(subHead[4:8])
				if subAtom == "mvhd" {
					return e.readMvhd(f, path)
				}
				if subSize < 8 {
					return 0, 0, fmt.Errorf("invalid sub-atom size")
				}
				if _, err := f.Seek(int64(subSize)-8, io.SeekCurrent); err != nil {
					return 0, 0, err
				}
				read += int64(subSize)
			}
			break
		}
		if _, err := f.Seek(int64(size)-8, io.SeekCurrent); err != nil {
			return 0, 0, err
		}
	}
	return 0, 0, fmt.Errorf("mvhd atom not found")
}

func (e *Extractor) readMvhd(f *os.File, path string) (int, int, error) {
	version := make([]byte, 1)
	if _, err := io.ReadFull(f, version); err != nil {
		return 0, 0, err
	}
	var skip int64
	if version[0] == 1 { // 64-bit times
		skip = 3 + 8 + 8
	} else {
		skip = 3 + 4 + 4
	}
	if _, err := f.Seek(skip, io.SeekCurrent); err != nil {
		return 0, 0, err
	}
	tsBuf := make([]byte, 4)
	if _, err := io.ReadFull(f, tsBuf); err != nil {
		return 0, 0, err
	}
	timescale := binary.BigEndian.Uint32(tsBuf)
	durBuf := make([]byte, 4)
	if _, err := io.ReadFull(f, durBuf); err != nil {
		return 0, 0, err
	}
	durUnits := binary.BigEndian.Uint32(durBuf)
	if timescale == 0 {
		return 0, 0, fmt.Errorf("invalid timescale")
	}
	secs := float64(durUnits) / float64(timescale)

	bitrate := 0
	if st, err := os.Stat(path); err == nil && secs > 0 {
		bitrate = int(float64(st.Size()) * 8 / secs / 1000)
	}
	return int(secs*1000 + 0.5), bitrate, nil
}
