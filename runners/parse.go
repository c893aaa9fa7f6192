package runners

import (
	"bytes"
	"strings"

	"go.uber.org/zap"

	"github.com/wippyai/dualvm/buildid"
	"github.com/wippyai/dualvm/bytebuf"
	"github.com/wippyai/dualvm/errors"
	"github.com/wippyai/dualvm/wasmbin"
)

// VersionSection is the custom section holding a module's runner version.
const VersionSection = "runner.version"

var commentMarkers = []string{"//", "#", "--"}

// Parse detects the archive format of buf: zip, ustar, a bare wasm module,
// or source text whose leading comment carries the version and manifest.
// On success the archive takes over the caller's reference to buf.
func Parse(id string, buf *bytebuf.Buffer) (*Archive, error) {
	raw := buf.View().Bytes()
	switch {
	case bytes.HasPrefix(raw, []byte("PK\x03\x04")) || bytes.HasPrefix(raw, []byte("PK\x05\x06")):
		return FromZip(id, buf)
	case wasmbin.IsModule(raw):
		return fromModule(id, buf)
	case len(raw) >= 2*blockSize && bytes.Equal(raw[257:265], ustarMagic):
		return FromUstar(id, buf)
	}
	return fromText(id, buf)
}

func fromModule(id string, buf *bytebuf.Buffer) (*Archive, error) {
	raw := buf.View().Bytes()
	version := buildid.AbsentVersion.String()
	payload, ok, err := wasmbin.CustomSection(raw, VersionSection)
	switch {
	case err != nil:
		return nil, errors.Load("parse wasm runner "+id, err)
	case ok:
		text, err := bytebuf.DecodeUTF8(payload)
		if err != nil {
			return nil, err
		}
		version = strings.TrimSpace(text)
	default:
		Logger().Warn("wasm runner has no version section, using default",
			zap.String("runner", id), zap.String("default", version))
	}
	manifest := `{"StartWasm": "` + SingleFile + `"}`
	return single(id, buf, version, manifest), nil
}

func fromText(id string, buf *bytebuf.Buffer) (*Archive, error) {
	text, err := buf.View().Text()
	if err != nil {
		return nil, err
	}

	marker := ""
	for _, m := range commentMarkers {
		if strings.HasPrefix(text, m) {
			marker = m
			break
		}
	}
	if marker == "" {
		return nil, errors.InvalidData(errors.PhaseLoad, []string{id}, "runner text does not start with a comment")
	}

	var version string
	var manifest strings.Builder
	for i, line := range strings.Split(text, "\n") {
		line = strings.TrimSuffix(line, "\r")
		if !strings.HasPrefix(line, marker) {
			break
		}
		line = line[len(marker):]
		if i == 0 && strings.HasPrefix(strings.TrimSpace(line), "v") {
			version = strings.TrimSpace(line)
			continue
		}
		if i == 0 {
			Logger().Warn("runner comment does not start with a version, using default",
				zap.String("runner", id), zap.Stringer("default", buildid.AbsentVersion))
		}
		manifest.WriteString(line)
		manifest.WriteByte('\n')
	}
	if version == "" {
		version = buildid.AbsentVersion.String()
	}
	return single(id, buf, version, manifest.String()), nil
}

func single(id string, buf *bytebuf.Buffer, version, manifest string) *Archive {
	a := newArchive(id, buf.Len())
	a.add(SingleFile, buf.View())
	a.add(VersionFile, bytebuf.FromBytes([]byte(version)).View())
	a.add(ManifestJSON, bytebuf.FromBytes([]byte(manifest)).View())
	a.seal()
	a.backing = []*bytebuf.Buffer{buf}
	return a
}

// ParseVersion extracts the version declared by an archive without
// resolving or executing it.
func ParseVersion(buf *bytebuf.Buffer) (buildid.Version, error) {
	a, err := Parse("<input>", buf.Retain())
	if err != nil {
		buf.Release()
		return buildid.Version{}, err
	}
	defer a.Release()
	return a.Version()
}
