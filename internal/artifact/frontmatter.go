package artifact

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"github.com/MEKXH/deskhand/internal/vault"
	"gopkg.in/yaml.v3"
)

const fileMode = 0o644

var (
	// ErrMissingFrontMatter indicates the document did not start with a YAML fence.
	ErrMissingFrontMatter = errors.New("artifact: missing frontmatter")
	// ErrMalformedFrontMatter indicates the YAML block could not be parsed.
	ErrMalformedFrontMatter = errors.New("artifact: malformed frontmatter")
)

// Split separates the YAML block from the body of a `---` fenced document.
func Split(content []byte) (meta []byte, body []byte, err error) {
	if len(content) == 0 {
		return nil, nil, ErrMissingFrontMatter
	}
	normalized := bytes.ReplaceAll(content, []byte("\r\n"), []byte("\n"))
	if !bytes.HasPrefix(normalized, []byte("---\n")) {
		return nil, nil, ErrMissingFrontMatter
	}
	rest := normalized[4:]
	if bytes.HasPrefix(rest, []byte("---\n")) || bytes.Equal(rest, []byte("---")) {
		return nil, bytes.TrimPrefix(rest[3:], []byte("\n")), nil
	}
	if idx := bytes.Index(rest, []byte("\n---\n")); idx >= 0 {
		return rest[:idx], rest[idx+5:], nil
	}
	if bytes.HasSuffix(rest, []byte("\n---")) {
		return rest[:len(rest)-4], nil, nil
	}
	return nil, nil, ErrMalformedFrontMatter
}

// Parse decodes the front matter of content into meta and returns the body
// with leading blank lines removed.
func Parse(content []byte, meta any) ([]byte, error) {
	raw, body, err := Split(content)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(raw, meta); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrontMatter, err)
	}
	return bytes.TrimLeft(body, "\n"), nil
}

// Render writes meta as a fenced YAML block followed by body.
func Render(meta any, body []byte) ([]byte, error) {
	data, err := yaml.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("artifact: encode frontmatter: %w", err)
	}
	var buf bytes.Buffer
	buf.WriteString("---\n")
	buf.Write(bytes.TrimRight(data, "\n"))
	buf.WriteString("\n---\n\n")
	buf.Write(body)
	if len(body) > 0 && !bytes.HasSuffix(body, []byte("\n")) {
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

// ReadFile parses the fenced document at path into meta.
func ReadFile(path string, meta any) ([]byte, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	body, err := Parse(content, meta)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return body, nil
}

// WriteFile renders meta and body and replaces path atomically.
func WriteFile(path string, meta any, body []byte) error {
	data, err := Render(meta, body)
	if err != nil {
		return err
	}
	return vault.WriteFileAtomic(path, data, fileMode)
}
