// Package kconfig loads, patches and atomically rewrites the kernel's JSON
// configuration file.
//
// The file is handled as a generic JSON tree: objects are map[string]any,
// arrays are []any and numbers are json.Number so that values this package
// never touches are written back unchanged. Only the handful of paths sboxd
// owns (inbounds, experimental.clash_api, experimental.cache_file and the
// domain strategy fields) are ever modified.
package kconfig

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

var (
	// ErrIO is returned when the configuration file cannot be read or written.
	ErrIO = errors.New("config io error")

	// ErrParse is returned when the configuration is not valid JSON.
	ErrParse = errors.New("config parse error")

	// ErrPath is returned when a path cannot be walked: it is empty, or an
	// existing node along it is not a container of the right kind.
	ErrPath = errors.New("config path error")
)

// Path is an ordered sequence of keys from the document root. A numeric key
// indexes into an array.
type Path []string

// ParsePath splits a dotted path such as "experimental.clash_api".
func ParsePath(s string) Path {
	if s == "" {
		return nil
	}
	return Path(strings.Split(s, "."))
}

func (p Path) String() string {
	return strings.Join(p, ".")
}

// Document is an in-memory JSON configuration bound to the file it came from.
type Document struct {
	path string
	perm os.FileMode
	root any
}

// Load reads and parses the configuration at path.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrIO, path, err)
	}
	doc, err := Parse(path, data)
	if err != nil {
		return nil, err
	}
	if info, err := os.Stat(path); err == nil {
		doc.perm = info.Mode().Perm()
	}
	return doc, nil
}

// Parse builds a Document from raw bytes. path is where Save will write.
func Parse(path string, data []byte) (*Document, error) {
	root, err := decode(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrParse, path, err)
	}
	return &Document{path: path, perm: 0644, root: root}, nil
}

// Validate reports whether data is a single well-formed JSON object.
func Validate(data []byte) error {
	root, err := decode(data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrParse, err)
	}
	if _, ok := root.(map[string]any); !ok {
		return fmt.Errorf("%w: top level is %s, want object", ErrParse, kindOf(root))
	}
	return nil
}

func decode(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var root any
	if err := dec.Decode(&root); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errors.New("trailing data after top-level value")
	}
	return root, nil
}

// Normalize converts an arbitrary Go value (structs, typed slices) into the
// generic tree representation used by Document.
func Normalize(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return decode(data)
}

// FilePath returns the file the document is saved to.
func (d *Document) FilePath() string {
	return d.path
}

// Root returns the underlying tree.
func (d *Document) Root() any {
	return d.root
}

// Get returns the value at p.
func (d *Document) Get(p Path) (any, bool) {
	node := d.root
	for _, key := range p {
		switch n := node.(type) {
		case map[string]any:
			v, ok := n[key]
			if !ok {
				return nil, false
			}
			node = v
		case []any:
			idx, err := strconv.Atoi(key)
			if err != nil || idx < 0 || idx >= len(n) {
				return nil, false
			}
			node = n[idx]
		default:
			return nil, false
		}
	}
	return node, true
}

// Set replaces the value at p with value, creating missing intermediate
// objects. Arrays are replaced wholesale. On error the document is unchanged.
func (d *Document) Set(p Path, value any) error {
	if len(p) == 0 {
		return fmt.Errorf("%w: empty path", ErrPath)
	}
	v, err := Normalize(value)
	if err != nil {
		return fmt.Errorf("%w: encode value for %s: %v", ErrPath, p, err)
	}
	root, err := setAt(d.root, p, 0, v)
	if err != nil {
		return err
	}
	d.root = root
	return nil
}

// Merge sets each of fields under the object at p, keeping the object's
// other keys. A missing object is created.
func (d *Document) Merge(p Path, fields map[string]any) error {
	merged := make(map[string]any, len(fields))
	if cur, ok := d.Get(p); ok && cur != nil {
		obj, isObj := cur.(map[string]any)
		if !isObj {
			return fmt.Errorf("%w: %s is %s, not an object", ErrPath, p, kindOf(cur))
		}
		for k, v := range obj {
			merged[k] = v
		}
	}
	for k, v := range fields {
		merged[k] = v
	}
	return d.Set(p, merged)
}

// setAt walks node along p[depth:] and returns the replacement for node.
// Containers are only written on the way back up, so a failing walk leaves
// the tree untouched.
func setAt(node any, p Path, depth int, value any) (any, error) {
	if depth == len(p) {
		return value, nil
	}
	key := p[depth]

	switch n := node.(type) {
	case nil:
		child, err := setAt(nil, p, depth+1, value)
		if err != nil {
			return nil, err
		}
		return map[string]any{key: child}, nil
	case map[string]any:
		child, err := setAt(n[key], p, depth+1, value)
		if err != nil {
			return nil, err
		}
		n[key] = child
		return n, nil
	case []any:
		idx, err := strconv.Atoi(key)
		if err != nil || idx < 0 || idx >= len(n) {
			return nil, fmt.Errorf("%w: %s: no element %q in array of %d",
				ErrPath, p[:depth+1], key, len(n))
		}
		child, err := setAt(n[idx], p, depth+1, value)
		if err != nil {
			return nil, err
		}
		n[idx] = child
		return n, nil
	default:
		return nil, fmt.Errorf("%w: %s is %s, not an object", ErrPath, p[:depth], kindOf(node))
	}
}

func kindOf(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case map[string]any:
		return "an object"
	case []any:
		return "an array"
	case string:
		return "a string"
	case bool:
		return "a boolean"
	case json.Number, float64:
		return "a number"
	default:
		return fmt.Sprintf("%T", v)
	}
}

// Bytes serializes the whole document, indented, with a trailing newline.
func (d *Document) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(d.root); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Save writes the document back to its file atomically.
func (d *Document) Save() error {
	data, err := d.Bytes()
	if err != nil {
		return fmt.Errorf("%w: encode %s: %v", ErrIO, d.path, err)
	}
	return WriteFileAtomic(d.path, data, d.perm)
}

// Update loads the file at path, applies fn and saves the result. If fn
// fails nothing is written.
func Update(path string, fn func(*Document) error) error {
	doc, err := Load(path)
	if err != nil {
		return err
	}
	if err := fn(doc); err != nil {
		return err
	}
	return doc.Save()
}
