// Package extract turns runtime analytics payloads into the normalized entity graph.
//
// A payload is first parsed and classified into a Document, which is then filtered by Admit and
// converted by Extract.
package extract

import (
	"encoding/json"
	"errors"
	"io"
	"strings"
)

// Kind is the record kind of a payload.
type Kind int

const (
	// KindJvm is a full JVM instance snapshot.
	KindJvm Kind = iota + 1
	// KindEap is a full application server instance snapshot.
	KindEap
	// KindUpdate lists jars loaded after a full snapshot.
	KindUpdate
)

func (k Kind) String() string {
	switch k {
	case KindJvm:
		return "jvm"
	case KindEap:
		return "eap"
	case KindUpdate:
		return "update"
	default:
		return "unknown"
	}
}

// Document is a classified payload with its sections already located.
type Document struct {
	Kind Kind

	// Raw is the payload text.
	Raw  string
	Root map[string]any

	Basic       map[string]any
	Eap         map[string]any
	UpdatedJars map[string]any
}

// Parse decodes a JSON payload and classifies it.
//
// Numbers are kept as json.Number so they render with their original text.
func Parse(raw string) (Document, error) {
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()

	var root map[string]any
	if err := dec.Decode(&root); err != nil {
		return Document{}, decodeErrorf("invalid JSON payload: %v", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return Document{}, decodeErrorf("invalid JSON payload: trailing data")
	}
	if root == nil {
		return Document{}, decodeErrorf("payload is not a JSON object")
	}

	doc, err := Classify(root)
	if err != nil {
		return Document{}, err
	}
	doc.Raw = raw
	return doc, nil
}

// Classify decides the record kind of root from its top level sections. The first match wins:
//   - no "basic" but "updated-jars": update.
//   - neither "basic" nor "updated-jars": decode error.
//   - "basic" and "eap": application server instance.
//   - "basic" alone: JVM instance.
func Classify(root map[string]any) (Document, error) {
	doc := Document{Root: root}

	basic, err := section(root, "basic")
	if err != nil {
		return Document{}, err
	}
	if basic == nil {
		updatedJars, err := section(root, "updated-jars")
		if err != nil {
			return Document{}, err
		}
		if updatedJars == nil {
			return Document{}, decodeErrorf("missing required section: payload has neither basic nor updated-jars")
		}
		doc.Kind = KindUpdate
		doc.UpdatedJars = updatedJars
		return doc, nil
	}
	doc.Basic = basic

	eap, err := section(root, "eap")
	if err != nil {
		return Document{}, err
	}
	if eap != nil {
		doc.Kind = KindEap
		doc.Eap = eap
		return doc, nil
	}

	doc.Kind = KindJvm
	return doc, nil
}

// section returns the object under key, or nil when the key is absent or null.
func section(m map[string]any, key string) (map[string]any, error) {
	v, ok := m[key]
	if !ok || v == nil {
		return nil, nil
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, decodeErrorf("%q is not an object", key)
	}
	return obj, nil
}

// list returns the array under key, or nil when the key is absent or null.
func list(m map[string]any, key string) ([]any, error) {
	v, ok := m[key]
	if !ok || v == nil {
		return nil, nil
	}
	l, ok := v.([]any)
	if !ok {
		return nil, decodeErrorf("%q is not an array", key)
	}
	return l, nil
}
