// Package xmlparse is the XML parsing handler module (spec's "XML
// parsing" external collaborator, §1): a stateless pair of functions
// that turn an XML document into a generic tree and back. Unlike
// database/ssh/http_agent, no function here allocates a handle — there
// is no long-lived native resource to hold open between calls, so
// every call is a single self-contained transform.
//
// Standard-library justification (required per this repo's grounding
// discipline for any non-third-party choice): no XML parsing or
// building library appears anywhere in the retrieval pack. The only
// markup-adjacent dependencies present are HTML-oriented
// (goquery/cascadia), the wrong format entirely. encoding/xml is the
// correct and only grounded choice for this module.
package xmlparse

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"strings"

	"github.com/CodeAmalgamation/bridged/handler"
)

// New builds the xmlparse module. No HandleParam entries: every
// function is a pure transform over its params, so the dispatcher
// never needs to take a per-handle lock for this module.
func New() *handler.Module {
	return &handler.Module{
		Name: "xml",
		Functions: map[string]handler.Func{
			"parse": parseFn,
			"build": buildFn,
		},
	}
}

// node mirrors the shape a caller gets back from parse and must supply
// to build: {tag, attrs, text, children}.
type node struct {
	Tag      string            `json:"tag"`
	Attrs    map[string]string `json:"attrs,omitempty"`
	Text     string            `json:"text,omitempty"`
	Children []node            `json:"children,omitempty"`
}

type parseArgs struct {
	Document string `param:"document"`
}

func parseFn(ctx context.Context, params map[string]any, f handler.Facade) (any, error) {
	var args parseArgs
	if err := handler.Bind(params, &args); err != nil {
		return nil, err
	}

	decoder := xml.NewDecoder(strings.NewReader(args.Document))
	root, err := decodeElement(decoder)
	if err != nil {
		return nil, fmt.Errorf("xmlparse: parse: %w", err)
	}

	return map[string]any{"success": true, "root": root}, nil
}

// decodeElement reads tokens until it has consumed one complete
// element (its start tag through its matching end tag), building a
// node tree recursively. Called once at the top level to find the
// document's root element.
func decodeElement(decoder *xml.Decoder) (*node, error) {
	for {
		tok, err := decoder.Token()
		if err != nil {
			return nil, err
		}
		if start, ok := tok.(xml.StartElement); ok {
			return decodeChildren(decoder, start)
		}
	}
}

func decodeChildren(decoder *xml.Decoder, start xml.StartElement) (*node, error) {
	n := &node{Tag: start.Name.Local}
	if len(start.Attr) > 0 {
		n.Attrs = make(map[string]string, len(start.Attr))
		for _, a := range start.Attr {
			n.Attrs[a.Name.Local] = a.Value
		}
	}

	var text strings.Builder
	for {
		tok, err := decoder.Token()
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			child, err := decodeChildren(decoder, t)
			if err != nil {
				return nil, err
			}
			n.Children = append(n.Children, *child)
		case xml.CharData:
			text.Write(t)
		case xml.EndElement:
			n.Text = strings.TrimSpace(text.String())
			return n, nil
		}
	}
}

type buildArgs struct {
	Root node `param:"root"`
}

func buildFn(ctx context.Context, params map[string]any, f handler.Facade) (any, error) {
	var args buildArgs
	if err := handler.Bind(params, &args); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	encoder := xml.NewEncoder(&buf)
	if err := encodeNode(encoder, &args.Root); err != nil {
		return nil, fmt.Errorf("xmlparse: build: %w", err)
	}
	if err := encoder.Flush(); err != nil {
		return nil, fmt.Errorf("xmlparse: flush: %w", err)
	}

	return map[string]any{"success": true, "document": buf.String()}, nil
}

func encodeNode(encoder *xml.Encoder, n *node) error {
	attrs := make([]xml.Attr, 0, len(n.Attrs))
	for k, v := range n.Attrs {
		attrs = append(attrs, xml.Attr{Name: xml.Name{Local: k}, Value: v})
	}
	start := xml.StartElement{Name: xml.Name{Local: n.Tag}, Attr: attrs}

	if err := encoder.EncodeToken(start); err != nil {
		return err
	}
	if n.Text != "" {
		if err := encoder.EncodeToken(xml.CharData(n.Text)); err != nil {
			return err
		}
	}
	for i := range n.Children {
		if err := encodeNode(encoder, &n.Children[i]); err != nil {
			return err
		}
	}
	return encoder.EncodeToken(xml.EndElement{Name: start.Name})
}
