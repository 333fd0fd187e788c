package genapi

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strings"
)

// element はGenApi XMLの要素を汎用的に保持する
type element struct {
	XMLName  xml.Name
	Attrs    []xml.Attr `xml:",any,attr"`
	Text     string     `xml:",chardata"`
	Children []element  `xml:",any"`
}

// attr は属性値を返す
func (e *element) attr(name string) string {
	for _, a := range e.Attrs {
		if a.Name.Local == name {
			return a.Value
		}
	}
	return ""
}

// nodeKinds はXML要素名とノード種別の対応
var nodeKinds = map[string]Kind{
	"Category":      KindCategory,
	"Integer":       KindInteger,
	"IntReg":        KindIntReg,
	"MaskedIntReg":  KindMaskedIntReg,
	"Float":         KindFloat,
	"FloatReg":      KindFloatReg,
	"Enumeration":   KindEnumeration,
	"Command":       KindCommand,
	"Boolean":       KindBoolean,
	"StringReg":     KindStringReg,
	"String":        KindString,
	"IntSwissKnife": KindIntSwissKnife,
	"SwissKnife":    KindSwissKnife,
	"Converter":     KindConverter,
	"IntConverter":  KindConverter,
	"Port":          KindPort,
	"Register":      KindRegister,
	"Node":          KindNode,
}

// decodeDocument はXMLを要素ツリーへ展開する
func decodeDocument(data []byte) (*element, error) {
	var root element
	dec := xml.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&root); err != nil {
		return nil, fmt.Errorf("XMLの解析に失敗: %w", err)
	}
	if root.XMLName.Local != "RegisterDescription" {
		return nil, fmt.Errorf("ルート要素が RegisterDescription ではありません: %s", root.XMLName.Local)
	}
	return &root, nil
}

// collectNodes はルート以下のノード要素を列挙する（Group は展開する）
func collectNodes(e *element, out *[]*element) {
	for i := range e.Children {
		c := &e.Children[i]
		if c.XMLName.Local == "Group" {
			collectNodes(c, out)
			continue
		}
		if _, ok := nodeKinds[c.XMLName.Local]; ok && c.attr("Name") != "" {
			*out = append(*out, c)
		}
	}
}

// newNode は要素からノードを構築する
func newNode(m *NodeMap, e *element) (*node, error) {
	n := &node{
		m:      m,
		kind:   nodeKinds[e.XMLName.Local],
		name:   e.attr("Name"),
		fields: make(map[string][]string),
		vars:   make(map[string]string),
		consts: make(map[string]float64),
		exprs:  make(map[string]expr),
	}

	for i := range e.Children {
		c := &e.Children[i]
		text := strings.TrimSpace(c.Text)

		switch c.XMLName.Local {
		case "EnumEntry":
			entry, err := newEnumEntry(n, c)
			if err != nil {
				return nil, err
			}
			n.entries = append(n.entries, entry)
		case "pVariable":
			n.vars[c.attr("Name")] = text
		case "Constant":
			v, err := parseFloat(text)
			if err != nil {
				return nil, nodeError(n.name, err)
			}
			n.consts[c.attr("Name")] = v
		case "Expression":
			ex, err := parseFormula(text)
			if err != nil {
				return nil, nodeError(n.name, fmt.Errorf("Expression %s: %w", c.attr("Name"), err))
			}
			n.exprs[c.attr("Name")] = ex
		case "Formula":
			ex, err := parseFormula(text)
			if err != nil {
				return nil, nodeError(n.name, fmt.Errorf("Formula: %w", err))
			}
			n.formula = ex
		default:
			n.fields[c.XMLName.Local] = append(n.fields[c.XMLName.Local], text)
		}
	}

	return n, nil
}

// newEnumEntry は EnumEntry 要素を解析する
func newEnumEntry(parent *node, e *element) (*enumEntry, error) {
	entry := &enumEntry{
		name: e.attr("Name"),
	}

	hasValue := false
	for i := range e.Children {
		c := &e.Children[i]
		text := strings.TrimSpace(c.Text)
		switch c.XMLName.Local {
		case "Value":
			v, err := parseInt(text)
			if err != nil {
				return nil, nodeError(parent.name, fmt.Errorf("EnumEntry %s: %w", entry.name, err))
			}
			entry.value = v
			hasValue = true
		case "Symbolic":
			entry.symbolic = text
		case "pIsAvailable":
			entry.pIsAvailable = text
		case "pIsImplemented":
			entry.pIsImplemented = text
		case "DisplayName":
			entry.displayName = text
		}
	}
	if !hasValue {
		return nil, nodeError(parent.name, fmt.Errorf("EnumEntry %s に Value がありません", entry.name))
	}

	if entry.symbolic == "" {
		entry.symbolic = strings.TrimPrefix(entry.name, "EnumEntry_")
		entry.symbolic = strings.TrimPrefix(entry.symbolic, parent.name+"_")
	}
	return entry, nil
}
