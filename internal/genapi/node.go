package genapi

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Kind はノードの種別を表す
type Kind string

const (
	KindCategory      Kind = "Category"
	KindInteger       Kind = "Integer"
	KindIntReg        Kind = "IntReg"
	KindMaskedIntReg  Kind = "MaskedIntReg"
	KindFloat         Kind = "Float"
	KindFloatReg      Kind = "FloatReg"
	KindEnumeration   Kind = "Enumeration"
	KindCommand       Kind = "Command"
	KindBoolean       Kind = "Boolean"
	KindStringReg     Kind = "StringReg"
	KindString        Kind = "String"
	KindIntSwissKnife Kind = "IntSwissKnife"
	KindSwissKnife    Kind = "SwissKnife"
	KindConverter     Kind = "Converter"
	KindPort          Kind = "Port"
	KindRegister      Kind = "Register"
	KindNode          Kind = "Node"
)

// AccessMode はノードのアクセスモード
type AccessMode string

const (
	AccessRO AccessMode = "RO"
	AccessWO AccessMode = "WO"
	AccessRW AccessMode = "RW"
)

// node はパース済みのノード
type node struct {
	m    *NodeMap
	kind Kind
	name string

	// 子要素名 → テキスト（Address のように複数回出現するものがある）
	fields map[string][]string

	entries []*enumEntry

	// SwissKnife 用
	formula expr
	vars    map[string]string
	consts  map[string]float64
	exprs   map[string]expr
}

// enumEntry は Enumeration の選択肢
type enumEntry struct {
	name           string
	symbolic       string
	displayName    string
	value          int64
	pIsAvailable   string
	pIsImplemented string
}

func (n *node) field(name string) (string, bool) {
	v := n.fields[name]
	if len(v) == 0 {
		return "", false
	}
	return v[0], true
}

// ref は pXxx で参照されるノードを返す
func (n *node) ref(field string) (*node, bool, error) {
	name, ok := n.field(field)
	if !ok {
		return nil, false, nil
	}
	target, exists := n.m.nodes[name]
	if !exists {
		return nil, true, nodeError(n.name, fmt.Errorf("%s が参照する %s: %w", field, name, ErrNodeNotFound))
	}
	return target, true, nil
}

// accessMode はノードの実効アクセスモードを返す
func (n *node) accessMode() AccessMode {
	if v, ok := n.field("ImposedAccessMode"); ok {
		return AccessMode(v)
	}
	switch n.kind {
	case KindIntSwissKnife, KindSwissKnife:
		return AccessRO
	case KindIntReg, KindMaskedIntReg, KindFloatReg, KindStringReg, KindRegister:
		if v, ok := n.field("AccessMode"); ok {
			return AccessMode(v)
		}
		return AccessRW
	}

	if target, ok, err := n.ref("pValue"); ok && err == nil {
		return target.accessMode()
	}
	return AccessRW
}

func (n *node) checkReadable() error {
	if n.accessMode() == AccessWO {
		return nodeError(n.name, ErrAccessDenied)
	}
	return nil
}

func (n *node) checkWritable() error {
	if n.accessMode() == AccessRO {
		return nodeError(n.name, ErrAccessDenied)
	}
	return nil
}

// intValue はノードの値を整数として取得する
func (n *node) intValue() (int64, error) {
	if err := n.checkReadable(); err != nil {
		return 0, err
	}

	switch n.kind {
	case KindInteger, KindEnumeration, KindBoolean, KindCommand, KindFloat:
		if target, ok, err := n.ref("pValue"); ok {
			if err != nil {
				return 0, err
			}
			return target.intValue()
		}
		v, ok := n.field("Value")
		if !ok {
			return 0, nodeError(n.name, fmt.Errorf("Value も pValue もありません"))
		}
		if n.kind == KindFloat {
			f, err := parseFloat(v)
			return int64(f), err
		}
		return parseInt(v)

	case KindIntReg:
		b, err := n.readRegister()
		if err != nil {
			return 0, err
		}
		return decodeInt(b, n.bigEndian(), n.signed()), nil

	case KindMaskedIntReg:
		b, err := n.readRegister()
		if err != nil {
			return 0, err
		}
		raw := uint64(decodeInt(b, n.bigEndian(), false))
		lsb, width, err := n.bitRange(len(b))
		if err != nil {
			return 0, err
		}
		v := (raw >> lsb) & maskOf(width)
		if n.signed() && width < 64 && v&(1<<(width-1)) != 0 {
			v |= ^maskOf(width)
		}
		return int64(v), nil

	case KindFloatReg, KindSwissKnife:
		f, err := n.floatValue()
		return int64(f), err

	case KindIntSwissKnife:
		f, err := n.evaluate()
		return int64(f), err

	case KindConverter:
		return 0, nodeError(n.name, ErrUnsupported)
	}

	return 0, nodeError(n.name, fmt.Errorf("%s を整数として読めません: %w", n.kind, ErrTypeMismatch))
}

// setIntValue はノードへ整数値を書き込む
func (n *node) setIntValue(v int64) error {
	if err := n.checkWritable(); err != nil {
		return err
	}

	switch n.kind {
	case KindInteger, KindEnumeration, KindBoolean, KindCommand, KindFloat:
		if target, ok, err := n.ref("pValue"); ok {
			if err != nil {
				return err
			}
			return target.setIntValue(v)
		}
		// 定数値のノードはメモリ上で保持する
		n.fields["Value"] = []string{strconv.FormatInt(v, 10)}
		return nil

	case KindIntReg:
		length, err := n.length()
		if err != nil {
			return err
		}
		return n.writeRegister(encodeInt(v, length, n.bigEndian()))

	case KindMaskedIntReg:
		b, err := n.readRegister()
		if err != nil {
			return err
		}
		raw := uint64(decodeInt(b, n.bigEndian(), false))
		lsb, width, err := n.bitRange(len(b))
		if err != nil {
			return err
		}
		mask := maskOf(width) << lsb
		raw = (raw &^ mask) | ((uint64(v) << lsb) & mask)
		return n.writeRegister(encodeInt(int64(raw), len(b), n.bigEndian()))

	case KindFloatReg:
		return n.setFloatValue(float64(v))
	}

	return nodeError(n.name, fmt.Errorf("%s へ整数を書き込めません: %w", n.kind, ErrTypeMismatch))
}

// floatValue はノードの値を浮動小数点として取得する
func (n *node) floatValue() (float64, error) {
	if err := n.checkReadable(); err != nil {
		return 0, err
	}

	switch n.kind {
	case KindFloat:
		if target, ok, err := n.ref("pValue"); ok {
			if err != nil {
				return 0, err
			}
			return target.floatValue()
		}
		v, ok := n.field("Value")
		if !ok {
			return 0, nodeError(n.name, fmt.Errorf("Value も pValue もありません"))
		}
		return parseFloat(v)

	case KindFloatReg:
		b, err := n.readRegister()
		if err != nil {
			return 0, err
		}
		return decodeFloat(b, n.bigEndian())

	case KindSwissKnife, KindIntSwissKnife:
		f, err := n.evaluate()
		if err != nil {
			return 0, err
		}
		if n.kind == KindIntSwissKnife {
			return math.Trunc(f), nil
		}
		return f, nil
	}

	i, err := n.intValue()
	return float64(i), err
}

// setFloatValue はノードへ浮動小数点値を書き込む
func (n *node) setFloatValue(v float64) error {
	if err := n.checkWritable(); err != nil {
		return err
	}

	switch n.kind {
	case KindFloat:
		if target, ok, err := n.ref("pValue"); ok {
			if err != nil {
				return err
			}
			return target.setFloatValue(v)
		}
		n.fields["Value"] = []string{strconv.FormatFloat(v, 'g', -1, 64)}
		return nil

	case KindFloatReg:
		length, err := n.length()
		if err != nil {
			return err
		}
		b, err := encodeFloat(v, length, n.bigEndian())
		if err != nil {
			return nodeError(n.name, err)
		}
		return n.writeRegister(b)
	}

	return n.setIntValue(int64(math.Round(v)))
}

// evaluate は SwissKnife の数式を評価する
func (n *node) evaluate() (float64, error) {
	if n.formula == nil {
		return 0, nodeError(n.name, fmt.Errorf("Formula がありません"))
	}

	sc := &scope{integer: n.kind == KindIntSwissKnife}
	sc.lookup = func(name string) (float64, error) {
		if ex, ok := n.exprs[name]; ok {
			return ex.eval(sc)
		}
		if c, ok := n.consts[name]; ok {
			return c, nil
		}
		if target, ok := n.vars[name]; ok {
			ref, exists := n.m.nodes[target]
			if !exists {
				return 0, nodeError(n.name, fmt.Errorf("変数 %s が参照する %s: %w", name, target, ErrNodeNotFound))
			}
			return ref.floatValue()
		}
		if c, ok := builtinConstant(name); ok {
			return c, nil
		}
		return 0, nodeError(n.name, fmt.Errorf("未定義の変数 %s", name))
	}

	v, err := n.formula.eval(sc)
	if err != nil {
		return 0, nodeError(n.name, err)
	}
	return v, nil
}

// address はレジスタのアドレスを計算する（Address と pAddress の総和）
func (n *node) address() (int64, error) {
	var addr int64
	for _, a := range n.fields["Address"] {
		v, err := parseInt(a)
		if err != nil {
			return 0, nodeError(n.name, err)
		}
		addr += v
	}
	for _, p := range n.fields["pAddress"] {
		target, exists := n.m.nodes[p]
		if !exists {
			return 0, nodeError(n.name, fmt.Errorf("pAddress %s: %w", p, ErrNodeNotFound))
		}
		v, err := target.intValue()
		if err != nil {
			return 0, err
		}
		addr += v
	}
	return addr, nil
}

// length はレジスタ長を返す
func (n *node) length() (int, error) {
	if target, ok, err := n.ref("pLength"); ok {
		if err != nil {
			return 0, err
		}
		v, err := target.intValue()
		return int(v), err
	}
	v, ok := n.field("Length")
	if !ok {
		return 0, nodeError(n.name, fmt.Errorf("Length がありません"))
	}
	l, err := parseInt(v)
	if err != nil {
		return 0, nodeError(n.name, err)
	}
	if l <= 0 {
		return 0, nodeError(n.name, fmt.Errorf("無効な Length: %d", l))
	}
	return int(l), nil
}

func (n *node) bigEndian() bool {
	v, _ := n.field("Endianess")
	return v == "BigEndian"
}

func (n *node) signed() bool {
	v, _ := n.field("Sign")
	return v == "Signed"
}

// bitRange は MaskedIntReg の最下位ビット位置と幅を返す
func (n *node) bitRange(length int) (uint, uint, error) {
	var lsb, msb int64
	var err error
	if v, ok := n.field("Bit"); ok {
		if lsb, err = parseInt(v); err != nil {
			return 0, 0, nodeError(n.name, err)
		}
		msb = lsb
	} else {
		l, okL := n.field("LSB")
		m, okM := n.field("MSB")
		if !okL || !okM {
			return 0, 0, nodeError(n.name, fmt.Errorf("LSB / MSB または Bit がありません"))
		}
		if lsb, err = parseInt(l); err != nil {
			return 0, 0, nodeError(n.name, err)
		}
		if msb, err = parseInt(m); err != nil {
			return 0, 0, nodeError(n.name, err)
		}
	}

	// ビッグエンディアンのレジスタではビット0が最上位ビット
	if n.bigEndian() {
		top := int64(length*8 - 1)
		lsb, msb = top-lsb, top-msb
	}
	if lsb > msb {
		lsb, msb = msb, lsb
	}
	if lsb < 0 || msb >= int64(length*8) {
		return 0, 0, nodeError(n.name, fmt.Errorf("ビット範囲 %d..%d がレジスタ長 %d を超えています", lsb, msb, length))
	}
	return uint(lsb), uint(msb - lsb + 1), nil
}

func (n *node) readRegister() ([]byte, error) {
	addr, err := n.address()
	if err != nil {
		return nil, err
	}
	length, err := n.length()
	if err != nil {
		return nil, err
	}
	b, err := n.m.port.Read(addr, length)
	if err != nil {
		return nil, nodeError(n.name, fmt.Errorf("レジスタ読み出しに失敗: %w", err))
	}
	return b, nil
}

func (n *node) writeRegister(b []byte) error {
	addr, err := n.address()
	if err != nil {
		return err
	}
	if err := n.m.port.Write(addr, b); err != nil {
		return nodeError(n.name, fmt.Errorf("レジスタ書き込みに失敗: %w", err))
	}
	return nil
}

// stringValue は StringReg / String の値を返す
func (n *node) stringValue() (string, error) {
	if err := n.checkReadable(); err != nil {
		return "", err
	}
	switch n.kind {
	case KindStringReg:
		b, err := n.readRegister()
		if err != nil {
			return "", err
		}
		if i := strings.IndexByte(string(b), 0); i >= 0 {
			b = b[:i]
		}
		return string(b), nil
	case KindString:
		v, _ := n.field("Value")
		return v, nil
	}
	return "", nodeError(n.name, fmt.Errorf("%s を文字列として読めません: %w", n.kind, ErrTypeMismatch))
}

// setStringValue は StringReg / String へ書き込む
func (n *node) setStringValue(s string) error {
	if err := n.checkWritable(); err != nil {
		return err
	}
	switch n.kind {
	case KindStringReg:
		length, err := n.length()
		if err != nil {
			return err
		}
		if len(s) > length {
			return nodeError(n.name, fmt.Errorf("文字列長 %d > %d: %w", len(s), length, ErrOutOfRange))
		}
		b := make([]byte, length)
		copy(b, s)
		return n.writeRegister(b)
	case KindString:
		n.fields["Value"] = []string{s}
		return nil
	}
	return nodeError(n.name, fmt.Errorf("%s へ文字列を書き込めません: %w", n.kind, ErrTypeMismatch))
}

// isTrue は pIsAvailable などの参照先が非ゼロかを判定する（未指定は真）
func (m *NodeMap) isTrue(name string) bool {
	if name == "" {
		return true
	}
	target, exists := m.nodes[name]
	if !exists {
		return false
	}
	v, err := target.intValue()
	return err == nil && v != 0
}

func parseInt(s string) (int64, error) {
	s = strings.TrimSpace(s)
	v, err := strconv.ParseInt(s, 0, 64)
	if err == nil {
		return v, nil
	}
	u, uerr := strconv.ParseUint(s, 0, 64)
	if uerr == nil {
		return int64(u), nil
	}
	return 0, fmt.Errorf("整数 %q の解析に失敗: %w", s, err)
}

func parseFloat(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		i, err := parseInt(s)
		return float64(i), err
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("数値 %q の解析に失敗: %w", s, err)
	}
	return v, nil
}

func maskOf(width uint) uint64 {
	if width >= 64 {
		return ^uint64(0)
	}
	return (uint64(1) << width) - 1
}

// decodeInt はレジスタのバイト列を整数に変換する
func decodeInt(b []byte, big, signed bool) int64 {
	var u uint64
	for i := range b {
		var by byte
		if big {
			by = b[i]
		} else {
			by = b[len(b)-1-i]
		}
		u = u<<8 | uint64(by)
	}
	if signed && len(b) < 8 {
		bits := uint(len(b) * 8)
		if u&(1<<(bits-1)) != 0 {
			u |= ^maskOf(bits)
		}
	}
	return int64(u)
}

// encodeInt は整数をレジスタ長のバイト列に変換する
func encodeInt(v int64, length int, big bool) []byte {
	b := make([]byte, length)
	u := uint64(v)
	for i := 0; i < length; i++ {
		by := byte(u >> (8 * uint(i)))
		if big {
			b[length-1-i] = by
		} else {
			b[i] = by
		}
	}
	return b
}

func decodeFloat(b []byte, big bool) (float64, error) {
	var order binary.ByteOrder = binary.LittleEndian
	if big {
		order = binary.BigEndian
	}
	switch len(b) {
	case 4:
		return float64(math.Float32frombits(order.Uint32(b))), nil
	case 8:
		return math.Float64frombits(order.Uint64(b)), nil
	}
	return 0, fmt.Errorf("FloatReg の長さ %d は未対応です: %w", len(b), ErrUnsupported)
}

func encodeFloat(v float64, length int, big bool) ([]byte, error) {
	var order binary.ByteOrder = binary.LittleEndian
	if big {
		order = binary.BigEndian
	}
	b := make([]byte, length)
	switch length {
	case 4:
		order.PutUint32(b, math.Float32bits(float32(v)))
	case 8:
		order.PutUint64(b, math.Float64bits(v))
	default:
		return nil, fmt.Errorf("FloatReg の長さ %d は未対応です: %w", length, ErrUnsupported)
	}
	return b, nil
}
