package genapi

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
)

// NodeMap はデバイスのGenApiノード一式
type NodeMap struct {
	port  Port
	nodes map[string]*node
	order []string
	mu    sync.Mutex
}

// Parse はGenApi XMLを解析して NodeMap を作成する
func Parse(data []byte, port Port) (*NodeMap, error) {
	if port == nil {
		return nil, fmt.Errorf("Port が指定されていません")
	}

	root, err := decodeDocument(data)
	if err != nil {
		return nil, err
	}

	m := &NodeMap{
		port:  port,
		nodes: make(map[string]*node),
	}

	var elems []*element
	collectNodes(root, &elems)
	for _, e := range elems {
		n, err := newNode(m, e)
		if err != nil {
			return nil, err
		}
		if _, dup := m.nodes[n.name]; dup {
			return nil, fmt.Errorf("ノード名 %s が重複しています", n.name)
		}
		m.nodes[n.name] = n
		m.order = append(m.order, n.name)
	}

	return m, nil
}

// Names はXML上の記述順でノード名一覧を返す
func (m *NodeMap) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := make([]string, len(m.order))
	copy(names, m.order)
	return names
}

// Has はノードが存在するかを返す
func (m *NodeMap) Has(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.nodes[name]
	return ok
}

// Kind はノードの種別を返す
func (m *NodeMap) Kind(name string) (Kind, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.nodes[name]
	if !ok {
		return "", nodeError(name, ErrNodeNotFound)
	}
	return n.kind, nil
}

// lookup は種別を確認してノードを取得する
func (m *NodeMap) lookup(name string, kinds ...Kind) (*node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.nodes[name]
	if !ok {
		return nil, nodeError(name, ErrNodeNotFound)
	}
	for _, k := range kinds {
		if n.kind == k {
			return n, nil
		}
	}
	return nil, nodeError(name, fmt.Errorf("%s: %w", n.kind, ErrTypeMismatch))
}

// Integer は整数ノードを取得する
func (m *NodeMap) Integer(name string) (*Integer, error) {
	n, err := m.lookup(name, KindInteger, KindIntReg, KindMaskedIntReg, KindIntSwissKnife)
	if err != nil {
		return nil, err
	}
	return &Integer{n: n}, nil
}

// Float は浮動小数点ノードを取得する
func (m *NodeMap) Float(name string) (*Float, error) {
	n, err := m.lookup(name, KindFloat, KindFloatReg, KindSwissKnife)
	if err != nil {
		return nil, err
	}
	return &Float{n: n}, nil
}

// Enumeration は列挙ノードを取得する
func (m *NodeMap) Enumeration(name string) (*Enumeration, error) {
	n, err := m.lookup(name, KindEnumeration)
	if err != nil {
		return nil, err
	}
	return &Enumeration{n: n}, nil
}

// Command はコマンドノードを取得する
func (m *NodeMap) Command(name string) (*Command, error) {
	n, err := m.lookup(name, KindCommand)
	if err != nil {
		return nil, err
	}
	return &Command{n: n}, nil
}

// Boolean は真偽値ノードを取得する
func (m *NodeMap) Boolean(name string) (*Boolean, error) {
	n, err := m.lookup(name, KindBoolean)
	if err != nil {
		return nil, err
	}
	return &Boolean{n: n}, nil
}

// String は文字列ノードを取得する
func (m *NodeMap) String(name string) (*String, error) {
	n, err := m.lookup(name, KindStringReg, KindString)
	if err != nil {
		return nil, err
	}
	return &String{n: n}, nil
}

// ValueString はノードの値を種別に応じた文字列で返す
func (m *NodeMap) ValueString(name string) (string, error) {
	kind, err := m.Kind(name)
	if err != nil {
		return "", err
	}

	switch kind {
	case KindInteger, KindIntReg, KindMaskedIntReg, KindIntSwissKnife:
		i, _ := m.Integer(name)
		v, err := i.Value()
		if err != nil {
			return "", err
		}
		return strconv.FormatInt(v, 10), nil
	case KindFloat, KindFloatReg, KindSwissKnife:
		f, _ := m.Float(name)
		v, err := f.Value()
		if err != nil {
			return "", err
		}
		return strconv.FormatFloat(v, 'g', -1, 64), nil
	case KindEnumeration:
		e, _ := m.Enumeration(name)
		return e.Value()
	case KindBoolean:
		b, _ := m.Boolean(name)
		v, err := b.Value()
		if err != nil {
			return "", err
		}
		return strconv.FormatBool(v), nil
	case KindStringReg, KindString:
		s, _ := m.String(name)
		return s.Value()
	}
	return "", nodeError(name, fmt.Errorf("%s は値を持ちません: %w", kind, ErrUnsupported))
}

// SetFromString は文字列の値を種別に応じて変換して書き込む
// Command ノードの場合は値に関わらず実行する
func (m *NodeMap) SetFromString(name, value string) error {
	kind, err := m.Kind(name)
	if err != nil {
		return err
	}

	switch kind {
	case KindInteger, KindIntReg, KindMaskedIntReg:
		v, err := parseInt(value)
		if err != nil {
			return nodeError(name, fmt.Errorf("%v: %w", err, ErrInvalidValue))
		}
		i, _ := m.Integer(name)
		return i.SetValue(v)
	case KindFloat, KindFloatReg:
		v, err := parseFloat(value)
		if err != nil {
			return nodeError(name, fmt.Errorf("%v: %w", err, ErrInvalidValue))
		}
		f, _ := m.Float(name)
		return f.SetValue(v)
	case KindEnumeration:
		e, _ := m.Enumeration(name)
		return e.SetValue(value)
	case KindBoolean:
		v, err := strconv.ParseBool(strings.ToLower(value))
		if err != nil {
			return nodeError(name, fmt.Errorf("%v: %w", err, ErrInvalidValue))
		}
		b, _ := m.Boolean(name)
		return b.SetValue(v)
	case KindStringReg, KindString:
		s, _ := m.String(name)
		return s.SetValue(value)
	case KindCommand:
		c, _ := m.Command(name)
		return c.Execute()
	}
	return nodeError(name, fmt.Errorf("%s へは書き込めません: %w", kind, ErrUnsupported))
}

// Integer は整数フィーチャ
type Integer struct {
	n *node
}

// Name はノード名を返す
func (i *Integer) Name() string { return i.n.name }

// Value は現在値を返す
func (i *Integer) Value() (int64, error) {
	i.n.m.mu.Lock()
	defer i.n.m.mu.Unlock()
	return i.n.intValue()
}

// Min は最小値を返す
func (i *Integer) Min() (int64, error) {
	i.n.m.mu.Lock()
	defer i.n.m.mu.Unlock()
	return i.bound("Min", "pMin", math.MinInt64)
}

// Max は最大値を返す
func (i *Integer) Max() (int64, error) {
	i.n.m.mu.Lock()
	defer i.n.m.mu.Unlock()
	return i.bound("Max", "pMax", math.MaxInt64)
}

// Inc は増分を返す
func (i *Integer) Inc() (int64, error) {
	i.n.m.mu.Lock()
	defer i.n.m.mu.Unlock()
	return i.inc()
}

func (i *Integer) inc() (int64, error) {
	v, err := i.bound("Inc", "pInc", 1)
	if err != nil {
		return 0, err
	}
	if v <= 0 {
		return 1, nil
	}
	return v, nil
}

// bound は定数または参照ノードから境界値を取得する
func (i *Integer) bound(field, pField string, def int64) (int64, error) {
	if target, ok, err := i.n.ref(pField); ok {
		if err != nil {
			return 0, err
		}
		return target.intValue()
	}
	if v, ok := i.n.field(field); ok {
		return parseInt(v)
	}
	return def, nil
}

// SetValue は範囲と増分を検証して値を書き込む
func (i *Integer) SetValue(v int64) error {
	i.n.m.mu.Lock()
	defer i.n.m.mu.Unlock()

	lo, err := i.bound("Min", "pMin", math.MinInt64)
	if err != nil {
		return err
	}
	hi, err := i.bound("Max", "pMax", math.MaxInt64)
	if err != nil {
		return err
	}
	if v < lo || v > hi {
		return nodeError(i.n.name, fmt.Errorf("%d (範囲 %d..%d): %w", v, lo, hi, ErrOutOfRange))
	}

	inc, err := i.inc()
	if err != nil {
		return err
	}
	base := lo
	if lo == math.MinInt64 {
		base = 0
	}
	if (v-base)%inc != 0 {
		return nodeError(i.n.name, fmt.Errorf("%d は増分 %d に一致しません: %w", v, inc, ErrInvalidValue))
	}

	return i.n.setIntValue(v)
}

// Float は浮動小数点フィーチャ
type Float struct {
	n *node
}

// Name はノード名を返す
func (f *Float) Name() string { return f.n.name }

// Value は現在値を返す
func (f *Float) Value() (float64, error) {
	f.n.m.mu.Lock()
	defer f.n.m.mu.Unlock()
	return f.n.floatValue()
}

// Unit は単位を返す
func (f *Float) Unit() string {
	v, _ := f.n.field("Unit")
	return v
}

func (f *Float) bound(field, pField string, def float64) (float64, error) {
	if target, ok, err := f.n.ref(pField); ok {
		if err != nil {
			return 0, err
		}
		return target.floatValue()
	}
	if v, ok := f.n.field(field); ok {
		return parseFloat(v)
	}
	return def, nil
}

// Min は最小値を返す
func (f *Float) Min() (float64, error) {
	f.n.m.mu.Lock()
	defer f.n.m.mu.Unlock()
	return f.bound("Min", "pMin", -math.MaxFloat64)
}

// Max は最大値を返す
func (f *Float) Max() (float64, error) {
	f.n.m.mu.Lock()
	defer f.n.m.mu.Unlock()
	return f.bound("Max", "pMax", math.MaxFloat64)
}

// SetValue は範囲を検証して値を書き込む
func (f *Float) SetValue(v float64) error {
	f.n.m.mu.Lock()
	defer f.n.m.mu.Unlock()

	lo, err := f.bound("Min", "pMin", -math.MaxFloat64)
	if err != nil {
		return err
	}
	hi, err := f.bound("Max", "pMax", math.MaxFloat64)
	if err != nil {
		return err
	}
	if v < lo || v > hi {
		return nodeError(f.n.name, fmt.Errorf("%g (範囲 %g..%g): %w", v, lo, hi, ErrOutOfRange))
	}
	return f.n.setFloatValue(v)
}

// Enumeration は列挙フィーチャ
type Enumeration struct {
	n *node
}

// Name はノード名を返す
func (e *Enumeration) Name() string { return e.n.name }

// available は利用可能なエントリを記述順で返す
func (e *Enumeration) available() []*enumEntry {
	entries := make([]*enumEntry, 0, len(e.n.entries))
	for _, entry := range e.n.entries {
		if !e.n.m.isTrue(entry.pIsImplemented) || !e.n.m.isTrue(entry.pIsAvailable) {
			continue
		}
		entries = append(entries, entry)
	}
	return entries
}

// Symbolics は選択可能なシンボリック名を記述順で返す
func (e *Enumeration) Symbolics() []string {
	e.n.m.mu.Lock()
	defer e.n.m.mu.Unlock()

	entries := e.available()
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.symbolic)
	}
	return names
}

// Value は現在のシンボリック名を返す
func (e *Enumeration) Value() (string, error) {
	e.n.m.mu.Lock()
	defer e.n.m.mu.Unlock()

	v, err := e.n.intValue()
	if err != nil {
		return "", err
	}
	for _, entry := range e.n.entries {
		if entry.value == v {
			return entry.symbolic, nil
		}
	}
	return "", nodeError(e.n.name, fmt.Errorf("値 0x%x に対応するエントリがありません: %w", v, ErrInvalidValue))
}

// IntValue は現在の整数値を返す
func (e *Enumeration) IntValue() (int64, error) {
	e.n.m.mu.Lock()
	defer e.n.m.mu.Unlock()
	return e.n.intValue()
}

// SetValue はシンボリック名で値を設定する
func (e *Enumeration) SetValue(symbolic string) error {
	e.n.m.mu.Lock()
	defer e.n.m.mu.Unlock()

	for _, entry := range e.available() {
		if entry.symbolic == symbolic {
			return e.n.setIntValue(entry.value)
		}
	}
	return nodeError(e.n.name, fmt.Errorf("%q は選択できません: %w", symbolic, ErrInvalidValue))
}

// EntryValue はシンボリック名に対応する整数値を返す
func (e *Enumeration) EntryValue(symbolic string) (int64, bool) {
	e.n.m.mu.Lock()
	defer e.n.m.mu.Unlock()

	for _, entry := range e.n.entries {
		if entry.symbolic == symbolic {
			return entry.value, true
		}
	}
	return 0, false
}

// Command はコマンドフィーチャ
type Command struct {
	n *node
}

// Name はノード名を返す
func (c *Command) Name() string { return c.n.name }

func (c *Command) commandValue() (int64, error) {
	if target, ok, err := c.n.ref("pCommandValue"); ok {
		if err != nil {
			return 0, err
		}
		return target.intValue()
	}
	if v, ok := c.n.field("CommandValue"); ok {
		return parseInt(v)
	}
	return 1, nil
}

// Execute はコマンドを実行する
func (c *Command) Execute() error {
	c.n.m.mu.Lock()
	defer c.n.m.mu.Unlock()

	v, err := c.commandValue()
	if err != nil {
		return err
	}
	return c.n.setIntValue(v)
}

// IsDone はコマンドの完了を返す
// 書き込み専用のレジスタは常に完了扱いとする
func (c *Command) IsDone() (bool, error) {
	c.n.m.mu.Lock()
	defer c.n.m.mu.Unlock()

	if c.n.accessMode() == AccessWO {
		return true, nil
	}
	v, err := c.n.intValue()
	if err != nil {
		return false, err
	}
	cv, err := c.commandValue()
	if err != nil {
		return false, err
	}
	return v != cv, nil
}

// Boolean は真偽値フィーチャ
type Boolean struct {
	n *node
}

// Name はノード名を返す
func (b *Boolean) Name() string { return b.n.name }

func (b *Boolean) onOff() (int64, int64, error) {
	on, off := int64(1), int64(0)
	var err error
	if v, ok := b.n.field("OnValue"); ok {
		if on, err = parseInt(v); err != nil {
			return 0, 0, err
		}
	}
	if v, ok := b.n.field("OffValue"); ok {
		if off, err = parseInt(v); err != nil {
			return 0, 0, err
		}
	}
	return on, off, nil
}

// Value は現在値を返す
func (b *Boolean) Value() (bool, error) {
	b.n.m.mu.Lock()
	defer b.n.m.mu.Unlock()

	on, _, err := b.onOff()
	if err != nil {
		return false, err
	}
	v, err := b.n.intValue()
	if err != nil {
		return false, err
	}
	return v == on, nil
}

// SetValue は値を書き込む
func (b *Boolean) SetValue(v bool) error {
	b.n.m.mu.Lock()
	defer b.n.m.mu.Unlock()

	on, off, err := b.onOff()
	if err != nil {
		return err
	}
	if v {
		return b.n.setIntValue(on)
	}
	return b.n.setIntValue(off)
}

// String は文字列フィーチャ
type String struct {
	n *node
}

// Name はノード名を返す
func (s *String) Name() string { return s.n.name }

// Value は現在値を返す
func (s *String) Value() (string, error) {
	s.n.m.mu.Lock()
	defer s.n.m.mu.Unlock()
	return s.n.stringValue()
}

// SetValue は値を書き込む
func (s *String) SetValue(v string) error {
	s.n.m.mu.Lock()
	defer s.n.m.mu.Unlock()
	return s.n.setStringValue(v)
}
